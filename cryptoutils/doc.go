// Package cryptoutils protects secp256k1 signing keys at rest.
//
// Key files seal a key with AES-256-GCM under an Argon2id-derived key:
//
//	WriteKeyFile(path, key, passphrase)
//	ReadKeyFile(path, passphrase)
//
// For keys that no single operator should hold, SplitKey produces Shamir
// shares, any threshold of which CombineKey turns back into the key. Each
// share records the key's address so a wrong or mixed set is detected.
package cryptoutils
