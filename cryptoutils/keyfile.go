package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
)

const keyFileVersion = 1

// Argon2id parameters: time=1, memory=64*1024, threads=4, keyLen=32
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupt key file")

// KDFParams records the Argon2id settings a key file was sealed with.
type KDFParams struct {
	Time    uint32        `json:"time"`
	Memory  uint32        `json:"memory"`
	Threads uint8         `json:"threads"`
	Salt    hexutil.Bytes `json:"salt"`
}

// KeyFile is the on-disk form of a passphrase-protected secp256k1 key.
type KeyFile struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	KDF        string         `json:"kdf"`
	KDFParams  KDFParams      `json:"kdf_params"`
	Nonce      hexutil.Bytes  `json:"nonce"`
	Ciphertext hexutil.Bytes  `json:"ciphertext"`
}

// EncryptKey seals key under a key derived from passphrase with Argon2id.
// The account address is stored in clear so the file can be identified
// without the passphrase.
func EncryptKey(key *ecdsa.PrivateKey, passphrase []byte) (*KeyFile, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	params := KDFParams{Time: argonTime, Memory: argonMemory, Threads: argonThreads, Salt: salt}

	aesGCM, err := newGCM(passphrase, params)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	address := crypto.PubkeyToAddress(key.PublicKey)
	ciphertext := aesGCM.Seal(nil, nonce, crypto.FromECDSA(key), address[:])

	return &KeyFile{
		Version:    keyFileVersion,
		Address:    address,
		KDF:        "argon2id",
		KDFParams:  params,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// DecryptKey opens kf with passphrase.
func DecryptKey(kf *KeyFile, passphrase []byte) (*ecdsa.PrivateKey, error) {
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	if kf.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported key derivation %q", kf.KDF)
	}

	aesGCM, err := newGCM(passphrase, kf.KDFParams)
	if err != nil {
		return nil, err
	}
	if len(kf.Nonce) != aesGCM.NonceSize() {
		return nil, ErrWrongPassphrase
	}

	plaintext, err := aesGCM.Open(nil, kf.Nonce, kf.Ciphertext, kf.Address[:])
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decrypted key: %w", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != kf.Address {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

func newGCM(passphrase []byte, params KDFParams) (cipher.AEAD, error) {
	if params.Threads == 0 || params.Memory == 0 || params.Time == 0 {
		return nil, errors.New("invalid key derivation parameters")
	}
	derived := argon2.IDKey(passphrase, params.Salt, params.Time, params.Memory, params.Threads, argonKeyLen)

	aesBlock, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// WriteKeyFile encrypts key and writes it to path with owner-only permissions.
func WriteKeyFile(path string, key *ecdsa.PrivateKey, passphrase []byte) (*KeyFile, error) {
	kf, err := EncryptKey(key, passphrase)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return kf, nil
}

// ReadKeyFile loads and decrypts the key stored at path.
func ReadKeyFile(path string, passphrase []byte) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	return DecryptKey(&kf, passphrase)
}
