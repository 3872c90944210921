// Package interfaces defines core interfaces and types for the DID and
// verifiable-credential ledger, separating contracts from implementations.
//
// # Ledger Types
//
//   - Account: 20-byte account identifier
//   - DID: did:key:0x<hex public key>, empty when unregistered
//   - CredentialHash: keccak256 commitment of a credential payload
//   - IdentityRecord, CredentialRecord: rows of the two ledger tables
//   - Event: hash-chained entry of the append-only event log
//
// # Ledger Interfaces
//
// Registry: the command/query contract (register, resolve, issue, verify,
// revoke, subscribe) implemented by package ledger.
//
// EventStore: durable append-only storage behind the event log, implemented
// by package eventlog.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for archived log segments and
// checkpoints across multiple backend types (file, S3, IPFS, GitHub, Vault).
//
// StorageBackendFactory: creates storage backends from URI strings.
//
// # Errors
//
// Command rejections (ErrIssuerNotRegistered, ErrHolderNotRegistered, ...)
// are distinguished from infrastructure failures by IsRejection.
package interfaces
