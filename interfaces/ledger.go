package interfaces

import (
	"context"
	"iter"
)

// EventStore is durable, append-only storage for the event log.
type EventStore interface {
	// Append persists an event. The event's Seq must be exactly one past the
	// last stored event, otherwise ErrSequenceGap is returned.
	Append(ctx context.Context, event Event) error

	// Read returns up to limit events with Seq >= fromSeq in ascending order.
	// An empty result means fromSeq is past the head.
	Read(ctx context.Context, fromSeq uint64, limit int) ([]Event, error)

	// Close releases resources held by the store.
	Close() error
}

// IdentityDirectory is the read side of the account to DID binding.
type IdentityDirectory interface {
	// Resolve returns the DID bound to account, or "" if unregistered.
	Resolve(account Account) DID

	// Identity returns the full identity record, including the public key.
	Identity(account Account) (IdentityRecord, bool)
}

// CredentialLedger is the read side of credential status.
type CredentialLedger interface {
	// Verify reports whether the credential exists and is active.
	Verify(holder Account, hash CredentialHash) bool

	// Credential returns the credential record, if any.
	Credential(holder Account, hash CredentialHash) (CredentialRecord, bool)
}

// Registry is the full command/query contract of the ledger.
type Registry interface {
	IdentityDirectory
	CredentialLedger

	// Register binds account to the DID derived from publicKey.
	Register(ctx context.Context, account Account, publicKey []byte) (DID, error)

	// Issue records an active credential from issuer to holder.
	Issue(ctx context.Context, issuer, holder Account, hash CredentialHash) error

	// Revoke marks a credential revoked.
	Revoke(ctx context.Context, holder Account, hash CredentialHash) error

	// Subscribe returns an ordered, finite, restartable sequence of events
	// starting at fromSeq.
	Subscribe(ctx context.Context, fromSeq uint64) iter.Seq2[Event, error]

	// Head returns the sequence number of the last accepted event.
	Head() uint64
}
