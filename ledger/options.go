package ledger

import (
	"time"

	"github.com/ruteri/did-credential-ledger/metrics"
)

// Policy turns permissive command outcomes into rejections. Under the zero
// Policy re-registration overwrites the binding, re-issue reactivates a
// revoked credential and revoking an unknown credential only records the
// event.
type Policy struct {
	// RejectReregistration fails Register for an already bound account with
	// ErrAlreadyRegistered.
	RejectReregistration bool

	// PermanentRevocation fails Issue over a revoked credential with
	// ErrCredentialPermanentlyRevoked.
	PermanentRevocation bool

	// RejectUnknownRevocation fails Revoke of a never-issued credential with
	// ErrCredentialNotFound and appends nothing.
	RejectUnknownRevocation bool
}

// StrictPolicy enables every rejection flag.
func StrictPolicy() Policy {
	return Policy{
		RejectReregistration:    true,
		PermanentRevocation:     true,
		RejectUnknownRevocation: true,
	}
}

type Option func(*Ledger)

func WithPolicy(p Policy) Option {
	return func(l *Ledger) {
		l.policy = p
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithPageSize sets how many events replay and Subscribe read per store call.
func WithPageSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}
