// Package ledger implements the identity directory, the credential ledger
// and the event log behind a single serializing executor.
//
// Every command validates its preconditions, appends one event to the
// durable EventStore and only then mutates in-memory state, all under one
// write lock. A rejected command or a failed append leaves all three tables
// untouched. State is rebuilt on Open by replaying the store.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/did-credential-ledger/eventlog"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/ruteri/did-credential-ledger/metrics"
)

const (
	opRegister = "register"
	opIssue    = "issue"
	opRevoke   = "revoke"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu          sync.RWMutex
	identities  map[interfaces.Account]interfaces.IdentityRecord
	credentials map[interfaces.CredentialKey]interfaces.CredentialRecord
	head        uint64
	headHash    common.Hash

	store    interfaces.EventStore
	policy   Policy
	clock    func() time.Time
	pageSize int
	metrics  *metrics.LedgerMetrics
	log      *slog.Logger
}

var _ interfaces.Registry = (*Ledger)(nil)

// Open rebuilds ledger state from store and returns a ledger that appends
// new events to it. Replay fails if the stored chain does not verify.
func Open(ctx context.Context, store interfaces.EventStore, log *slog.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		identities:  make(map[interfaces.Account]interfaces.IdentityRecord),
		credentials: make(map[interfaces.CredentialKey]interfaces.CredentialRecord),
		store:       store,
		clock:       time.Now,
		pageSize:    eventlog.DefaultPageSize,
		log:         log,
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.replay(ctx); err != nil {
		return nil, err
	}
	l.metrics.SetHead(l.head)

	log.Info("Ledger opened",
		"head", l.head,
		"identities", len(l.identities),
		"credentials", len(l.credentials))
	return l, nil
}

func (l *Ledger) replay(ctx context.Context) error {
	for {
		page, err := l.store.Read(ctx, l.head+1, l.pageSize)
		if err != nil {
			return fmt.Errorf("replay from seq %d: %w", l.head+1, err)
		}
		if len(page) == 0 {
			return nil
		}
		if page[0].Seq != l.head+1 {
			return fmt.Errorf("replay: %w: store returned seq %d, expected %d", interfaces.ErrSequenceGap, page[0].Seq, l.head+1)
		}
		if _, err := eventlog.VerifyChain(page, l.headHash); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		for _, ev := range page {
			if err := l.apply(ev); err != nil {
				return fmt.Errorf("replay seq %d: %w", ev.Seq, err)
			}
		}
	}
}

// apply mutates state for an accepted event. Caller holds the write lock or
// is the only goroutine with access.
func (l *Ledger) apply(ev interfaces.Event) error {
	switch ev.Kind {
	case interfaces.IdentityRegistered:
		publicKey, err := interfaces.ParseDID(ev.DID)
		if err != nil {
			return err
		}
		l.identities[ev.Account] = interfaces.IdentityRecord{
			Account:   ev.Account,
			DID:       ev.DID,
			PublicKey: publicKey,
		}
	case interfaces.CredentialIssued:
		key := interfaces.CredentialKey{Holder: ev.Holder, Hash: ev.CredentialHash}
		l.credentials[key] = interfaces.CredentialRecord{
			Holder: ev.Holder,
			Issuer: ev.Issuer,
			Hash:   ev.CredentialHash,
			Status: interfaces.StatusActive,
		}
	case interfaces.CredentialRevoked:
		key := interfaces.CredentialKey{Holder: ev.Holder, Hash: ev.CredentialHash}
		if rec, ok := l.credentials[key]; ok {
			rec.Status = interfaces.StatusRevoked
			l.credentials[key] = rec
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", interfaces.ErrBrokenChain, ev.Kind)
	}

	l.head = ev.Seq
	l.headHash = ev.Hash
	return nil
}

// commit seals ev as the next event, persists it and applies it. Caller
// holds the write lock.
func (l *Ledger) commit(ctx context.Context, ev interfaces.Event) (interfaces.Event, error) {
	ev.Seq = l.head + 1
	ev.Timestamp = l.clock().UTC()
	ev.Seal(l.headHash)

	if err := l.store.Append(ctx, ev); err != nil {
		return ev, fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	if err := l.apply(ev); err != nil {
		// Only reachable with a malformed DID, which Register never builds.
		return ev, err
	}
	l.metrics.SetHead(ev.Seq)
	return ev, nil
}

func (l *Ledger) observe(op string, start time.Time, err error) {
	outcome := metrics.OutcomeAccepted
	switch {
	case err == nil:
	case interfaces.IsRejection(err):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeFailed
		l.log.Error("Ledger command failed", "op", op, "err", err)
	}
	l.metrics.ObserveCommand(op, outcome, start)
}

// Register binds account to the DID derived from publicKey and returns it.
// The caller is responsible for proving possession of the key.
func (l *Ledger) Register(ctx context.Context, account interfaces.Account, publicKey []byte) (interfaces.DID, error) {
	ev, err := l.RegisterCommitted(ctx, account, publicKey)
	if err != nil {
		return "", err
	}
	return ev.DID, nil
}

// RegisterCommitted is Register returning the IdentityRegistered event it
// appended.
func (l *Ledger) RegisterCommitted(ctx context.Context, account interfaces.Account, publicKey []byte) (ev interfaces.Event, err error) {
	defer func(start time.Time) { l.observe(opRegister, start, err) }(time.Now())

	if len(publicKey) == 0 {
		return ev, interfaces.ErrEmptyPublicKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.policy.RejectReregistration {
		if _, ok := l.identities[account]; ok {
			return ev, fmt.Errorf("%w: %s", interfaces.ErrAlreadyRegistered, account)
		}
	}

	ev, err = l.commit(ctx, interfaces.Event{
		Kind:    interfaces.IdentityRegistered,
		Account: account,
		DID:     interfaces.NewDID(publicKey),
	})
	if err != nil {
		return interfaces.Event{}, err
	}

	l.log.Debug("Identity registered", "seq", ev.Seq, "account", account, "did", ev.DID)
	return ev, nil
}

// Resolve returns the DID bound to account, or "" if it has none.
func (l *Ledger) Resolve(account interfaces.Account) interfaces.DID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.identities[account].DID
}

func (l *Ledger) Identity(account interfaces.Account) (interfaces.IdentityRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.identities[account]
	if ok {
		rec.PublicKey = append([]byte(nil), rec.PublicKey...)
	}
	return rec, ok
}

// Issue records hash as an active credential of holder, attributed to
// issuer. Both parties must be registered; the issuer is checked first.
// Issuing an existing key re-attributes it to the new issuer.
func (l *Ledger) Issue(ctx context.Context, issuer, holder interfaces.Account, hash interfaces.CredentialHash) error {
	_, err := l.IssueCommitted(ctx, issuer, holder, hash)
	return err
}

// IssueCommitted is Issue returning the CredentialIssued event it appended.
func (l *Ledger) IssueCommitted(ctx context.Context, issuer, holder interfaces.Account, hash interfaces.CredentialHash) (ev interfaces.Event, err error) {
	defer func(start time.Time) { l.observe(opIssue, start, err) }(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.identities[issuer]; !ok {
		return ev, fmt.Errorf("%w: %s", interfaces.ErrIssuerNotRegistered, issuer)
	}
	if _, ok := l.identities[holder]; !ok {
		return ev, fmt.Errorf("%w: %s", interfaces.ErrHolderNotRegistered, holder)
	}
	if l.policy.PermanentRevocation {
		key := interfaces.CredentialKey{Holder: holder, Hash: hash}
		if rec, ok := l.credentials[key]; ok && rec.Status == interfaces.StatusRevoked {
			return ev, fmt.Errorf("%w: %s for %s", interfaces.ErrCredentialPermanentlyRevoked, hash, holder)
		}
	}

	ev, err = l.commit(ctx, interfaces.Event{
		Kind:           interfaces.CredentialIssued,
		Issuer:         issuer,
		Holder:         holder,
		CredentialHash: hash,
	})
	if err != nil {
		return interfaces.Event{}, err
	}

	l.log.Debug("Credential issued", "seq", ev.Seq, "issuer", issuer, "holder", holder, "hash", hash)
	return ev, nil
}

// Verify reports whether holder has an active credential with hash.
func (l *Ledger) Verify(holder interfaces.Account, hash interfaces.CredentialHash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.credentials[interfaces.CredentialKey{Holder: holder, Hash: hash}]
	return ok && rec.Status == interfaces.StatusActive
}

func (l *Ledger) Credential(holder interfaces.Account, hash interfaces.CredentialHash) (interfaces.CredentialRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.credentials[interfaces.CredentialKey{Holder: holder, Hash: hash}]
	return rec, ok
}

// Revoke marks the credential revoked. Any caller may revoke; authorization
// is enforced outside the ledger. Under the default policy a revocation of
// an unknown credential changes no state but is still recorded.
func (l *Ledger) Revoke(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) error {
	_, err := l.RevokeCommitted(ctx, holder, hash)
	return err
}

// RevokeCommitted is Revoke returning the CredentialRevoked event it
// appended.
func (l *Ledger) RevokeCommitted(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (ev interfaces.Event, err error) {
	defer func(start time.Time) { l.observe(opRevoke, start, err) }(time.Now())

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.policy.RejectUnknownRevocation {
		if _, ok := l.credentials[interfaces.CredentialKey{Holder: holder, Hash: hash}]; !ok {
			return ev, fmt.Errorf("%w: %s for %s", interfaces.ErrCredentialNotFound, hash, holder)
		}
	}

	ev, err = l.commit(ctx, interfaces.Event{
		Kind:           interfaces.CredentialRevoked,
		Holder:         holder,
		CredentialHash: hash,
	})
	if err != nil {
		return interfaces.Event{}, err
	}

	l.log.Debug("Credential revoked", "seq", ev.Seq, "holder", holder, "hash", hash)
	return ev, nil
}

// Head returns the sequence number of the last accepted event, 0 for an
// empty log. It increases by exactly one per accepted command.
func (l *Ledger) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// HeadHash returns the chain hash of the last accepted event.
func (l *Ledger) HeadHash() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

func (l *Ledger) Policy() Policy {
	return l.policy
}
