package checkpoint

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/eventlog"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/ruteri/did-credential-ledger/metrics"
)

// DefaultMaxSegmentEvents caps the number of events in one segment.
const DefaultMaxSegmentEvents = 10_000

// Source is the part of the ledger the archiver reads.
type Source interface {
	Head() uint64
	Subscribe(ctx context.Context, fromSeq uint64) iter.Seq2[interfaces.Event, error]
}

// Archiver cuts the event log into signed, content-addressed checkpoints.
type Archiver struct {
	mu        sync.Mutex
	source    Source
	store     interfaces.StorageBackend
	key       *ecdsa.PrivateKey
	maxEvents int
	clock     func() time.Time
	metrics   *metrics.LedgerMetrics
	log       *slog.Logger

	latest   *Checkpoint
	latestID interfaces.ContentID
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithMaxSegmentEvents caps the events archived per call to Archive.
func WithMaxSegmentEvents(n int) ArchiverOption {
	return func(a *Archiver) {
		if n > 0 {
			a.maxEvents = n
		}
	}
}

// WithArchiverClock overrides the checkpoint creation time source.
func WithArchiverClock(clock func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.clock = clock }
}

// WithArchiverMetrics counts created checkpoints.
func WithArchiverMetrics(m *metrics.LedgerMetrics) ArchiverOption {
	return func(a *Archiver) { a.metrics = m }
}

// NewArchiver creates an archiver signing with key. It starts with no
// checkpoint; call Resume to continue an existing chain.
func NewArchiver(source Source, store interfaces.StorageBackend, key *ecdsa.PrivateKey, log *slog.Logger, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		source:    source,
		store:     store,
		key:       key,
		maxEvents: DefaultMaxSegmentEvents,
		clock:     time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Signer returns the address checkpoints are signed by.
func (a *Archiver) Signer() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

// Latest returns the most recent checkpoint and its content ID.
func (a *Archiver) Latest() (*Checkpoint, interfaces.ContentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		return nil, interfaces.ContentID{}, ErrNoCheckpoint
	}
	cp := *a.latest
	return &cp, a.latestID, nil
}

// Resume loads checkpoint id as the latest one. The checkpoint must be
// signed by this archiver's key or by one of trusted, so a chain restored
// from another signer can be continued.
func (a *Archiver) Resume(ctx context.Context, id interfaces.ContentID, trusted ...common.Address) error {
	cp, err := FetchCheckpoint(ctx, a.store, id, append([]common.Address{a.Signer()}, trusted...)...)
	if err != nil {
		return err
	}
	if head := a.source.Head(); cp.ToSeq > head {
		return fmt.Errorf("checkpoint covers up to seq %d but the log head is %d", cp.ToSeq, head)
	}

	a.mu.Lock()
	a.latest = cp
	a.latestID = id
	a.mu.Unlock()

	a.log.Info("Resumed checkpoint chain",
		slog.String("checkpoint", id.String()),
		slog.Uint64("to_seq", cp.ToSeq))
	return nil
}

// Archive stores the events after the latest checkpoint, at most the
// configured segment size of them, and signs a checkpoint over the segment.
// Returns ErrNothingToArchive if no events were appended since.
func (a *Archiver) Archive(ctx context.Context) (*Checkpoint, interfaces.ContentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fromSeq := uint64(1)
	var prevHash common.Hash
	var prevID interfaces.ContentID
	if a.latest != nil {
		fromSeq = a.latest.ToSeq + 1
		prevHash = a.latest.HeadHash
		prevID = a.latestID
	}

	head := a.source.Head()
	if head < fromSeq {
		return nil, interfaces.ContentID{}, ErrNothingToArchive
	}
	toSeq := min(head, fromSeq+uint64(a.maxEvents)-1)

	events := make([]interfaces.Event, 0, toSeq-fromSeq+1)
	for ev, err := range a.source.Subscribe(ctx, fromSeq) {
		if err != nil {
			return nil, interfaces.ContentID{}, fmt.Errorf("read events: %w", err)
		}
		events = append(events, ev)
		if ev.Seq >= toSeq {
			break
		}
	}
	if len(events) == 0 || events[len(events)-1].Seq != toSeq {
		return nil, interfaces.ContentID{}, fmt.Errorf("read events: expected events up to seq %d", toSeq)
	}

	headHash, err := eventlog.VerifyChain(events, prevHash)
	if err != nil {
		return nil, interfaces.ContentID{}, fmt.Errorf("verify segment: %w", err)
	}

	segment, err := json.Marshal(events)
	if err != nil {
		return nil, interfaces.ContentID{}, fmt.Errorf("marshal segment: %w", err)
	}
	segmentID, err := a.store.Store(ctx, segment, interfaces.SegmentType)
	if err != nil {
		return nil, interfaces.ContentID{}, fmt.Errorf("store segment: %w", err)
	}

	cp := &Checkpoint{
		FromSeq:   fromSeq,
		ToSeq:     toSeq,
		PrevHash:  prevHash,
		HeadHash:  headHash,
		SegmentID: segmentID,
		Prev:      prevID,
		CreatedAt: a.clock().Unix(),
	}
	if err := cp.Sign(a.key); err != nil {
		return nil, interfaces.ContentID{}, err
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, interfaces.ContentID{}, fmt.Errorf("marshal checkpoint: %w", err)
	}
	id, err := a.store.Store(ctx, raw, interfaces.CheckpointType)
	if err != nil {
		return nil, interfaces.ContentID{}, fmt.Errorf("store checkpoint: %w", err)
	}

	a.latest = cp
	a.latestID = id
	a.metrics.IncCheckpoints()

	a.log.Info("Created checkpoint",
		slog.String("checkpoint", id.String()),
		slog.String("segment", segmentID.String()),
		slog.Uint64("from_seq", fromSeq),
		slog.Uint64("to_seq", toSeq))

	out := *cp
	return &out, id, nil
}

// Fetch loads checkpoint id from storage and verifies it was signed by this
// archiver's key.
func (a *Archiver) Fetch(ctx context.Context, id interfaces.ContentID) (*Checkpoint, error) {
	return FetchCheckpoint(ctx, a.store, id, a.Signer())
}

// Restore fetches the segment a checkpoint commits to and checks the events
// against it.
func (a *Archiver) Restore(ctx context.Context, cp *Checkpoint) ([]interfaces.Event, error) {
	return FetchSegment(ctx, a.store, cp)
}

// FetchCheckpoint loads and verifies checkpoint id.
func FetchCheckpoint(ctx context.Context, store interfaces.StorageBackend, id interfaces.ContentID, trusted ...common.Address) (*Checkpoint, error) {
	raw, err := store.Fetch(ctx, id, interfaces.CheckpointType)
	if err != nil {
		return nil, fmt.Errorf("fetch checkpoint %s: %w", id, err)
	}
	if interfaces.ComputeID(raw) != id {
		return nil, fmt.Errorf("%w: content hash mismatch for %s", ErrMalformedCheckpoint, id)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCheckpoint, err)
	}
	if err := Verify(&cp, trusted...); err != nil {
		return nil, err
	}
	return &cp, nil
}

// FetchSegment loads the segment cp names and checks it holds exactly the
// events [FromSeq, ToSeq] chained from PrevHash to HeadHash.
func FetchSegment(ctx context.Context, store interfaces.StorageBackend, cp *Checkpoint) ([]interfaces.Event, error) {
	if cp.FromSeq == 0 || cp.ToSeq < cp.FromSeq {
		return nil, fmt.Errorf("%w: range [%d, %d]", ErrMalformedCheckpoint, cp.FromSeq, cp.ToSeq)
	}

	raw, err := store.Fetch(ctx, cp.SegmentID, interfaces.SegmentType)
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s: %w", cp.SegmentID, err)
	}
	if interfaces.ComputeID(raw) != cp.SegmentID {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrSegmentMismatch)
	}

	var events []interfaces.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentMismatch, err)
	}
	if len(events) == 0 || uint64(len(events)) != cp.ToSeq-cp.FromSeq+1 || events[0].Seq != cp.FromSeq {
		return nil, fmt.Errorf("%w: expected seqs [%d, %d]", ErrSegmentMismatch, cp.FromSeq, cp.ToSeq)
	}

	headHash, err := eventlog.VerifyChain(events, cp.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentMismatch, err)
	}
	if headHash != cp.HeadHash {
		return nil, fmt.Errorf("%w: head hash %s, checkpoint %s", ErrSegmentMismatch, headHash, cp.HeadHash)
	}
	return events, nil
}

// Collect walks the checkpoint chain back from id and returns every archived
// event in order, starting at seq 1.
func Collect(ctx context.Context, store interfaces.StorageBackend, id interfaces.ContentID, trusted ...common.Address) ([]interfaces.Event, error) {
	var chain []*Checkpoint
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp, err := FetchCheckpoint(ctx, store, id, trusted...)
		if err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			next := chain[len(chain)-1]
			if cp.ToSeq+1 != next.FromSeq || cp.HeadHash != next.PrevHash {
				return nil, fmt.Errorf("%w: checkpoint %s does not precede seq %d", ErrMalformedCheckpoint, id, next.FromSeq)
			}
		}
		chain = append(chain, cp)
		if cp.IsGenesis() {
			break
		}
		id = cp.Prev
	}

	var events []interfaces.Event
	for i := len(chain) - 1; i >= 0; i-- {
		segment, err := FetchSegment(ctx, store, chain[i])
		if err != nil {
			return nil, err
		}
		events = append(events, segment...)
	}
	return events, nil
}

// Run archives every interval until ctx is cancelled. Failures are logged
// and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			_, _, err := a.Archive(ctx)
			if IsEmpty(err) {
				break
			}
			if err != nil {
				if ctx.Err() == nil {
					a.log.Error("Periodic checkpoint failed", "err", err)
				}
				break
			}
		}
	}
}

// IsEmpty reports whether err means there was nothing to do.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrNothingToArchive)
}
