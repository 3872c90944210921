package publisher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/ruteri/did-credential-ledger/metrics"
	"go.uber.org/atomic"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxBackoff   = 30 * time.Second
)

// Source is the part of the ledger the relay reads.
type Source interface {
	Subscribe(ctx context.Context, fromSeq uint64) iter.Seq2[interfaces.Event, error]
}

// Cursor persists the Seq of the last event a sink accepted.
type Cursor interface {
	Load() (uint64, error)
	Save(seq uint64) error
}

// MemoryCursor is a Cursor that does not survive restarts.
type MemoryCursor struct {
	mu  sync.Mutex
	seq uint64
}

func (c *MemoryCursor) Load() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

func (c *MemoryCursor) Save(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = seq
	return nil
}

// FileCursor stores the cursor as a decimal number in a file, replaced
// atomically on every save.
type FileCursor struct {
	path string
}

func NewFileCursor(path string) (*FileCursor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cursor directory: %w", err)
	}
	return &FileCursor{path: path}, nil
}

// Load returns 0 if the file does not exist yet.
func (c *FileCursor) Load() (uint64, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", c.path, err)
	}
	return seq, nil
}

func (c *FileCursor) Save(seq uint64) error {
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)+"\n"), 0644); err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cursor: %w", err)
	}
	return nil
}

// Relay forwards ledger events to a sink in order.
type Relay struct {
	source       Source
	sink         Sink
	cursor       Cursor
	pollInterval time.Duration
	maxBackoff   time.Duration
	metrics      *metrics.LedgerMetrics
	log          *slog.Logger

	delivered atomic.Uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithMaxBackoff(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

func WithCursor(c Cursor) RelayOption {
	return func(r *Relay) { r.cursor = c }
}

func WithRelayMetrics(m *metrics.LedgerMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(source Source, sink Sink, log *slog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		source:       source,
		sink:         sink,
		cursor:       &MemoryCursor{},
		pollInterval: DefaultPollInterval,
		maxBackoff:   DefaultMaxBackoff,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Delivered returns the Seq of the last event the sink accepted.
func (r *Relay) Delivered() uint64 {
	return r.delivered.Load()
}

// Run relays events until ctx is cancelled. It returns nil on cancellation
// and an error only if the cursor cannot be read or written.
func (r *Relay) Run(ctx context.Context) error {
	last, err := r.cursor.Load()
	if err != nil {
		return err
	}
	r.delivered.Store(last)

	r.log.Info("Starting event relay",
		slog.String("sink", r.sink.Name()),
		slog.Uint64("from_seq", last+1))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if err := r.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drain publishes everything after the cursor up to the current head.
func (r *Relay) drain(ctx context.Context) error {
	for ev, err := range r.source.Subscribe(ctx, r.delivered.Load()+1) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient read errors are retried on the next poll.
			r.log.Warn("Failed to read events for relay", "err", err)
			return nil
		}
		if err := r.publish(ctx, ev); err != nil {
			return err
		}
		if err := r.cursor.Save(ev.Seq); err != nil {
			return err
		}
		r.delivered.Store(ev.Seq)
	}
	return nil
}

// publish retries with exponential backoff until the sink accepts ev or
// ctx is cancelled.
func (r *Relay) publish(ctx context.Context, ev interfaces.Event) error {
	backoff := r.pollInterval
	for {
		err := r.sink.Publish(ctx, ev)
		if err == nil {
			r.metrics.IncRelayPublished(r.sink.Name())
			return nil
		}

		r.metrics.IncRelayFailed(r.sink.Name())
		r.log.Warn("Failed to publish event",
			slog.String("sink", r.sink.Name()),
			slog.Uint64("seq", ev.Seq),
			slog.Duration("retry_in", backoff),
			"err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}
