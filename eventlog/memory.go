package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// MemoryStore keeps events in a slice. Index i holds the event with Seq i+1.
type MemoryStore struct {
	mu     sync.RWMutex
	events []interfaces.Event
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, event interfaces.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStoreClosed
	}
	if want := uint64(len(s.events)) + 1; event.Seq != want {
		return fmt.Errorf("%w: got seq %d, expected %d", interfaces.ErrSequenceGap, event.Seq, want)
	}
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errStoreClosed
	}
	start, end := window(fromSeq, limit, uint64(len(s.events)))
	if start >= end {
		return nil, nil
	}
	out := make([]interfaces.Event, end-start)
	copy(out, s.events[start:end])
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
