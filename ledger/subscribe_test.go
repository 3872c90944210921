package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		acc := interfaces.Account{0x20, byte(i)}
		_, err := l.Register(context.Background(), acc, acc[:])
		require.NoError(t, err)
	}
}

func collect(t *testing.T, l *Ledger, ctx context.Context, from uint64) []uint64 {
	t.Helper()
	var seqs []uint64
	for ev, err := range l.Subscribe(ctx, from) {
		require.NoError(t, err)
		seqs = append(seqs, ev.Seq)
	}
	return seqs
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, WithPageSize(3))

	assert.Empty(t, collect(t, l, ctx, 1), "empty log yields nothing")

	populate(t, l, 7)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, collect(t, l, ctx, 0))
	assert.Equal(t, []uint64{5, 6, 7}, collect(t, l, ctx, 5))
	assert.Empty(t, collect(t, l, ctx, 8))

	// Replayable: a second pass yields the same events.
	assert.Equal(t, collect(t, l, ctx, 1), collect(t, l, ctx, 1))
}

func TestSubscribeStopsAtHeadSeenAtStart(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, WithPageSize(2))
	populate(t, l, 3)

	var seqs []uint64
	for ev, err := range l.Subscribe(ctx, 1) {
		require.NoError(t, err)
		seqs = append(seqs, ev.Seq)
		if ev.Seq == 1 {
			acc := interfaces.Account{0x30}
			_, err := l.Register(ctx, acc, acc[:])
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)

	// Resuming picks up the event appended during iteration.
	assert.Equal(t, []uint64{4}, collect(t, l, ctx, 4))
}

func TestSubscribeEarlyBreak(t *testing.T) {
	l := newTestLedger(t, WithPageSize(2))
	populate(t, l, 5)

	var last uint64
	for ev, err := range l.Subscribe(context.Background(), 1) {
		require.NoError(t, err)
		last = ev.Seq
		if ev.Seq == 3 {
			break
		}
	}
	assert.Equal(t, uint64(3), last)
}

func TestSubscribeCancelled(t *testing.T) {
	l := newTestLedger(t)
	populate(t, l, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range l.Subscribe(ctx, 1) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], context.Canceled)
}

func TestSubscribeStoreError(t *testing.T) {
	ctx := context.Background()
	store := new(MockEventStore)
	store.On("Read", mock.Anything, uint64(1), mock.Anything).Return([]interfaces.Event(nil), nil).Once()
	store.On("Append", mock.Anything, mock.Anything).Return(nil)

	l, err := Open(ctx, store, testLogger())
	require.NoError(t, err)
	_, err = l.Register(ctx, owner, []byte("k"))
	require.NoError(t, err)

	store.On("Read", mock.Anything, uint64(1), mock.Anything).Return([]interfaces.Event(nil), errors.New("connection reset"))

	var errs []error
	for _, err := range l.Subscribe(ctx, 1) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "connection reset")
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, WithPageSize(2))
	populate(t, l, 5)

	events, err := l.Events(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(4), events[2].Seq)

	events, err = l.Events(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
