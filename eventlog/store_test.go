package eventlog

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildChain returns n sealed events cycling through every event kind.
func buildChain(n int) []interfaces.Event {
	issuer := interfaces.Account{0x01}
	holder := interfaces.Account{0x02}
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	events := make([]interfaces.Event, 0, n)
	prev := common.Hash{}
	for i := 0; i < n; i++ {
		ev := interfaces.Event{
			Seq:       uint64(i + 1),
			Timestamp: time.Unix(1700000000, int64(i)*1000+123).UTC(),
		}
		switch i % 3 {
		case 0:
			ev.Kind = interfaces.IdentityRegistered
			ev.Account = issuer
			ev.DID = interfaces.NewDID([]byte{0x04, byte(i)})
		case 1:
			ev.Kind = interfaces.CredentialIssued
			ev.Issuer = issuer
			ev.Holder = holder
			ev.CredentialHash = hash
		case 2:
			ev.Kind = interfaces.CredentialRevoked
			ev.Holder = holder
			ev.CredentialHash = hash
		}
		ev.Seal(prev)
		prev = ev.Hash
		events = append(events, ev)
	}
	return events
}

// testEventStore runs the behaviour every EventStore must share.
func testEventStore(t *testing.T, store interfaces.EventStore) {
	ctx := context.Background()
	chain := buildChain(10)

	events, err := store.Read(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// First event must have seq 1.
	err = store.Append(ctx, chain[1])
	require.ErrorIs(t, err, interfaces.ErrSequenceGap)

	for _, ev := range chain {
		require.NoError(t, store.Append(ctx, ev))
	}

	// Duplicate and skipped sequence numbers are rejected.
	require.ErrorIs(t, store.Append(ctx, chain[9]), interfaces.ErrSequenceGap)
	skipped := chain[9]
	skipped.Seq = 12
	require.ErrorIs(t, store.Append(ctx, skipped), interfaces.ErrSequenceGap)

	all, err := store.Read(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, all, 10)
	for i, ev := range all {
		assert.Equal(t, chain[i].Seq, ev.Seq)
		assert.Equal(t, chain[i].Hash, ev.Hash)
		assert.Equal(t, chain[i].Timestamp.UnixNano(), ev.Timestamp.UnixNano())
	}
	_, err = VerifyChain(all, common.Hash{})
	require.NoError(t, err, "stored events must still hash to their recorded values")

	page, err := store.Read(ctx, 4, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(4), page[0].Seq)
	assert.Equal(t, uint64(6), page[2].Seq)

	tail, err := store.Read(ctx, 9, 100)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	past, err := store.Read(ctx, 11, 100)
	require.NoError(t, err)
	assert.Empty(t, past)

	// fromSeq 0 is treated as the start of the log.
	first, err := store.Read(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, uint64(1), first[0].Seq)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testEventStore(t, store)

	require.NoError(t, store.Close())
	_, err := store.Read(context.Background(), 1, 1)
	require.Error(t, err)
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name       string
		fromSeq    uint64
		limit      int
		head       uint64
		start, end uint64
	}{
		{"empty log", 1, 10, 0, 0, 0},
		{"whole log", 1, 10, 5, 0, 5},
		{"zero from", 0, 2, 5, 0, 2},
		{"middle", 3, 2, 5, 2, 4},
		{"past head", 7, 2, 5, 5, 5},
		{"default limit", 1, 0, 5, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := window(tt.fromSeq, tt.limit, tt.head)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}
