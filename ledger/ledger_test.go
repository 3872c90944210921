package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/did-credential-ledger/eventlog"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	owner = interfaces.Account{0x0a}
	addr1 = interfaces.Account{0x0b}
	addr2 = interfaces.Account{0x0c}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), eventlog.NewMemoryStore(), testLogger(), opts...)
	require.NoError(t, err)
	return l
}

// snapshot captures the full observable state for comparisons.
type snapshot struct {
	identities  map[interfaces.Account]interfaces.IdentityRecord
	credentials map[interfaces.CredentialKey]interfaces.CredentialRecord
	head        uint64
}

func takeSnapshot(l *Ledger) snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := snapshot{
		identities:  make(map[interfaces.Account]interfaces.IdentityRecord, len(l.identities)),
		credentials: make(map[interfaces.CredentialKey]interfaces.CredentialRecord, len(l.credentials)),
		head:        l.head,
	}
	for k, v := range l.identities {
		s.identities[k] = v
	}
	for k, v := range l.credentials {
		s.credentials[k] = v
	}
	return s
}

func TestResolveUnregistered(t *testing.T) {
	l := newTestLedger(t)

	for _, acc := range []interfaces.Account{{}, owner, addr1} {
		assert.Equal(t, interfaces.DID(""), l.Resolve(acc))
		_, ok := l.Identity(acc)
		assert.False(t, ok)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	did, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.DID("did:key:"+hexutil.Encode([]byte("ownerPublicKey"))), did)
	assert.Equal(t, interfaces.DID("did:key:0x6f776e65725075626c69634b6579"), did)
	assert.Equal(t, did, l.Resolve(owner))

	rec, ok := l.Identity(owner)
	require.True(t, ok)
	assert.Equal(t, []byte("ownerPublicKey"), []byte(rec.PublicKey))
	assert.Equal(t, owner, rec.Account)

	// Returned key is a copy.
	rec.PublicKey[0] = 'X'
	again, _ := l.Identity(owner)
	assert.Equal(t, []byte("ownerPublicKey"), []byte(again.PublicKey))

	events, err := l.Events(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.IdentityRegistered, events[0].Kind)
	assert.Equal(t, owner, events[0].Account)
	assert.Equal(t, did, events[0].DID)
}

func TestRegisterDistinctAccounts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	didOwner, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	didAddr1, err := l.Register(ctx, addr1, []byte("addr1PublicKey"))
	require.NoError(t, err)

	assert.NotEqual(t, didOwner, didAddr1)
	assert.Equal(t, didOwner, l.Resolve(owner))
	assert.Equal(t, didAddr1, l.Resolve(addr1))
	assert.Equal(t, interfaces.DID(""), l.Resolve(addr2))
}

func TestRegisterEmptyKey(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Register(context.Background(), owner, nil)
	require.ErrorIs(t, err, interfaces.ErrEmptyPublicKey)
	assert.True(t, interfaces.IsRejection(err))
	assert.Equal(t, uint64(0), l.Head())
	assert.Equal(t, interfaces.DID(""), l.Resolve(owner))
}

func TestReregistrationOverwrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Register(ctx, owner, []byte("first"))
	require.NoError(t, err)
	did, err := l.Register(ctx, owner, []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, did, l.Resolve(owner))
	assert.Equal(t, interfaces.NewDID([]byte("second")), l.Resolve(owner))
	assert.Equal(t, uint64(2), l.Head())
}

func TestIssuePreconditions(t *testing.T) {
	ctx := context.Background()
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	tests := []struct {
		name       string
		registered []interfaces.Account
		wantErr    error
	}{
		{"neither registered", nil, interfaces.ErrIssuerNotRegistered},
		{"only holder registered", []interfaces.Account{addr1}, interfaces.ErrIssuerNotRegistered},
		{"only issuer registered", []interfaces.Account{owner}, interfaces.ErrHolderNotRegistered},
		{"both registered", []interfaces.Account{owner, addr1}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			for _, acc := range tt.registered {
				_, err := l.Register(ctx, acc, acc[:])
				require.NoError(t, err)
			}
			before := takeSnapshot(l)

			err := l.Issue(ctx, owner, addr1, hash)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.True(t, l.Verify(addr1, hash))
				return
			}

			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, interfaces.IsRejection(err))
			assert.Equal(t, before, takeSnapshot(l), "rejected issue must not change state")
			assert.False(t, l.Verify(addr1, hash))
		})
	}
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	_, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	_, err = l.Register(ctx, addr1, []byte("addr1PublicKey"))
	require.NoError(t, err)

	assert.False(t, l.Verify(addr1, hash))
	_, ok := l.Credential(addr1, hash)
	assert.False(t, ok)

	require.NoError(t, l.Issue(ctx, owner, addr1, hash))
	assert.True(t, l.Verify(addr1, hash))

	require.NoError(t, l.Revoke(ctx, addr1, hash))
	assert.False(t, l.Verify(addr1, hash))
	rec, ok := l.Credential(addr1, hash)
	require.True(t, ok)
	assert.Equal(t, interfaces.StatusRevoked, rec.Status)
	assert.Equal(t, owner, rec.Issuer)

	// Re-issue reactivates and re-attributes.
	_, err = l.Register(ctx, addr2, []byte("addr2PublicKey"))
	require.NoError(t, err)
	require.NoError(t, l.Issue(ctx, addr2, addr1, hash))
	assert.True(t, l.Verify(addr1, hash))
	rec, _ = l.Credential(addr1, hash)
	assert.Equal(t, interfaces.StatusActive, rec.Status)
	assert.Equal(t, addr2, rec.Issuer)

	// The key is per holder.
	assert.False(t, l.Verify(owner, hash))
}

func TestTestCredentialScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	_, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	_, err = l.Register(ctx, addr1, []byte("addr1PublicKey"))
	require.NoError(t, err)

	require.NoError(t, l.Issue(ctx, owner, addr1, hash))
	assert.True(t, l.Verify(addr1, hash))

	require.NoError(t, l.Revoke(ctx, addr1, hash))
	assert.False(t, l.Verify(addr1, hash))

	events, err := l.Events(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 4)

	kinds := []interfaces.EventKind{
		interfaces.IdentityRegistered,
		interfaces.IdentityRegistered,
		interfaces.CredentialIssued,
		interfaces.CredentialRevoked,
	}
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, kinds[i], ev.Kind)
	}
	assert.Equal(t, owner, events[2].Issuer)
	assert.Equal(t, addr1, events[2].Holder)
	assert.Equal(t, hash, events[2].CredentialHash)
	assert.Equal(t, addr1, events[3].Holder)
	assert.Equal(t, hash, events[3].CredentialHash)
	assert.True(t, events[3].Issuer.IsZero())
}

func TestRevokeUnknownCredential(t *testing.T) {
	ctx := context.Background()
	hash := interfaces.ComputeCredentialHash([]byte("never issued"))

	t.Run("default policy records the event", func(t *testing.T) {
		l := newTestLedger(t)
		require.NoError(t, l.Revoke(ctx, addr1, hash))

		_, ok := l.Credential(addr1, hash)
		assert.False(t, ok)
		assert.False(t, l.Verify(addr1, hash))
		assert.Equal(t, uint64(1), l.Head())

		// A later issue starts from Active, not from a revoked record.
		_, err := l.Register(ctx, owner, []byte("o"))
		require.NoError(t, err)
		_, err = l.Register(ctx, addr1, []byte("a"))
		require.NoError(t, err)
		require.NoError(t, l.Issue(ctx, owner, addr1, hash))
		assert.True(t, l.Verify(addr1, hash))
	})

	t.Run("strict policy rejects", func(t *testing.T) {
		l := newTestLedger(t, WithPolicy(Policy{RejectUnknownRevocation: true}))
		err := l.Revoke(ctx, addr1, hash)
		require.ErrorIs(t, err, interfaces.ErrCredentialNotFound)
		assert.Equal(t, uint64(0), l.Head())
	})
}

func TestStrictPolicy(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, WithPolicy(StrictPolicy()))
	hash := interfaces.ComputeCredentialHash([]byte("Test Credential"))

	_, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	_, err = l.Register(ctx, owner, []byte("otherKey"))
	require.ErrorIs(t, err, interfaces.ErrAlreadyRegistered)
	assert.Equal(t, interfaces.NewDID([]byte("ownerPublicKey")), l.Resolve(owner))

	_, err = l.Register(ctx, addr1, []byte("addr1PublicKey"))
	require.NoError(t, err)
	require.NoError(t, l.Issue(ctx, owner, addr1, hash))
	require.NoError(t, l.Revoke(ctx, addr1, hash))

	head := l.Head()
	err = l.Issue(ctx, owner, addr1, hash)
	require.ErrorIs(t, err, interfaces.ErrCredentialPermanentlyRevoked)
	assert.False(t, l.Verify(addr1, hash))
	assert.Equal(t, head, l.Head())
}

func TestReplayReconstructsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	store, err := eventlog.NewFileStore(path, testLogger())
	require.NoError(t, err)
	l, err := Open(ctx, store, testLogger(), WithPageSize(2))
	require.NoError(t, err)

	h1 := interfaces.ComputeCredentialHash([]byte("one"))
	h2 := interfaces.ComputeCredentialHash([]byte("two"))

	_, err = l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	_, err = l.Register(ctx, addr1, []byte("addr1PublicKey"))
	require.NoError(t, err)
	_, err = l.Register(ctx, addr2, []byte("addr2PublicKey"))
	require.NoError(t, err)
	require.NoError(t, l.Issue(ctx, owner, addr1, h1))
	require.NoError(t, l.Issue(ctx, owner, addr2, h2))
	require.NoError(t, l.Revoke(ctx, addr1, h1))
	require.NoError(t, l.Revoke(ctx, addr2, interfaces.ComputeCredentialHash([]byte("ghost"))))
	require.NoError(t, l.Issue(ctx, addr2, addr1, h1))
	_, err = l.Register(ctx, addr1, []byte("rotatedKey"))
	require.NoError(t, err)
	require.Error(t, l.Issue(ctx, addr1, interfaces.Account{0xee}, h2))

	want := takeSnapshot(l)
	wantHash := l.HeadHash()
	require.NoError(t, store.Close())

	reopened, err := eventlog.NewFileStore(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()
	replayed, err := Open(ctx, reopened, testLogger(), WithPageSize(3))
	require.NoError(t, err)

	assert.Equal(t, want, takeSnapshot(replayed))
	assert.Equal(t, wantHash, replayed.HeadHash())
	assert.Equal(t, uint64(9), replayed.Head())

	// The replayed ledger continues the same chain.
	require.NoError(t, replayed.Revoke(ctx, addr2, h2))
	events, err := replayed.Events(ctx, 1, 100)
	require.NoError(t, err)
	_, err = eventlog.VerifyChain(events, [32]byte{})
	require.NoError(t, err)
}

func TestOpenRejectsTamperedLog(t *testing.T) {
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	l, err := Open(ctx, store, testLogger())
	require.NoError(t, err)

	_, err = l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)

	events, err := store.Read(ctx, 1, 1)
	require.NoError(t, err)
	forged := interfaces.Event{
		Seq:     2,
		Kind:    interfaces.IdentityRegistered,
		Account: addr1,
		DID:     interfaces.NewDID([]byte("forged")),
	}
	forged.Seal(events[0].PrevHash) // wrong link
	require.NoError(t, store.Append(ctx, forged))

	_, err = Open(ctx, store, testLogger())
	require.ErrorIs(t, err, interfaces.ErrBrokenChain)
}

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Append(ctx context.Context, event interfaces.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) Read(ctx context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error) {
	args := m.Called(ctx, fromSeq, limit)
	events, _ := args.Get(0).([]interfaces.Event)
	return events, args.Error(1)
}

func (m *MockEventStore) Close() error {
	return m.Called().Error(0)
}

func TestAppendFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store := new(MockEventStore)
	store.On("Read", mock.Anything, uint64(1), mock.Anything).Return([]interfaces.Event(nil), nil)
	store.On("Append", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	l, err := Open(ctx, store, testLogger())
	require.NoError(t, err)

	_, err = l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.Error(t, err)
	assert.False(t, interfaces.IsRejection(err))
	assert.Equal(t, interfaces.DID(""), l.Resolve(owner))
	assert.Equal(t, uint64(0), l.Head())

	store.On("Append", mock.Anything, mock.MatchedBy(func(ev interfaces.Event) bool {
		return ev.Seq == 1
	})).Return(nil).Once()
	_, err = l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.Head())

	store.AssertExpectations(t)
}

func TestEventTimestampsAndChain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)
	l := newTestLedger(t, WithClock(func() time.Time { return now }))

	_, err := l.Register(ctx, owner, []byte("k"))
	require.NoError(t, err)
	_, err = l.Register(ctx, addr1, []byte("k"))
	require.NoError(t, err)

	events, err := l.Events(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, now.Equal(events[0].Timestamp))
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.Equal(t, events[1].Hash, l.HeadHash())
}

func TestConcurrentCommands(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Register(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := interfaces.Account{0x10, byte(i)}
			hash := interfaces.ComputeCredentialHash([]byte{byte(i)})
			_, err := l.Register(ctx, holder, holder[:])
			assert.NoError(t, err)
			assert.NoError(t, l.Issue(ctx, owner, holder, hash))
			assert.True(t, l.Verify(holder, hash))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(1+2*workers), l.Head())
	events, err := l.Events(ctx, 1, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1+2*workers)
	_, err = eventlog.VerifyChain(events, [32]byte{})
	require.NoError(t, err)
}

func TestCommittedCommandsReturnTheirEvent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	hash := interfaces.ComputeCredentialHash([]byte("cred"))

	ev, err := l.RegisterCommitted(ctx, owner, []byte("ownerPublicKey"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, interfaces.NewDID([]byte("ownerPublicKey")), ev.DID)
	_, err = l.Register(ctx, addr1, []byte("k"))
	require.NoError(t, err)

	ev, err = l.IssueCommitted(ctx, owner, addr1, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, interfaces.CredentialIssued, ev.Kind)
	assert.Equal(t, l.HeadHash(), ev.Hash)

	ev, err = l.RevokeCommitted(ctx, addr1, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)
	assert.Equal(t, interfaces.CredentialRevoked, ev.Kind)

	ev, err = l.IssueCommitted(ctx, addr2, addr1, hash)
	assert.ErrorIs(t, err, interfaces.ErrIssuerNotRegistered)
	assert.Zero(t, ev.Seq)
	assert.Equal(t, uint64(4), l.Head())
}
