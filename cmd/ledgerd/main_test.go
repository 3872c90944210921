package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/checkpoint"
	"github.com/ruteri/did-credential-ledger/eventlog"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/ruteri/did-credential-ledger/ledger"
	"github.com/ruteri/did-credential-ledger/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openLedger(t *testing.T, store interfaces.EventStore, accounts ...interfaces.Account) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), store, testLogger())
	require.NoError(t, err)
	for _, account := range accounts {
		_, err := l.Register(context.Background(), account, account[:])
		require.NoError(t, err)
	}
	return l
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	archive, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	trusted := []common.Address{crypto.PubkeyToAddress(key.PublicKey)}

	source := openLedger(t, eventlog.NewMemoryStore(), interfaces.Account{0x01}, interfaces.Account{0x02})
	cp, id, err := checkpoint.NewArchiver(source, archive, key, testLogger()).Archive(ctx)
	require.NoError(t, err)

	t.Run("empty store", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		require.NoError(t, restore(ctx, store, archive, id.String(), trusted, testLogger()))

		restored := openLedger(t, store)
		assert.Equal(t, cp.ToSeq, restored.Head())
		assert.Equal(t, source.HeadHash(), restored.HeadHash())

		// Restarting with the same flags keeps the restored log.
		require.NoError(t, restore(ctx, store, archive, id.String(), trusted, testLogger()))
		assert.Equal(t, cp.ToSeq, openLedger(t, store).Head())
	})

	t.Run("store already extends the checkpoint", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		require.NoError(t, restore(ctx, store, archive, id.String(), trusted, testLogger()))
		l := openLedger(t, store, interfaces.Account{0x03})

		require.NoError(t, restore(ctx, store, archive, id.String(), trusted, testLogger()))
		assert.Equal(t, l.Head(), openLedger(t, store).Head())
	})

	t.Run("diverged store", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		openLedger(t, store, interfaces.Account{0x09}, interfaces.Account{0x08})

		err := restore(ctx, store, archive, id.String(), trusted, testLogger())
		assert.ErrorIs(t, err, errStoreDiverged)
	})

	t.Run("store behind the checkpoint", func(t *testing.T) {
		store := eventlog.NewMemoryStore()
		openLedger(t, store, interfaces.Account{0x01})

		err := restore(ctx, store, archive, id.String(), trusted, testLogger())
		assert.ErrorIs(t, err, errStoreDiverged)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		err = restore(ctx, eventlog.NewMemoryStore(), archive, id.String(),
			[]common.Address{crypto.PubkeyToAddress(other.PublicKey)}, testLogger())
		assert.ErrorIs(t, err, checkpoint.ErrUntrustedSigner)
	})

	t.Run("invalid checkpoint ID", func(t *testing.T) {
		err := restore(ctx, eventlog.NewMemoryStore(), archive, "not-hex", trusted, testLogger())
		assert.Error(t, err)
	})
}
