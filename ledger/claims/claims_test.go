package claims

import (
	"log/slog"
	"testing"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	store, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	defer store.Close()

	s := New()
	require.NoError(t, store.Update(func(txn tkv.Txn) error {
		if err := s.Write(txn, "alice", "pk1", "sk1", "alice/a"); err != nil {
			return err
		}
		return s.Write(txn, "alice", "pk2", "sk2", "alice/b")
	}))

	require.NoError(t, store.View(func(txn tkv.Txn) error {
		c, err := s.Get(txn, "alice", "pk2")
		require.NoError(t, err)
		assert.Equal(t, Claim{Path: "alice/b", SecretKey: "sk2"}, c)

		n, err := s.Count(txn, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		n, err = s.Count(txn, "bob")
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = s.Get(txn, "bob", "pk1")
		assert.True(t, fault.IsNotFound(err))
		return nil
	}))
}
