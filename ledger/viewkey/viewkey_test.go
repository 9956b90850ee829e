package viewkey

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) tkv.TKV {
	t.Helper()
	store, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestGate_IssueAndVerify(t *testing.T) {
	store := newStore(t)
	g := New(nil, []byte("seed"))

	var key string
	require.NoError(t, store.Update(func(txn tkv.Txn) error {
		var err error
		key, err = g.Issue(txn, Context{Account: "alice", Height: 7, Time: at}, "entropy")
		return err
	}))
	assert.True(t, strings.HasPrefix(key, KeyPrefix))

	require.NoError(t, store.View(func(txn tkv.Txn) error {
		ok, err := g.Verify(txn, "alice", key)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = g.Verify(txn, "alice", key+"x")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = g.Verify(txn, "nobody", key)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestGate_Deterministic(t *testing.T) {
	ctx := Context{Account: "alice", Height: 3, Time: at}
	a, err := New(nil, []byte("seed")).derive(ctx, "e")
	require.NoError(t, err)
	b, err := New(nil, []byte("seed")).derive(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same invocation must derive the same key on every node")

	c, err := New(nil, []byte("other")).derive(ctx, "e")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	ctx.Height = 4
	d, err := New(nil, []byte("seed")).derive(ctx, "e")
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestGate_ReissueReplaces(t *testing.T) {
	store := newStore(t)
	g := New(nil, []byte("seed"))

	var first, second string
	require.NoError(t, store.Update(func(txn tkv.Txn) error {
		var err error
		if first, err = g.Issue(txn, Context{Account: "alice", Height: 1, Time: at}, "a"); err != nil {
			return err
		}
		second, err = g.Issue(txn, Context{Account: "alice", Height: 2, Time: at}, "b")
		return err
	}))
	require.NotEqual(t, first, second)

	require.NoError(t, store.View(func(txn tkv.Txn) error {
		ok, err := g.Verify(txn, "alice", first)
		assert.False(t, ok)
		ok, err = g.Verify(txn, "alice", second)
		assert.True(t, ok)
		return err
	}))
}

func TestGate_Authenticate(t *testing.T) {
	store := newStore(t)
	g := New(nil, []byte("seed"))

	var bobKey string
	require.NoError(t, store.Update(func(txn tkv.Txn) error {
		var err error
		bobKey, err = g.Issue(txn, Context{Account: "bob", Height: 1, Time: at}, "x")
		return err
	}))

	require.NoError(t, store.View(func(txn tkv.Txn) error {
		acct, err := g.Authenticate(txn, []string{"ghost", "alice", "bob"}, bobKey)
		require.NoError(t, err)
		assert.Equal(t, "bob", acct)

		_, err = g.Authenticate(txn, []string{"ghost", "alice"}, bobKey)
		require.True(t, fault.IsUnauthorized(err))
		assert.NotContains(t, err.Error(), "ghost")
		assert.NotContains(t, err.Error(), "alice")

		_, err = g.Authenticate(txn, nil, bobKey)
		assert.True(t, fault.IsUnauthorized(err))
		return nil
	}))
}

func TestGate_CorruptRecord(t *testing.T) {
	store := newStore(t)
	g := New(nil, []byte("seed"))
	require.NoError(t, store.Set(recordKey("alice"), "not-hex"))
	require.NoError(t, store.View(func(txn tkv.Txn) error {
		ok, err := g.Verify(txn, "alice", "api_key_whatever")
		assert.False(t, ok)
		return err
	}))
}
