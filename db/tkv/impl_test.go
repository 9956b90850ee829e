package tkv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTKV(t *testing.T) TKV {
	t.Helper()
	dir := t.TempDir()
	store, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		BadgerLogLevel: slog.LevelWarn,
		Directory:      dir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTKV_GetSetDelete(t *testing.T) {
	store := createTestTKV(t)

	t.Run("Set and Get basic value", func(t *testing.T) {
		require.NoError(t, store.Set("testKey1", "testValue1"))
		got, err := store.Get("testKey1")
		require.NoError(t, err)
		assert.Equal(t, "testValue1", got)
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := store.Get("nonExistentKey")
		var keyNotFound *ErrKeyNotFound
		require.True(t, errors.As(err, &keyNotFound), "got %T", err)
		assert.Equal(t, "nonExistentKey", keyNotFound.Key)
		assert.True(t, IsErrKeyNotFound(err))
	})

	t.Run("Delete existing key", func(t *testing.T) {
		require.NoError(t, store.Set("toBeDeletedKey", "v"))
		require.NoError(t, store.Delete("toBeDeletedKey"))
		_, err := store.Get("toBeDeletedKey")
		assert.True(t, IsErrKeyNotFound(err))
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		assert.NoError(t, store.Delete("nonExistentKeyForDelete"))
	})
}

func TestTKV_Iterate(t *testing.T) {
	store := createTestTKV(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("iter:%d", i), "x"))
	}
	require.NoError(t, store.Set("other:0", "x"))

	tests := []struct {
		name   string
		prefix string
		offset int
		limit  int
		want   []string
	}{
		{"prefix", "iter:", 0, 0, []string{"iter:0", "iter:1", "iter:2", "iter:3", "iter:4"}},
		{"offset", "iter:", 2, 0, []string{"iter:2", "iter:3", "iter:4"}},
		{"limit", "iter:", 0, 2, []string{"iter:0", "iter:1"}},
		{"offset and limit", "iter:", 1, 2, []string{"iter:1", "iter:2"}},
		{"non-matching", "nope:", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Iterate(tt.prefix, tt.offset, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTKV_Update(t *testing.T) {
	store := createTestTKV(t)

	t.Run("commit makes writes visible", func(t *testing.T) {
		err := store.Update(func(txn Txn) error {
			if err := txn.Set("a", "1"); err != nil {
				return err
			}
			return txn.Set("b", "2")
		})
		require.NoError(t, err)
		v, err := store.Get("b")
		require.NoError(t, err)
		assert.Equal(t, "2", v)
	})

	t.Run("error discards every write", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(func(txn Txn) error {
			if err := txn.Set("c", "3"); err != nil {
				return err
			}
			if err := txn.Delete("a"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = store.Get("c")
		assert.True(t, IsErrKeyNotFound(err))
		v, err := store.Get("a")
		require.NoError(t, err)
		assert.Equal(t, "1", v)
	})

	t.Run("pending writes are visible inside the txn", func(t *testing.T) {
		err := store.Update(func(txn Txn) error {
			if err := txn.Set("p:1", "x"); err != nil {
				return err
			}
			v, err := txn.Get("p:1")
			if err != nil {
				return err
			}
			assert.Equal(t, "x", v)
			keys, err := txn.Iterate("p:", 0, 0)
			if err != nil {
				return err
			}
			assert.Equal(t, []string{"p:1"}, keys)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("view cannot write", func(t *testing.T) {
		err := store.View(func(txn Txn) error {
			return txn.Set("ro", "x")
		})
		assert.Error(t, err)
	})
}

func TestTKV_BatchOperations(t *testing.T) {
	store := createTestTKV(t)

	t.Run("BatchSet skips empty keys", func(t *testing.T) {
		err := store.BatchSet([]TKVBatchEntry{
			{Key: "b1", Value: "v1"},
			{Key: "", Value: "skipped"},
			{Key: "b2", Value: "v2"},
		})
		require.NoError(t, err)
		keys, err := store.Iterate("b", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b2"}, keys)
	})

	t.Run("empty batch", func(t *testing.T) {
		assert.NoError(t, store.BatchSet(nil))
	})
}

func TestTKV_InMemoryDropAll(t *testing.T) {
	store, err := New(Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set("k", "v"))
	require.NoError(t, store.DropAll())
	_, err = store.Get("k")
	assert.True(t, IsErrKeyNotFound(err))
}
