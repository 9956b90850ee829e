package rft

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
)

const dbTypeValues = "values"

// snapshotEntry is one line of a persisted snapshot.
type snapshotEntry struct {
	DBType string `json:"t"`
	Key    string `json:"k"`
	Value  string `json:"v"`
}

type badgerFSMSnapshot struct {
	valuesDb *badger.DB
}

func (b *badgerFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	encoder := json.NewEncoder(sink)

	err := b.valuesDb.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to get value for snapshot (key: %s): %w", string(key), err)
			}
			entry := snapshotEntry{
				DBType: dbTypeValues,
				Key:    string(key),
				Value:  string(val),
			}
			if err := encoder.Encode(entry); err != nil {
				return fmt.Errorf("failed to encode snapshot entry (key: %s): %w", string(key), err)
			}
		}
		return nil
	})
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to persist snapshot for valuesDb: %w", err)
	}

	if errClose := sink.Close(); errClose != nil {
		return fmt.Errorf("failed to close snapshot sink: %w", errClose)
	}
	return nil
}

func (b *badgerFSMSnapshot) Release() {}
