package tkv

import (
	"log/slog"

	"github.com/dgraph-io/badger/v3"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string

	// InMemory keeps everything in RAM. Directory is ignored.
	InMemory bool
}

type TKVBatchEntry struct {
	Key   string
	Value string
}

type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Set(key string, value string) error
	Delete(key string) error
}

// Txn is a single badger transaction. Writes made through a Txn are only
// visible to others once the enclosing Update returns nil.
type Txn interface {
	TKVDataHandler
}

type TKVTxnHandler interface {
	// Update runs fn in a read-write transaction. Any error discards every
	// write fn made.
	Update(fn func(txn Txn) error) error
	View(fn func(txn Txn) error) error
}

type TKV interface {
	TKVDataHandler
	TKVBatchHandler
	TKVTxnHandler

	DropAll() error
	Close() error

	GetDataDB() *badger.DB
}
