package tkv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

type tkv struct {
	logger *slog.Logger
	store  *badger.DB
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	badgerLogLevel := badger.INFO
	switch config.BadgerLogLevel {
	case slog.LevelDebug:
		badgerLogLevel = badger.DEBUG
	case slog.LevelInfo:
		badgerLogLevel = badger.INFO
	case slog.LevelWarn:
		badgerLogLevel = badger.WARNING
	case slog.LevelError:
		badgerLogLevel = badger.ERROR
	default:
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
	}, nil
}

func (t *tkv) Close() error {
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) GetDataDB() *badger.DB {
	return t.store
}

func (t *tkv) DropAll() error {
	if err := t.store.DropAll(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) Update(fn func(txn Txn) error) error {
	return t.store.Update(func(btxn *badger.Txn) error {
		return fn(&txn{btxn: btxn})
	})
}

func (t *tkv) View(fn func(txn Txn) error) error {
	return t.store.View(func(btxn *badger.Txn) error {
		return fn(&txn{btxn: btxn})
	})
}

func (t *tkv) Get(key string) (string, error) {
	var value string
	err := t.View(func(tx Txn) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

func (t *tkv) Set(key string, value string) error {
	return t.Update(func(tx Txn) error {
		return tx.Set(key, value)
	})
}

func (t *tkv) Delete(key string) error {
	return t.Update(func(tx Txn) error {
		return tx.Delete(key)
	})
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.View(func(tx Txn) error {
		var err error
		keys, err = tx.Iterate(prefix, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) BatchSet(entries []TKVBatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		if entry.Key == "" {
			t.logger.Warn("BatchSet encountered an entry with an empty key, skipping.")
			continue
		}
		if err := wb.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add set operation for key '%s' to batch: %w", entry.Key, err)}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch set: %w", err)}
	}
	return nil
}

// -------------------------- TXN

type txn struct {
	btxn *badger.Txn
}

func (x *txn) Get(key string) (string, error) {
	item, err := x.btxn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", &ErrKeyNotFound{Key: key}
		}
		return "", &ErrInternal{Err: err}
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return "", &ErrInternal{Err: err}
	}
	return string(value), nil
}

func (x *txn) Set(key string, value string) error {
	if err := x.btxn.Set([]byte(key), []byte(value)); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (x *txn) Delete(key string) error {
	if err := x.btxn.Delete([]byte(key)); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

// Iterate returns keys under prefix in byte order. A limit of 0 means no limit.
func (x *txn) Iterate(prefix string, offset int, limit int) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := x.btxn.NewIterator(opts)
	defer it.Close()

	var keys []string
	prefixBytes := []byte(prefix)
	skipped := 0
	collected := 0

	for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && collected >= limit {
			break
		}
		keys = append(keys, string(it.Item().KeyCopy(nil)))
		collected++
	}
	return keys, nil
}
