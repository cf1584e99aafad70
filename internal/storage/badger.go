package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// Badger stores entries in a Badger key/value directory.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the badger directory under dataDir.
// Pass ":memory:" for an in-memory instance.
func OpenBadger(dataDir string) (*Badger, error) {
	var opts badger.Options
	if dataDir == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := filepath.Join(dataDir, "badger")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating badger directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	// badger logs through its own logger by default; the daemon logs via slog.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry %s: %w", key, err)
	}
	return value, nil
}

func (b *Badger) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("writing entry %s: %w", key, err)
	}
	return nil
}
