// Package storage provides the named-entry backends the submission queue
// persists through: SQLite (default), Badger and an in-memory map.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// Entries is a durable map of named values. Put replaces the whole value
// atomically; the last writer wins.
type Entries interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open returns the backend named by backend rooted at dataDir.
func Open(backend, dataDir string) (Entries, error) {
	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(dataDir)
	case BackendBadger:
		return OpenBadger(dataDir)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
