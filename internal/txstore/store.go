// Package txstore is the shared record store the escrow engine and the
// actor observers read and write. Records are opaque byte values addressed
// by string keys; every write bumps a version so callers can compare-and-set.
package txstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("txstore: key not found")
	ErrExists   = errors.New("txstore: key already exists")
	ErrConflict = errors.New("txstore: version conflict")
	ErrClosed   = errors.New("txstore: store closed")
)

// Item is a stored value plus the version it was read at.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the storage contract. Implementations must make Create,
// CompareAndSet and SetIfAbsent atomic with respect to each other.
type Store interface {
	// Get returns the current item or ErrNotFound.
	Get(ctx context.Context, key string) (Item, error)
	// Create inserts a new key at version 1, or fails with ErrExists.
	Create(ctx context.Context, key string, value []byte) (Item, error)
	// CompareAndSet replaces the value when the stored version equals
	// expected. Returns ErrConflict on a version mismatch and ErrNotFound
	// when the key is absent.
	CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (Item, error)
	// SetIfAbsent creates key when missing. It reports true only to the
	// caller that created it.
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns up to limit items whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string, limit int) ([]Item, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
