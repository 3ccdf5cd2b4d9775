package txstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memEntry struct {
	value   []byte
	version int64
}

// MemoryStore is an in-memory store for development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Item{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return Item{Key: key, Value: clone(e.value), Version: e.version}, nil
}

func (m *MemoryStore) Create(ctx context.Context, key string, value []byte) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Item{}, ErrClosed
	}
	if _, ok := m.entries[key]; ok {
		return Item{}, ErrExists
	}
	m.entries[key] = memEntry{value: clone(value), version: 1}
	return Item{Key: key, Value: clone(value), Version: 1}, nil
}

func (m *MemoryStore) CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Item{}, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return Item{}, ErrNotFound
	}
	if e.version != expected {
		return Item{}, ErrConflict
	}
	next := memEntry{value: clone(value), version: e.version + 1}
	m.entries[key] = next
	return Item{Key: key, Value: clone(value), Version: next.version}, nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: clone(value), version: 1}
	return true, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.entries[key]
	return ok, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string, limit int) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var result []Item
	for _, k := range keys {
		if limit > 0 && len(result) >= limit {
			break
		}
		e := m.entries[k]
		result = append(result, Item{Key: k, Value: clone(e.value), Version: e.version})
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed; subsequent calls fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
