package txstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists the implementations exercised by the shared suite.
// Postgres runs in postgres_store_test.go behind the integration tag.
func storeFactories(t *testing.T) map[string]func() Store {
	var n atomic.Int32
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			path := filepath.Join(t.TempDir(), fmt.Sprintf("records-%d.db", n.Add(1)))
			s, err := OpenBoltStore(path, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, factory)
		})
	}
}

func runStoreSuite(t *testing.T, newStore func() Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore()
		ctx := context.Background()

		item, err := s.Create(ctx, "transaction:1", []byte(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), item.Version)

		got, err := s.Get(ctx, "transaction:1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"a":1}`), got.Value)
		assert.Equal(t, int64(1), got.Version)

		_, err = s.Create(ctx, "transaction:1", []byte(`{}`))
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newStore().Get(context.Background(), "transaction:nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("compare and set", func(t *testing.T) {
		s := newStore()
		ctx := context.Background()
		_, err := s.Create(ctx, "k", []byte("v1"))
		require.NoError(t, err)

		item, err := s.CompareAndSet(ctx, "k", 1, []byte("v2"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), item.Version)

		_, err = s.CompareAndSet(ctx, "k", 1, []byte("stale"))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Value)

		_, err = s.CompareAndSet(ctx, "missing", 1, []byte("x"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("compare and set race has one winner", func(t *testing.T) {
		s := newStore()
		ctx := context.Background()
		_, err := s.Create(ctx, "race", []byte("0"))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := s.CompareAndSet(ctx, "race", 1, []byte(fmt.Sprint(i))); err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("set if absent", func(t *testing.T) {
		s := newStore()
		ctx := context.Background()

		created, err := s.SetIfAbsent(ctx, "credited:1", []byte("true"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.SetIfAbsent(ctx, "credited:1", []byte("true"))
		require.NoError(t, err)
		assert.False(t, created)

		ok, err := s.Exists(ctx, "credited:1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Exists(ctx, "expired:1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("scan by prefix", func(t *testing.T) {
		s := newStore()
		ctx := context.Background()
		for _, k := range []string{"transaction:b", "transaction:a", "credited:a", "transaction:c"} {
			_, err := s.Create(ctx, k, []byte(k))
			require.NoError(t, err)
		}

		items, err := s.Scan(ctx, "transaction:", 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "transaction:a", items[0].Key)
		assert.Equal(t, "transaction:c", items[2].Key)

		items, err = s.Scan(ctx, "transaction:", 2)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore().Ping(context.Background()))
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Create(ctx, "k", []byte("abc"))
	require.NoError(t, err)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got.Value[0] = 'z'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "transaction:x", []byte(`{"state":"held"}`))
	require.NoError(t, err)
	_, err = s.CompareAndSet(ctx, "transaction:x", 1, []byte(`{"state":"buyer_confirmed"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	item, err := s.Get(ctx, "transaction:x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), item.Version)
	assert.JSONEq(t, `{"state":"buyer_confirmed"}`, string(item.Value))
}

func TestBoltStore_ClosedMapsError(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "records.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\_b\%c\\`, escapeLike(`a_b%c\`))
}
