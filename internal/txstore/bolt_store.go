package txstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("records")

// BoltStore persists records in a single bbolt file. Values are framed as an
// 8-byte big-endian version followed by the payload.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if needed) the bbolt file at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(ctx context.Context, key string) (Item, error) {
	var item Item
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var err error
		item, err = decodeFrame(key, raw)
		return err
	})
	return item, mapBoltErr(err)
}

func (b *BoltStore) Create(ctx context.Context, key string, value []byte) (Item, error) {
	item := Item{Key: key, Value: clone(value), Version: 1}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(key)) != nil {
			return ErrExists
		}
		return bucket.Put([]byte(key), encodeFrame(1, value))
	})
	if err != nil {
		return Item{}, mapBoltErr(err)
	}
	return item, nil
}

func (b *BoltStore) CompareAndSet(ctx context.Context, key string, expected int64, value []byte) (Item, error) {
	var item Item
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		current, err := decodeFrame(key, raw)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrConflict
		}
		next := current.Version + 1
		if err := bucket.Put([]byte(key), encodeFrame(next, value)); err != nil {
			return err
		}
		item = Item{Key: key, Value: clone(value), Version: next}
		return nil
	})
	if err != nil {
		return Item{}, mapBoltErr(err)
	}
	return item, nil
}

func (b *BoltStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	created := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		created = true
		return bucket.Put([]byte(key), encodeFrame(1, value))
	})
	if err != nil {
		return false, mapBoltErr(err)
	}
	return created, nil
}

func (b *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(key)) != nil
		return nil
	})
	return found, mapBoltErr(err)
}

func (b *BoltStore) Scan(ctx context.Context, prefix string, limit int) ([]Item, error) {
	var result []Item
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}
			item, err := decodeFrame(string(k), v)
			if err != nil {
				return err
			}
			result = append(result, item)
		}
		return nil
	})
	if err != nil {
		return nil, mapBoltErr(err)
	}
	return result, nil
}

func (b *BoltStore) Ping(ctx context.Context) error {
	return mapBoltErr(b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecords) == nil {
			return errors.New("records bucket missing")
		}
		return nil
	}))
}

// DB exposes the handle so other stores can keep their buckets in the same
// file.
func (b *BoltStore) DB() *bolt.DB {
	return b.db
}

// Close releases the underlying Bolt database handle.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func encodeFrame(version int64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[:8], uint64(version))
	copy(out[8:], value)
	return out
}

// decodeFrame copies out of raw, which is only valid inside the bolt tx.
func decodeFrame(key string, raw []byte) (Item, error) {
	if len(raw) < 8 {
		return Item{}, fmt.Errorf("txstore: corrupt frame for %q", key)
	}
	return Item{
		Key:     key,
		Value:   clone(raw[8:]),
		Version: int64(binary.BigEndian.Uint64(raw[:8])),
	}, nil
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
