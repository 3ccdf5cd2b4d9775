package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBalances = []byte("wallet_balances")
	bucketEntries  = []byte("wallet_entries")
)

// BoltStore keeps balances and entries in a bbolt file. Entries are keyed by
// actor, a zero byte and a big-endian sequence, so one actor's history is a
// contiguous, insertion-ordered range.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the ledger buckets in db.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBalances, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	var bal *Balance
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		bal, err = readBalance(tx, actorID)
		return err
	})
	return bal, err
}

func (b *BoltStore) Credit(ctx context.Context, entry *Entry) (*Balance, error) {
	return b.apply(entry, func(bal *Balance) error {
		bal.Available += entry.Amount
		bal.TotalIn += entry.Amount
		return nil
	})
}

func (b *BoltStore) Debit(ctx context.Context, entry *Entry) (*Balance, error) {
	return b.apply(entry, func(bal *Balance) error {
		if bal.Available < entry.Amount {
			return ErrInsufficientBalance
		}
		bal.Available -= entry.Amount
		bal.TotalOut += entry.Amount
		return nil
	})
}

// apply changes the balance and appends the entry in one bolt transaction.
func (b *BoltStore) apply(entry *Entry, change func(*Balance) error) (*Balance, error) {
	var out *Balance
	err := b.db.Update(func(tx *bolt.Tx) error {
		bal, err := readBalance(tx, entry.ActorID)
		if err != nil {
			return err
		}
		if err := change(bal); err != nil {
			return err
		}
		bal.UpdatedAt = entry.CreatedAt

		raw, err := json.Marshal(bal)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBalances).Put([]byte(entry.ActorID), raw); err != nil {
			return err
		}

		entries := tx.Bucket(bucketEntries)
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		entry.Balance = bal.Available
		raw, err = json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := entries.Put(entryKey(entry.ActorID, seq), raw); err != nil {
			return err
		}
		out = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) GetHistory(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	var result []*Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		prefix := append([]byte(actorID), 0)
		var all []*Entry
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry %x: %w", k, err)
			}
			all = append(all, &e)
		}
		for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
			result = append(result, all[i])
		}
		return nil
	})
	return result, err
}

func (b *BoltStore) SumBalances(ctx context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBalances).ForEach(func(_, v []byte) error {
			var bal Balance
			if err := json.Unmarshal(v, &bal); err != nil {
				return err
			}
			total += bal.Available
			return nil
		})
	})
	return total, err
}

func (b *BoltStore) SumDeposits(ctx context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Type == EntryDeposit {
				total += e.Amount
			}
			return nil
		})
	})
	return total, err
}

func readBalance(tx *bolt.Tx, actorID string) (*Balance, error) {
	raw := tx.Bucket(bucketBalances).Get([]byte(actorID))
	if raw == nil {
		return &Balance{ActorID: actorID}, nil
	}
	var bal Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return nil, fmt.Errorf("decode balance for %s: %w", actorID, err)
	}
	return &bal, nil
}

func entryKey(actorID string, seq uint64) []byte {
	k := make([]byte, len(actorID)+1+8)
	copy(k, actorID)
	binary.BigEndian.PutUint64(k[len(actorID)+1:], seq)
	return k
}
