package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/txstore"
)

// Guard values. A guard is claimed with false before money moves and
// flipped to true once the movement has been applied.
var (
	guardClaimed = []byte("false")
	guardApplied = []byte("true")
)

// Repository maps transactions onto a txstore.Store as JSON.
type Repository struct {
	store txstore.Store
}

// NewRepository wraps store.
func NewRepository(store txstore.Store) *Repository {
	return &Repository{store: store}
}

// Get loads a transaction. Missing records return txstore.ErrNotFound.
func (r *Repository) Get(ctx context.Context, id string) (*Transaction, error) {
	item, err := r.store.Get(ctx, recordKey(id))
	if err != nil {
		return nil, err
	}
	return decode(item)
}

// Create stores a new record and sets tx.Version.
func (r *Repository) Create(ctx context.Context, tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	item, err := r.store.Create(ctx, recordKey(tx.ID), data)
	if err != nil {
		return err
	}
	tx.Version = item.Version
	return nil
}

// Update writes tx only if the stored version still equals tx.Version,
// returning txstore.ErrConflict otherwise. On success tx.Version advances.
func (r *Repository) Update(ctx context.Context, tx *Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	item, err := r.store.CompareAndSet(ctx, recordKey(tx.ID), tx.Version, data)
	if err != nil {
		return err
	}
	tx.Version = item.Version
	return nil
}

// ClaimGuard reports whether this caller is the one that created key.
func (r *Repository) ClaimGuard(ctx context.Context, key string) (bool, error) {
	return r.store.SetIfAbsent(ctx, key, guardClaimed)
}

// MarkGuardApplied records that the claimed money movement happened.
func (r *Repository) MarkGuardApplied(ctx context.Context, key string) error {
	item, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if string(item.Value) == string(guardApplied) {
		return nil
	}
	_, err = r.store.CompareAndSet(ctx, key, item.Version, guardApplied)
	return err
}

// GuardState reports whether key has been claimed and whether the movement
// behind it has been applied.
func (r *Repository) GuardState(ctx context.Context, key string) (claimed, applied bool, err error) {
	item, err := r.store.Get(ctx, key)
	if errors.Is(err, txstore.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, string(item.Value) == string(guardApplied), nil
}

// List returns every transaction, ordered by key.
func (r *Repository) List(ctx context.Context) ([]*Transaction, error) {
	items, err := r.store.Scan(ctx, recordPrefix, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(items))
	for _, item := range items {
		tx, err := decode(item)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// ListByActor returns transactions where actor is buyer or seller, newest
// first, starting after the cursor position.
func (r *Repository) ListByActor(ctx context.Context, actorID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	return r.filter(ctx, after, limit, func(tx *Transaction) bool {
		return tx.BuyerID == actorID || tx.SellerID == actorID
	})
}

// ListPendingForSeller returns invitations the seller has not opened yet,
// newest first, starting after the cursor position.
func (r *Repository) ListPendingForSeller(ctx context.Context, sellerID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	return r.filter(ctx, after, limit, func(tx *Transaction) bool {
		return tx.SellerID == sellerID && tx.State == StateCreated && tx.ConnectedAt == nil
	})
}

// filter decodes every transaction record and keeps the matches. Stores
// have no secondary index, so on postgres each call scans every
// transaction: row.
func (r *Repository) filter(ctx context.Context, after *pagination.Cursor, limit int, keep func(*Transaction) bool) ([]*Transaction, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Transaction
	for _, tx := range all {
		if keep(tx) && after.Before(tx.CreatedAt, tx.ID) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return pagination.Newer(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func decode(item txstore.Item) (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(item.Value, &tx); err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key, err)
	}
	tx.Version = item.Version
	return &tx, nil
}
