package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowsync/internal/txstore"
)

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, actorID, id string) (*Subscription, error)
	// ListByActor returns the actor's active subscriptions.
	ListByActor(ctx context.Context, actorID string) ([]*Subscription, error)
	Deactivate(ctx context.Context, actorID, id string) error
	// RecordAttempt stores the outcome of the latest delivery; a nil err
	// is a success.
	RecordAttempt(ctx context.Context, actorID, id string, at time.Time, err error) error
}

const keyPrefix = "webhook:"

func subKey(actorID, id string) string {
	return keyPrefix + actorID + ":" + id
}

// RecordStore keeps subscriptions in the shared record store next to the
// transactions, so every store driver supports webhooks.
type RecordStore struct {
	records txstore.Store
}

// NewRecordStore wraps records.
func NewRecordStore(records txstore.Store) *RecordStore {
	return &RecordStore{records: records}
}

func (s *RecordStore) Create(ctx context.Context, sub *Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	item, err := s.records.Create(ctx, subKey(sub.ActorID, sub.ID), data)
	if err != nil {
		return err
	}
	sub.Version = item.Version
	return nil
}

func (s *RecordStore) Get(ctx context.Context, actorID, id string) (*Subscription, error) {
	item, err := s.records.Get(ctx, subKey(actorID, id))
	if errors.Is(err, txstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSub(item)
}

func (s *RecordStore) ListByActor(ctx context.Context, actorID string) ([]*Subscription, error) {
	items, err := s.records.Scan(ctx, keyPrefix+actorID+":", 0)
	if err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, item := range items {
		sub, err := decodeSub(item)
		if err != nil {
			return nil, err
		}
		if sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *RecordStore) Deactivate(ctx context.Context, actorID, id string) error {
	return s.update(ctx, actorID, id, func(sub *Subscription) { sub.Active = false })
}

func (s *RecordStore) RecordAttempt(ctx context.Context, actorID, id string, at time.Time, deliveryErr error) error {
	return s.update(ctx, actorID, id, func(sub *Subscription) {
		if deliveryErr == nil {
			sub.LastSuccess = &at
			sub.LastError = ""
			return
		}
		sub.LastError = deliveryErr.Error()
	})
}

// update applies change with compare-and-set, rereading once on conflict.
func (s *RecordStore) update(ctx context.Context, actorID, id string, change func(*Subscription)) error {
	var err error
	for range 2 {
		var sub *Subscription
		if sub, err = s.Get(ctx, actorID, id); err != nil {
			return err
		}
		change(sub)
		data, merr := json.Marshal(sub)
		if merr != nil {
			return fmt.Errorf("encode subscription: %w", merr)
		}
		if _, err = s.records.CompareAndSet(ctx, subKey(actorID, id), sub.Version, data); !errors.Is(err, txstore.ErrConflict) {
			return err
		}
	}
	return err
}

func decodeSub(item txstore.Item) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(item.Value, &sub); err != nil {
		return nil, fmt.Errorf("decode %s: %w", item.Key, err)
	}
	sub.Version = item.Version
	return &sub, nil
}
