// Package events is the in-process notification bus. The escrow engine and
// ledger publish named events; the realtime hub and tests subscribe.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Name identifies an event.
type Name string

const (
	TransactionCreated            Name = "transaction.created"
	TransactionConnected          Name = "transaction.connected"
	TransactionApproved           Name = "transaction.approved"
	TransactionRejected           Name = "transaction.rejected"
	TransactionFunded             Name = "transaction.funded"
	TransactionConfirmed          Name = "transaction.confirmed"
	TransactionExtensionRequested Name = "transaction.extension_requested"
	TransactionExtensionApproved  Name = "transaction.extension_approved"
	TransactionCompleted          Name = "transaction.completed"
	TransactionExpired            Name = "transaction.expired"
	BalanceChanged                Name = "balance.changed"
)

// Event carries the transaction id, and the actor for balance events.
// Role is set on transaction.confirmed ("buyer" or "seller").
type Event struct {
	Name          Name           `json:"name"`
	TransactionID string         `json:"transactionId,omitempty"`
	ActorID       string         `json:"actorId,omitempty"`
	Role          string         `json:"role,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	At            time.Time      `json:"at"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(ctx context.Context, ev Event)

// Publisher is the side of the bus the engine depends on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	all      []Handler
	logger   *slog.Logger
	now      func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers h for one event name.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers ev to its subscribers. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.logger.Debug("event published", "event", ev.Name, "transactionId", ev.TransactionID, "actor", ev.ActorID)

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[ev.Name])+len(b.all))
	targets = append(targets, b.handlers[ev.Name]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(ctx, h, ev)
	}
}

// BalanceChanged publishes balance.changed so the bus can act as the
// ledger's notifier.
func (b *Bus) BalanceChanged(ctx context.Context, actorID string, available int64) {
	b.Publish(ctx, Event{
		Name:    BalanceChanged,
		ActorID: actorID,
		Data:    map[string]any{"available": available},
	})
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in event handler", "event", ev.Name, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, ev)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
