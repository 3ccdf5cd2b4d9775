// Package observer keeps one actor's view of a shared escrow record in sync.
// An Observer polls the record and the actor's wallet, diffs the result
// against the last snapshot it applied, and hands each resulting notice to a
// Notifier exactly once.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/metrics"
)

// DefaultInterval is the poll period when Config.Interval is unset.
const DefaultInterval = 2 * time.Second

// Source reads the shared record and the observing actor's balance.
type Source interface {
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
	Balance(ctx context.Context, actorID string) (int64, error)
}

// Settler finishes a settlement that stopped between its two writes.
type Settler interface {
	FinalizeSettlement(ctx context.Context, id string) (*escrow.Transaction, error)
}

// Config identifies what an Observer watches.
type Config struct {
	ActorID       string
	Role          string
	TransactionID string
	Interval      time.Duration
}

// Observer polls one transaction on behalf of one actor.
type Observer struct {
	cfg      Config
	source   Source
	settler  Settler
	notifier Notifier
	logger   *slog.Logger

	mu   sync.Mutex // serializes Tick
	last Snapshot

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates an observer. settler may be nil, in which case interrupted
// settlements are left to the server's monitor.
func New(cfg Config, source Source, settler Settler, notifier Notifier, logger *slog.Logger) (*Observer, error) {
	if cfg.ActorID == "" || cfg.TransactionID == "" {
		return nil, errors.New("observer: actor and transaction id are required")
	}
	if cfg.Role != escrow.RoleBuyer && cfg.Role != escrow.RoleSeller {
		return nil, fmt.Errorf("observer: role must be %q or %q", escrow.RoleBuyer, escrow.RoleSeller)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		cfg:      cfg,
		source:   source,
		settler:  settler,
		notifier: notifier,
		logger:   logger.With("actor", cfg.ActorID, "role", cfg.Role, "transactionId", cfg.TransactionID),
		stop:     make(chan struct{}),
	}, nil
}

// Snapshot returns the last applied snapshot.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Tick runs one poll: read, finalize an interrupted settlement if needed,
// diff, notify, then keep the new snapshot. On a read error the previous
// snapshot is kept so the next tick diffs against it again.
func (o *Observer) Tick(ctx context.Context) ([]Notice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tx, err := o.source.GetTransaction(ctx, o.cfg.TransactionID)
	if err != nil {
		metrics.ObserverTicksTotal.WithLabelValues(o.cfg.Role, "error").Inc()
		return nil, fmt.Errorf("read transaction: %w", err)
	}
	if tx.Role(o.cfg.ActorID) != o.cfg.Role {
		metrics.ObserverTicksTotal.WithLabelValues(o.cfg.Role, "error").Inc()
		return nil, fmt.Errorf("actor %s is not the %s on %s", o.cfg.ActorID, o.cfg.Role, tx.ID)
	}

	if tx.State == escrow.StateSettled && o.settler != nil {
		done, err := o.settler.FinalizeSettlement(ctx, tx.ID)
		switch {
		case err == nil:
			tx = done
		case errors.Is(err, escrow.ErrState):
			o.logger.Debug("settlement finalized elsewhere", "error", err)
		default:
			// Report what we saw; the next tick tries again.
			o.logger.Warn("failed to finalize settlement", "error", err)
		}
	}

	bal, err := o.source.Balance(ctx, o.cfg.ActorID)
	if err != nil {
		metrics.ObserverTicksTotal.WithLabelValues(o.cfg.Role, "error").Inc()
		return nil, fmt.Errorf("read balance: %w", err)
	}

	next := SnapshotOf(tx, bal)
	notices := Reconcile(o.cfg.Role, o.last, next)
	for _, n := range notices {
		o.notifier.Notify(ctx, n)
	}
	o.last = next
	metrics.ObserverTicksTotal.WithLabelValues(o.cfg.Role, "ok").Inc()
	return notices, nil
}

// Running reports whether Run is active.
func (o *Observer) Running() bool {
	return o.running.Load()
}

// Run polls until ctx is done, Stop is called, or the transaction reaches a
// terminal state and that state has been reported. It ticks once
// immediately. Call in a goroutine.
func (o *Observer) Run(ctx context.Context) {
	o.running.Store(true)
	defer o.running.Store(false)

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if o.safeTick(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals Run to return. Safe to call more than once.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// safeTick reports whether observation is finished.
func (o *Observer) safeTick(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserverTicksTotal.WithLabelValues(o.cfg.Role, "panic").Inc()
			o.logger.Error("panic in observer", "panic", fmt.Sprint(r))
			done = false
		}
	}()
	if _, err := o.Tick(ctx); err != nil {
		o.logger.Warn("observer poll failed, retrying next tick", "error", err)
		return false
	}
	return o.Snapshot().State.IsTerminal()
}
