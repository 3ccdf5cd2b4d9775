package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowsync/internal/metrics"
)

// DefaultSweepInterval is how often the monitor scans for elapsed windows.
const DefaultSweepInterval = 10 * time.Second

// Monitor periodically expires transactions whose protection window has
// elapsed. It also finishes settlements and expiry refunds that were
// interrupted after their state write.
type Monitor struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewMonitor creates an expiry monitor.
func NewMonitor(service *Service, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Monitor{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start runs sweeps until ctx is done or Stop is called. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep(ctx)
		}
	}
}

// Stop signals the monitor to stop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ExpirySweepsTotal.WithLabelValues("panic").Inc()
			m.logger.Error("panic in expiry monitor", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := m.Sweep(ctx); err != nil {
		metrics.ExpirySweepsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("expiry sweep failed, retrying next tick", "error", err)
		return
	}
	metrics.ExpirySweepsTotal.WithLabelValues("ok").Inc()
}

// Sweep makes one pass over the store and returns how many transactions it
// expired. A failure on one transaction is logged and does not stop the
// pass; only a failure to list the store is returned.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	all, err := m.service.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}

	now := m.service.now()
	expired := 0
	for _, tx := range all {
		switch {
		case tx.State == StateSettled:
			m.finishSettlement(ctx, tx)
		case tx.State == StateExpired:
			m.finishExpiry(ctx, tx)
		case tx.State.Expirable() && tx.WindowElapsed(now):
			if m.expire(ctx, tx) {
				expired++
			}
		}
	}
	return expired, nil
}

func (m *Monitor) expire(ctx context.Context, tx *Transaction) bool {
	_, err := m.service.Expire(ctx, tx.ID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrState):
		// Settled, extended or expired by someone else since the scan.
		m.logger.Debug("skipping expiry", "transactionId", tx.ID, "reason", err)
	default:
		m.logger.Warn("failed to expire transaction", "transactionId", tx.ID, "error", err)
	}
	return false
}

func (m *Monitor) finishSettlement(ctx context.Context, tx *Transaction) {
	if _, err := m.service.FinalizeSettlement(ctx, tx.ID); err != nil && !errors.Is(err, ErrState) {
		m.logger.Warn("failed to finish interrupted settlement", "transactionId", tx.ID, "error", err)
	}
}

func (m *Monitor) finishExpiry(ctx context.Context, tx *Transaction) {
	claimed, applied, err := m.service.repo.GuardState(ctx, expiredKey(tx.ID))
	if err != nil {
		m.logger.Warn("failed to read expiry guard", "transactionId", tx.ID, "error", err)
		return
	}
	if applied {
		return
	}
	if claimed {
		m.logger.Warn("expiry refund claimed but not applied", "transactionId", tx.ID, "refund", tx.Refunded)
		return
	}
	if _, err := m.service.Expire(ctx, tx.ID); err != nil {
		m.logger.Warn("failed to finish interrupted expiry", "transactionId", tx.ID, "error", err)
	}
}
