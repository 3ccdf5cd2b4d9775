package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically runs reconciliation checks and keeps the last report.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a new reconciliation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Last returns the most recent report, or nil before the first run.
func (t *Timer) Last() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
// The first check runs immediately.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunNow performs one check outside the schedule and records it.
func (t *Timer) RunNow(ctx context.Context) (*Report, error) {
	r, err := t.service.Run(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.last = r
	t.mu.Unlock()

	if !r.Match {
		t.logger.Error("CRITICAL: escrow conservation mismatch",
			"deposited", r.Deposited, "wallets", r.WalletTotal,
			"escrowed", r.Escrowed, "retained", r.Retained, "diff", r.Diff)
	}
	if len(r.StuckSettlements) > 0 {
		t.logger.Warn("settlements awaiting seller credit", "transactionIds", r.StuckSettlements)
	}
	if len(r.OverdueExpiries) > 0 {
		t.logger.Warn("expiries overdue", "transactionIds", r.OverdueExpiries)
	}
	return r, nil
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.RunNow(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
