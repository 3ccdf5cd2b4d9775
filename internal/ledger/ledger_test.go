package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "+639123456789"
	seller = "+639876543210"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes map[string][]int64
}

func (r *recordingNotifier) BalanceChanged(ctx context.Context, actorID string, available int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changes == nil {
		r.changes = make(map[string][]int64)
	}
	r.changes[actorID] = append(r.changes[actorID], available)
}

func TestLedger_DepositCreditDebit(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	l := New(NewMemoryStore()).WithNotifier(n)

	bal, err := l.Deposit(ctx, buyer, 10000, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available)

	bal, err = l.Debit(ctx, buyer, 5100, "txn_1", "fund escrow")
	require.NoError(t, err)
	assert.Equal(t, int64(4900), bal.Available)
	assert.Equal(t, int64(5100), bal.TotalOut)

	bal, err = l.Credit(ctx, buyer, 5100, "txn_1", "expiry refund")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Available)
	assert.Equal(t, int64(15100), bal.TotalIn)

	assert.Equal(t, []int64{10000, 4900, 10000}, n.changes[buyer])
}

func TestLedger_DebitRefusesOverdraft(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, err := l.Debit(ctx, seller, 100, "txn_1", "hold")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.Deposit(ctx, seller, 50, "seed")
	require.NoError(t, err)
	_, err = l.Debit(ctx, seller, 100, "txn_1", "hold")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := l.Balance(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Available, "failed debit must not change the balance")
}

func TestLedger_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, err := l.Credit(ctx, buyer, 0, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Debit(ctx, buyer, -5, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Credit(ctx, "   ", 10, "", "")
	assert.ErrorIs(t, err, ErrInvalidActor)
}

func TestLedger_NormalizesActor(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())

	_, err := l.Deposit(ctx, "+63 912 345 6789", 700, "seed")
	require.NoError(t, err)

	bal, err := l.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(700), bal.Available)
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_, err := l.Deposit(ctx, buyer, 10000, "seed")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, buyer, 5100, "txn", "fund"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	bal, err := l.Balance(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(4900), bal.Available)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_, _ = l.Deposit(ctx, seller, 5000, "seed")
	_, _ = l.Debit(ctx, seller, 100, "txn_1", "seller hold")
	_, _ = l.Deposit(ctx, buyer, 1, "other actor")

	entries, err := l.History(ctx, seller, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryDebit, entries[0].Type)
	assert.Equal(t, int64(4900), entries[0].Balance)
	assert.Equal(t, "txn_1", entries[0].Reference)
	assert.Equal(t, EntryDeposit, entries[1].Type)
}

func TestLedger_Total(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_, _ = l.Deposit(ctx, buyer, 10000, "seed")
	_, _ = l.Deposit(ctx, seller, 5000, "seed")
	_, _ = l.Debit(ctx, seller, 100, "txn_1", "hold")

	total, err := l.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(14900), total)

	_, _ = l.Credit(ctx, seller, 100, "txn_1", "hold release")
	deposited, err := l.Deposited(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(15000), deposited, "credits are not deposits")
}

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestMetrics_Registered(t *testing.T) {
	LedgerOpsTotal.WithLabelValues("credit")
	LedgerOpDuration.WithLabelValues("credit")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["escrowsync_ledger_operations_total"])
	assert.True(t, names["escrowsync_ledger_rejected_debits_total"])
}
