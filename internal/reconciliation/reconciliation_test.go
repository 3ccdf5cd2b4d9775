package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/ledger"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/txstore"
)

const (
	buyerID  = "+639171234567"
	sellerID = "+639181234567"
)

type fixture struct {
	now    time.Time
	ledger *ledger.Ledger
	svc    *escrow.Service
	rec    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.ledger = ledger.New(ledger.NewMemoryStore())
	_, err := f.ledger.Deposit(ctx, buyerID, 10000, "seed")
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, sellerID, 5000, "seed")
	require.NoError(t, err)

	f.svc = escrow.NewService(txstore.NewMemoryStore(), f.ledger).
		WithClock(clock).
		WithLogger(logging.Discard())
	f.rec = NewService(f.ledger, f.svc.Repository()).WithClock(clock)
	return f
}

func (f *fixture) create(t *testing.T) *escrow.Transaction {
	t.Helper()
	tx, err := f.svc.CreateTransaction(context.Background(), escrow.CreateRequest{
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Amount:      5000,
		Description: "film scanner",
		ExpiresAt:   f.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) mustMatch(t *testing.T, step string) *Report {
	t.Helper()
	r, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Match, "%s: diff %d", step, r.Diff)
	assert.Equal(t, int64(15000), r.Deposited, step)
	return r
}

func TestRun_CompletionConservesMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	f.mustMatch(t, "created")

	_, err := f.svc.ApproveTransaction(ctx, tx.ID, sellerID)
	require.NoError(t, err)
	r := f.mustMatch(t, "approved")
	assert.Equal(t, int64(100), r.Escrowed)

	_, err = f.svc.FundEscrow(ctx, tx.ID, buyerID)
	require.NoError(t, err)
	r = f.mustMatch(t, "funded")
	assert.Equal(t, int64(5200), r.Escrowed)

	_, err = f.svc.ConfirmByBuyer(ctx, tx.ID, buyerID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmBySeller(ctx, tx.ID, sellerID)
	require.NoError(t, err)

	r = f.mustMatch(t, "completed")
	assert.Zero(t, r.Escrowed)
	assert.Equal(t, int64(100), r.Retained, "platform keeps the fee")
	assert.Equal(t, int64(14900), r.WalletTotal)
	assert.True(t, r.Healthy())
	assert.Equal(t, 1, r.Transactions)
}

func TestRun_ExpiryConservesMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	_, err := f.svc.ApproveTransaction(ctx, tx.ID, sellerID)
	require.NoError(t, err)
	_, err = f.svc.FundEscrow(ctx, tx.ID, buyerID)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.Expire(ctx, tx.ID)
	require.NoError(t, err)

	r := f.mustMatch(t, "expired")
	assert.Zero(t, r.Escrowed)
	assert.Equal(t, int64(100), r.Retained, "platform keeps the forfeited hold")
	assert.Empty(t, r.OverdueExpiries)
}

func TestRun_DetectsLeak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t)

	// A debit that no transaction accounts for.
	_, err := f.ledger.Debit(ctx, sellerID, 50, "", "stray")
	require.NoError(t, err)

	r, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.False(t, r.Match)
	assert.Equal(t, int64(50), r.Diff)
	assert.False(t, r.Healthy())
}

func TestRun_ReportsOverdueExpiry(t *testing.T) {
	f := newFixture(t)
	tx := f.create(t)

	f.now = f.now.Add(time.Hour + 30*time.Second)
	r, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, r.OverdueExpiries, "within grace")

	f.now = f.now.Add(time.Minute)
	r, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{tx.ID}, r.OverdueExpiries)
	assert.True(t, r.Match)
	assert.False(t, r.Healthy())
}

type staticTxs []*escrow.Transaction

func (s staticTxs) List(context.Context) ([]*escrow.Transaction, error) { return s, nil }

type staticWallets struct {
	total, deposited int64
	err              error
}

func (w staticWallets) Total(context.Context) (int64, error)     { return w.total, w.err }
func (w staticWallets) Deposited(context.Context) (int64, error) { return w.deposited, w.err }

func TestRun_ReportsStuckSettlement(t *testing.T) {
	settled := &escrow.Transaction{
		ID: "txn_settled", State: escrow.StateSettled,
		Amount: 5000, Fee: 100, HoldAmount: 100,
		ProtectionWindowExpiresAt: time.Now().Add(-time.Hour),
	}
	svc := NewService(staticWallets{total: 9800, deposited: 15000}, staticTxs{settled})

	r, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Match)
	assert.Equal(t, []string{"txn_settled"}, r.StuckSettlements)
	assert.Empty(t, r.OverdueExpiries, "settled cannot expire")
}

func TestRun_ReadError(t *testing.T) {
	svc := NewService(staticWallets{err: errors.New("db down")}, staticTxs{})
	_, err := svc.Run(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestEscrowedAndRetained(t *testing.T) {
	base := escrow.Transaction{Amount: 5000, Fee: 100, HoldAmount: 100, Forfeited: 100}
	tests := []struct {
		state    escrow.State
		escrowed int64
		retained int64
	}{
		{escrow.StateCreated, 0, 0},
		{escrow.StateFundedPending, 100, 0},
		{escrow.StateHeld, 5200, 0},
		{escrow.StateBuyerConfirmed, 5200, 0},
		{escrow.StateSettled, 5200, 0},
		{escrow.StateCompleted, 0, 100},
		{escrow.StateRejected, 0, 0},
		{escrow.StateExpired, 0, 100},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			tx := base
			tx.State = tt.state
			assert.Equal(t, tt.escrowed, Escrowed(&tx))
			assert.Equal(t, tt.retained, Retained(&tx))
		})
	}
}
