// Package reconciliation checks that escrow never creates or destroys money.
//
// Every unit in the system entered through a ledger deposit. From then on it
// sits in a wallet, in escrow on a live transaction, or with the platform as
// a collected fee or forfeited hold:
//
//	deposited == wallets + escrowed + retained
//
// A non-zero difference that survives more than one run means a settlement
// or refund was half applied.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// DefaultOverdueGrace is how long past its window an expirable transaction
// may sit before it is reported. It should cover a few monitor sweeps.
const DefaultOverdueGrace = time.Minute

// Wallets reports ledger totals.
type Wallets interface {
	Total(ctx context.Context) (int64, error)
	Deposited(ctx context.Context) (int64, error)
}

// Transactions lists every escrow record.
type Transactions interface {
	List(ctx context.Context) ([]*escrow.Transaction, error)
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Match            bool          `json:"match"`
	Deposited        int64         `json:"deposited"`
	WalletTotal      int64         `json:"walletTotal"`
	Escrowed         int64         `json:"escrowed"`
	Retained         int64         `json:"retained"`
	Diff             int64         `json:"diff"`
	Transactions     int           `json:"transactions"`
	StuckSettlements []string      `json:"stuckSettlements,omitempty"`
	OverdueExpiries  []string      `json:"overdueExpiries,omitempty"`
	CheckedAt        time.Time     `json:"checkedAt"`
	Duration         time.Duration `json:"duration"`
}

// Healthy reports whether money is conserved and nothing is stuck.
func (r *Report) Healthy() bool {
	return r.Match && len(r.StuckSettlements) == 0 && len(r.OverdueExpiries) == 0
}

// Service performs reconciliation between the ledger and escrow records.
type Service struct {
	wallets Wallets
	txs     Transactions
	grace   time.Duration
	now     func() time.Time
}

// NewService creates a reconciliation service.
func NewService(wallets Wallets, txs Transactions) *Service {
	return &Service{
		wallets: wallets,
		txs:     txs,
		grace:   DefaultOverdueGrace,
		now:     time.Now,
	}
}

// WithOverdueGrace sets how late an expiry may be before it is reported.
func (s *Service) WithOverdueGrace(d time.Duration) *Service {
	if d >= 0 {
		s.grace = d
	}
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run reads the transactions and then the ledger. Movements that land
// between the two reads show up as a transient difference.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()

	txs, err := s.txs.List(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	wallets, err := s.wallets.Total(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("sum wallet balances: %w", err)
	}
	deposited, err := s.wallets.Deposited(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("sum deposits: %w", err)
	}

	r := &Report{
		Deposited:    deposited,
		WalletTotal:  wallets,
		Transactions: len(txs),
		CheckedAt:    start,
	}
	for _, tx := range txs {
		r.Escrowed += Escrowed(tx)
		r.Retained += Retained(tx)

		switch {
		case tx.State == escrow.StateSettled:
			r.StuckSettlements = append(r.StuckSettlements, tx.ID)
		case tx.State.Expirable() && start.Sub(tx.ProtectionWindowExpiresAt) > s.grace:
			r.OverdueExpiries = append(r.OverdueExpiries, tx.ID)
		}
	}
	r.Diff = r.Deposited - (r.WalletTotal + r.Escrowed + r.Retained)
	r.Match = r.Diff == 0
	r.Duration = s.now().Sub(start)

	reconcileDiff.Set(float64(r.Diff))
	reconcileStuckSettlements.Set(float64(len(r.StuckSettlements)))
	reconcileOverdueExpiries.Set(float64(len(r.OverdueExpiries)))
	reconcileDuration.Observe(r.Duration.Seconds())
	return r, nil
}

// Escrowed is what a transaction currently holds out of the parties'
// wallets: the buyer's amount+fee once funded and the seller's hold once
// approved, until completion or expiry moves them on.
func Escrowed(tx *escrow.Transaction) int64 {
	var held int64
	if tx.FundsInEscrow() {
		held += tx.BuyerDebit()
	}
	if tx.HoldDebited() {
		held += tx.HoldAmount
	}
	return held
}

// Retained is what a finished transaction left with the platform. A
// completed transaction keeps the fee; an expired one keeps the forfeited
// hold and returns everything else to the buyer.
func Retained(tx *escrow.Transaction) int64 {
	switch tx.State {
	case escrow.StateCompleted:
		return tx.Fee
	case escrow.StateExpired:
		return tx.Forfeited
	}
	return 0
}
