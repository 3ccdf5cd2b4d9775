package observer

import (
	"context"

	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/ledger"
)

// Local reads straight from an in-process service and ledger.
type Local struct {
	Service *escrow.Service
	Ledger  *ledger.Ledger
}

// GetTransaction implements Source.
func (l Local) GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error) {
	return l.Service.Get(ctx, id)
}

// Balance implements Source.
func (l Local) Balance(ctx context.Context, actorID string) (int64, error) {
	bal, err := l.Ledger.Balance(ctx, actorID)
	if err != nil {
		return 0, err
	}
	return bal.Available, nil
}

// FinalizeSettlement implements Settler.
func (l Local) FinalizeSettlement(ctx context.Context, id string) (*escrow.Transaction, error) {
	return l.Service.FinalizeSettlement(ctx, id)
}
