// Package ledger tracks wallet balances for buyers and sellers.
//
// Every balance change goes through Credit or Debit. Debit is a single
// atomic check-and-subtract in the store: it either applies in full or fails
// with ErrInsufficientBalance, never leaving a negative balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/validation"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidActor        = errors.New("invalid actor")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit EntryType = "deposit"
	EntryCredit  EntryType = "credit"
	EntryDebit   EntryType = "debit"
)

// Entry is one balance movement. Balance is the actor's balance right after
// the movement was applied.
type Entry struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actorId"`
	Type        EntryType `json:"type"`
	Amount      int64     `json:"amount"`
	Balance     int64     `json:"balance"`
	Reference   string    `json:"reference,omitempty"` // transaction ID
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is an actor's current wallet state in minor currency units.
type Balance struct {
	ActorID   string    `json:"actorId"`
	Available int64     `json:"available"`
	TotalIn   int64     `json:"totalIn"`
	TotalOut  int64     `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and their history. Credit and Debit must apply
// the balance change and append the entry as one atomic unit.
type Store interface {
	GetBalance(ctx context.Context, actorID string) (*Balance, error)
	Credit(ctx context.Context, entry *Entry) (*Balance, error)
	Debit(ctx context.Context, entry *Entry) (*Balance, error)
	GetHistory(ctx context.Context, actorID string, limit int) ([]*Entry, error)
	SumBalances(ctx context.Context) (int64, error)
	SumDeposits(ctx context.Context) (int64, error)
}

// BalanceNotifier is told about every successful balance change.
type BalanceNotifier interface {
	BalanceChanged(ctx context.Context, actorID string, available int64)
}

// Ledger manages actor balances.
type Ledger struct {
	store    Store
	notifier BalanceNotifier
	now      func() time.Time
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithNotifier sets the balance-change notifier.
func (l *Ledger) WithNotifier(n BalanceNotifier) *Ledger {
	l.notifier = n
	return l
}

// Balance returns an actor's current balance. Unknown actors have a zero balance.
func (l *Ledger) Balance(ctx context.Context, actorID string) (*Balance, error) {
	actor, err := normalize(actorID)
	if err != nil {
		return nil, err
	}
	return l.store.GetBalance(ctx, actor)
}

// Deposit funds an actor's wallet from outside the escrow flow
// (top-ups, seeding demo wallets).
func (l *Ledger) Deposit(ctx context.Context, actorID string, amount int64, reference string) (*Balance, error) {
	return l.apply(ctx, EntryDeposit, actorID, amount, reference, "deposit")
}

// Credit adds amount to an actor's balance.
func (l *Ledger) Credit(ctx context.Context, actorID string, amount int64, reference, description string) (*Balance, error) {
	return l.apply(ctx, EntryCredit, actorID, amount, reference, description)
}

// Debit subtracts amount from an actor's balance, failing with
// ErrInsufficientBalance rather than going negative.
func (l *Ledger) Debit(ctx context.Context, actorID string, amount int64, reference, description string) (*Balance, error) {
	return l.apply(ctx, EntryDebit, actorID, amount, reference, description)
}

// History returns the most recent entries for an actor, newest first.
func (l *Ledger) History(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	actor, err := normalize(actorID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, actor, limit)
}

// Total returns the sum of all balances held by the ledger.
func (l *Ledger) Total(ctx context.Context) (int64, error) {
	return l.store.SumBalances(ctx)
}

// Deposited returns the sum of every deposit ever made. Escrow movements
// only shuffle this money between wallets, escrow and platform fees.
func (l *Ledger) Deposited(ctx context.Context) (int64, error) {
	return l.store.SumDeposits(ctx)
}

func (l *Ledger) apply(ctx context.Context, typ EntryType, actorID string, amount int64, reference, description string) (*Balance, error) {
	actor, err := normalize(actorID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	done := observeOp(string(typ))
	defer done()

	entry := &Entry{
		ID:          idgen.WithPrefix("ent_"),
		ActorID:     actor,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   l.now(),
	}

	var bal *Balance
	if typ == EntryDebit {
		bal, err = l.store.Debit(ctx, entry)
	} else {
		bal, err = l.store.Credit(ctx, entry)
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			ledgerRejectedDebits.Inc()
			return nil, err
		}
		return nil, fmt.Errorf("ledger %s for %s: %w", typ, actor, err)
	}

	if l.notifier != nil {
		l.notifier.BalanceChanged(ctx, actor, bal.Available)
	}
	return bal, nil
}

func normalize(actorID string) (string, error) {
	actor := validation.NormalizePhone(actorID)
	if actor == "" {
		return "", ErrInvalidActor
	}
	return actor, nil
}
