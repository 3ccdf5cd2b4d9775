// Package escrow is the escrow transaction state machine.
//
// Flow:
//  1. Buyer creates a transaction naming the seller
//  2. Seller approves → seller hold debited (or rejects, nothing moves)
//  3. Buyer funds → amount+fee debited into escrow
//  4. Buyer confirms, then seller confirms → seller credited amount+hold
//  5. Protection window elapses first → buyer refunded amount+fee, hold forfeited
//
// The Service is the only writer of transaction records. Every transition
// is a compare-and-set against the version it read, so two writers racing
// the same transition produce one winner and one ErrState.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/events"
	"github.com/mbd888/escrowsync/internal/idgen"
	"github.com/mbd888/escrowsync/internal/ledger"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/metrics"
	"github.com/mbd888/escrowsync/internal/pagination"
	"github.com/mbd888/escrowsync/internal/retry"
	"github.com/mbd888/escrowsync/internal/syncutil"
	"github.com/mbd888/escrowsync/internal/traces"
	"github.com/mbd888/escrowsync/internal/txstore"
	"github.com/mbd888/escrowsync/internal/validation"
)

// Ledger is the wallet surface the engine moves money through.
type Ledger interface {
	Credit(ctx context.Context, actorID string, amount int64, reference, description string) (*ledger.Balance, error)
	Debit(ctx context.Context, actorID string, amount int64, reference, description string) (*ledger.Balance, error)
}

// Service implements the escrow state machine.
type Service struct {
	repo   *Repository
	ledger Ledger
	terms  Terms
	events events.Publisher
	locks  *syncutil.KeyedMutex
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new escrow service.
func NewService(store txstore.Store, ledger Ledger) *Service {
	return &Service{
		repo:   NewRepository(store),
		ledger: ledger,
		terms:  DefaultTerms,
		events: events.Nop{},
		locks:  syncutil.NewKeyedMutex(),
		retry:  retry.Default,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithTerms overrides the minimum amount, fee and hold.
func (s *Service) WithTerms(t Terms) *Service {
	s.terms = t
	return s
}

// WithEvents sets the publisher for transaction events.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithClock replaces time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the fallback logger used when ctx carries none.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithRetryPolicy sets how persisting after a money movement is retried.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.retry = p
	return s
}

// Terms returns the configured amounts.
func (s *Service) Terms() Terms { return s.terms }

// Repository exposes the underlying record access for the monitor.
func (s *Service) Repository() *Repository { return s.repo }

// CreateTransaction opens a transaction in the created state and notifies
// the seller.
func (s *Service) CreateTransaction(ctx context.Context, req CreateRequest) (tx *Transaction, err error) {
	const op = "CreateTransaction"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.Actor(req.BuyerID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	buyer := validation.NormalizePhone(req.BuyerID)
	seller := validation.NormalizePhone(req.SellerID)
	description := strings.TrimSpace(req.Description)
	now := s.now()

	if errs := validation.Validate(
		validation.Required("buyerId", buyer),
		validation.ValidPhone("buyerId", buyer),
		validation.Required("sellerId", seller),
		validation.ValidPhone("sellerId", seller),
		validation.Required("description", description),
		validation.MaxLength("description", description, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		return nil, validationErr(op, "", "%s", errs.Error())
	}
	if buyer == seller {
		return nil, validationErr(op, "", "buyer and seller must be different parties")
	}
	if req.Amount < s.terms.MinAmount {
		return nil, validationErr(op, "", "amount %d is below the minimum of %d", req.Amount, s.terms.MinAmount)
	}
	if !req.ExpiresAt.After(now) {
		return nil, validationErr(op, "", "expiry must be in the future")
	}

	tx = &Transaction{
		ID:                        idgen.WithPrefix("txn_"),
		Amount:                    req.Amount,
		Fee:                       s.terms.Fee,
		HoldAmount:                s.terms.HoldAmount,
		Description:               description,
		BuyerID:                   buyer,
		SellerID:                  seller,
		State:                     StateCreated,
		ProtectionWindowExpiresAt: req.ExpiresAt.UTC(),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := s.repo.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StateCreated)).Inc()
	s.publish(ctx, events.TransactionCreated, tx, seller, "")
	s.log(ctx).Info("transaction created",
		"transactionId", tx.ID, "buyer", buyer, "seller", seller,
		"amount", tx.Amount, "expiresAt", tx.ProtectionWindowExpiresAt)
	return tx, nil
}

// ResolveInvitation is the seller's lookup of a transaction id received out
// of band. The first successful resolution marks the seller as connected.
func (s *Service) ResolveInvitation(ctx context.Context, id, sellerID string) (tx *Transaction, err error) {
	const op = "ResolveInvitation"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(sellerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.SellerID != validation.NormalizePhone(sellerID) {
		return nil, authErr(op, id, RoleSeller)
	}
	if cur.ConnectedAt != nil || cur.IsTerminal() {
		return cur, nil
	}

	next := cur.Clone()
	now := s.now()
	next.ConnectedAt = &now
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TransactionConnected, next, next.BuyerID, "")
	return next, nil
}

// ApproveTransaction is the seller accepting the terms. The seller's hold
// is debited and the transaction moves to funded_pending.
func (s *Service) ApproveTransaction(ctx context.Context, id, sellerID string) (tx *Transaction, err error) {
	const op = "ApproveTransaction"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(sellerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.SellerID != validation.NormalizePhone(sellerID) {
		return nil, authErr(op, id, RoleSeller)
	}
	if cur.State != StateCreated {
		return nil, stateErr(op, cur, "only a created transaction can be approved")
	}
	now := s.now()
	if cur.WindowElapsed(now) {
		return nil, stateErr(op, cur, "protection window has elapsed")
	}

	if err := s.debit(ctx, op, cur, cur.SellerID, cur.HoldAmount, "seller hold"); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.State = StateFundedPending
	next.ApprovedAt = &now
	if next.ConnectedAt == nil {
		next.ConnectedAt = &now
	}
	next.UpdatedAt = now
	if err := s.saveAfterDebit(ctx, op, next, cur.SellerID, cur.HoldAmount); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	s.publish(ctx, events.TransactionApproved, next, next.BuyerID, "")
	s.log(ctx).Info("transaction approved", "transactionId", id, "hold", next.HoldAmount)
	return next, nil
}

// RejectTransaction is the seller declining a created transaction.
// Nothing has moved yet, so nothing is refunded.
func (s *Service) RejectTransaction(ctx context.Context, id, sellerID string) (tx *Transaction, err error) {
	const op = "RejectTransaction"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(sellerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.SellerID != validation.NormalizePhone(sellerID) {
		return nil, authErr(op, id, RoleSeller)
	}
	if cur.State != StateCreated {
		return nil, stateErr(op, cur, "only a created transaction can be rejected")
	}

	next := cur.Clone()
	now := s.now()
	next.State = StateRejected
	next.RejectedAt = &now
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	s.publish(ctx, events.TransactionRejected, next, next.BuyerID, "")
	s.log(ctx).Info("transaction rejected", "transactionId", id)
	return next, nil
}

// FundEscrow debits the buyer amount+fee and moves the transaction to held.
func (s *Service) FundEscrow(ctx context.Context, id, buyerID string) (tx *Transaction, err error) {
	const op = "FundEscrow"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(buyerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.BuyerID != validation.NormalizePhone(buyerID) {
		return nil, authErr(op, id, RoleBuyer)
	}
	if cur.State != StateFundedPending {
		return nil, stateErr(op, cur, "transaction is not awaiting funding")
	}
	now := s.now()
	if cur.WindowElapsed(now) {
		return nil, stateErr(op, cur, "protection window has elapsed")
	}

	total := cur.BuyerDebit()
	if err := s.debit(ctx, op, cur, cur.BuyerID, total, "escrow funding"); err != nil {
		return nil, err
	}

	next := cur.Clone()
	next.State = StateHeld
	next.FundedAt = &now
	next.UpdatedAt = now
	if err := s.saveAfterDebit(ctx, op, next, cur.BuyerID, total); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	s.publish(ctx, events.TransactionFunded, next, next.SellerID, "")
	s.log(ctx).Info("escrow funded", "transactionId", id, "debited", total)
	return next, nil
}

// ConfirmByBuyer records the buyer's confirmation. Confirming again, or
// after the seller has already settled, succeeds without changing anything.
func (s *Service) ConfirmByBuyer(ctx context.Context, id, buyerID string) (tx *Transaction, err error) {
	const op = "ConfirmByBuyer"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(buyerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.BuyerID != validation.NormalizePhone(buyerID) {
		return nil, authErr(op, id, RoleBuyer)
	}
	switch cur.State {
	case StateHeld:
	case StateBuyerConfirmed, StateSettled, StateCompleted:
		return cur, nil
	default:
		return nil, stateErr(op, cur, "funds are not held in escrow")
	}

	next := cur.Clone()
	now := s.now()
	next.State = StateBuyerConfirmed
	next.BuyerConfirmedAt = &now
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	s.publish(ctx, events.TransactionConfirmed, next, next.SellerID, RoleBuyer)
	s.log(ctx).Info("buyer confirmed", "transactionId", id)
	return next, nil
}

// ConfirmBySeller is the seller's confirmation. It is refused until the
// buyer has confirmed; on success the transaction settles and the seller is
// credited amount+hold.
func (s *Service) ConfirmBySeller(ctx context.Context, id, sellerID string) (tx *Transaction, err error) {
	const op = "ConfirmBySeller"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(sellerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.SellerID != validation.NormalizePhone(sellerID) {
		return nil, authErr(op, id, RoleSeller)
	}
	switch cur.State {
	case StateBuyerConfirmed:
	case StateSettled:
		return s.finalizeLocked(ctx, cur)
	case StateCompleted:
		return cur, nil
	case StateCreated, StateFundedPending, StateHeld:
		return nil, stateErr(op, cur, "must wait for buyer confirmation")
	default:
		return nil, stateErr(op, cur, "transaction is closed")
	}

	next := cur.Clone()
	now := s.now()
	next.State = StateSettled
	next.SellerConfirmedAt = &now
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	s.publish(ctx, events.TransactionConfirmed, next, next.BuyerID, RoleSeller)
	return s.finalizeLocked(ctx, next)
}

// FinalizeSettlement moves a settled transaction to completed, crediting the
// seller amount+hold. Any number of callers may race it; the credited guard
// lets exactly one of them move money.
func (s *Service) FinalizeSettlement(ctx context.Context, id string) (tx *Transaction, err error) {
	const op = "FinalizeSettlement"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	switch cur.State {
	case StateSettled:
		return s.finalizeLocked(ctx, cur)
	case StateCompleted:
		return cur, nil
	default:
		return nil, stateErr(op, cur, "transaction is not settled")
	}
}

// finalizeLocked runs with the per-transaction lock held and cur in the
// settled state.
func (s *Service) finalizeLocked(ctx context.Context, cur *Transaction) (*Transaction, error) {
	const op = "FinalizeSettlement"
	key := creditedKey(cur.ID)

	claimed, err := s.repo.ClaimGuard(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim settlement guard: %w", err)
	}
	if claimed {
		payout := cur.SellerPayout()
		if err := s.retry.Do(ctx, func(ctx context.Context) error {
			_, err := s.ledger.Credit(ctx, cur.SellerID, payout, cur.ID, "escrow settlement")
			return err
		}); err != nil {
			s.log(ctx).Error("CRITICAL: settlement guard claimed but seller credit failed",
				"transactionId", cur.ID, "seller", cur.SellerID, "amount", payout, "error", err)
			return nil, fmt.Errorf("credit seller: %w", err)
		}
		if err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.repo.MarkGuardApplied(ctx, key)
		}); err != nil {
			s.log(ctx).Error("CRITICAL: seller credited but settlement guard not marked",
				"transactionId", cur.ID, "error", err)
		}
		metrics.SettledAmountTotal.Add(float64(payout))
	} else {
		metrics.GuardHitsTotal.WithLabelValues("credited").Inc()
		_, applied, err := s.repo.GuardState(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read settlement guard: %w", err)
		}
		if !applied {
			// Another writer owns the credit and has not finished it yet.
			s.log(ctx).Warn("settlement credit in flight elsewhere", "transactionId", cur.ID)
			return cur, nil
		}
	}

	next := cur.Clone()
	now := s.now()
	next.State = StateCompleted
	next.SettledFlag = true
	next.CompletedAt = &now
	next.UpdatedAt = now
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.repo.Update(ctx, next)
		if errors.Is(err, txstore.ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, txstore.ErrConflict) {
		// Someone else completed it; their record is the truth.
		latest, lerr := s.load(ctx, op, cur.ID)
		if lerr == nil && latest.State == StateCompleted {
			return latest, nil
		}
		return nil, stateErr(op, cur, "transaction changed concurrently")
	}
	if err != nil {
		s.log(ctx).Error("CRITICAL: seller credited but transaction not marked completed",
			"transactionId", cur.ID, "error", err)
		return nil, fmt.Errorf("persist completion: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	s.publish(ctx, events.TransactionCompleted, next, "", "")
	s.log(ctx).Info("transaction completed", "transactionId", next.ID, "seller", next.SellerID, "credited", next.SellerPayout())
	return next, nil
}

// RequestExtension records the seller's request for a later expiry. It
// replaces any earlier request and does not move the window yet.
func (s *Service) RequestExtension(ctx context.Context, id, sellerID string, newExpiryAt time.Time) (tx *Transaction, err error) {
	const op = "RequestExtension"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(sellerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.SellerID != validation.NormalizePhone(sellerID) {
		return nil, authErr(op, id, RoleSeller)
	}
	if cur.IsTerminal() || cur.State == StateSettled {
		return nil, stateErr(op, cur, "transaction is closed")
	}
	if !newExpiryAt.After(cur.ProtectionWindowExpiresAt) {
		return nil, validationErr(op, id, "new expiry must be later than the current expiry %s",
			cur.ProtectionWindowExpiresAt.Format(time.RFC3339))
	}

	next := cur.Clone()
	now := s.now()
	next.Extension = &Extension{RequestedExpiryAt: newExpiryAt.UTC(), RequestedAt: now}
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TransactionExtensionRequested, next, next.BuyerID, "")
	s.log(ctx).Info("extension requested", "transactionId", id, "requestedExpiryAt", next.Extension.RequestedExpiryAt)
	return next, nil
}

// ApproveExtension is the buyer accepting the pending extension. The
// protection window only ever moves later.
func (s *Service) ApproveExtension(ctx context.Context, id, buyerID string) (tx *Transaction, err error) {
	const op = "ApproveExtension"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id), traces.Actor(buyerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.BuyerID != validation.NormalizePhone(buyerID) {
		return nil, authErr(op, id, RoleBuyer)
	}
	if cur.IsTerminal() || cur.State == StateSettled {
		return nil, stateErr(op, cur, "transaction is closed")
	}
	if !cur.Extension.Pending() {
		return nil, stateErr(op, cur, "no pending extension request")
	}
	if !cur.Extension.RequestedExpiryAt.After(cur.ProtectionWindowExpiresAt) {
		return nil, validationErr(op, id, "requested expiry is not later than the current expiry")
	}

	next := cur.Clone()
	now := s.now()
	next.Extension.Approved = true
	next.Extension.ApprovedAt = &now
	next.ProtectionWindowExpiresAt = next.Extension.RequestedExpiryAt
	next.UpdatedAt = now
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TransactionExtensionApproved, next, next.SellerID, "")
	s.log(ctx).Info("extension approved", "transactionId", id, "expiresAt", next.ProtectionWindowExpiresAt)
	return next, nil
}

// Expire forces the expiry transition once the protection window has
// elapsed. Only the ExpiryMonitor calls it. The state write happens first so
// expiry and settlement race on one record version; the refund follows under
// the expired guard.
func (s *Service) Expire(ctx context.Context, id string) (tx *Transaction, err error) {
	const op = "Expire"
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if cur.State == StateExpired {
		if err := s.settleExpiry(ctx, cur); err != nil {
			return nil, err
		}
		return cur, nil
	}
	if !cur.State.Expirable() {
		return nil, stateErr(op, cur, "transaction can no longer expire")
	}
	now := s.now()
	if !cur.WindowElapsed(now) {
		return nil, stateErr(op, cur, "protection window is still open")
	}

	next := cur.Clone()
	next.State = StateExpired
	next.ExpiredFlag = true
	next.ExpiredAt = &now
	next.UpdatedAt = now
	if cur.FundsInEscrow() {
		next.Refunded = cur.BuyerDebit()
	}
	if cur.HoldDebited() {
		next.Forfeited = cur.HoldAmount
	}
	if err := s.save(ctx, op, next); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next.State)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	metrics.ForfeitedAmountTotal.Add(float64(next.Forfeited))

	if err := s.settleExpiry(ctx, next); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TransactionExpired, next, "", "")
	s.log(ctx).Info("transaction expired",
		"transactionId", id, "previousState", cur.State,
		"refunded", next.Refunded, "forfeited", next.Forfeited)
	return next, nil
}

// settleExpiry applies the refund recorded on an expired transaction under
// the expired guard. Safe to call repeatedly.
func (s *Service) settleExpiry(ctx context.Context, tx *Transaction) error {
	key := expiredKey(tx.ID)
	claimed, err := s.repo.ClaimGuard(ctx, key)
	if err != nil {
		return fmt.Errorf("claim expiry guard: %w", err)
	}
	if !claimed {
		metrics.GuardHitsTotal.WithLabelValues("expired").Inc()
		return nil
	}

	if tx.Refunded > 0 {
		if err := s.retry.Do(ctx, func(ctx context.Context) error {
			_, err := s.ledger.Credit(ctx, tx.BuyerID, tx.Refunded, tx.ID, "expiry refund")
			return err
		}); err != nil {
			s.log(ctx).Error("CRITICAL: expiry guard claimed but buyer refund failed",
				"transactionId", tx.ID, "buyer", tx.BuyerID, "amount", tx.Refunded, "error", err)
			return fmt.Errorf("refund buyer: %w", err)
		}
		metrics.RefundedAmountTotal.Add(float64(tx.Refunded))
	}

	if err := s.repo.MarkGuardApplied(ctx, key); err != nil {
		s.log(ctx).Error("CRITICAL: buyer refunded but expiry guard not marked",
			"transactionId", tx.ID, "error", err)
	}
	return nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.load(ctx, "Get", id)
}

// GetForActor returns a transaction only if actorID is one of its parties.
func (s *Service) GetForActor(ctx context.Context, id, actorID string) (*Transaction, error) {
	tx, err := s.load(ctx, "Get", id)
	if err != nil {
		return nil, err
	}
	if tx.Role(validation.NormalizePhone(actorID)) == "" {
		return nil, newError(ErrAuthorization, "Get", id, "caller is not a party to this transaction")
	}
	return tx, nil
}

// ListByActor returns the actor's transactions, newest first.
func (s *Service) ListByActor(ctx context.Context, actorID string, limit int) ([]*Transaction, error) {
	return s.repo.ListByActor(ctx, validation.NormalizePhone(actorID), nil, limit)
}

// ListPendingForSeller returns invitations the seller has not opened yet.
func (s *Service) ListPendingForSeller(ctx context.Context, sellerID string, limit int) ([]*Transaction, error) {
	return s.repo.ListPendingForSeller(ctx, validation.NormalizePhone(sellerID), nil, limit)
}

// PageByActor is ListByActor one page at a time. cursor is the NextCursor
// of the previous page, or empty for the first.
func (s *Service) PageByActor(ctx context.Context, actorID, cursor string, limit int) (*Page, error) {
	return s.page("ListByActor", cursor, limit, func(after *pagination.Cursor, n int) ([]*Transaction, error) {
		return s.repo.ListByActor(ctx, validation.NormalizePhone(actorID), after, n)
	})
}

// PagePendingForSeller is ListPendingForSeller one page at a time.
func (s *Service) PagePendingForSeller(ctx context.Context, sellerID, cursor string, limit int) (*Page, error) {
	return s.page("ListPendingForSeller", cursor, limit, func(after *pagination.Cursor, n int) ([]*Transaction, error) {
		return s.repo.ListPendingForSeller(ctx, validation.NormalizePhone(sellerID), after, n)
	})
}

func (s *Service) page(op, cursor string, limit int, fetch func(*pagination.Cursor, int) ([]*Transaction, error)) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, validationErr(op, "", "invalid cursor")
	}
	if limit <= 0 {
		limit = 50
	}
	txs, err := fetch(after, limit+1)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &Page{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acquire transaction lock: %w", err)
	}
	return unlock, nil
}

func (s *Service) load(ctx context.Context, op, id string) (*Transaction, error) {
	tx, err := s.repo.Get(ctx, id)
	if errors.Is(err, txstore.ErrNotFound) {
		return nil, notFoundErr(op, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return tx, nil
}

// save commits next against the version it was read at.
func (s *Service) save(ctx context.Context, op string, next *Transaction) error {
	err := s.repo.Update(ctx, next)
	if errors.Is(err, txstore.ErrConflict) {
		metrics.TransitionConflictsTotal.WithLabelValues(op).Inc()
		return &Error{Kind: ErrState, Op: op, TransactionID: next.ID, Msg: "transaction changed concurrently", Err: err}
	}
	if err != nil {
		return fmt.Errorf("persist transaction %s: %w", next.ID, err)
	}
	return nil
}

// saveAfterDebit commits next after amount was debited from actor. Transient
// store failures are retried; if the write still does not land the debit is
// refunded so no money leaves the wallet without a matching state change.
//
// A failed attempt may have committed anyway. Once that has happened the
// outcome is checked against the stored record before anything is refunded.
func (s *Service) saveAfterDebit(ctx context.Context, op string, next *Transaction, actorID string, amount int64) error {
	ambiguous := false
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		err := s.save(ctx, op, next)
		if errors.Is(err, ErrState) {
			return retry.Permanent(err)
		}
		if err != nil {
			ambiguous = true
		}
		return err
	})
	if err == nil {
		return nil
	}

	if ambiguous {
		landed, lerr := s.landed(context.WithoutCancel(ctx), next)
		if lerr != nil {
			// Refunding now could pay out money the record still holds.
			s.log(ctx).Error("CRITICAL: cannot tell whether transaction write landed; debit kept",
				"transactionId", next.ID, "actor", actorID, "amount", amount,
				"writeError", err, "readError", lerr)
			return err
		}
		if landed {
			s.log(ctx).Warn("transaction write landed despite store error",
				"transactionId", next.ID, "writeError", err)
			return nil
		}
	}

	// Best-effort refund. A failure here leaves the actor short, so it is
	// logged at the highest level for manual reconciliation.
	if _, cerr := s.ledger.Credit(context.WithoutCancel(ctx), actorID, amount, next.ID, "reversal: "+op); cerr != nil {
		s.log(ctx).Error("CRITICAL: debit reversal failed after transaction write failed",
			"transactionId", next.ID, "actor", actorID, "amount", amount,
			"writeError", err, "reversalError", cerr)
	}
	return err
}

// landed reports whether the stored record is exactly the write of next:
// one version past the one next was read at, in next's state, stamped with
// next's update time. On a match next.Version is advanced.
func (s *Service) landed(ctx context.Context, next *Transaction) (bool, error) {
	stored, err := s.repo.Get(ctx, next.ID)
	if err != nil {
		return false, err
	}
	if stored.Version != next.Version+1 || stored.State != next.State || !stored.UpdatedAt.Equal(next.UpdatedAt) {
		return false, nil
	}
	next.Version = stored.Version
	return true, nil
}

func (s *Service) debit(ctx context.Context, op string, tx *Transaction, actorID string, amount int64, description string) error {
	if _, err := s.ledger.Debit(ctx, actorID, amount, tx.ID, description); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return &Error{Kind: ErrInsufficientFunds, Op: op, TransactionID: tx.ID,
				Msg: fmt.Sprintf("balance below %d", amount), Err: err}
		}
		return fmt.Errorf("debit %s: %w", actorID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, name events.Name, tx *Transaction, actorID, role string) {
	s.events.Publish(ctx, events.Event{
		Name:          name,
		TransactionID: tx.ID,
		ActorID:       actorID,
		Role:          role,
		Data:          map[string]any{"state": string(tx.State), "buyerId": tx.BuyerID, "sellerId": tx.SellerID},
		At:            tx.UpdatedAt,
	})
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if logging.HasLogger(ctx) {
		return logging.L(ctx)
	}
	return s.logger
}
