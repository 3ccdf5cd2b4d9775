package escrow

import (
	"time"
)

// State is the lifecycle position of a transaction. The state value is the
// status; there are no per-concern booleans alongside it.
type State string

const (
	StateCreated        State = "created"         // Buyer opened it, waiting on the seller
	StateFundedPending  State = "funded_pending"  // Seller approved, hold debited
	StateHeld           State = "held"            // Buyer funded, amount+fee in escrow
	StateBuyerConfirmed State = "buyer_confirmed" // Buyer confirmed receipt
	StateSettled        State = "settled"         // Seller confirmed, credit pending
	StateCompleted      State = "completed"       // Seller credited amount+hold
	StateRejected       State = "rejected"        // Seller declined before approval
	StateExpired        State = "expired"         // Protection window elapsed
)

// transitions lists the states reachable from each non-terminal state.
var transitions = map[State][]State{
	StateCreated:        {StateFundedPending, StateRejected, StateExpired},
	StateFundedPending:  {StateHeld, StateExpired},
	StateHeld:           {StateBuyerConfirmed, StateExpired},
	StateBuyerConfirmed: {StateSettled, StateExpired},
	StateSettled:        {StateCompleted},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateExpired:
		return true
	}
	return false
}

// Expirable reports whether the expiry path may still be taken from s.
func (s State) Expirable() bool {
	return s.CanTransitionTo(StateExpired)
}

// fundsInEscrow reports whether the buyer's amount+fee is held in state s.
func (s State) fundsInEscrow() bool {
	switch s {
	case StateHeld, StateBuyerConfirmed, StateSettled:
		return true
	}
	return false
}

// holdDebited reports whether the seller's hold is out of their wallet and
// not yet released in state s.
func (s State) holdDebited() bool {
	switch s {
	case StateFundedPending, StateHeld, StateBuyerConfirmed, StateSettled:
		return true
	}
	return false
}

// Extension is a seller-initiated request to push the protection window out.
type Extension struct {
	RequestedExpiryAt time.Time  `json:"requestedExpiryAt"`
	RequestedAt       time.Time  `json:"requestedAt"`
	Approved          bool       `json:"approved"`
	ApprovedAt        *time.Time `json:"approvedAt,omitempty"`
}

// Pending reports whether the request still awaits the buyer.
func (e *Extension) Pending() bool {
	return e != nil && !e.Approved
}

// Transaction is the canonical shared escrow record.
type Transaction struct {
	ID                        string     `json:"id"`
	Amount                    int64      `json:"amount"`
	Fee                       int64      `json:"fee"`
	HoldAmount                int64      `json:"holdAmount"`
	Description               string     `json:"description"`
	BuyerID                   string     `json:"buyerId"`
	SellerID                  string     `json:"sellerId"`
	State                     State      `json:"state"`
	ProtectionWindowExpiresAt time.Time  `json:"protectionWindowExpiryAt"`
	Extension                 *Extension `json:"extensionRequest,omitempty"`

	// Monotonic mirrors of the credited:/expired: guards.
	SettledFlag bool `json:"settledFlag"`
	ExpiredFlag bool `json:"expiredFlag"`

	Refunded  int64 `json:"refunded,omitempty"`
	Forfeited int64 `json:"forfeited,omitempty"`

	CreatedAt         time.Time  `json:"createdAt"`
	ConnectedAt       *time.Time `json:"connectedAt,omitempty"`
	ApprovedAt        *time.Time `json:"approvedAt,omitempty"`
	RejectedAt        *time.Time `json:"rejectedAt,omitempty"`
	FundedAt          *time.Time `json:"fundedAt,omitempty"`
	BuyerConfirmedAt  *time.Time `json:"buyerConfirmedAt,omitempty"`
	SellerConfirmedAt *time.Time `json:"sellerConfirmedAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	ExpiredAt         *time.Time `json:"expiredAt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// Version is the store's compare-and-set version. It is filled from the
	// store item on every read; the copy inside the stored value is ignored.
	Version int64 `json:"version"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.State.IsTerminal()
}

// FundsInEscrow reports whether the buyer's amount+fee is currently held.
func (t *Transaction) FundsInEscrow() bool {
	return t.State.fundsInEscrow()
}

// HoldDebited reports whether the seller's hold is currently debited.
func (t *Transaction) HoldDebited() bool {
	return t.State.holdDebited()
}

// BuyerDebit is what funding takes from the buyer.
func (t *Transaction) BuyerDebit() int64 {
	return t.Amount + t.Fee
}

// SellerPayout is what completion credits to the seller.
func (t *Transaction) SellerPayout() int64 {
	return t.Amount + t.HoldAmount
}

// TimeRemaining is the protection-window countdown, floored at zero.
func (t *Transaction) TimeRemaining(now time.Time) time.Duration {
	if d := t.ProtectionWindowExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// WindowElapsed reports whether now is at or past the protection window.
func (t *Transaction) WindowElapsed(now time.Time) bool {
	return !now.Before(t.ProtectionWindowExpiresAt)
}

// Role returns "buyer" or "seller" for a party to the transaction, or "".
func (t *Transaction) Role(actorID string) string {
	switch actorID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	}
	return ""
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Extension != nil {
		ext := *t.Extension
		ext.ApprovedAt = cloneTime(t.Extension.ApprovedAt)
		cp.Extension = &ext
	}
	cp.ConnectedAt = cloneTime(t.ConnectedAt)
	cp.ApprovedAt = cloneTime(t.ApprovedAt)
	cp.RejectedAt = cloneTime(t.RejectedAt)
	cp.FundedAt = cloneTime(t.FundedAt)
	cp.BuyerConfirmedAt = cloneTime(t.BuyerConfirmedAt)
	cp.SellerConfirmedAt = cloneTime(t.SellerConfirmedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.ExpiredAt = cloneTime(t.ExpiredAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Terms are the fixed amounts applied to every transaction.
type Terms struct {
	MinAmount  int64
	Fee        int64
	HoldAmount int64
}

// DefaultTerms match the production configuration.
var DefaultTerms = Terms{MinAmount: 5000, Fee: 100, HoldAmount: 100}

// CreateRequest opens a new transaction on behalf of the buyer.
type CreateRequest struct {
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId" binding:"required"`
	Amount      int64     `json:"amount" binding:"required"`
	Description string    `json:"description" binding:"required"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ExtensionRequest asks for a later protection-window expiry.
type ExtensionRequest struct {
	NewExpiryAt time.Time `json:"newExpiryAt"`
}

// Page is one slice of a newest-first listing.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}
