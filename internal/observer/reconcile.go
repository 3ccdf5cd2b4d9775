package observer

import (
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// Kind names a locally observed change.
type Kind string

const (
	KindInvitation         Kind = "invitation"
	KindSellerConnected    Kind = "seller_connected"
	KindApproved           Kind = "approved"
	KindRejected           Kind = "rejected"
	KindHeld               Kind = "held"
	KindBuyerConfirmed     Kind = "buyer_confirmed"
	KindSellerConfirmed    Kind = "seller_confirmed"
	KindExtensionRequested Kind = "extension_requested"
	KindExtensionApproved  Kind = "extension_approved"
	KindCompleted          Kind = "completed"
	KindExpired            Kind = "expired"
	KindBalanceChanged     Kind = "balance_changed"
)

// Notice is one change an actor should be told about.
type Notice struct {
	Kind          Kind      `json:"kind"`
	TransactionID string    `json:"transactionId"`
	Role          string    `json:"role"`
	Message       string    `json:"message"`
	Balance       int64     `json:"balance,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitzero"`
}

// Snapshot is the part of the shared record and the actor's wallet that an
// observer compares between polls. The zero Snapshot means nothing has been
// observed yet.
type Snapshot struct {
	Observed         bool
	TransactionID    string
	State            escrow.State
	Connected        bool
	ExpiresAt        time.Time
	ExtensionPending bool
	RequestedExpiry  time.Time
	Balance          int64
}

// SnapshotOf captures tx and the actor's balance.
func SnapshotOf(tx *escrow.Transaction, balance int64) Snapshot {
	s := Snapshot{
		Observed:      true,
		TransactionID: tx.ID,
		State:         tx.State,
		Connected:     tx.ConnectedAt != nil,
		ExpiresAt:     tx.ProtectionWindowExpiresAt,
		Balance:       balance,
	}
	if tx.Extension.Pending() {
		s.ExtensionPending = true
		s.RequestedExpiry = tx.Extension.RequestedExpiryAt
	}
	return s
}

// progress orders the main path so a poll that skipped states can still
// report every milestone it crossed, in order.
var progress = map[escrow.State]int{
	escrow.StateCreated:        0,
	escrow.StateFundedPending:  1,
	escrow.StateHeld:           2,
	escrow.StateBuyerConfirmed: 3,
	escrow.StateSettled:        4,
	escrow.StateCompleted:      5,
}

type milestone struct {
	rank  int
	kind  Kind
	roles []string
	msg   string
}

var milestones = []milestone{
	{1, KindApproved, []string{escrow.RoleBuyer}, "Seller approved the transaction; fund the escrow to continue"},
	{2, KindHeld, []string{escrow.RoleBuyer, escrow.RoleSeller}, "Funds are now held in escrow"},
	{3, KindBuyerConfirmed, []string{escrow.RoleSeller}, "Buyer confirmed; confirm to release the funds"},
	{4, KindSellerConfirmed, []string{escrow.RoleBuyer}, "Seller confirmed; releasing funds"},
	{5, KindCompleted, []string{escrow.RoleBuyer, escrow.RoleSeller}, "Transfer completed"},
}

// Reconcile diffs two snapshots for role and returns the notices the
// change implies. It is pure: the same (prev, next) pair always yields the
// same notices, and Reconcile(x, x) yields none.
func Reconcile(role string, prev, next Snapshot) []Notice {
	if !next.Observed {
		return nil
	}
	notice := func(kind Kind, msg string) Notice {
		return Notice{Kind: kind, TransactionID: next.TransactionID, Role: role, Message: msg}
	}

	// First sight only establishes the baseline, except for a seller
	// discovering a fresh invitation.
	if !prev.Observed {
		if role == escrow.RoleSeller && next.State == escrow.StateCreated {
			return []Notice{notice(KindInvitation, "New escrow invitation")}
		}
		return nil
	}

	var out []Notice
	if role == escrow.RoleBuyer && !prev.Connected && next.Connected {
		out = append(out, notice(KindSellerConnected, "Seller connected"))
	}

	if from, ok := progress[prev.State]; ok {
		if to, ok := progress[next.State]; ok && to > from {
			for _, m := range milestones {
				if m.rank > from && m.rank <= to && hasRole(m.roles, role) {
					out = append(out, notice(m.kind, m.msg))
				}
			}
		}
	}

	if next.ExtensionPending && (!prev.ExtensionPending || !prev.RequestedExpiry.Equal(next.RequestedExpiry)) && role == escrow.RoleBuyer {
		n := notice(KindExtensionRequested, "Seller requested more time")
		n.ExpiresAt = next.RequestedExpiry
		out = append(out, n)
	}
	if next.ExpiresAt.After(prev.ExpiresAt) && role == escrow.RoleSeller {
		n := notice(KindExtensionApproved, "Buyer approved the extension")
		n.ExpiresAt = next.ExpiresAt
		out = append(out, n)
	}

	if prev.State != next.State {
		switch next.State {
		case escrow.StateRejected:
			if role == escrow.RoleBuyer {
				out = append(out, notice(KindRejected, "Seller rejected the transaction"))
			}
		case escrow.StateExpired:
			out = append(out, notice(KindExpired, expiredMessage(role, prev.State)))
		}
	}

	if prev.Balance != next.Balance {
		n := notice(KindBalanceChanged, "Wallet balance updated")
		n.Balance = next.Balance
		out = append(out, n)
	}
	return out
}

func expiredMessage(role string, before escrow.State) string {
	rank, onPath := progress[before]
	switch {
	case role == escrow.RoleBuyer && onPath && rank >= progress[escrow.StateHeld]:
		return "Protection window expired; your payment was refunded"
	case role == escrow.RoleSeller && onPath && rank >= progress[escrow.StateFundedPending]:
		return "Protection window expired; your hold was forfeited"
	default:
		return "Protection window expired"
	}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
