// Package orders runs the order/engagement lifecycle: a buyer pays into
// escrow, the seller delivers, and approval settles the seller's wallet.
//
// Flow:
//  1. Buyer creates an order against an open offer → created → awaiting_payment
//  2. Payment confirmed by the gateway → paid
//  3. Seller starts and delivers → in_progress → awaiting_review
//  4. Buyer approves (or the review grace period lapses) → completed, seller credited
//  5. Buyer asks for changes → revision_requested → awaiting_review again
//  6. Unpaid orders expire; paid orders may be cancelled with a refund
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAwaitingPayment   Status = "awaiting_payment"
	StatusPaid              Status = "paid"
	StatusInProgress        Status = "in_progress"
	StatusAwaitingReview    Status = "awaiting_review"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusRefunded          Status = "refunded"
	StatusDisputed          Status = "disputed"
)

// transitions is the complete set of allowed status changes.
var transitions = map[Status][]Status{
	StatusCreated:           {StatusAwaitingPayment, StatusCancelled, StatusExpired},
	StatusAwaitingPayment:   {StatusPaid, StatusCancelled, StatusExpired},
	StatusPaid:              {StatusInProgress, StatusRefunded},
	StatusInProgress:        {StatusAwaitingReview, StatusDisputed},
	StatusAwaitingReview:    {StatusCompleted, StatusRevisionRequested, StatusDisputed},
	StatusRevisionRequested: {StatusAwaitingReview},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// IsActive reports whether the order still occupies its engagement slot.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// Order is a buyer's purchase of a seller's item or mission.
type Order struct {
	ID                string     `json:"id"`
	BuyerID           string     `json:"buyer_id"`
	SellerID          string     `json:"seller_id"`
	ItemID            string     `json:"item_id"`
	Amount            int64      `json:"amount"`
	Currency          string     `json:"currency"`
	Status            Status     `json:"status"`
	PlatformFee       int64      `json:"platform_fee"`
	PaymentID         string     `json:"payment_id,omitempty"`
	CheckoutURL       string     `json:"checkout_url,omitempty"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	RevisionNotes     string     `json:"revision_notes,omitempty"`
	RevisionCount     int        `json:"revision_count"`
	Artifacts         []string   `json:"artifacts"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	DisputeReason     string     `json:"dispute_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	OverdueNotifiedAt *time.Time `json:"overdue_notified_at,omitempty"`
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Artifacts = append([]string(nil), o.Artifacts...)
	return &cp
}

// MutateFunc changes an order in place inside a store transaction. The
// returned batch, if any, is committed to the ledger in the same unit as
// the order row. Returning errNoChange leaves everything untouched.
type MutateFunc func(o *Order) (*ledger.Batch, error)

// errNoChange reports an idempotent no-op from a MutateFunc. Update
// returns it together with the current order.
var errNoChange = errors.New("orders: no change")

// Store persists orders.
//
// Update loads the order, applies mutate and writes it back only if the
// status it read is still current (a conditional update), committing any
// ledger batch atomically with it. Create fails with invalid_state when an
// active order already exists for the same buyer, seller and item.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, id string, mutate MutateFunc) (*Order, error)
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error)
	ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error)
	ListAwaitingReview(ctx context.Context, deliveredBefore time.Time, limit int) ([]*Order, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}

// PaymentGateway is the slice of the gateway adapter orders depend on.
type PaymentGateway interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.Checkout, error)
	Refund(ctx context.Context, paymentID string) (*gateway.Payment, error)
	Get(ctx context.Context, paymentID string) (*gateway.Payment, error)
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	BuyerID  string `json:"-"`
	SellerID string `json:"seller_id" binding:"required"`
	ItemID   string `json:"item_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required"`
	Currency string `json:"currency"`
}

// DeliverRequest carries the deliverable references of a submission.
type DeliverRequest struct {
	Artifacts []string `json:"artifacts" binding:"required"`
}

// RevisionRequest carries the buyer's change request.
type RevisionRequest struct {
	Notes string `json:"notes" binding:"required"`
}

// ReasonRequest carries a cancellation or dispute reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// SystemActor is recorded for transitions driven by the scheduler.
const SystemActor = "system"

const (
	maxArtifacts   = 20
	maxArtifactLen = 2048
	maxNotesLen    = 2000
	maxReasonLen   = 500
)
