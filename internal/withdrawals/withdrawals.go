// Package withdrawals moves settled wallet funds out to sellers.
//
// A request reserves the gross amount in the ledger. An operator (or the
// approval SLA sweep) approves it and the payout provider sends the net
// amount. The payout result completes the reservation and books the fee,
// or cancels it and returns the funds.
package withdrawals

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// Status is the lifecycle state of a withdrawal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// IsFinal reports whether the reservation has been resolved.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// countsTowardCap reports whether a withdrawal in s uses the daily limit.
func (s Status) countsTowardCap() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusCompleted
}

// Method is how the money leaves the platform.
type Method string

const (
	MethodBankTransfer  Method = "bank_transfer"
	MethodStripeConnect Method = "stripe_connect"
)

// Valid reports whether m is a supported payout method.
func (m Method) Valid() bool {
	return m == MethodBankTransfer || m == MethodStripeConnect
}

// Withdrawal is a seller's request to take funds out of their wallet.
type Withdrawal struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Amount        int64      `json:"amount"`
	Fee           int64      `json:"fee"`
	NetAmount     int64      `json:"net_amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Method        Method     `json:"method"`
	Destination   string     `json:"destination"`
	ReservationID string     `json:"reservation_id"`
	ExternalRef   string     `json:"external_ref,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// PayoutMethod names where a withdrawal is sent.
type PayoutMethod struct {
	Type        Method `json:"type"`
	Destination string `json:"destination"`
}

// PayoutState is what a provider says about a payout.
type PayoutState string

const (
	PayoutCompleted PayoutState = "completed"
	PayoutPending   PayoutState = "pending"
	PayoutFailed    PayoutState = "failed"
)

// PayoutRequest asks a provider to send money.
type PayoutRequest struct {
	IdempotencyKey string
	WithdrawalID   string
	UserID         string
	Amount         int64
	Currency       string
	Method         Method
	Destination    string
}

// PayoutResult is a provider's answer. A pending result is settled later by
// the payout callback.
type PayoutResult struct {
	State       PayoutState
	ExternalRef string
	Reason      string
}

// PayoutProvider sends payouts. Definitive refusals are returned as
// gateway.Declined errors; anything else is treated as transient.
type PayoutProvider interface {
	Name() string
	Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// MutateFunc changes a withdrawal inside a store transaction; the returned
// batch commits with it. Returning errNoChange leaves everything untouched.
type MutateFunc func(w *Withdrawal) (*ledger.Batch, error)

var errNoChange = errors.New("withdrawals: no change")

// Store persists withdrawals.
//
// Create checks the daily cap, reserves the gross amount and inserts the
// row as one unit serialized per user: the sum of the user's pending,
// processing and completed withdrawals created since dayStart plus the new
// amount must not exceed dailyCap (0 means no cap). The reservation entry
// ID is written to w.ReservationID.
type Store interface {
	Create(ctx context.Context, w *Withdrawal, dayStart time.Time, dailyCap int64) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	Update(ctx context.Context, id string, mutate MutateFunc) (*Withdrawal, error)
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error)
	ListProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*Withdrawal, error)
}

// CreateRequest is the body of POST /v1/withdrawals.
type CreateRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Method      Method `json:"method" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// RejectRequest is the body of POST /v1/admin/withdrawals/:id/reject.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// reservation builds the pending debit that holds a withdrawal's funds.
func reservation(w *Withdrawal) ledger.Batch {
	return ledger.Batch{Postings: []ledger.Posting{{
		AccountID:   w.UserID,
		Direction:   ledger.Debit,
		Amount:      w.Amount,
		Source:      ledger.SourceWithdrawal,
		ReferenceID: w.ID,
		Pending:     true,
	}}}
}

// utcDayStart is midnight UTC of the day containing t.
func utcDayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
