// Package gateway adapts the external payment processor: it opens charges
// for orders, ingests signed webhooks and refunds, and records every charge
// as a Payment keyed by the processor's external ID.
package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedEvent is returned by ParseEvent for event types that carry
// no payment verdict. Such events are acknowledged and ignored.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// Status of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// IsFinal reports whether the processor has reached a verdict.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// Payment is one charge attempt against the processor for an order.
type Payment struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	ExternalID  string    `json:"external_id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Status      Status    `json:"status"`
	Provider    string    `json:"provider"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	RefundRef   string    `json:"refund_ref,omitempty"`
	RawPayload  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventStatus is the verdict carried by a processor event.
type EventStatus string

const (
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventPending   EventStatus = "pending"
)

// Event is a normalized processor notification about one charge.
type Event struct {
	ExternalID string
	Status     EventStatus
	Amount     int64
	Currency   string
}

// mismatches reports whether a completed event captured something other
// than what the payment asked for.
func (e *Event) mismatches(p *Payment) bool {
	if e.Status != EventCompleted {
		return false
	}
	return e.Amount != p.Amount || (e.Currency != "" && e.Currency != p.Currency)
}

// ChargeRequest opens a charge. IdempotencyKey is forwarded to the
// processor so a retried call never opens a second charge.
type ChargeRequest struct {
	IdempotencyKey string
	OrderID        string
	CustomerID     string
	Amount         int64
	Currency       string
}

// Charge is the processor's answer to CreateCharge.
type Charge struct {
	ExternalID  string
	CheckoutURL string
}

// Provider is the contract with the external payment processor.
type Provider interface {
	Name() string
	SignatureHeader() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	LookupCharge(ctx context.Context, externalID string) (*Event, error)
	Refund(ctx context.Context, externalID, idempotencyKey string) (refundRef string, err error)
	VerifySignature(raw []byte, header string) error
	ParseEvent(raw []byte) (*Event, error)
}

// StatusUpdate carries the optional fields written with a status change.
type StatusUpdate struct {
	RawPayload string
	RefundRef  string
}

// Store persists payments.
//
// UpdateStatus is a conditional write: it moves the payment from `from` to
// `to` and fails with a conflict error when the stored status is not
// `from`. A second successful payment for an order is also a conflict.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Payment, error)
	UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Payment, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error)
}

// OrderEvents receives payment verdicts. Both calls must be idempotent:
// they are re-driven on webhook redelivery.
type OrderEvents interface {
	OnPaymentConfirmed(ctx context.Context, orderID, paymentID string) error
	OnPaymentFailed(ctx context.Context, orderID, paymentID string) error
}

// InitiateRequest asks for a checkout for an order.
type InitiateRequest struct {
	OrderID    string
	CustomerID string
	Amount     int64
	Currency   string
}

// Checkout is what the buyer needs to pay.
type Checkout struct {
	PaymentID  string `json:"payment_id"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// Outcome describes what ingesting an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// IngestResult is returned by IngestWebhook and VerifyTransaction.
type IngestResult struct {
	Payment *Payment `json:"payment"`
	Outcome Outcome  `json:"outcome"`
}
