package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/retry"
	"github.com/mbd888/settle/internal/syncutil"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/validation"
)

// Service implements charge initiation and webhook ingestion.
type Service struct {
	provider Provider
	store    Store
	orders   OrderEvents
	caller   *Caller
	persist  retry.Policy
	locks    *syncutil.KeyLock
	logger   *slog.Logger
	now      func() time.Time

	minAmount int64
	maxAmount int64
}

// NewService creates a gateway service with a single-attempt caller and a
// three-attempt persistence policy. Use the With* methods to configure.
func NewService(provider Provider, store Store, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		caller:   NewCaller(nil, 0, 1),
		persist:  retry.Fixed(3, 100*time.Millisecond),
		locks:    syncutil.NewKeyLock(),
		logger:   logging.Component(logger, "gateway"),
		now:      time.Now,
	}
}

// WithOrders sets the receiver of payment verdicts.
func (s *Service) WithOrders(o OrderEvents) *Service {
	s.orders = o
	return s
}

// WithCaller replaces the external call policy.
func (s *Service) WithCaller(c *Caller) *Service {
	s.caller = c
	return s
}

// WithPersistPolicy sets the fixed retry used when writing webhook results.
func (s *Service) WithPersistPolicy(attempts int, delay time.Duration) *Service {
	s.persist = retry.Fixed(attempts, delay)
	return s
}

// WithLimits bounds initiated amounts. A zero max means unbounded.
func (s *Service) WithLimits(min, max int64) *Service {
	s.minAmount = min
	s.maxAmount = max
	return s
}

// Provider returns the processor adapter.
func (s *Service) Provider() Provider { return s.provider }

// SignatureHeader names the header the provider signs webhooks with.
func (s *Service) SignatureHeader() string { return s.provider.SignatureHeader() }

// Initiate opens a charge for an order and records it as a pending payment.
// The order ID is the processor idempotency key.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (_ *Checkout, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Initiate", traces.OrderID(req.OrderID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	if errs := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.Required("currency", req.Currency),
		validation.Currency("currency", req.Currency),
		validation.PositiveAmount("amount", req.Amount),
		validation.AmountRange("amount", req.Amount, s.minAmount, s.maxAmount),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}

	var charge *Charge
	err = s.caller.Do(ctx, "create_charge", func(ctx context.Context) error {
		var err error
		charge, err = s.provider.CreateCharge(ctx, ChargeRequest{
			IdempotencyKey: req.OrderID,
			OrderID:        req.OrderID,
			CustomerID:     req.CustomerID,
			Amount:         req.Amount,
			Currency:       req.Currency,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &Payment{
		ID:          idgen.WithPrefix(idgen.PrefixPayment),
		OrderID:     req.OrderID,
		ExternalID:  charge.ExternalID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      StatusPending,
		Provider:    s.provider.Name(),
		CheckoutURL: charge.CheckoutURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		if !apperr.Is(err, apperr.KindConflict) {
			return nil, err
		}
		// A retried initiate got the same charge back; reuse its record.
		existing, getErr := s.store.GetByExternalID(ctx, charge.ExternalID)
		if getErr != nil || existing.OrderID != req.OrderID {
			return nil, err
		}
		p = existing
	}

	logging.L(ctx).Info("payment initiated",
		"order_id", req.OrderID, "payment_id", p.ID, "external_id", p.ExternalID, "amount", req.Amount)
	return &Checkout{PaymentID: p.ID, ExternalID: p.ExternalID, URL: p.CheckoutURL}, nil
}

// IngestWebhook verifies, parses and applies a processor notification.
// Redelivered events are acknowledged without reprocessing.
func (s *Service) IngestWebhook(ctx context.Context, raw []byte, signature string) (_ *IngestResult, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.IngestWebhook")
	defer func() { traces.End(span, err) }()

	if err := s.provider.VerifySignature(raw, signature); err != nil {
		logging.SecurityEvent(ctx, "payment webhook signature rejected", "provider", s.provider.Name())
		metrics.PaymentWebhooksTotal.WithLabelValues("invalid_signature").Inc()
		return nil, err
	}

	ev, err := s.provider.ParseEvent(raw)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			metrics.PaymentWebhooksTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
			return &IngestResult{Outcome: OutcomeIgnored}, nil
		}
		metrics.PaymentWebhooksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	res, err := s.apply(ctx, ev, string(raw))
	if err != nil {
		metrics.PaymentWebhooksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PaymentWebhooksTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// VerifyTransaction asks the processor for a charge's state and applies it
// the same way a webhook would be applied.
func (s *Service) VerifyTransaction(ctx context.Context, externalID string) (_ *IngestResult, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.VerifyTransaction")
	defer func() { traces.End(span, err) }()

	var ev *Event
	err = s.caller.Do(ctx, "lookup_charge", func(ctx context.Context) error {
		var err error
		ev, err = s.provider.LookupCharge(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, ev, "")
}

// apply moves a pending payment to the event's verdict and tells the order
// side. Payments that already have a verdict only re-drive the order
// notification, which is idempotent.
func (s *Service) apply(ctx context.Context, ev *Event, raw string) (*IngestResult, error) {
	res, err := s.record(ctx, ev, raw)
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeIgnored {
		return res, nil
	}
	if ev.mismatches(res.Payment) && s.orders != nil {
		p := res.Payment
		logging.L(ctx).Warn("payment amount mismatch, closing order and refunding",
			"payment_id", p.ID, "order_id", p.OrderID, "expected", p.Amount, "received", ev.Amount,
			"expected_currency", p.Currency, "received_currency", ev.Currency)
		// With the order closed, the confirmation below refunds the capture.
		if err := s.orders.OnPaymentFailed(ctx, p.OrderID, p.ID); err != nil {
			return nil, err
		}
	}
	if err := s.notifyOrder(ctx, res.Payment); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, ev *Event, raw string) (*IngestResult, error) {
	unlock, err := s.locks.Lock(ctx, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetByExternalID(ctx, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	from := StatusPending
	switch {
	case p.Status == StatusFailed && ev.Status == EventCompleted:
		// Money was captured on a charge already written off. Reopen it so
		// the order side either takes the payment or refunds it.
		logging.L(ctx).Warn("capture reported for failed payment", "payment_id", p.ID, "order_id", p.OrderID)
		from = StatusFailed
	case p.Status.IsFinal():
		return &IngestResult{Payment: p, Outcome: OutcomeDuplicate}, nil
	}

	var target Status
	switch ev.Status {
	case EventPending:
		return &IngestResult{Payment: p, Outcome: OutcomeIgnored}, nil
	case EventFailed:
		target = StatusFailed
	case EventCompleted:
		// Captured money is recorded as captured even when the amount is
		// wrong; apply refunds it.
		target = StatusCompleted
	default:
		return nil, apperr.Validation("unknown event status %q", ev.Status)
	}

	var updated *Payment
	err = retry.Do(ctx, s.persist, func(ctx context.Context) error {
		var err error
		updated, err = s.store.UpdateStatus(ctx, p.ID, from, target, StatusUpdate{RawPayload: raw})
		if err != nil && !apperr.Is(err, apperr.KindPersistence) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindConflict):
		// Another writer got there first.
		current, getErr := s.store.Get(ctx, p.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == from {
			return nil, err
		}
		return &IngestResult{Payment: current, Outcome: OutcomeDuplicate}, nil
	case apperr.Is(err, apperr.KindPersistence):
		logging.L(ctx).Error("payment status not persisted", "payment_id", p.ID, "status", target, "error", err)
		return nil, err
	default:
		return nil, apperr.Persistence(err, "persist payment status")
	}

	logging.L(ctx).Info("payment status updated",
		"payment_id", updated.ID, "order_id", updated.OrderID, "status", updated.Status)
	return &IngestResult{Payment: updated, Outcome: OutcomeApplied}, nil
}

func (s *Service) notifyOrder(ctx context.Context, p *Payment) error {
	if s.orders == nil {
		return nil
	}
	switch p.Status {
	case StatusCompleted:
		return s.orders.OnPaymentConfirmed(ctx, p.OrderID, p.ID)
	case StatusFailed:
		return s.orders.OnPaymentFailed(ctx, p.OrderID, p.ID)
	}
	return nil
}

// Refund returns a completed payment to the buyer. The payment ID is the
// processor idempotency key, so repeating a refund is harmless.
func (s *Service) Refund(ctx context.Context, paymentID string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.Refund", traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusRefunded:
		return p, nil
	case StatusCompleted:
	default:
		return nil, apperr.Conflict("payment %s is %s, not completed", p.ID, p.Status)
	}

	var ref string
	err = s.caller.Do(ctx, "refund", func(ctx context.Context) error {
		var err error
		ref, err = s.provider.Refund(ctx, p.ExternalID, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateStatus(ctx, p.ID, StatusCompleted, StatusRefunded, StatusUpdate{RefundRef: ref})
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			if current, getErr := s.store.Get(ctx, p.ID); getErr == nil && current.Status == StatusRefunded {
				return current, nil
			}
		}
		return nil, err
	}
	logging.L(ctx).Info("payment refunded", "payment_id", p.ID, "order_id", p.OrderID, "refund_ref", ref)
	return updated, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByOrder returns an order's payments.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// StalePending returns payments still pending after olderThan.
func (s *Service) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*Payment, error) {
	return s.store.ListPending(ctx, s.now().Add(-olderThan), limit)
}
