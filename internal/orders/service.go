package orders

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/catalog"
	"github.com/mbd888/settle/internal/fees"
	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/notify"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/syncutil"
	"github.com/mbd888/settle/internal/traces"
	"github.com/mbd888/settle/internal/validation"
)

// DefaultPlatformAccount receives platform fees unless configured.
const DefaultPlatformAccount = "platform"

// Service implements the order state machine.
type Service struct {
	store    Store
	payments PaymentGateway
	catalog  catalog.Catalog
	notifier notify.Notifier
	locks    *syncutil.KeyLock
	logger   *slog.Logger
	now      func() time.Time

	fees            fees.Schedule
	platformAccount string
	currency        string
	minAmount       int64
	maxAmount       int64
}

// NewService creates an order service with no platform fee and usd
// pricing. Use the With* methods to configure.
func NewService(store Store, payments PaymentGateway, cat catalog.Catalog, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		payments:        payments,
		catalog:         cat,
		notifier:        notify.Nop{},
		locks:           syncutil.NewKeyLock(),
		logger:          logging.Component(logger, "orders"),
		now:             time.Now,
		platformAccount: DefaultPlatformAccount,
		currency:        "usd",
	}
}

// WithNotifier sets where order notifications are emitted.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithFees sets the fee schedule and the account credited with fees.
func (s *Service) WithFees(schedule fees.Schedule, platformAccount string) *Service {
	s.fees = schedule
	if platformAccount != "" {
		s.platformAccount = platformAccount
	}
	return s
}

// WithLimits bounds order amounts. A zero max means unbounded.
func (s *Service) WithLimits(min, max int64) *Service {
	s.minAmount = min
	s.maxAmount = max
	return s
}

// WithCurrency sets the single settlement currency.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = strings.ToLower(currency)
	}
	return s
}

// Create places an order against the seller's open offer and opens a
// checkout for it. If the gateway fails the order stays created and the
// expiry sweep collects it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create", traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	if errs := validation.Validate(
		validation.Required("buyer_id", req.BuyerID),
		validation.ID("seller_id", req.SellerID),
		validation.ID("item_id", req.ItemID),
		validation.Currency("currency", currency),
		validation.PositiveAmount("amount", req.Amount),
		validation.AmountRange("amount", req.Amount, s.minAmount, s.maxAmount),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}
	if req.BuyerID == req.SellerID {
		return nil, apperr.Validation("buyer and seller must differ")
	}
	if currency != s.currency {
		return nil, apperr.Validation("orders are settled in %s", s.currency)
	}

	offer, err := s.catalog.OpenOffer(ctx, req.SellerID, req.ItemID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Conflict("item %s is not open for orders", req.ItemID)
		}
		return nil, err
	}
	if offer.Price > 0 && offer.Price != req.Amount {
		return nil, apperr.Validation("amount must equal the offer price %d", offer.Price)
	}
	if offer.Currency != "" && !strings.EqualFold(offer.Currency, currency) {
		return nil, apperr.Validation("offer is priced in %s", offer.Currency)
	}

	now := s.now().UTC()
	o := &Order{
		ID:        idgen.WithPrefix(idgen.PrefixOrder),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ItemID:    req.ItemID,
		Amount:    req.Amount,
		Currency:  currency,
		Status:    StatusCreated,
		DueAt:     offer.Deadline,
		Artifacts: []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(traces.OrderID(o.ID))

	unlock, err := s.locks.Lock(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrderTransitionsTotal.WithLabelValues("", string(StatusCreated)).Inc()
	logging.L(ctx).Info("order created",
		"order_id", o.ID, "buyer_id", o.BuyerID, "seller_id", o.SellerID, "amount", o.Amount)

	checkout, err := s.payments.Initiate(ctx, gateway.InitiateRequest{
		OrderID:    o.ID,
		CustomerID: o.BuyerID,
		Amount:     o.Amount,
		Currency:   o.Currency,
	})
	if err != nil {
		logging.L(ctx).Warn("payment initiation failed, order left created", "order_id", o.ID, "error", err)
		if apperr.KindOf(err) == "" {
			err = apperr.Gateway(err, "initiate payment")
		}
		return nil, err
	}

	return s.update(ctx, o.ID, func(o *Order) (*ledger.Batch, error) {
		if err := step(o, StatusAwaitingPayment); err != nil {
			return nil, err
		}
		o.PaymentID = checkout.PaymentID
		o.CheckoutURL = checkout.URL
		return nil, nil
	})
}

// OnPaymentConfirmed marks an order paid. Confirmations for the payment
// already recorded are no-ops. A payment that lands on a cancelled or
// expired order, or a second payment for a paid order, is refunded.
func (s *Service) OnPaymentConfirmed(ctx context.Context, orderID, paymentID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "orders.OnPaymentConfirmed", traces.OrderID(orderID), traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}

	switch o.Status {
	case StatusCreated, StatusAwaitingPayment:
	case StatusCancelled, StatusExpired:
		return s.refundStray(ctx, o, paymentID, "order closed before payment")
	default:
		if o.PaymentID == paymentID {
			return nil
		}
		return s.refundStray(ctx, o, paymentID, "order already paid")
	}

	paid, err := s.update(ctx, orderID, func(o *Order) (*ledger.Batch, error) {
		if o.Status == StatusCreated {
			if err := step(o, StatusAwaitingPayment); err != nil {
				return nil, err
			}
		}
		if err := step(o, StatusPaid); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		o.PaymentID = paymentID
		o.PaidAt = &now
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.emit(ctx, notify.OrderPaid, paid, paid.BuyerID, paid.SellerID)
	return nil
}

func (s *Service) refundStray(ctx context.Context, o *Order, paymentID, why string) error {
	logging.L(ctx).Warn("refunding payment that cannot apply to order",
		"order_id", o.ID, "payment_id", paymentID, "status", o.Status, "reason", why)
	if _, err := s.payments.Refund(ctx, paymentID); err != nil {
		return err
	}
	s.emit(ctx, notify.PaymentRefunded, o, o.BuyerID)
	return nil
}

// OnPaymentFailed cancels an order whose payment the processor refused.
// Anything else is a no-op.
func (s *Service) OnPaymentFailed(ctx context.Context, orderID, paymentID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "orders.OnPaymentFailed", traces.OrderID(orderID), traces.PaymentID(paymentID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := s.update(ctx, orderID, func(o *Order) (*ledger.Batch, error) {
		if o.Status != StatusCreated && o.Status != StatusAwaitingPayment {
			return nil, errNoChange
		}
		if o.PaymentID != "" && o.PaymentID != paymentID {
			return nil, errNoChange
		}
		s.cancel(o, "payment_failed")
		return nil, nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	s.emit(ctx, notify.OrderCancelled, o, o.BuyerID)
	return nil
}

// StartWork lets the seller begin a paid order. Work only starts while the
// buyer's payment is still captured.
func (s *Service) StartWork(ctx context.Context, id, actor string) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.StartWork", traces.OrderID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != current.SellerID {
		return nil, apperr.Unauthorized("only the seller can start work")
	}
	if current.Status == StatusPaid {
		if err := s.ensureCaptured(ctx, current); err != nil {
			return nil, err
		}
	}

	o, err := s.update(ctx, id, func(o *Order) (*ledger.Batch, error) {
		if err := step(o, StatusInProgress); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		o.StartedAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderStarted, o, o.BuyerID)
	return o, nil
}

// ensureCaptured checks the order's payment is still held. A refund that
// went through while the order stayed paid is finished here.
func (s *Service) ensureCaptured(ctx context.Context, o *Order) error {
	p, err := s.payments.Get(ctx, o.PaymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case gateway.StatusCompleted:
		return nil
	case gateway.StatusRefunded:
		logging.L(ctx).Warn("paid order has a refunded payment, closing it",
			"order_id", o.ID, "payment_id", p.ID)
		if _, err := s.markRefunded(ctx, o.ID, o.CancelReason); err != nil {
			return err
		}
	}
	return apperr.Conflict("payment for order %s is %s", o.ID, p.Status)
}

// markRefunded moves a paid order to refunded once its payment has been
// returned. The caller holds the order lock.
func (s *Service) markRefunded(ctx context.Context, id, reason string) (*Order, error) {
	o, err := s.update(ctx, id, func(o *Order) (*ledger.Batch, error) {
		if err := step(o, StatusRefunded); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		o.CancelReason = reason
		o.CancelledAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderRefunded, o, o.BuyerID, o.SellerID)
	return o, nil
}

// SubmitDelivery records the seller's deliverables and asks the buyer for
// review.
func (s *Service) SubmitDelivery(ctx context.Context, id, actor string, artifacts []string) (*Order, error) {
	if len(artifacts) == 0 || len(artifacts) > maxArtifacts {
		return nil, apperr.Validation("between 1 and %d artifacts are required", maxArtifacts)
	}
	for _, a := range artifacts {
		if strings.TrimSpace(a) == "" || len(a) > maxArtifactLen {
			return nil, apperr.Validation("artifact references must be non-empty and at most %d characters", maxArtifactLen)
		}
	}

	o, err := s.act(ctx, "orders.SubmitDelivery", id, func(o *Order) (*ledger.Batch, error) {
		if actor != o.SellerID {
			return nil, apperr.Unauthorized("only the seller can deliver")
		}
		if err := step(o, StatusAwaitingReview); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		o.Artifacts = append([]string(nil), artifacts...)
		o.DeliveredAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderDelivered, o, o.BuyerID)
	return o, nil
}

// ApproveDelivery completes the order and credits the seller (minus the
// platform fee) in the same unit as the transition.
func (s *Service) ApproveDelivery(ctx context.Context, id, actor string) (*Order, error) {
	o, err := s.act(ctx, "orders.ApproveDelivery", id, func(o *Order) (*ledger.Batch, error) {
		if actor != o.BuyerID {
			return nil, apperr.Unauthorized("only the buyer can approve delivery")
		}
		return s.settle(o)
	})
	if err != nil {
		return nil, err
	}
	s.completed(ctx, o)
	return o, nil
}

// AutoApprove completes an order whose review window lapsed. Orders that
// are already completed are returned unchanged.
func (s *Service) AutoApprove(ctx context.Context, id string) (*Order, error) {
	o, err := s.act(ctx, "orders.AutoApprove", id, func(o *Order) (*ledger.Batch, error) {
		if o.Status == StatusCompleted {
			return nil, errNoChange
		}
		return s.settle(o)
	})
	if errors.Is(err, errNoChange) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("order auto-approved", "order_id", o.ID, "actor", SystemActor)
	s.completed(ctx, o)
	return o, nil
}

func (s *Service) settle(o *Order) (*ledger.Batch, error) {
	if err := step(o, StatusCompleted); err != nil {
		return nil, err
	}
	split := s.fees.Platform(o.Amount)
	now := s.now().UTC()
	o.PlatformFee = split.Fee
	o.CompletedAt = &now

	b := &ledger.Batch{}
	if split.ToSeller > 0 {
		b.Postings = append(b.Postings, ledger.Posting{
			AccountID:   o.SellerID,
			Direction:   ledger.Credit,
			Amount:      split.ToSeller,
			Source:      ledger.SourceOrderSettlement,
			ReferenceID: o.ID,
		})
	}
	if split.Fee > 0 {
		b.Postings = append(b.Postings, ledger.Posting{
			AccountID:   s.platformAccount,
			Direction:   ledger.Credit,
			Amount:      split.Fee,
			Source:      ledger.SourceFee,
			ReferenceID: o.ID,
		})
	}
	if len(b.Postings) == 0 {
		return nil, nil
	}
	return b, nil
}

func (s *Service) completed(ctx context.Context, o *Order) {
	metrics.OrderSettledAmount.Add(float64(o.Amount))
	logging.L(ctx).Info("order settled",
		"order_id", o.ID, "seller_id", o.SellerID, "amount", o.Amount, "platform_fee", o.PlatformFee)
	s.emit(ctx, notify.OrderCompleted, o, o.BuyerID, o.SellerID)
}

// RequestRevision sends a delivery back to the seller with notes.
func (s *Service) RequestRevision(ctx context.Context, id, actor, notes string) (*Order, error) {
	notes = strings.TrimSpace(notes)
	if errs := validation.Validate(
		validation.Required("notes", notes),
		validation.MaxLength("notes", notes, maxNotesLen),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}

	o, err := s.act(ctx, "orders.RequestRevision", id, func(o *Order) (*ledger.Batch, error) {
		if actor != o.BuyerID {
			return nil, apperr.Unauthorized("only the buyer can request a revision")
		}
		if err := step(o, StatusRevisionRequested); err != nil {
			return nil, err
		}
		o.RevisionNotes = notes
		o.RevisionCount++
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderRevision, o, o.SellerID)
	return o, nil
}

// Cancel closes an order before work starts. Unpaid orders are cancelled;
// paid orders are refunded through the gateway first and end refunded.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Cancel", traces.OrderID(id))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return nil, apperr.Validation("reason must be at most %d characters", maxReasonLen)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.IsParty(actor) && actor != auth.AdminActor {
		return nil, apperr.Unauthorized("only the buyer or seller can cancel")
	}

	switch current.Status {
	case StatusCreated, StatusAwaitingPayment:
		o, err := s.update(ctx, id, func(o *Order) (*ledger.Batch, error) {
			if !CanTransition(o.Status, StatusCancelled) {
				return nil, apperr.Conflict("order %s cannot be cancelled from %s", o.ID, o.Status)
			}
			s.cancel(o, reason)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		s.emit(ctx, notify.OrderCancelled, o, o.BuyerID, o.SellerID)
		return o, nil

	case StatusPaid:
		// Refund is idempotent per payment, so a cancel retried after the
		// order update failed completes without a second refund. Until then
		// StartWork refuses the order.
		if _, err := s.payments.Refund(ctx, current.PaymentID); err != nil {
			return nil, err
		}
		return s.markRefunded(ctx, id, reason)

	default:
		return nil, apperr.Conflict("order %s cannot be cancelled from %s", id, current.Status)
	}
}

func (s *Service) cancel(o *Order, reason string) {
	now := s.now().UTC()
	o.Status = StatusCancelled
	o.CancelReason = reason
	o.CancelledAt = &now
}

// OpenDispute freezes an order in progress or under review. Resolution
// happens outside this service.
func (s *Service) OpenDispute(ctx context.Context, id, actor, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, maxReasonLen),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}

	o, err := s.act(ctx, "orders.OpenDispute", id, func(o *Order) (*ledger.Batch, error) {
		if !o.IsParty(actor) {
			return nil, apperr.Unauthorized("only the buyer or seller can open a dispute")
		}
		if err := step(o, StatusDisputed); err != nil {
			return nil, err
		}
		o.DisputeReason = reason
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Warn("order disputed", "order_id", o.ID, "actor", actor)
	s.emit(ctx, notify.OrderDisputed, o, o.BuyerID, o.SellerID)
	return o, nil
}

// Expire closes an order that was never paid. Orders already expired are
// returned unchanged.
func (s *Service) Expire(ctx context.Context, id string) (*Order, error) {
	o, err := s.act(ctx, "orders.Expire", id, func(o *Order) (*ledger.Batch, error) {
		if o.Status == StatusExpired {
			return nil, errNoChange
		}
		if err := step(o, StatusExpired); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		o.CancelledAt = &now
		o.CancelReason = "payment_timeout"
		return nil, nil
	})
	if errors.Is(err, errNoChange) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderExpired, o, o.BuyerID, o.SellerID)
	return o, nil
}

// NotifyOverdue alerts both parties once that an order in progress passed
// its deadline.
func (s *Service) NotifyOverdue(ctx context.Context, id string) (*Order, error) {
	o, err := s.act(ctx, "orders.NotifyOverdue", id, func(o *Order) (*ledger.Batch, error) {
		if o.OverdueNotifiedAt != nil || o.Status != StatusInProgress {
			return nil, errNoChange
		}
		now := s.now().UTC()
		if o.DueAt == nil || !o.DueAt.Before(now) {
			return nil, errNoChange
		}
		o.OverdueNotifiedAt = &now
		return nil, nil
	})
	if errors.Is(err, errNoChange) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	s.emit(ctx, notify.OrderOverdue, o, o.BuyerID, o.SellerID)
	return o, nil
}

// Get returns an order visible to actor.
func (s *Service) Get(ctx context.Context, id, actor string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(actor) && actor != auth.AdminActor {
		return nil, apperr.Unauthorized("not a party to order %s", id)
	}
	return o, nil
}

// ListByUser returns a page of orders where userID is buyer or seller,
// newest first.
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*Order], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Order]{}, apperr.Validation("invalid cursor")
	}
	limit = pagination.ClampLimit(limit)
	items, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return pagination.Page[*Order]{}, err
	}
	return pagination.ComputePage(items, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	}), nil
}

// ListExpirable returns unpaid orders older than ttl.
func (s *Service) ListExpirable(ctx context.Context, ttl time.Duration, limit int) ([]*Order, error) {
	return s.store.ListExpirable(ctx, s.now().Add(-ttl), limit)
}

// ListAwaitingReview returns deliveries older than grace.
func (s *Service) ListAwaitingReview(ctx context.Context, grace time.Duration, limit int) ([]*Order, error) {
	return s.store.ListAwaitingReview(ctx, s.now().Add(-grace), limit)
}

// ListOverdue returns orders in progress past their deadline that have not
// been alerted.
func (s *Service) ListOverdue(ctx context.Context, limit int) ([]*Order, error) {
	return s.store.ListOverdue(ctx, s.now(), limit)
}

// act runs one locked, traced transition.
func (s *Service) act(ctx context.Context, op, id string, mutate MutateFunc) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.OrderID(id))
	defer func() {
		if errors.Is(err, errNoChange) {
			traces.End(span, nil)
			return
		}
		traces.End(span, err)
	}()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.update(ctx, id, mutate)
}

// update applies mutate through the store and records the transition. The
// caller holds the order lock.
func (s *Service) update(ctx context.Context, id string, mutate MutateFunc) (*Order, error) {
	var (
		from  Status
		batch *ledger.Batch
	)
	o, err := s.store.Update(ctx, id, func(o *Order) (*ledger.Batch, error) {
		from = o.Status
		b, err := mutate(o)
		batch = b
		return b, err
	})
	if err != nil {
		return o, err
	}
	if batch != nil {
		ledger.RecordCommitted(*batch)
	}
	if o.Status != from {
		metrics.OrderTransitionsTotal.WithLabelValues(string(from), string(o.Status)).Inc()
		logging.L(ctx).Info("order transitioned", "order_id", o.ID, "from", from, "to", o.Status)
	}
	return o, nil
}

func step(o *Order, to Status) error {
	if !CanTransition(o.Status, to) {
		return apperr.Conflict("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

func (s *Service) emit(ctx context.Context, kind notify.Kind, o *Order, users ...string) {
	for _, u := range users {
		s.notifier.Notify(ctx, notify.New(kind, u, o.ID, map[string]any{
			"order_id": o.ID,
			"status":   string(o.Status),
			"amount":   o.Amount,
			"currency": o.Currency,
		}))
	}
}
