package withdrawals

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
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

const maxDestinationLen = 255

// Service implements the withdrawal processor.
type Service struct {
	store    Store
	payouts  PayoutProvider
	caller   *gateway.Caller
	notifier notify.Notifier
	locks    *syncutil.KeyLock
	logger   *slog.Logger
	now      func() time.Time

	fees            fees.Schedule
	platformAccount string
	currency        string
	minAmount       int64
	maxAmount       int64
	dailyCap        int64
}

// NewService creates a withdrawal processor with no fees, no limits and a
// single-attempt payout caller. Use the With* methods to configure.
func NewService(store Store, payouts PayoutProvider, logger *slog.Logger) *Service {
	return &Service{
		store:           store,
		payouts:         payouts,
		caller:          gateway.NewCaller(nil, 0, 1),
		notifier:        notify.Nop{},
		locks:           syncutil.NewKeyLock(),
		logger:          logging.Component(logger, "withdrawals"),
		now:             time.Now,
		platformAccount: "platform",
		currency:        "usd",
	}
}

// WithCaller replaces the external call policy used for payouts.
func (s *Service) WithCaller(c *gateway.Caller) *Service {
	s.caller = c
	return s
}

// WithNotifier sets where withdrawal notifications are emitted.
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

// WithLimits sets per-request bounds and the per-user daily cap. Zero max
// or cap means unbounded.
func (s *Service) WithLimits(min, max, dailyCap int64) *Service {
	s.minAmount = min
	s.maxAmount = max
	s.dailyCap = dailyCap
	return s
}

// WithCurrency sets the payout currency.
func (s *Service) WithCurrency(currency string) *Service {
	if currency != "" {
		s.currency = strings.ToLower(currency)
	}
	return s
}

// Request reserves amount from the user's available balance and records a
// pending withdrawal. The daily cap is checked in the same unit as the
// reservation.
func (s *Service) Request(ctx context.Context, userID string, amount int64, method PayoutMethod) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Request", traces.AccountID(userID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()

	method.Destination = strings.TrimSpace(method.Destination)
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.PositiveAmount("amount", amount),
		validation.AmountRange("amount", amount, s.minAmount, s.maxAmount),
		validation.Required("destination", method.Destination),
		validation.MaxLength("destination", method.Destination, maxDestinationLen),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}
	if !method.Type.Valid() {
		return nil, apperr.Validation("method must be %s or %s", MethodBankTransfer, MethodStripeConnect)
	}

	quote := s.fees.Withdrawal(amount)
	if quote.Net <= 0 {
		return nil, apperr.Validation("amount %d does not cover the withdrawal fee %d", amount, quote.Fee)
	}

	now := s.now().UTC()
	w := &Withdrawal{
		ID:          idgen.WithPrefix(idgen.PrefixWithdrawal),
		UserID:      userID,
		Amount:      amount,
		Fee:         quote.Fee,
		NetAmount:   quote.Net,
		Currency:    s.currency,
		Status:      StatusPending,
		Method:      method.Type,
		Destination: method.Destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(traces.WithdrawalID(w.ID))

	if err := s.store.Create(ctx, w, utcDayStart(now), s.dailyCap); err != nil {
		return nil, err
	}
	ledger.RecordCommitted(reservation(w))
	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("withdrawal requested",
		"withdrawal_id", w.ID, "user_id", userID, "amount", amount, "fee", quote.Fee)
	return w, nil
}

// Approve moves a pending withdrawal to processing and submits the payout.
func (s *Service) Approve(ctx context.Context, id, approver string) (*Withdrawal, error) {
	return s.approve(ctx, "withdrawals.Approve", id, approver)
}

// AutoApprove approves a withdrawal whose approval SLA lapsed.
func (s *Service) AutoApprove(ctx context.Context, id string) (*Withdrawal, error) {
	return s.approve(ctx, "withdrawals.AutoApprove", id, "system")
}

func (s *Service) approve(ctx context.Context, op, id, approver string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.update(ctx, id, func(w *Withdrawal) (*ledger.Batch, error) {
		if w.Status != StatusPending {
			return nil, apperr.Conflict("withdrawal %s is %s, not pending", w.ID, w.Status)
		}
		now := s.now().UTC()
		w.Status = StatusProcessing
		w.ApprovedBy = approver
		w.ProcessedAt = &now
		w.Attempts++
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("withdrawal approved", "withdrawal_id", id, "approved_by", approver)
	return s.dispatch(ctx, w)
}

// RetryPayout resubmits a payout stuck in processing with the same
// idempotency key. Withdrawals in any other status are returned unchanged.
func (s *Service) RetryPayout(ctx context.Context, id string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.RetryPayout", traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.update(ctx, id, func(w *Withdrawal) (*ledger.Batch, error) {
		if w.Status != StatusProcessing {
			return nil, errNoChange
		}
		w.Attempts++
		return nil, nil
	})
	if errors.Is(err, errNoChange) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, w)
}

// dispatch calls the payout provider for a processing withdrawal and
// applies a final answer. The caller holds the withdrawal lock.
func (s *Service) dispatch(ctx context.Context, w *Withdrawal) (*Withdrawal, error) {
	var res *PayoutResult
	err := s.caller.Do(ctx, "payout", func(ctx context.Context) error {
		var err error
		res, err = s.payouts.Payout(ctx, PayoutRequest{
			IdempotencyKey: w.ID,
			WithdrawalID:   w.ID,
			UserID:         w.UserID,
			Amount:         w.NetAmount,
			Currency:       w.Currency,
			Method:         w.Method,
			Destination:    w.Destination,
		})
		return err
	})

	switch {
	case gateway.IsDeclined(err):
		return s.resolve(ctx, w.ID, false, "", err.Error())
	case err != nil:
		logging.L(ctx).Warn("payout submission failed, will retry",
			"withdrawal_id", w.ID, "attempts", w.Attempts, "error", err)
		return w, nil
	case res.State == PayoutCompleted:
		return s.resolve(ctx, w.ID, true, res.ExternalRef, "")
	case res.State == PayoutFailed:
		return s.resolve(ctx, w.ID, false, res.ExternalRef, res.Reason)
	}

	if res.ExternalRef == "" {
		return w, nil
	}
	updated, err := s.update(ctx, w.ID, func(w *Withdrawal) (*ledger.Batch, error) {
		if w.Status != StatusProcessing || w.ExternalRef == res.ExternalRef {
			return nil, errNoChange
		}
		w.ExternalRef = res.ExternalRef
		return nil, nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return nil, err
	}
	return updated, nil
}

// OnPayoutResult applies the provider's final answer. Repeating the same
// answer is a no-op; contradicting an applied answer is a conflict.
func (s *Service) OnPayoutResult(ctx context.Context, id string, success bool, externalRef, reason string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.OnPayoutResult", traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.resolve(ctx, id, success, externalRef, reason)
}

// resolve finishes a processing withdrawal. Success completes the
// reservation and books the fee; failure cancels the reservation.
func (s *Service) resolve(ctx context.Context, id string, success bool, externalRef, reason string) (*Withdrawal, error) {
	target := StatusFailed
	if success {
		target = StatusCompleted
	}

	w, err := s.update(ctx, id, func(w *Withdrawal) (*ledger.Batch, error) {
		switch {
		case w.Status == target:
			return nil, errNoChange
		case w.Status != StatusProcessing:
			return nil, apperr.Conflict("withdrawal %s is %s, cannot become %s", w.ID, w.Status, target)
		}

		now := s.now().UTC()
		w.Status = target
		if externalRef != "" {
			w.ExternalRef = externalRef
		}
		if !success {
			w.FailureReason = reason
			return &ledger.Batch{Resolutions: []ledger.Resolution{
				{EntryID: w.ReservationID, Outcome: ledger.StatusCancelled},
			}}, nil
		}

		w.CompletedAt = &now
		b := &ledger.Batch{Resolutions: []ledger.Resolution{
			{EntryID: w.ReservationID, Outcome: ledger.StatusCompleted},
		}}
		if w.Fee > 0 {
			b.Postings = append(b.Postings, ledger.Posting{
				AccountID:   s.platformAccount,
				Direction:   ledger.Credit,
				Amount:      w.Fee,
				Source:      ledger.SourceFee,
				ReferenceID: w.ID,
			})
		}
		return b, nil
	})
	if errors.Is(err, errNoChange) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}

	if success {
		logging.L(ctx).Info("withdrawal completed", "withdrawal_id", w.ID, "external_ref", w.ExternalRef)
		s.emit(ctx, notify.WithdrawalCompleted, w)
	} else {
		logging.L(ctx).Warn("withdrawal failed, funds restored", "withdrawal_id", w.ID, "reason", reason)
		s.emit(ctx, notify.WithdrawalFailed, w)
	}
	return w, nil
}

// Reject refuses a pending withdrawal and restores the reserved funds.
func (s *Service) Reject(ctx context.Context, id, approver, reason string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Reject", traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 500),
	); errs != nil {
		return nil, apperr.Validation("%s", errs.Error())
	}

	w, err := s.release(ctx, id, StatusRejected, func(w *Withdrawal) error {
		w.ApprovedBy = approver
		w.FailureReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("withdrawal rejected", "withdrawal_id", id, "by", approver)
	s.emit(ctx, notify.WithdrawalRejected, w)
	return w, nil
}

// Cancel withdraws the owner's own pending request.
func (s *Service) Cancel(ctx context.Context, id, owner string) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Cancel", traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	return s.release(ctx, id, StatusCancelled, func(w *Withdrawal) error {
		if w.UserID != owner {
			return apperr.Unauthorized("only the owner can cancel withdrawal %s", w.ID)
		}
		return nil
	})
}

// release ends a pending withdrawal in target and cancels its reservation.
func (s *Service) release(ctx context.Context, id string, target Status, check func(w *Withdrawal) error) (*Withdrawal, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.update(ctx, id, func(w *Withdrawal) (*ledger.Batch, error) {
		if err := check(w); err != nil {
			return nil, err
		}
		if w.Status != StatusPending {
			return nil, apperr.Conflict("withdrawal %s is %s, not pending", w.ID, w.Status)
		}
		w.Status = target
		return &ledger.Batch{Resolutions: []ledger.Resolution{
			{EntryID: w.ReservationID, Outcome: ledger.StatusCancelled},
		}}, nil
	})
}

// Get returns a withdrawal visible to actor (its owner or an operator).
func (s *Service) Get(ctx context.Context, id, actor string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != actor && actor != auth.AdminActor {
		return nil, apperr.Unauthorized("withdrawal %s belongs to another user", id)
	}
	return w, nil
}

// ListByUser returns a page of the user's withdrawals, newest first.
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) (pagination.Page[*Withdrawal], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Withdrawal]{}, apperr.Validation("invalid cursor")
	}
	limit = pagination.ClampLimit(limit)
	items, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return pagination.Page[*Withdrawal]{}, err
	}
	return pagination.ComputePage(items, limit, func(w *Withdrawal) (time.Time, string) {
		return w.CreatedAt, w.ID
	}), nil
}

// ListAwaitingApproval returns pending withdrawals older than sla.
func (s *Service) ListAwaitingApproval(ctx context.Context, sla time.Duration, limit int) ([]*Withdrawal, error) {
	return s.store.ListPending(ctx, s.now().Add(-sla), limit)
}

// ListStuck returns processing withdrawals untouched for longer than after.
func (s *Service) ListStuck(ctx context.Context, after time.Duration, limit int) ([]*Withdrawal, error) {
	return s.store.ListProcessing(ctx, s.now().Add(-after), limit)
}

// update applies mutate and records the status change. The caller holds
// the withdrawal lock.
func (s *Service) update(ctx context.Context, id string, mutate MutateFunc) (*Withdrawal, error) {
	var (
		from  Status
		batch *ledger.Batch
	)
	w, err := s.store.Update(ctx, id, func(w *Withdrawal) (*ledger.Batch, error) {
		from = w.Status
		b, err := mutate(w)
		batch = b
		return b, err
	})
	if err != nil {
		return w, err
	}
	if batch != nil {
		ledger.RecordCommitted(*batch)
	}
	if w.Status != from {
		metrics.WithdrawalsTotal.WithLabelValues(string(w.Status)).Inc()
		logging.L(ctx).Info("withdrawal transitioned", "withdrawal_id", w.ID, "from", from, "to", w.Status)
	}
	return w, nil
}

func (s *Service) emit(ctx context.Context, kind notify.Kind, w *Withdrawal) {
	data := map[string]any{
		"withdrawal_id": w.ID,
		"status":        string(w.Status),
		"amount":        w.Amount,
		"net_amount":    w.NetAmount,
	}
	if w.FailureReason != "" {
		data["reason"] = w.FailureReason
	}
	s.notifier.Notify(ctx, notify.New(kind, w.UserID, w.ID, data))
}
