package scheduler

import (
	"context"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/orders"
	"github.com/mbd888/settle/internal/withdrawals"
)

// Task names.
const (
	TaskExpireUnpaidOrders     = "expire_unpaid_orders"
	TaskAutoCompleteOrders     = "auto_complete_orders"
	TaskAutoApproveWithdrawals = "auto_approve_withdrawals"
	TaskReconcilePayments      = "reconcile_payments"
	TaskOverdueOrders          = "overdue_orders"
	TaskRetryPayouts           = "retry_payouts"
	TaskLedgerAudit            = "ledger_audit"
)

// batchSize bounds the items one run handles; the rest wait for the next tick.
const batchSize = 100

// OrderSweeps is what the order sweeps need from the order service.
type OrderSweeps interface {
	ListExpirable(ctx context.Context, ttl time.Duration, limit int) ([]*orders.Order, error)
	Expire(ctx context.Context, id string) (*orders.Order, error)
	ListAwaitingReview(ctx context.Context, grace time.Duration, limit int) ([]*orders.Order, error)
	AutoApprove(ctx context.Context, id string) (*orders.Order, error)
	ListOverdue(ctx context.Context, limit int) ([]*orders.Order, error)
	NotifyOverdue(ctx context.Context, id string) (*orders.Order, error)
}

// PaymentSweeps is what payment reconciliation needs from the gateway.
type PaymentSweeps interface {
	StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]*gateway.Payment, error)
	VerifyTransaction(ctx context.Context, externalID string) (*gateway.IngestResult, error)
}

// WithdrawalSweeps is what the withdrawal sweeps need from the processor.
type WithdrawalSweeps interface {
	ListAwaitingApproval(ctx context.Context, sla time.Duration, limit int) ([]*withdrawals.Withdrawal, error)
	AutoApprove(ctx context.Context, id string) (*withdrawals.Withdrawal, error)
	ListStuck(ctx context.Context, after time.Duration, limit int) ([]*withdrawals.Withdrawal, error)
	RetryPayout(ctx context.Context, id string) (*withdrawals.Withdrawal, error)
}

// Auditor recomputes ledger balances.
type Auditor interface {
	Audit(ctx context.Context) (*ledger.AuditReport, error)
}

type funcTask struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (int, error)
}

func (t *funcTask) Name() string                         { return t.name }
func (t *funcTask) Interval() time.Duration              { return t.interval }
func (t *funcTask) Run(ctx context.Context) (int, error) { return t.run(ctx) }

// NewTask wraps fn as a Task.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context) (int, error)) Task {
	return &funcTask{name: name, interval: interval, run: fn}
}

// sweep applies act to each item. Failures are counted and logged but do
// not stop the run.
func sweep[T any](ctx context.Context, task string, items []T, id func(T) string, act func(ctx context.Context, id string) error) int {
	done := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		itemID := id(item)
		if err := act(ctx, itemID); err != nil {
			result := "error"
			if apperr.Is(err, apperr.KindConflict) {
				// Someone else moved it first.
				result = "skipped"
			}
			metrics.SweepItemsTotal.WithLabelValues(task, result).Inc()
			logging.L(ctx).Warn("sweep item failed", "task", task, "id", itemID, "error", err)
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues(task, "ok").Inc()
		done++
	}
	return done
}

func orderID(o *orders.Order) string                { return o.ID }
func withdrawalID(w *withdrawals.Withdrawal) string { return w.ID }

// ExpireUnpaidOrders expires orders left unpaid for longer than ttl.
func ExpireUnpaidOrders(svc OrderSweeps, ttl, interval time.Duration) Task {
	return NewTask(TaskExpireUnpaidOrders, interval, func(ctx context.Context) (int, error) {
		items, err := svc.ListExpirable(ctx, ttl, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskExpireUnpaidOrders, items, orderID, func(ctx context.Context, id string) error {
			_, err := svc.Expire(ctx, id)
			return err
		}), nil
	})
}

// AutoCompleteOrders approves deliveries the buyer left unreviewed for
// longer than grace.
func AutoCompleteOrders(svc OrderSweeps, grace, interval time.Duration) Task {
	return NewTask(TaskAutoCompleteOrders, interval, func(ctx context.Context) (int, error) {
		items, err := svc.ListAwaitingReview(ctx, grace, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskAutoCompleteOrders, items, orderID, func(ctx context.Context, id string) error {
			_, err := svc.AutoApprove(ctx, id)
			return err
		}), nil
	})
}

// OverdueOrders alerts the parties of orders in progress past their
// deadline, once per order.
func OverdueOrders(svc OrderSweeps, interval time.Duration) Task {
	return NewTask(TaskOverdueOrders, interval, func(ctx context.Context) (int, error) {
		items, err := svc.ListOverdue(ctx, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskOverdueOrders, items, orderID, func(ctx context.Context, id string) error {
			_, err := svc.NotifyOverdue(ctx, id)
			return err
		}), nil
	})
}

// ReconcilePayments asks the processor about payments pending for longer
// than after, covering webhooks that never arrived.
func ReconcilePayments(svc PaymentSweeps, after, interval time.Duration) Task {
	return NewTask(TaskReconcilePayments, interval, func(ctx context.Context) (int, error) {
		items, err := svc.StalePending(ctx, after, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskReconcilePayments, items,
			func(p *gateway.Payment) string { return p.ExternalID },
			func(ctx context.Context, externalID string) error {
				_, err := svc.VerifyTransaction(ctx, externalID)
				return err
			}), nil
	})
}

// AutoApproveWithdrawals approves withdrawals nobody reviewed within sla.
func AutoApproveWithdrawals(svc WithdrawalSweeps, sla, interval time.Duration) Task {
	return NewTask(TaskAutoApproveWithdrawals, interval, func(ctx context.Context) (int, error) {
		items, err := svc.ListAwaitingApproval(ctx, sla, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskAutoApproveWithdrawals, items, withdrawalID, func(ctx context.Context, id string) error {
			_, err := svc.AutoApprove(ctx, id)
			return err
		}), nil
	})
}

// RetryPayouts resubmits payouts stuck in processing for longer than after.
func RetryPayouts(svc WithdrawalSweeps, after, interval time.Duration) Task {
	return NewTask(TaskRetryPayouts, interval, func(ctx context.Context) (int, error) {
		items, err := svc.ListStuck(ctx, after, batchSize)
		if err != nil {
			return 0, err
		}
		return sweep(ctx, TaskRetryPayouts, items, withdrawalID, func(ctx context.Context, id string) error {
			_, err := svc.RetryPayout(ctx, id)
			return err
		}), nil
	})
}

// LedgerAudit recomputes every balance and reports the mismatches found.
func LedgerAudit(a Auditor, interval time.Duration) Task {
	return NewTask(TaskLedgerAudit, interval, func(ctx context.Context) (int, error) {
		report, err := a.Audit(ctx)
		if err != nil {
			return 0, err
		}
		return len(report.Mismatches), nil
	})
}
