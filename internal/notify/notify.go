// Package notify emits notification requests. Delivery (push, email) is
// someone else's job: emitters hand notifications to a log, the realtime
// stream, or an operator-configured webhook, and never block the caller.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/metrics"
)

// Kind names what happened.
type Kind string

const (
	OrderPaid           Kind = "order_paid"
	OrderStarted        Kind = "order_started"
	OrderDelivered      Kind = "order_delivered"
	OrderCompleted      Kind = "order_completed"
	OrderRevision       Kind = "order_revision_requested"
	OrderCancelled      Kind = "order_cancelled"
	OrderRefunded       Kind = "order_refunded"
	OrderExpired        Kind = "order_expired"
	OrderDisputed       Kind = "order_disputed"
	OrderOverdue        Kind = "order_overdue"
	PaymentRefunded     Kind = "payment_refunded"
	WithdrawalCompleted Kind = "withdrawal_completed"
	WithdrawalFailed    Kind = "withdrawal_failed"
	WithdrawalRejected  Kind = "withdrawal_rejected"
)

// Notification is a request to tell a user about an event.
type Notification struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	UserID    string         `json:"user_id"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New builds a notification for userID about subject (an order or
// withdrawal ID).
func New(kind Kind, userID, subject string, data map[string]any) Notification {
	return Notification{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Kind:      kind,
		UserID:    userID,
		Subject:   subject,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier accepts notification requests. Implementations must not block
// on delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
	for _, nt := range m {
		if nt != nil {
			nt.Notify(ctx, n)
		}
	}
}

// Log writes notifications to a logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logging.Component(logger, "notify")}
}

func (l *Log) Notify(ctx context.Context, n Notification) {
	l.logger.InfoContext(ctx, "notification",
		"id", n.ID, "kind", n.Kind, "user_id", n.UserID, "subject", n.Subject)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Recorder keeps notifications in memory. Tests use it to assert on what
// was emitted.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
}

// All returns a copy of what has been recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Kinds returns the kinds sent to userID, in order.
func (r *Recorder) Kinds(userID string) []Kind {
	var out []Kind
	for _, n := range r.All() {
		if n.UserID == userID {
			out = append(out, n.Kind)
		}
	}
	return out
}
