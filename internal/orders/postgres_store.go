package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Ledger batches are
// committed through the ledger store on the same transaction as the order.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed order store
func NewPostgresStore(db *sql.DB, ls *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ls}
}

const orderColumns = `id, buyer_id, seller_id, item_id, amount, currency, status, platform_fee,
	payment_id, checkout_url, due_at, revision_notes, revision_count, artifacts, cancel_reason, dispute_reason,
	created_at, updated_at, paid_at, started_at, delivered_at, completed_at, cancelled_at,
	overdue_notified_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, seller_id, item_id, amount, currency, status,
			due_at, artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.BuyerID, o.SellerID, o.ItemID, o.Amount, o.Currency, string(o.Status),
		nullTime(o.DueAt), pq.Array(nonNil(o.Artifacts)), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Conflict("an active order already exists for item %s", o.ItemID)
		}
		return apperr.Persistence(err, "insert order")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get order")
	}
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "begin order transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "lock order")
	}

	prev := o.Status
	current := o.clone()
	batch, err := mutate(o)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return current, err
		}
		return nil, err
	}
	o.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $3, platform_fee = $4, payment_id = $5, checkout_url = $6,
			revision_notes = $7, revision_count = $8, artifacts = $9, cancel_reason = $10,
			dispute_reason = $11, updated_at = $12, paid_at = $13, started_at = $14,
			delivered_at = $15, completed_at = $16, cancelled_at = $17, overdue_notified_at = $18
		WHERE id = $1 AND status = $2`,
		o.ID, string(prev), string(o.Status), o.PlatformFee, nullString(o.PaymentID), nullString(o.CheckoutURL),
		nullString(o.RevisionNotes), o.RevisionCount, pq.Array(nonNil(o.Artifacts)), nullString(o.CancelReason),
		nullString(o.DisputeReason), o.UpdatedAt, nullTime(o.PaidAt), nullTime(o.StartedAt), nullTime(o.DeliveredAt),
		nullTime(o.CompletedAt), nullTime(o.CancelledAt), nullTime(o.OverdueNotifiedAt),
	)
	if err != nil {
		return nil, apperr.Persistence(err, "update order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Conflict("order %s is no longer %s", id, prev)
	}

	if batch != nil {
		if _, err := p.ledger.CommitTx(ctx, tx, *batch); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "commit order transaction")
	}
	return o, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Order, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+` FROM orders
			WHERE (buyer_id = $1 OR seller_id = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "list orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, "list expirable orders", `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('created', 'awaiting_payment') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore, limitOrDefault(limit))
}

func (p *PostgresStore) ListAwaitingReview(ctx context.Context, deliveredBefore time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, "list orders awaiting review", `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'awaiting_review' AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2`, deliveredBefore, limitOrDefault(limit))
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, "list overdue orders", `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'in_progress' AND due_at < $1 AND overdue_notified_at IS NULL
		ORDER BY due_at ASC
		LIMIT $2`, now, limitOrDefault(limit))
}

func (p *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Persistence(err, op)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	o := &Order{}
	var (
		status        string
		paymentID     sql.NullString
		checkoutURL   sql.NullString
		revisionNotes sql.NullString
		cancelReason  sql.NullString
		disputeReason sql.NullString
		dueAt         sql.NullTime
		paidAt        sql.NullTime
		startedAt     sql.NullTime
		deliveredAt   sql.NullTime
		completedAt   sql.NullTime
		cancelledAt   sql.NullTime
		overdueAt     sql.NullTime
		artifacts     pq.StringArray
	)
	err := row.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ItemID, &o.Amount, &o.Currency, &status, &o.PlatformFee,
		&paymentID, &checkoutURL, &dueAt, &revisionNotes, &o.RevisionCount, &artifacts, &cancelReason, &disputeReason,
		&o.CreatedAt, &o.UpdatedAt, &paidAt, &startedAt, &deliveredAt, &completedAt, &cancelledAt,
		&overdueAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentID = paymentID.String
	o.CheckoutURL = checkoutURL.String
	o.RevisionNotes = revisionNotes.String
	o.CancelReason = cancelReason.String
	o.DisputeReason = disputeReason.String
	o.Artifacts = []string(artifacts)
	o.DueAt = timePtr(dueAt)
	o.PaidAt = timePtr(paidAt)
	o.StartedAt = timePtr(startedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.OverdueNotifiedAt = timePtr(overdueAt)
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan order")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "iterate orders")
	}
	return out, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
