package gateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/settle/internal/apperr"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, order_id, external_id, amount, currency, status, provider,
	checkout_url, refund_ref, raw_payload, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, external_id, amount, currency, status, provider,
			checkout_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.OrderID, pay.ExternalID, pay.Amount, pay.Currency, string(pay.Status),
		pay.Provider, nullString(pay.CheckoutURL), pay.CreatedAt, pay.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Conflict("external id %s already recorded", pay.ExternalID)
		}
		return apperr.Persistence(err, "insert payment")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get payment")
	}
	return pay, nil
}

func (p *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1`, externalID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no payment for external id %s", externalID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get payment by external id")
	}
	return pay, nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, apperr.Persistence(err, "list payments")
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments SET
			status = $3,
			raw_payload = COALESCE(NULLIF($4, ''), raw_payload),
			refund_ref = COALESCE(NULLIF($5, ''), refund_ref),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, string(from), string(to), u.RawPayload, u.RefundRef,
	)
	pay, err := scanPayment(row)
	if err == nil {
		return pay, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil, apperr.Conflict("order already has a successful payment")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Persistence(err, "update payment status")
	}

	current, getErr := p.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperr.Conflict("payment %s is %s, not %s", id, current.Status, from)
}

func (p *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, apperr.Persistence(err, "list pending payments")
	}
	defer rows.Close()
	return scanPayments(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (*Payment, error) {
	pay := &Payment{}
	var status string
	var checkoutURL, refundRef, raw sql.NullString
	err := row.Scan(
		&pay.ID, &pay.OrderID, &pay.ExternalID, &pay.Amount, &pay.Currency, &status, &pay.Provider,
		&checkoutURL, &refundRef, &raw, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.Status = Status(status)
	pay.CheckoutURL = checkoutURL.String
	pay.RefundRef = refundRef.String
	pay.RawPayload = raw.String
	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan payment")
		}
		out = append(out, pay)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "iterate payments")
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
