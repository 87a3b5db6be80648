package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store
func NewPostgresStore(db *sql.DB, ls *ledger.PostgresStore) *PostgresStore {
	return &PostgresStore{db: db, ledger: ls}
}

const withdrawalColumns = `id, user_id, amount, fee, net_amount, currency, status, method, destination,
	reservation_id, external_ref, failure_reason, approved_by, attempts,
	created_at, updated_at, processed_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal, dayStart time.Time, dailyCap int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence(err, "begin withdrawal transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// Serializes requests per user for the rest of the transaction, so two
	// requests cannot both pass the cap check.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "withdrawals:"+w.UserID); err != nil {
		return apperr.Persistence(err, "lock user withdrawals")
	}

	if dailyCap > 0 {
		var used int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM withdrawals
			WHERE user_id = $1
			  AND status IN ('pending', 'processing', 'completed')
			  AND created_at >= $2`, w.UserID, dayStart).Scan(&used)
		if err != nil {
			return apperr.Persistence(err, "sum daily withdrawals")
		}
		if used+w.Amount > dailyCap {
			return apperr.Validation("daily withdrawal limit of %d exceeded (%d already requested today)", dailyCap, used)
		}
	}

	entries, err := p.ledger.CommitTx(ctx, tx, reservation(w))
	if err != nil {
		return err
	}
	w.ReservationID = entries[0].ID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, fee, net_amount, currency, status, method,
			destination, reservation_id, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.UserID, w.Amount, w.Fee, w.NetAmount, w.Currency, string(w.Status), string(w.Method),
		w.Destination, w.ReservationID, w.Attempts, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return apperr.Persistence(err, "insert withdrawal")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence(err, "commit withdrawal")
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("withdrawal %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get withdrawal")
	}
	return w, nil
}

func (p *PostgresStore) Update(ctx context.Context, id string, mutate MutateFunc) (*Withdrawal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "begin withdrawal transaction")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("withdrawal %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "lock withdrawal")
	}

	prev := w.Status
	current := *w
	batch, err := mutate(w)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return &current, err
		}
		return nil, err
	}
	w.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $3, external_ref = $4, failure_reason = $5, approved_by = $6,
			attempts = $7, updated_at = $8, processed_at = $9, completed_at = $10
		WHERE id = $1 AND status = $2`,
		w.ID, string(prev), string(w.Status), nullString(w.ExternalRef), nullString(w.FailureReason),
		nullString(w.ApprovedBy), w.Attempts, w.UpdatedAt, nullTime(w.ProcessedAt), nullTime(w.CompletedAt),
	)
	if err != nil {
		return nil, apperr.Persistence(err, "update withdrawal")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.Conflict("withdrawal %s is no longer %s", id, prev)
	}

	if batch != nil {
		if _, err := p.ledger.CommitTx(ctx, tx, *batch); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "commit withdrawal transaction")
	}
	return w, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Withdrawal, error) {
	if after == nil {
		return p.query(ctx, "list withdrawals", `
			SELECT `+withdrawalColumns+` FROM withdrawals
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	return p.query(ctx, "list withdrawals", `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, "list pending withdrawals", `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, createdBefore, limitOrDefault(limit))
}

func (p *PostgresStore) ListProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]*Withdrawal, error) {
	return p.query(ctx, "list processing withdrawals", `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, updatedBefore, limitOrDefault(limit))
}

func (p *PostgresStore) query(ctx context.Context, op, q string, args ...any) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Persistence(err, op)
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan withdrawal")
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, op)
	}
	return out, nil
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

func scanWithdrawal(row scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status, method                         string
		externalRef, failureReason, approvedBy sql.NullString
		processedAt, completedAt               sql.NullTime
	)
	err := row.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.NetAmount, &w.Currency, &status, &method, &w.Destination,
		&w.ReservationID, &externalRef, &failureReason, &approvedBy, &w.Attempts,
		&w.CreatedAt, &w.UpdatedAt, &processedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.Method = Method(method)
	w.ExternalRef = externalRef.String
	w.FailureReason = failureReason.String
	w.ApprovedBy = approvedBy.String
	if processedAt.Valid {
		t := processedAt.Time
		w.ProcessedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	return w, nil
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
