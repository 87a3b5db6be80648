package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/idgen"
	"github.com/mbd888/settle/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL. Balance moves are
// conditional UPDATEs in the same transaction as the entry write, so the
// balance check and the debit cannot interleave with another writer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, account_id, direction, amount, source, reference_id, status, created_at, resolved_at`

// Commit applies b in its own transaction.
func (p *PostgresStore) Commit(ctx context.Context, b Batch) ([]*Entry, error) {
	if err := ValidateBatch(b); err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence(err, "begin ledger transaction")
	}
	defer func() { _ = tx.Rollback() }()

	entries, err := p.CommitTx(ctx, tx, b)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence(err, "commit ledger transaction")
	}
	return entries, nil
}

// CommitTx applies b inside the caller's transaction. The caller commits or
// rolls back; on error nothing it wrote here may be committed.
func (p *PostgresStore) CommitTx(ctx context.Context, tx *sql.Tx, b Batch) ([]*Entry, error) {
	if err := ValidateBatch(b); err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(b.Postings)+len(b.Resolutions))
	for _, posting := range b.Postings {
		e, err := p.postTx(ctx, tx, posting)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	for _, r := range b.Resolutions {
		e, err := p.resolveTx(ctx, tx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *PostgresStore) postTx(ctx context.Context, tx *sql.Tx, in Posting) (*Entry, error) {
	e := &Entry{
		ID:          idgen.WithPrefix(idgen.PrefixEntry),
		AccountID:   in.AccountID,
		Direction:   in.Direction,
		Amount:      in.Amount,
		Source:      in.Source,
		ReferenceID: in.ReferenceID,
		Status:      StatusCompleted,
	}
	if in.Pending {
		e.Status = StatusPending
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, direction, amount, source, reference_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_id, source, reference_id, direction) DO NOTHING
		RETURNING created_at
	`, e.ID, e.AccountID, string(e.Direction), e.Amount, string(e.Source), e.ReferenceID, string(e.Status)).Scan(&e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Duplicate("%s %s for %s already posted to %s", in.Source, in.Direction, in.ReferenceID, in.AccountID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "insert ledger entry")
	}

	var res sql.Result
	switch {
	case in.Direction == Credit:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_balances (account_id, settled, pending, updated_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT (account_id) DO UPDATE SET
				settled    = ledger_balances.settled + EXCLUDED.settled,
				updated_at = NOW()
		`, in.AccountID, in.Amount)
	case in.Pending:
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger_balances SET pending = pending + $2, updated_at = NOW()
			WHERE account_id = $1 AND settled - pending >= $2
		`, in.AccountID, in.Amount)
	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger_balances SET settled = settled - $2, updated_at = NOW()
			WHERE account_id = $1 AND settled - pending >= $2
		`, in.AccountID, in.Amount)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "update ledger balance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.InsufficientFunds("account %s cannot cover %d", in.AccountID, in.Amount)
	}
	return e, nil
}

func (p *PostgresStore) resolveTx(ctx context.Context, tx *sql.Tx, r Resolution) (*Entry, error) {
	e, err := scanEntry(tx.QueryRowContext(ctx, `
		UPDATE ledger_entries SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+entryColumns, r.EntryID, string(r.Outcome)))
	if errors.Is(err, sql.ErrNoRows) {
		current, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, r.EntryID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("ledger entry %s not found", r.EntryID)
		}
		if err != nil {
			return nil, apperr.Persistence(err, "load ledger entry")
		}
		if current.Status == r.Outcome {
			return current, nil
		}
		return nil, apperr.Conflict("ledger entry %s is %s", current.ID, current.Status)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "resolve ledger entry")
	}

	if r.Outcome == StatusCompleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_balances SET pending = pending - $2, settled = settled - $2, updated_at = NOW()
			WHERE account_id = $1
		`, e.AccountID, e.Amount)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE ledger_balances SET pending = pending - $2, updated_at = NOW()
			WHERE account_id = $1
		`, e.AccountID, e.Amount)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "release reservation")
	}
	return e, nil
}

func (p *PostgresStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("ledger entry %s not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load ledger entry")
	}
	return e, nil
}

func (p *PostgresStore) FindEntry(ctx context.Context, accountID string, source Source, referenceID string, dir Direction) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1 AND source = $2 AND reference_id = $3 AND direction = $4
	`, accountID, string(source), referenceID, string(dir)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no %s %s for %s on %s", source, dir, referenceID, accountID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "find ledger entry")
	}
	return e, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT settled, pending, updated_at FROM ledger_balances WHERE account_id = $1
	`, accountID).Scan(&bal.Settled, &bal.Pending, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{AccountID: accountID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load balance")
	}
	bal.Available = bal.Settled - bal.Pending
	return bal, nil
}

func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, accountID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4
		`, accountID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "list ledger entries")
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan ledger entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list ledger entries")
	}
	return entries, nil
}

func (p *PostgresStore) Audit(ctx context.Context) (int, []Mismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH computed AS (
			SELECT account_id,
			       SUM(CASE WHEN status = 'completed' AND direction = 'credit' THEN amount
			                WHEN status = 'completed' AND direction = 'debit'  THEN -amount
			                ELSE 0 END) AS settled,
			       SUM(CASE WHEN status = 'pending' THEN amount ELSE 0 END) AS pending
			FROM ledger_entries GROUP BY account_id
		)
		SELECT COALESCE(b.account_id, c.account_id),
		       COALESCE(b.settled, 0), COALESCE(b.pending, 0),
		       COALESCE(c.settled, 0), COALESCE(c.pending, 0)
		FROM ledger_balances b
		FULL OUTER JOIN computed c ON c.account_id = b.account_id
		ORDER BY 1
	`)
	if err != nil {
		return 0, nil, apperr.Persistence(err, "audit ledger")
	}
	defer func() { _ = rows.Close() }()

	accounts := 0
	var mismatches []Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.AccountID, &m.CachedSettled, &m.CachedPending, &m.ComputedSettled, &m.ComputedPending); err != nil {
			return 0, nil, apperr.Persistence(err, "scan audit row")
		}
		accounts++
		if m.CachedSettled != m.ComputedSettled || m.CachedPending != m.ComputedPending {
			mismatches = append(mismatches, m)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, apperr.Persistence(err, "audit ledger")
	}
	return accounts, mismatches, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	e := &Entry{}
	var dir, source, status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.AccountID, &dir, &e.Amount, &source, &e.ReferenceID, &status, &e.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.Direction = Direction(dir)
	e.Source = Source(source)
	e.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return e, nil
}
