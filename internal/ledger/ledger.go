// Package ledger is the wallet ledger: an append-only journal of entries per
// account plus a cached balance that is updated in the same unit of work as
// every entry write.
//
// Balances:
//   - settled is completed credits minus completed debits
//   - pending is the sum of pending debits (reservations)
//   - available is settled minus pending and never goes negative
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/metrics"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/traces"
)

// Direction of an entry relative to its account.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Source names what caused an entry.
type Source string

const (
	SourceOrderSettlement Source = "order_settlement"
	SourceWithdrawal      Source = "withdrawal"
	SourceRefund          Source = "refund"
	SourceFee             Source = "fee"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceOrderSettlement, SourceWithdrawal, SourceRefund, SourceFee:
		return true
	}
	return false
}

// Status of an entry. Only debits are ever pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Entry is one line in an account's journal.
type Entry struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Direction   Direction  `json:"direction"`
	Amount      int64      `json:"amount"`
	Source      Source     `json:"source"`
	ReferenceID string     `json:"reference_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Balance is the cached position of an account.
type Balance struct {
	AccountID string    `json:"account_id"`
	Settled   int64     `json:"settled"`
	Pending   int64     `json:"pending"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Posting asks for one new entry. A pending posting is a reservation and
// must be a debit.
type Posting struct {
	AccountID   string
	Direction   Direction
	Amount      int64
	Source      Source
	ReferenceID string
	Pending     bool
}

// Resolution settles a reservation as completed or cancelled.
type Resolution struct {
	EntryID string
	Outcome Status
}

// Batch is a set of postings and resolutions applied all-or-nothing.
type Batch struct {
	Postings    []Posting
	Resolutions []Resolution
}

// Mismatch is an account whose cached balance disagrees with its entries.
type Mismatch struct {
	AccountID       string `json:"account_id"`
	CachedSettled   int64  `json:"cached_settled"`
	CachedPending   int64  `json:"cached_pending"`
	ComputedSettled int64  `json:"computed_settled"`
	ComputedPending int64  `json:"computed_pending"`
}

// AuditReport is the result of recomputing every balance from its entries.
type AuditReport struct {
	Accounts   int        `json:"accounts"`
	Mismatches []Mismatch `json:"mismatches"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// Store persists entries and balances.
//
// Commit applies a batch atomically: every posting inserts an entry and
// moves the cached balance with a conditional update; every resolution
// flips a pending entry and moves the balance back. Any failure leaves
// nothing written. A posting that repeats (account, source, reference,
// direction) fails the batch with a duplicate_event error; a debit or
// reservation larger than the available balance fails it with
// insufficient_funds. Resolving an entry already in the requested outcome
// is a no-op that returns the entry.
type Store interface {
	Commit(ctx context.Context, b Batch) ([]*Entry, error)
	GetEntry(ctx context.Context, id string) (*Entry, error)
	FindEntry(ctx context.Context, accountID string, source Source, referenceID string, dir Direction) (*Entry, error)
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	ListEntries(ctx context.Context, accountID string, after *pagination.Cursor, limit int) ([]*Entry, error)
	Audit(ctx context.Context) (accounts int, mismatches []Mismatch, err error)
}

// Ledger is the wallet ledger service.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Store returns the backing store, for components that join ledger writes
// into their own units of work.
func (l *Ledger) Store() Store { return l.store }

// Credit posts a completed credit.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, source Source, ref string) (*Entry, error) {
	return l.post(ctx, "credit", Posting{AccountID: accountID, Direction: Credit, Amount: amount, Source: source, ReferenceID: ref})
}

// Debit posts a completed debit. Fails with insufficient_funds when the
// account's available balance is below amount.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, source Source, ref string) (*Entry, error) {
	return l.post(ctx, "debit", Posting{AccountID: accountID, Direction: Debit, Amount: amount, Source: source, ReferenceID: ref})
}

// Reserve posts a pending debit that holds amount out of the available
// balance until it is resolved.
func (l *Ledger) Reserve(ctx context.Context, accountID string, amount int64, ref string) (*Entry, error) {
	return l.post(ctx, "reserve", Posting{AccountID: accountID, Direction: Debit, Amount: amount, Source: SourceWithdrawal, ReferenceID: ref, Pending: true})
}

func (l *Ledger) post(ctx context.Context, op string, p Posting) (_ *Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.AccountID(p.AccountID), traces.Amount(p.Amount))
	done := observeOp(op)
	defer func() { done(err) }()

	if err := ValidatePosting(p); err != nil {
		traces.End(span, err)
		return nil, err
	}
	entries, err := l.store.Commit(ctx, Batch{Postings: []Posting{p}})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	RecordCommitted(Batch{Postings: []Posting{p}})
	return entries[0], nil
}

// ResolveReservation completes or cancels a pending debit. Completing moves
// the amount out of settled; cancelling returns it to available. Repeating
// the same outcome is a no-op.
func (l *Ledger) ResolveReservation(ctx context.Context, entryID string, outcome Status) (_ *Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.resolve", traces.Status(string(outcome)))
	done := observeOp("resolve")
	defer func() { done(err) }()

	if outcome != StatusCompleted && outcome != StatusCancelled {
		err := apperr.Validation("outcome must be completed or cancelled")
		traces.End(span, err)
		return nil, err
	}
	entries, err := l.store.Commit(ctx, Batch{Resolutions: []Resolution{{EntryID: entryID, Outcome: outcome}}})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// Balance returns the cached balance of an account. Unknown accounts have a
// zero balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*Balance, error) {
	if accountID == "" {
		return nil, apperr.Validation("account id is required")
	}
	return l.store.GetBalance(ctx, accountID)
}

// AvailableBalance returns settled minus pending.
func (l *Ledger) AvailableBalance(ctx context.Context, accountID string) (int64, error) {
	bal, err := l.Balance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return bal.Available, nil
}

// History returns a page of an account's entries, newest first.
func (l *Ledger) History(ctx context.Context, accountID, cursor string, limit int) (pagination.Page[*Entry], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Entry]{}, apperr.Validation("invalid cursor")
	}
	limit = pagination.ClampLimit(limit)
	entries, err := l.store.ListEntries(ctx, accountID, after, limit+1)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// Audit recomputes every balance from the journal and reports accounts
// whose cached balance disagrees.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.audit")
	accounts, mismatches, err := l.store.Audit(ctx)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	metrics.LedgerAuditMismatches.Set(float64(len(mismatches)))
	for _, m := range mismatches {
		l.logger.Error("ledger balance mismatch",
			"account_id", m.AccountID,
			"cached_settled", m.CachedSettled, "computed_settled", m.ComputedSettled,
			"cached_pending", m.CachedPending, "computed_pending", m.ComputedPending)
	}
	if mismatches == nil {
		mismatches = []Mismatch{}
	}
	return &AuditReport{Accounts: accounts, Mismatches: mismatches, CheckedAt: l.now().UTC()}, nil
}

// ValidatePosting checks the shape of a posting before it reaches a store.
func ValidatePosting(p Posting) error {
	switch {
	case p.AccountID == "":
		return apperr.Validation("account id is required")
	case p.Amount <= 0:
		return apperr.Validation("amount must be positive")
	case p.Direction != Credit && p.Direction != Debit:
		return apperr.Validation("direction must be credit or debit")
	case !p.Source.Valid():
		return apperr.Validation("unknown entry source %q", p.Source)
	case p.ReferenceID == "":
		return apperr.Validation("reference id is required")
	case p.Pending && p.Direction != Debit:
		return apperr.Validation("only debits may be pending")
	}
	return nil
}

// ValidateBatch checks every posting and resolution of b.
func ValidateBatch(b Batch) error {
	for _, p := range b.Postings {
		if err := ValidatePosting(p); err != nil {
			return err
		}
	}
	for _, r := range b.Resolutions {
		if r.EntryID == "" {
			return apperr.Validation("entry id is required")
		}
		if r.Outcome != StatusCompleted && r.Outcome != StatusCancelled {
			return apperr.Validation("outcome must be completed or cancelled")
		}
	}
	return nil
}

// RecordCommitted counts the postings of a committed batch. Components that
// commit batches through a store directly call it after their commit.
func RecordCommitted(b Batch) {
	for _, p := range b.Postings {
		metrics.LedgerPostingsTotal.WithLabelValues(string(p.Source), string(p.Direction)).Inc()
	}
}
