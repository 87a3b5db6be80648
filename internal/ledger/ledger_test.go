package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/logging"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, logging.Discard()), store
}

func requireBalance(t *testing.T, l *Ledger, account string, settled, pending int64) {
	t.Helper()
	bal, err := l.Balance(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, settled, bal.Settled, "settled")
	assert.Equal(t, pending, bal.Pending, "pending")
	assert.Equal(t, settled-pending, bal.Available, "available")
}

func TestCreditAndDebit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	e, err := l.Credit(ctx, "usr_seller", 9_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, Credit, e.Direction)
	requireBalance(t, l, "usr_seller", 9_000, 0)

	_, err = l.Debit(ctx, "usr_seller", 4_000, SourceRefund, "ord_1")
	require.NoError(t, err)
	requireBalance(t, l, "usr_seller", 5_000, 0)
}

func TestDebit_InsufficientFundsWritesNothing(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 100, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)

	_, err = l.Debit(ctx, "usr_1", 101, SourceRefund, "ord_1")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "got %v", err)
	requireBalance(t, l, "usr_1", 100, 0)

	entries, err := store.ListEntries(ctx, "usr_1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDuplicatePosting(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 500, SourceOrderSettlement, "ord_9")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "usr_1", 500, SourceOrderSettlement, "ord_9")
	assert.True(t, apperr.Is(err, apperr.KindDuplicateEvent), "got %v", err)
	requireBalance(t, l, "usr_1", 500, 0)

	// Same reference under another source is a different posting.
	_, err = l.Credit(ctx, "usr_1", 50, SourceFee, "ord_9")
	require.NoError(t, err)
}

func TestValidation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	cases := []struct {
		name string
		fn   func() error
	}{
		{"zero amount", func() error { _, err := l.Credit(ctx, "a", 0, SourceFee, "r"); return err }},
		{"negative amount", func() error { _, err := l.Debit(ctx, "a", -5, SourceFee, "r"); return err }},
		{"no account", func() error { _, err := l.Credit(ctx, "", 5, SourceFee, "r"); return err }},
		{"no reference", func() error { _, err := l.Credit(ctx, "a", 5, SourceFee, ""); return err }},
		{"unknown source", func() error { _, err := l.Credit(ctx, "a", 5, Source("gift"), "r"); return err }},
		{"bad outcome", func() error { _, err := l.ResolveReservation(ctx, "le_1", StatusPending); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, apperr.Is(tc.fn(), apperr.KindValidation))
		})
	}
}

func TestReserveAndResolve(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 10_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)

	res, err := l.Reserve(ctx, "usr_1", 3_000, "wd_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	requireBalance(t, l, "usr_1", 10_000, 3_000)

	done, err := l.ResolveReservation(ctx, res.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.ResolvedAt)
	requireBalance(t, l, "usr_1", 7_000, 0)

	// Repeating the outcome is a no-op.
	_, err = l.ResolveReservation(ctx, res.ID, StatusCompleted)
	require.NoError(t, err)
	requireBalance(t, l, "usr_1", 7_000, 0)

	// Flipping a resolved entry is refused.
	_, err = l.ResolveReservation(ctx, res.ID, StatusCancelled)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func TestCancelReservationRestoresAvailable(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 5_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)
	res, err := l.Reserve(ctx, "usr_1", 5_000, "wd_1")
	require.NoError(t, err)

	avail, err := l.AvailableBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)

	_, err = l.ResolveReservation(ctx, res.ID, StatusCancelled)
	require.NoError(t, err)

	avail, err = l.AvailableBalance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), avail)
	requireBalance(t, l, "usr_1", 5_000, 0)
}

func TestReserve_CannotExceedAvailable(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 1_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "usr_1", 600, "wd_1")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "usr_1", 600, "wd_2")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	_, err = l.Debit(ctx, "usr_1", 401, SourceRefund, "ord_x")
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	requireBalance(t, l, "usr_1", 1_000, 600)
}

func TestResolve_UnknownEntry(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.ResolveReservation(context.Background(), "le_missing", StatusCancelled)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCommit_BatchIsAllOrNothing(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := store.Commit(ctx, Batch{Postings: []Posting{
		{AccountID: "usr_seller", Direction: Credit, Amount: 9_000, Source: SourceOrderSettlement, ReferenceID: "ord_1"},
		{AccountID: "platform", Direction: Credit, Amount: 1_000, Source: SourceFee, ReferenceID: "ord_1"},
		{AccountID: "usr_broke", Direction: Debit, Amount: 1, Source: SourceRefund, ReferenceID: "ord_1"},
	}})
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "got %v", err)

	requireBalance(t, l, "usr_seller", 0, 0)
	requireBalance(t, l, "platform", 0, 0)

	_, err = store.FindEntry(ctx, "usr_seller", SourceOrderSettlement, "ord_1", Credit)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCommit_ResolveAndCreditTogether(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 10_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)
	res, err := l.Reserve(ctx, "usr_1", 10_000, "wd_1")
	require.NoError(t, err)

	out, err := store.Commit(ctx, Batch{
		Postings:    []Posting{{AccountID: "platform", Direction: Credit, Amount: 150, Source: SourceFee, ReferenceID: "wd_1"}},
		Resolutions: []Resolution{{EntryID: res.ID, Outcome: StatusCompleted}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, SourceFee, out[0].Source)
	assert.Equal(t, StatusCompleted, out[1].Status)

	requireBalance(t, l, "usr_1", 0, 0)
	requireBalance(t, l, "platform", 150, 0)
}

func TestConcurrentReservations_NeverOverdraw(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 10_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "usr_1", 1_500, "wd_"+string(rune('a'+i)))
			switch {
			case err == nil:
				ok.Add(1)
			case apperr.Is(err, apperr.KindInsufficientFunds):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(6), ok.Load())
	assert.Equal(t, int32(14), short.Load())
	requireBalance(t, l, "usr_1", 10_000, 9_000)
}

func TestHistory_Paginates(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	refs := []string{"ord_1", "ord_2", "ord_3", "ord_4", "ord_5"}
	for _, ref := range refs {
		_, err := l.Credit(ctx, "usr_1", 100, SourceOrderSettlement, ref)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := l.History(ctx, "usr_1", cursor, 2)
		require.NoError(t, err)
		pages++
		for _, e := range page.Items {
			assert.False(t, seen[e.ID], "entry %s returned twice", e.ID)
			seen[e.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, len(refs))

	_, err := l.History(ctx, "usr_1", "not-a-cursor", 2)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestAudit_DetectsDrift(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "usr_1", 1_000, SourceOrderSettlement, "ord_1")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "usr_1", 400, "wd_1")
	require.NoError(t, err)
	_, err = l.Credit(ctx, "platform", 100, SourceFee, "ord_1")
	require.NoError(t, err)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Accounts)
	assert.Empty(t, report.Mismatches)

	corrupt(store, "usr_1", 5_000)

	report, err = l.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	m := report.Mismatches[0]
	assert.Equal(t, "usr_1", m.AccountID)
	assert.Equal(t, int64(5_000), m.CachedSettled)
	assert.Equal(t, int64(1_000), m.ComputedSettled)
	assert.Equal(t, int64(400), m.ComputedPending)
}

// corrupt overwrites a cached balance without touching entries.
func corrupt(m *MemoryStore, accountID string, settled int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[accountID]
	if !ok {
		bal = &Balance{AccountID: accountID}
		m.balances[accountID] = bal
	}
	bal.Settled = settled
	bal.Available = bal.Settled - bal.Pending
}
