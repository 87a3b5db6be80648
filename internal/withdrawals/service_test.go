package withdrawals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/fees"
	"github.com/mbd888/settle/internal/gateway"
	"github.com/mbd888/settle/internal/ledger"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/notify"
)

const (
	seller = "usr_seller"
	bank   = "GB29NWBK60161331926819"
)

var bankMethod = PayoutMethod{Type: MethodBankTransfer, Destination: bank}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	payouts *SandboxPayouts
	ledger  *ledger.Ledger
	notes   *notify.Recorder
}

// newFixture funds the seller with funded minor units. Withdrawals cost 50
// flat plus 1%, must be between 1,000 and 50,000 and are capped at 20,000
// per day.
func newFixture(t *testing.T, funded int64) *fixture {
	t.Helper()
	ls := ledger.NewMemoryStore()
	l := ledger.New(ls, logging.Discard())
	if funded > 0 {
		_, err := l.Credit(context.Background(), seller, funded, ledger.SourceOrderSettlement, "ord_seed")
		require.NoError(t, err)
	}

	schedule, err := fees.Parse("10", "1", 50)
	require.NoError(t, err)

	sb := NewSandboxPayouts()
	rec := notify.NewRecorder()
	store := NewMemoryStore(ls)
	svc := NewService(store, sb, logging.Discard()).
		WithNotifier(rec).
		WithFees(schedule, "platform").
		WithLimits(1_000, 50_000, 20_000)

	return &fixture{svc: svc, store: store, payouts: sb, ledger: l, notes: rec}
}

func (f *fixture) balance(t *testing.T, account string) *ledger.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func TestRequest_ReservesGrossAndQuotesFee(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, w.Status)
	assert.Equal(t, int64(140), w.Fee)
	assert.Equal(t, int64(8_860), w.NetAmount)
	assert.Equal(t, "usd", w.Currency)
	assert.NotEmpty(t, w.ReservationID)

	b := f.balance(t, seller)
	assert.Equal(t, int64(10_000), b.Settled)
	assert.Equal(t, int64(1_000), b.Available)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, 100_000)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
		method PayoutMethod
	}{
		{"zero amount", 0, bankMethod},
		{"below minimum", 999, bankMethod},
		{"above maximum", 50_001, bankMethod},
		{"unknown method", 5_000, PayoutMethod{Type: "paypal", Destination: bank}},
		{"missing destination", 5_000, PayoutMethod{Type: MethodBankTransfer, Destination: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, seller, tt.amount, tt.method)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
	assert.Equal(t, int64(100_000), f.balance(t, seller).Available)
}

func TestRequest_FeeMustLeaveSomethingToSend(t *testing.T) {
	f := newFixture(t, 10_000)
	schedule, err := fees.Parse("0", "0", 2_000)
	require.NoError(t, err)
	f.svc.WithFees(schedule, "")

	_, err = f.svc.Request(context.Background(), seller, 1_500, bankMethod)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestRequest_InsufficientFunds(t *testing.T) {
	f := newFixture(t, 5_000)

	_, err := f.svc.Request(context.Background(), seller, 6_000, bankMethod)
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds), "got %v", err)

	page, err := f.svc.ListByUser(context.Background(), seller, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestRequest_ConcurrentOnlyOneFits(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.Is(err, apperr.KindInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(1_000), f.balance(t, seller).Available)
}

func TestRequest_DailyCap(t *testing.T) {
	f := newFixture(t, 100_000)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, seller, 15_000, bankMethod)
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, seller, 6_000, bankMethod)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	_, err = f.svc.Request(ctx, seller, 5_000, bankMethod)
	require.NoError(t, err)
}

func TestRequest_CancelledWithdrawalsFreeTheCap(t *testing.T) {
	f := newFixture(t, 100_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 20_000, bankMethod)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, w.ID, seller)
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, seller, 20_000, bankMethod)
	require.NoError(t, err)
}

func TestApprove_CompletesAndBooksFee(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
	require.NoError(t, err)

	done, err := f.svc.Approve(ctx, w.ID, "ops_alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "ops_alice", done.ApprovedBy)
	assert.Equal(t, 1, done.Attempts)
	assert.NotEmpty(t, done.ExternalRef)
	assert.NotNil(t, done.CompletedAt)

	b := f.balance(t, seller)
	assert.Equal(t, int64(1_000), b.Settled)
	assert.Equal(t, int64(0), b.Pending)
	assert.Equal(t, int64(140), f.balance(t, "platform").Settled)
	assert.Equal(t, []notify.Kind{notify.WithdrawalCompleted}, f.notes.Kinds(seller))
}

func TestApprove_OnlyPending(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 5_000, bankMethod)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, w.ID, "ops")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	assert.Equal(t, 1, f.payouts.Calls())

	_, err = f.svc.Approve(ctx, "wd_missing", "ops")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func TestApprove_DeclineRestoresFunds(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 9_000, PayoutMethod{Type: MethodBankTransfer, Destination: "decline-me"})
	require.NoError(t, err)

	failed, err := f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "decline-me")

	b := f.balance(t, seller)
	assert.Equal(t, int64(10_000), b.Available)
	assert.Equal(t, int64(0), f.balance(t, "platform").Settled)
	assert.Equal(t, []notify.Kind{notify.WithdrawalFailed}, f.notes.Kinds(seller))
}

func TestApprove_TransientErrorStaysProcessing(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()
	f.payouts.FailNext(errors.New("connection reset by peer"))

	w, err := f.svc.Request(ctx, seller, 4_000, bankMethod)
	require.NoError(t, err)

	got, err := f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, int64(6_000), f.balance(t, seller).Available)

	stuck, err := f.svc.ListStuck(ctx, -time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, w.ID, stuck[0].ID)

	retried, err := f.svc.RetryPayout(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, retried.Status)
	assert.Equal(t, 2, retried.Attempts)
	assert.Equal(t, 2, f.payouts.Calls())
	assert.Equal(t, int64(6_000), f.balance(t, seller).Settled)
}

func TestRetryPayout_IgnoresFinishedWithdrawals(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 4_000, bankMethod)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)

	got, err := f.svc.RetryPayout(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, f.payouts.Calls())
}

func TestPendingPayout_SettledByCallback(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()
	f.payouts.SetState(PayoutPending)

	w, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
	require.NoError(t, err)
	processing, err := f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, processing.Status)
	assert.NotEmpty(t, processing.ExternalRef)

	done, err := f.svc.OnPayoutResult(ctx, w.ID, true, processing.ExternalRef, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	again, err := f.svc.OnPayoutResult(ctx, w.ID, true, processing.ExternalRef, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, int64(140), f.balance(t, "platform").Settled)
	assert.Len(t, f.notes.Kinds(seller), 1)

	_, err = f.svc.OnPayoutResult(ctx, w.ID, false, "", "bounced")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func TestPendingPayout_FailureCallbackRestoresFunds(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()
	f.payouts.SetState(PayoutPending)

	w, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)

	failed, err := f.svc.OnPayoutResult(ctx, w.ID, false, "", "account closed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "account closed", failed.FailureReason)
	assert.Equal(t, int64(10_000), f.balance(t, seller).Available)
}

func TestOnPayoutResult_RequiresProcessing(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 2_000, bankMethod)
	require.NoError(t, err)

	_, err = f.svc.OnPayoutResult(ctx, w.ID, true, "po_1", "")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func TestReject_RestoresFunds(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 9_000, bankMethod)
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, w.ID, "ops", "  ")
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	rejected, err := f.svc.Reject(ctx, w.ID, "ops", "destination under review")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "destination under review", rejected.FailureReason)
	assert.Equal(t, int64(10_000), f.balance(t, seller).Available)
	assert.Equal(t, []notify.Kind{notify.WithdrawalRejected}, f.notes.Kinds(seller))

	_, err = f.svc.Approve(ctx, w.ID, "ops")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	assert.Zero(t, f.payouts.Calls())
}

func TestCancel_OwnerOnly(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 3_000, bankMethod)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, w.ID, "usr_other")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "got %v", err)

	cancelled, err := f.svc.Cancel(ctx, w.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(10_000), f.balance(t, seller).Available)

	_, err = f.svc.Cancel(ctx, w.ID, seller)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func TestAutoApprove_AfterSLA(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 3_000, bankMethod)
	require.NoError(t, err)

	due, err := f.svc.ListAwaitingApproval(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	due, err = f.svc.ListAwaitingApproval(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	done, err := f.svc.AutoApprove(ctx, due[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "system", done.ApprovedBy)
	assert.Equal(t, w.ID, done.ID)
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()

	w, err := f.svc.Request(ctx, seller, 3_000, bankMethod)
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, w.ID, seller)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, w.ID, auth.AdminActor)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, w.ID, "usr_other")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization), "got %v", err)
}

func TestListByUser_Paginates(t *testing.T) {
	f := newFixture(t, 100_000)
	ctx := context.Background()
	f.svc.WithLimits(1_000, 50_000, 0)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Request(ctx, seller, 1_000, bankMethod)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, err := f.svc.ListByUser(ctx, seller, cursor, 2)
		require.NoError(t, err)
		for _, w := range page.Items {
			assert.False(t, seen[w.ID], "withdrawal %s listed twice", w.ID)
			seen[w.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	_, err := f.svc.ListByUser(ctx, seller, "not-a-cursor", 2)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestApprove_SingleAttemptFailureLeavesProcessing(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx := context.Background()
	f.svc.WithCaller(gateway.NewCaller(nil, time.Second, 1))

	w, err := f.svc.Request(ctx, seller, 2_000, bankMethod)
	require.NoError(t, err)

	f.payouts.FailNext(errors.New("503 service unavailable"))
	got, err := f.svc.Approve(ctx, w.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, int64(8_000), f.balance(t, seller).Available)
}
