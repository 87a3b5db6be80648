package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/circuitbreaker"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/security"
)

const testSecret = "whsec_test"

type recordingOrders struct {
	mu        sync.Mutex
	confirmed []string
	failed    []string
	err       error
}

func (r *recordingOrders) OnPaymentConfirmed(_ context.Context, orderID, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, orderID+"/"+paymentID)
	return r.err
}

func (r *recordingOrders) OnPaymentFailed(_ context.Context, orderID, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, orderID+"/"+paymentID)
	return r.err
}

// flakyProvider fails CreateCharge a fixed number of times.
type flakyProvider struct {
	*SandboxProvider
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.SandboxProvider.CreateCharge(ctx, req)
}

// flakyStore fails UpdateStatus with a persistence error a fixed number of
// times.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) UpdateStatus(ctx context.Context, id string, from, to Status, u StatusUpdate) (*Payment, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, apperr.Persistence(errors.New("connection reset by peer"), "update payment status")
	}
	return f.MemoryStore.UpdateStatus(ctx, id, from, to, u)
}

type fixture struct {
	svc     *Service
	sandbox *SandboxProvider
	store   *MemoryStore
	orders  *recordingOrders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sb := NewSandboxProvider(testSecret, "")
	store := NewMemoryStore()
	orders := &recordingOrders{}
	svc := NewService(sb, store, logging.Discard()).
		WithOrders(orders).
		WithPersistPolicy(3, time.Millisecond).
		WithLimits(100, 1_000_000)
	return &fixture{svc: svc, sandbox: sb, store: store, orders: orders}
}

func (f *fixture) initiate(t *testing.T, orderID string, amount int64) *Checkout {
	t.Helper()
	co, err := f.svc.Initiate(context.Background(), InitiateRequest{
		OrderID: orderID, CustomerID: "usr_buyer", Amount: amount, Currency: "usd",
	})
	require.NoError(t, err)
	return co
}

func (f *fixture) webhook(t *testing.T, externalID string, status EventStatus, amount int64) (*IngestResult, error) {
	t.Helper()
	raw, sig, err := f.sandbox.SignedEvent(externalID, status, amount)
	require.NoError(t, err)
	return f.svc.IngestWebhook(context.Background(), raw, sig)
}

func TestInitiate_RecordsPendingPayment(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	assert.NotEmpty(t, co.PaymentID)
	assert.Contains(t, co.URL, co.ExternalID)

	p, err := f.store.Get(context.Background(), co.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "ord_1", p.OrderID)
	assert.Equal(t, int64(5_000), p.Amount)
	assert.Equal(t, "sandbox", p.Provider)
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []InitiateRequest{
		{OrderID: "ord_1", Amount: 50, Currency: "usd"},
		{OrderID: "ord_1", Amount: 2_000_000, Currency: "usd"},
		{OrderID: "ord_1", Amount: 0, Currency: "usd"},
		{OrderID: "ord_1", Amount: 500, Currency: "USD"},
		{OrderID: "", Amount: 500, Currency: "usd"},
	}
	for _, req := range tests {
		_, err := f.svc.Initiate(ctx, req)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "%+v: got %v", req, err)
	}
}

func TestInitiate_RetriesTransientFailures(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	p := &flakyProvider{SandboxProvider: sb, failures: 2, err: errors.New("i/o timeout")}
	svc := NewService(p, NewMemoryStore(), logging.Discard()).
		WithCaller(NewCaller(circuitbreaker.New(10, time.Minute), time.Second, 3))

	co, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: "ord_1", Amount: 500, Currency: "usd"})
	require.NoError(t, err)
	assert.NotEmpty(t, co.ExternalID)
	assert.Equal(t, 3, p.calls)
}

func TestInitiate_DeclineIsNotRetried(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	p := &flakyProvider{SandboxProvider: sb, failures: 5, err: Declined("card_declined")}
	svc := NewService(p, NewMemoryStore(), logging.Discard()).
		WithCaller(NewCaller(circuitbreaker.New(10, time.Minute), time.Second, 3))

	_, err := svc.Initiate(context.Background(), InitiateRequest{OrderID: "ord_1", Amount: 500, Currency: "usd"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindGateway))
	assert.True(t, IsDeclined(err))
	assert.Equal(t, 1, p.calls)
}

func TestInitiate_OpenCircuitFailsFast(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	p := &flakyProvider{SandboxProvider: sb, failures: 100, err: errors.New("503 service unavailable")}
	svc := NewService(p, NewMemoryStore(), logging.Discard()).
		WithCaller(NewCaller(circuitbreaker.New(2, time.Hour), time.Second, 1))
	ctx := context.Background()
	req := InitiateRequest{OrderID: "ord_1", Amount: 500, Currency: "usd"}

	for i := 0; i < 2; i++ {
		_, err := svc.Initiate(ctx, req)
		require.Error(t, err)
	}
	_, err := svc.Initiate(ctx, req)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen), "got %v", err)
	assert.True(t, apperr.Is(err, apperr.KindGateway))
	assert.Equal(t, 2, p.calls)
}

func TestIngestWebhook_CompletesOnce(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Payment.Status)

	// Redelivery is acknowledged and only re-drives the idempotent order hook.
	res, err = f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	assert.Equal(t, []string{"ord_1/" + co.PaymentID, "ord_1/" + co.PaymentID}, f.orders.confirmed)
	assert.Empty(t, f.orders.failed)
}

func TestIngestWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	raw, _, err := f.sandbox.SignedEvent(co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)

	_, err = f.svc.IngestWebhook(context.Background(), raw, "deadbeef")
	assert.True(t, apperr.Is(err, apperr.KindInvalidSignature), "got %v", err)

	p, err := f.store.Get(context.Background(), co.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)
	assert.Empty(t, f.orders.confirmed)
}

func TestIngestWebhook_AmountMismatchClosesOrderThenConfirms(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventCompleted, 4_999)
	require.NoError(t, err)
	// The money was captured, so the payment records it; the order side is
	// closed first and then sees the confirmation, which refunds it.
	assert.Equal(t, StatusCompleted, res.Payment.Status)
	assert.Equal(t, []string{"ord_1/" + co.PaymentID}, f.orders.failed)
	assert.Equal(t, []string{"ord_1/" + co.PaymentID}, f.orders.confirmed)

	// A redelivery re-drives the same pair.
	_, err = f.webhook(t, co.ExternalID, EventCompleted, 4_999)
	require.NoError(t, err)
	assert.Len(t, f.orders.failed, 2)
	assert.Len(t, f.orders.confirmed, 2)
}

func TestIngestWebhook_CaptureAfterFailureReopensPayment(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventFailed, 0)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Payment.Status)

	res, err = f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
	assert.Equal(t, []string{"ord_1/" + co.PaymentID}, f.orders.confirmed)

	res, err = f.webhook(t, co.ExternalID, EventFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
}

func TestIngestWebhook_FailedEvent(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Payment.Status)
	assert.Len(t, f.orders.failed, 1)
}

func TestIngestWebhook_PendingEventIgnored(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventPending, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.orders.confirmed)
}

func TestIngestWebhook_UnknownPayment(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"id":"evt_1","type":"payment.completed","data":{"external_id":"sbx_ch_nope","amount":100,"currency":"usd"}}`)
	_, err := f.svc.IngestWebhook(context.Background(), raw, signFor(raw))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestIngestWebhook_UnsupportedTypeAcknowledged(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"id":"evt_1","type":"customer.created","data":{"external_id":"x"}}`)
	res, err := f.svc.IngestWebhook(context.Background(), raw, signFor(raw))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestIngestWebhook_PersistRetriesThenSucceeds(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	orders := &recordingOrders{}
	svc := NewService(sb, store, logging.Discard()).WithOrders(orders).WithPersistPolicy(3, time.Millisecond)
	f := &fixture{svc: svc, sandbox: sb, store: store.MemoryStore, orders: orders}
	co := f.initiate(t, "ord_1", 5_000)

	res, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
	assert.Equal(t, 3, store.calls)
	assert.Len(t, orders.confirmed, 1)
}

func TestIngestWebhook_PersistExhaustedThenRedelivered(t *testing.T) {
	sb := NewSandboxProvider(testSecret, "")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 3}
	orders := &recordingOrders{}
	svc := NewService(sb, store, logging.Discard()).WithOrders(orders).WithPersistPolicy(3, time.Millisecond)
	f := &fixture{svc: svc, sandbox: sb, store: store.MemoryStore, orders: orders}
	co := f.initiate(t, "ord_1", 5_000)

	_, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPersistence), "got %v", err)
	assert.True(t, apperr.Retryable(err))
	assert.Empty(t, orders.confirmed)

	p, err := store.Get(context.Background(), co.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p.Status)

	// The processor redelivers once the database is back.
	res, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Len(t, orders.confirmed, 1)
}

func TestIngestWebhook_OrderHookErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.orders.err = apperr.Persistence(errors.New("db down"), "update order")
	co := f.initiate(t, "ord_1", 5_000)

	_, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))

	// The payment verdict is kept; redelivery re-drives the order hook.
	f.orders.err = nil
	res, err := f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, f.orders.confirmed, 2)
}

func TestIngestWebhook_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)
	raw, sig, err := f.sandbox.SignedEvent(co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.IngestWebhook(context.Background(), raw, sig)
			if err != nil {
				t.Errorf("ingest: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, o := range outcomes {
		if o == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
}

func TestVerifyTransaction_AppliesProcessorState(t *testing.T) {
	f := newFixture(t)
	co := f.initiate(t, "ord_1", 5_000)
	ctx := context.Background()

	res, err := f.svc.VerifyTransaction(ctx, co.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	require.NoError(t, f.sandbox.Settle(co.ExternalID, EventCompleted))
	res, err = f.svc.VerifyTransaction(ctx, co.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, StatusCompleted, res.Payment.Status)
	assert.Len(t, f.orders.confirmed, 1)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	co := f.initiate(t, "ord_1", 5_000)

	_, err := f.svc.Refund(ctx, co.PaymentID)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "pending payments cannot be refunded")

	require.NoError(t, f.sandbox.Settle(co.ExternalID, EventCompleted))
	_, err = f.webhook(t, co.ExternalID, EventCompleted, 0)
	require.NoError(t, err)

	p, err := f.svc.Refund(ctx, co.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.NotEmpty(t, p.RefundRef)

	again, err := f.svc.Refund(ctx, co.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, p.RefundRef, again.RefundRef)
}

func TestStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.initiate(t, "ord_old", 5_000)
	fresh := f.initiate(t, "ord_new", 5_000)

	f.store.mu.Lock()
	f.store.payments[old.PaymentID].CreatedAt = time.Now().Add(-time.Hour)
	f.store.mu.Unlock()

	stale, err := f.svc.StalePending(ctx, 15*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.PaymentID, stale[0].ID)
	assert.NotEqual(t, fresh.PaymentID, stale[0].ID)
}

func signFor(raw []byte) string {
	return security.SignPayload(testSecret, raw)
}
