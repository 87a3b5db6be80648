package withdrawals

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/settle/internal/gateway"
)

func stripeBackends(url string) *stripe.Backends {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

func connectRequest() PayoutRequest {
	return PayoutRequest{
		IdempotencyKey: "wd_1",
		WithdrawalID:   "wd_1",
		UserID:         seller,
		Amount:         8_860,
		Currency:       "usd",
		Method:         MethodStripeConnect,
		Destination:    "acct_123",
	}
}

func TestStripePayouts_CreatesTransfer(t *testing.T) {
	var gotPath, gotKey, gotDest, gotAmount, gotGroup string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		gotDest = r.PostForm.Get("destination")
		gotAmount = r.PostForm.Get("amount")
		gotGroup = r.PostForm.Get("transfer_group")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tr_abc","object":"transfer","amount":8860,"currency":"usd","destination":"acct_123","reversed":false}`))
	}))
	defer srv.Close()

	p := NewStripePayouts("sk_test_x", stripeBackends(srv.URL))
	res, err := p.Payout(context.Background(), connectRequest())
	require.NoError(t, err)
	assert.Equal(t, PayoutCompleted, res.State)
	assert.Equal(t, "tr_abc", res.ExternalRef)
	assert.Equal(t, "/v1/transfers", gotPath)
	assert.Equal(t, "wd_1", gotKey)
	assert.Equal(t, "acct_123", gotDest)
	assert.Equal(t, "8860", gotAmount)
	assert.Equal(t, "wd_1", gotGroup)
}

func TestStripePayouts_ReversedTransferFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tr_rev","object":"transfer","amount":8860,"currency":"usd","reversed":true}`))
	}))
	defer srv.Close()

	res, err := NewStripePayouts("sk_test_x", stripeBackends(srv.URL)).Payout(context.Background(), connectRequest())
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, res.State)
}

func TestStripePayouts_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		declined bool
	}{
		{"bad destination", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"No such destination"}}`, true},
		{"server error", http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","message":"slow down"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewStripePayouts("sk_test_x", stripeBackends(srv.URL)).Payout(context.Background(), connectRequest())
			require.Error(t, err)
			assert.Equal(t, tt.declined, gateway.IsDeclined(err), "got %v", err)
		})
	}
}

func TestStripePayouts_RejectsNonConnectDestinations(t *testing.T) {
	p := NewStripePayouts("sk_test_x", stripeBackends("http://127.0.0.1:1"))

	req := connectRequest()
	req.Method = MethodBankTransfer
	_, err := p.Payout(context.Background(), req)
	assert.True(t, gateway.IsDeclined(err), "got %v", err)

	req = connectRequest()
	req.Destination = "GB29NWBK60161331926819"
	_, err = p.Payout(context.Background(), req)
	assert.True(t, gateway.IsDeclined(err), "got %v", err)
}

func TestSandboxPayouts_IdempotentPerKey(t *testing.T) {
	sb := NewSandboxPayouts()
	ctx := context.Background()

	first, err := sb.Payout(ctx, connectRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ExternalRef, "sbx_po_"))

	sb.SetState(PayoutFailed)
	second, err := sb.Payout(ctx, connectRequest())
	require.NoError(t, err)
	assert.Equal(t, first.ExternalRef, second.ExternalRef)
	assert.Equal(t, PayoutCompleted, second.State)
	assert.Equal(t, 2, sb.Calls())
}

func TestSandboxPayouts_DeclinesAndFailures(t *testing.T) {
	sb := NewSandboxPayouts()
	ctx := context.Background()

	req := connectRequest()
	req.Destination = "decline_acct"
	_, err := sb.Payout(ctx, req)
	assert.True(t, gateway.IsDeclined(err), "got %v", err)

	sb.FailNext(context.DeadlineExceeded)
	_, err = sb.Payout(ctx, connectRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	res, err := sb.Payout(ctx, connectRequest())
	require.NoError(t, err)
	assert.Equal(t, PayoutCompleted, res.State)
}
