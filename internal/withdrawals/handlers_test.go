package withdrawals

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/security"
)

const payoutSecret = "whsec_payouts"

func setupWithdrawalRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t, 10_000)

	r := gin.New()
	asUser := func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
			if u == auth.AdminActor {
				c.Set(auth.ContextKeyRole, auth.RoleAdmin)
			}
		}
		c.Next()
	}
	h := NewHandler(f.svc, payoutSecret)
	h.RegisterProtectedRoutes(r.Group("/v1", asUser, auth.RequireAuth()))
	h.RegisterAdminRoutes(r.Group("/v1/admin", asUser, auth.RequireAdmin()))
	h.RegisterWebhookRoutes(r.Group("/v1"))
	return r, f
}

func send(r *gin.Engine, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func callback(r *gin.Engine, secret string, cb PayoutCallback) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(cb)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payouts", bytes.NewReader(raw))
	req.Header.Set(PayoutSignatureHeader, security.SignPayload(secret, raw))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeWithdrawal(t *testing.T, w *httptest.ResponseRecorder) Withdrawal {
	t.Helper()
	var resp struct {
		Withdrawal Withdrawal `json:"withdrawal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Withdrawal
}

func TestHandlers_RequestApproveComplete(t *testing.T) {
	r, f := setupWithdrawalRouter(t)
	f.payouts.SetState(PayoutPending)

	w := send(r, http.MethodPost, "/v1/withdrawals", seller, CreateRequest{
		Amount: 9_000, Method: MethodBankTransfer, Destination: bank,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeWithdrawal(t, w)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, int64(8_860), created.NetAmount)

	w = send(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/approve", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/withdrawals/"+created.ID+"/approve", auth.AdminActor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decodeWithdrawal(t, w)
	assert.Equal(t, StatusProcessing, approved.Status)

	w = callback(r, payoutSecret, PayoutCallback{
		WithdrawalID: created.ID, Status: PayoutCompleted, ExternalRef: approved.ExternalRef,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = send(r, http.MethodGet, "/v1/withdrawals/"+created.ID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCompleted, decodeWithdrawal(t, w).Status)
}

func TestHandlers_PayoutCallbackSignature(t *testing.T) {
	r, f := setupWithdrawalRouter(t)
	f.payouts.SetState(PayoutPending)

	wd, err := f.svc.Request(context.Background(), seller, 2_000, bankMethod)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), wd.ID, "ops")
	require.NoError(t, err)

	w := callback(r, "wrong", PayoutCallback{WithdrawalID: wd.ID, Status: PayoutCompleted})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = callback(r, payoutSecret, PayoutCallback{WithdrawalID: wd.ID, Status: PayoutPending})
	assert.Equal(t, http.StatusOK, w.Code)
	got, err := f.svc.Get(context.Background(), wd.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	w = callback(r, payoutSecret, PayoutCallback{WithdrawalID: "wd_unknown", Status: PayoutFailed})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_RejectAndCancel(t *testing.T) {
	r, f := setupWithdrawalRouter(t)

	first, err := f.svc.Request(context.Background(), seller, 2_000, bankMethod)
	require.NoError(t, err)
	second, err := f.svc.Request(context.Background(), seller, 2_000, bankMethod)
	require.NoError(t, err)

	w := send(r, http.MethodPost, "/v1/admin/withdrawals/"+first.ID+"/reject", auth.AdminActor, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/admin/withdrawals/"+first.ID+"/reject", auth.AdminActor, RejectRequest{Reason: "kyc pending"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusRejected, decodeWithdrawal(t, w).Status)

	w = send(r, http.MethodPost, "/v1/withdrawals/"+second.ID+"/cancel", "usr_other", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = send(r, http.MethodPost, "/v1/withdrawals/"+second.ID+"/cancel", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusCancelled, decodeWithdrawal(t, w).Status)

	assert.Equal(t, int64(10_000), f.balance(t, seller).Available)
}

func TestHandlers_ValidationAndListing(t *testing.T) {
	r, _ := setupWithdrawalRouter(t)

	w := send(r, http.MethodPost, "/v1/withdrawals", "", CreateRequest{Amount: 2_000, Method: MethodBankTransfer, Destination: bank})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(r, http.MethodPost, "/v1/withdrawals", seller, gin.H{"amount": 2_000})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = send(r, http.MethodPost, "/v1/withdrawals", seller, CreateRequest{Amount: 20_000, Method: MethodBankTransfer, Destination: bank})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	for i := 0; i < 3; i++ {
		w = send(r, http.MethodPost, "/v1/withdrawals", seller, CreateRequest{Amount: 1_000, Method: MethodBankTransfer, Destination: bank})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = send(r, http.MethodGet, "/v1/withdrawals?limit=2", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items      []Withdrawal `json:"items"`
		NextCursor string       `json:"next_cursor"`
		HasMore    bool         `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	w = send(r, http.MethodGet, "/v1/withdrawals", "usr_other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page.Items = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Empty(t, page.Items)
}
