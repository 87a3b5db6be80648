package withdrawals

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/logging"
	"github.com/mbd888/settle/internal/pagination"
	"github.com/mbd888/settle/internal/security"
)

// PayoutSignatureHeader carries the hex HMAC-SHA256 of a payout callback.
const PayoutSignatureHeader = "X-Settle-Signature"

const maxCallbackBody = 16 << 10

// PayoutCallback is the body of POST /v1/webhooks/payouts.
type PayoutCallback struct {
	WithdrawalID string      `json:"withdrawal_id"`
	Status       PayoutState `json:"status"`
	ExternalRef  string      `json:"external_ref"`
	Reason       string      `json:"reason"`
}

// Handler provides HTTP endpoints for withdrawals
type Handler struct {
	service      *Service
	payoutSecret string
}

// NewHandler creates a new withdrawals handler. payoutSecret signs payout
// provider callbacks.
func NewHandler(service *Service, payoutSecret string) *Handler {
	return &Handler{service: service, payoutSecret: payoutSecret}
}

// RegisterProtectedRoutes sets up routes for the withdrawal owner
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.RequestWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
	r.POST("/withdrawals/:id/cancel", h.CancelWithdrawal)
}

// RegisterAdminRoutes sets up operator routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/approve", h.ApproveWithdrawal)
	r.POST("/withdrawals/:id/reject", h.RejectWithdrawal)
}

// RegisterWebhookRoutes sets up the signature-authenticated callback route
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payouts", h.PayoutWebhook)
}

// RequestWithdrawal handles POST /v1/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount, method and destination are required",
		})
		return
	}

	w, err := h.service.Request(c.Request.Context(), auth.UserID(c), req.Amount,
		PayoutMethod{Type: req.Method, Destination: req.Destination})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /v1/withdrawals?cursor=&limit=
func (h *Handler) ListWithdrawals(c *gin.Context) {
	page, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetWithdrawal handles GET /v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	actor := auth.UserID(c)
	if auth.IsAdmin(c) {
		actor = auth.AdminActor
	}
	w, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// CancelWithdrawal handles POST /v1/withdrawals/:id/cancel
func (h *Handler) CancelWithdrawal(c *gin.Context) {
	w, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ApproveWithdrawal handles POST /v1/admin/withdrawals/:id/approve
func (h *Handler) ApproveWithdrawal(c *gin.Context) {
	w, err := h.service.Approve(c.Request.Context(), c.Param("id"), approver(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// RejectWithdrawal handles POST /v1/admin/withdrawals/:id/reject
func (h *Handler) RejectWithdrawal(c *gin.Context) {
	var req RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason is required",
		})
		return
	}
	w, err := h.service.Reject(c.Request.Context(), c.Param("id"), approver(c), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// PayoutWebhook handles POST /v1/webhooks/payouts
func (h *Handler) PayoutWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody+1))
	if err != nil || len(raw) > maxCallbackBody {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}
	if !security.VerifyPayload(h.payoutSecret, raw, c.GetHeader(PayoutSignatureHeader)) {
		logging.SecurityEvent(c.Request.Context(), "payout callback signature rejected",
			"remote_addr", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	var cb PayoutCallback
	if err := json.Unmarshal(raw, &cb); err != nil || cb.WithdrawalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "withdrawal_id and status are required",
		})
		return
	}
	if cb.Status != PayoutCompleted && cb.Status != PayoutFailed {
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "ignored"})
		return
	}

	w, err := h.service.OnPayoutResult(c.Request.Context(), cb.WithdrawalID,
		cb.Status == PayoutCompleted, cb.ExternalRef, cb.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "withdrawal_id": w.ID, "status": w.Status})
}

func approver(c *gin.Context) string {
	if u := auth.UserID(c); u != "" {
		return u
	}
	return auth.AdminActor
}
