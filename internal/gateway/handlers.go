package gateway

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/apperr"
)

// maxWebhookBody bounds a webhook body; processors send a few KB.
const maxWebhookBody = 64 << 10

// Handler provides HTTP endpoints for payments
type Handler struct {
	service *Service
	sandbox *SandboxProvider
}

// NewHandler creates a new payments handler
func NewHandler(service *Service) *Handler {
	h := &Handler{service: service}
	if sb, ok := service.Provider().(*SandboxProvider); ok {
		h.sandbox = sb
	}
	return h
}

// RegisterWebhookRoutes sets up the signature-authenticated webhook route
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentWebhook)
}

// RegisterAdminRoutes sets up operator routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.GetPayment)
	r.POST("/payments/:id/verify", h.VerifyPayment)
}

// RegisterSandboxRoutes exposes checkout simulation when the sandbox
// processor is active. It is a no-op for real processors.
func (h *Handler) RegisterSandboxRoutes(r *gin.RouterGroup) {
	if h.sandbox == nil {
		return
	}
	r.POST("/sandbox/checkout/:external_id/complete", h.sandboxSettle(EventCompleted))
	r.POST("/sandbox/checkout/:external_id/fail", h.sandboxSettle(EventFailed))
}

// PaymentWebhook handles POST /v1/webhooks/payments. The raw body is read
// before anything parses it so the signature covers the exact bytes.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}
	if len(raw) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook body too large",
		})
		return
	}

	res, err := h.service.IngestWebhook(c.Request.Context(), raw, c.GetHeader(h.service.SignatureHeader()))
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	body := gin.H{"received": true, "outcome": res.Outcome}
	if res.Payment != nil {
		body["payment_id"] = res.Payment.ID
		body["status"] = res.Payment.Status
	}
	c.JSON(http.StatusOK, body)
}

// GetPayment handles GET /v1/admin/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// VerifyPayment handles POST /v1/admin/payments/:id/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	res, err := h.service.VerifyTransaction(c.Request.Context(), p.ExternalID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) sandboxSettle(status EventStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		externalID := c.Param("external_id")
		if err := h.sandbox.Settle(externalID, status); err != nil {
			apperr.Respond(c, err)
			return
		}
		res, err := h.service.VerifyTransaction(c.Request.Context(), externalID)
		if err != nil {
			apperr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
