package orders

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/pagination"
)

// Handler provides HTTP endpoints for orders
type Handler struct {
	service *Service
}

// NewHandler creates a new orders handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require an authenticated actor
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/start", h.StartWork)
	r.POST("/orders/:id/deliver", h.SubmitDelivery)
	r.POST("/orders/:id/approve", h.ApproveDelivery)
	r.POST("/orders/:id/revision", h.RequestRevision)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/orders/:id/dispute", h.OpenDispute)
}

// actor is the caller as the service sees it. Operators act as AdminActor.
func actor(c *gin.Context) string {
	if auth.IsAdmin(c) {
		return auth.AdminActor
	}
	return auth.UserID(c)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "seller_id, item_id and amount are required",
		})
		return
	}
	req.BuyerID = auth.UserID(c)

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o, "checkout_url": o.CheckoutURL})
}

// ListOrders handles GET /v1/orders?cursor=&limit=
func (h *Handler) ListOrders(c *gin.Context) {
	page, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c),
		c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// StartWork handles POST /v1/orders/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	o, err := h.service.StartWork(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, o, err)
}

// SubmitDelivery handles POST /v1/orders/:id/deliver
func (h *Handler) SubmitDelivery(c *gin.Context) {
	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "artifacts are required",
		})
		return
	}
	o, err := h.service.SubmitDelivery(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Artifacts)
	respond(c, o, err)
}

// ApproveDelivery handles POST /v1/orders/:id/approve
func (h *Handler) ApproveDelivery(c *gin.Context) {
	o, err := h.service.ApproveDelivery(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, o, err)
}

// RequestRevision handles POST /v1/orders/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	var req RevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "notes are required",
		})
		return
	}
	o, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Notes)
	respond(c, o, err)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req) // reason is optional
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	respond(c, o, err)
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req ReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason is required",
		})
		return
	}
	o, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	respond(c, o, err)
}

func respond(c *gin.Context, o *Order, err error) {
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
