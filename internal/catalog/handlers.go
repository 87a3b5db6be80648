package catalog

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/validation"
)

// Handler lets operators seed the in-memory catalog in development mode
type Handler struct {
	catalog *MemoryCatalog
}

// NewHandler creates a new catalog handler
func NewHandler(c *MemoryCatalog) *Handler {
	return &Handler{catalog: c}
}

// RegisterAdminRoutes sets up offer management routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/catalog/offers", h.ListOffers)
	r.PUT("/catalog/offers", h.PutOffer)
}

// PutOfferRequest is the body of PUT /v1/admin/catalog/offers
type PutOfferRequest struct {
	SellerID string     `json:"seller_id" binding:"required"`
	ItemID   string     `json:"item_id" binding:"required"`
	Price    int64      `json:"price"`
	Currency string     `json:"currency"`
	Deadline *time.Time `json:"deadline"`
	Open     *bool      `json:"open"`
}

// PutOffer handles PUT /v1/admin/catalog/offers
func (h *Handler) PutOffer(c *gin.Context) {
	var req PutOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "seller_id and item_id are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ID("seller_id", req.SellerID),
		validation.ID("item_id", req.ItemID),
		validation.Currency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if req.Price < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "price cannot be negative",
		})
		return
	}

	open := true
	if req.Open != nil {
		open = *req.Open
	}
	offer := Offer{
		SellerID: req.SellerID,
		ItemID:   req.ItemID,
		Price:    req.Price,
		Currency: req.Currency,
		Deadline: req.Deadline,
		Open:     open,
	}
	h.catalog.Put(offer)
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/admin/catalog/offers
func (h *Handler) ListOffers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"offers": h.catalog.List()})
}
