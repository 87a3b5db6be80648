package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/apperr"
	"github.com/mbd888/settle/internal/auth"
	"github.com/mbd888/settle/internal/pagination"
)

// recentEntries is how many entries GET /wallet includes.
const recentEntries = 10

// Handler provides HTTP endpoints for wallet balances and history
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterProtectedRoutes sets up routes for the authenticated user's wallet
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/entries", h.ListEntries)
}

// RegisterAdminRoutes sets up operator routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/audit", h.Audit)
	r.GET("/ledger/accounts/:id", h.GetAccount)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	ctx := c.Request.Context()
	account := auth.UserID(c)

	bal, err := h.ledger.Balance(ctx, account)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	page, err := h.ledger.History(ctx, account, "", recentEntries)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":          bal,
		"available":        bal.Available,
		"recent_entries":   page.Items,
		"entries_cursor":   page.NextCursor,
		"has_more_entries": page.HasMore,
	})
}

// ListEntries handles GET /v1/wallet/entries?cursor=&limit=
func (h *Handler) ListEntries(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	page, err := h.ledger.History(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetAccount handles GET /v1/admin/ledger/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account := c.Param("id")
	bal, err := h.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(recentEntries)))
	page, err := h.ledger.History(c.Request.Context(), account, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal, "entries": page})
}

// Audit handles GET /v1/admin/ledger/audit
func (h *Handler) Audit(c *gin.Context) {
	report, err := h.ledger.Audit(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if len(report.Mismatches) > 0 {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}
