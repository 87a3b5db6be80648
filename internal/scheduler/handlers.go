package scheduler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settle/internal/apperr"
)

// Handler exposes the sweeps to operators
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a new scheduler handler
func NewHandler(s *Scheduler) *Handler {
	return &Handler{scheduler: s}
}

// RegisterAdminRoutes sets up operator routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/sweeps", h.ListSweeps)
	r.POST("/sweeps/:name", h.RunSweep)
}

// ListSweeps handles GET /v1/admin/sweeps
func (h *Handler) ListSweeps(c *gin.Context) {
	sweeps := make([]gin.H, 0)
	intervals := h.scheduler.Intervals()
	for _, name := range h.scheduler.Names() {
		sweeps = append(sweeps, gin.H{"name": name, "interval": intervals[name].String()})
	}
	c.JSON(http.StatusOK, gin.H{"sweeps": sweeps, "running": h.scheduler.Running()})
}

// RunSweep handles POST /v1/admin/sweeps/:name
func (h *Handler) RunSweep(c *gin.Context) {
	name := c.Param("name")
	n, err := h.scheduler.RunOnce(c.Request.Context(), name)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": name, "items": n})
}
