package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"

	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage"
)

// HealthHandlers implements the public liveness/stats endpoint.
type HealthHandlers struct {
	db    *bun.DB
	queue appqueue.Queue
}

// NewHealthHandlers wires the health endpoint.
func NewHealthHandlers(db *bun.DB, q appqueue.Queue) *HealthHandlers {
	return &HealthHandlers{db: db, queue: q}
}

// HandleHealth handles GET /api/v1/health: store liveness plus queue stats.
func (h *HealthHandlers) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := storage.Ping(ctx, h.db); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "store: " + err.Error(),
		})
		return
	}

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "queue: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy", "queue": stats})
}
