package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smilemakc/taskflow/internal/application/admin"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	commonerrs "github.com/smilemakc/taskflow/pkg/models"
)

// AdminHandlers implements the on-demand retention/reset-stale sweeps.
// The same functions also back the cron
// schedule in internal/application/admin.
type AdminHandlers struct {
	tasks repository.TaskRepository
}

// NewAdminHandlers wires the admin sweep endpoints.
func NewAdminHandlers(tasks repository.TaskRepository) *AdminHandlers {
	return &AdminHandlers{tasks: tasks}
}

// HandleCleanup handles POST /api/v1/admin/cleanup?days=.
func (h *AdminHandlers) HandleCleanup(c *gin.Context) {
	days := getQueryInt(c, "days", 30)
	if days < 1 {
		respondAPIError(c, commonerrs.ErrValidationFailed)
		return
	}

	removed, err := admin.Cleanup(c.Request.Context(), h.tasks, time.Duration(days)*24*time.Hour)
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"removed": removed})
}

// HandleResetStale handles POST /api/v1/admin/reset-stale?timeout_minutes=.
func (h *AdminHandlers) HandleResetStale(c *gin.Context) {
	timeoutMinutes := getQueryInt(c, "timeout_minutes", 30)
	if timeoutMinutes < 1 {
		respondAPIError(c, commonerrs.ErrValidationFailed)
		return
	}

	reclaimed, err := admin.ResetStale(c.Request.Context(), h.tasks, time.Duration(timeoutMinutes)*time.Minute)
	if err != nil {
		respondAPIError(c, commonerrs.ErrStorageFailure)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"reclaimed": reclaimed})
}
