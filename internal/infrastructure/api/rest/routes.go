package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"

	"github.com/smilemakc/taskflow/internal/application/auth"
	"github.com/smilemakc/taskflow/internal/application/observer"
	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
)

// SubmitRateLimiter is implemented by both the in-memory and
// Redis-backed rate limiters so RegisterRoutes can mount either one
// ahead of the submission endpoint without caring which backend is live.
type SubmitRateLimiter interface {
	Middleware() gin.HandlerFunc
}

// Deps bundles the collaborators RegisterRoutes wires into the router.
type Deps struct {
	DB            *bun.DB
	Tasks         repository.TaskRepository
	Queue         appqueue.Queue
	AuthChain     *auth.Chain
	UploadPath    string
	OutputPath    string
	Backends      []string
	Logger        *logger.Logger
	SubmitLimiter SubmitRateLimiter
	Events        *observer.Hub
}

// RegisterRoutes mounts the public API under /api/v1, plus
// the top-level /health liveness check, on router.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	authMW := NewAuthMiddleware(deps.AuthChain)
	taskHandlers := NewTaskHandlers(deps.Tasks, deps.Queue, deps.UploadPath, deps.OutputPath, deps.Backends, deps.Logger)
	adminHandlers := NewAdminHandlers(deps.Tasks)
	engineHandlers := NewEngineHandlers()
	healthHandlers := NewHealthHandlers(deps.DB, deps.Queue)

	router.GET("/health", healthHandlers.HandleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthHandlers.HandleHealth)
		v1.GET("/engines", engineHandlers.HandleList)

		tasks := v1.Group("/tasks")
		tasks.Use(authMW.RequireAuth())
		{
			submitHandlers := []gin.HandlerFunc{authMW.RequirePermission(auth.PermTaskSubmit)}
			if deps.SubmitLimiter != nil {
				submitHandlers = append(submitHandlers, deps.SubmitLimiter.Middleware())
			}
			submitHandlers = append(submitHandlers, taskHandlers.HandleSubmit)
			tasks.POST("/submit", submitHandlers...)
			tasks.GET("/:id", taskHandlers.HandleGet)
			tasks.DELETE("/:id", taskHandlers.HandleDelete)
		}

		queue := v1.Group("/queue")
		queue.Use(authMW.RequireAuth())
		{
			queue.GET("/tasks", taskHandlers.HandleListQueue)
			queue.GET("/stats", authMW.RequirePermission(auth.PermQueueView), taskHandlers.HandleQueueStats)
		}

		adminGroup := v1.Group("/admin")
		adminGroup.Use(authMW.RequireAuth(), authMW.RequirePermission(auth.PermQueueManage))
		{
			adminGroup.POST("/cleanup", adminHandlers.HandleCleanup)
			adminGroup.POST("/reset-stale", adminHandlers.HandleResetStale)
		}

		if deps.Events != nil {
			eventHandlers := NewEventHandlers(deps.Events, deps.Logger)
			v1.GET("/events", authMW.RequireAuth(), authMW.RequirePermission(auth.PermQueueView), eventHandlers.HandleStream)
		}
	}
}
