// Command server runs the taskflow HTTP API: task submission, status
// lookup, queue introspection and the admin maintenance endpoints.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smilemakc/taskflow/internal/application/admin"
	"github.com/smilemakc/taskflow/internal/application/auth"
	"github.com/smilemakc/taskflow/internal/application/observer"
	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/infrastructure/api/rest"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/queue"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage"
	"github.com/smilemakc/taskflow/internal/infrastructure/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.Logging)
	logger.SetDefault(appLogger)

	appLogger.Info("Starting taskflow server",
		"version", "1.0.0",
		"port", cfg.Server.Port,
	)

	dbConfig := &storage.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MinConnections,
		ConnMaxLifetime: cfg.Database.MaxConnLifetime,
		ConnMaxIdleTime: cfg.Database.MaxIdleTime,
		Debug:           cfg.Logging.Level == "debug",
	}

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		appLogger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer storage.Close(db)

	appLogger.Info("Database connected", "max_conns", cfg.Database.MaxConnections)

	tracingProvider, err := tracing.NewProvider(context.Background(), tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		appLogger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	if tracingProvider != nil {
		appLogger.Info("Tracing enabled", "endpoint", cfg.Tracing.Endpoint)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracingProvider.Shutdown(ctx); err != nil {
				appLogger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.Storage.UploadPath, 0o755); err != nil {
		appLogger.Error("Failed to create upload directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Storage.OutputPath, 0o755); err != nil {
		appLogger.Error("Failed to create output directory", "error", err)
		os.Exit(1)
	}

	taskRepo := storage.NewTaskRepository(db)

	taskQueue := queue.NewFromConfig(queue.Config{
		Backend:  cfg.Queue.Backend,
		RedisURL: cfg.Redis.URL(),
	}, taskRepo, appLogger)
	if cfg.Redis.Enabled {
		appLogger.Info("queue backend selected", "redis_backed", taskQueue.Backed())
	}

	authChain := buildAuthChain(cfg.Auth, appLogger)
	submitLimiter := buildSubmitRateLimiter(cfg.Redis, appLogger)

	eventsHub := observer.NewHub()
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if cfg.Redis.Enabled {
		if opts, err := redis.ParseURL(cfg.Redis.URL()); err == nil {
			bridge := observer.NewRedisBridge(redis.NewClient(opts), observer.DefaultEventsChannel, appLogger)
			go func() {
				if err := bridge.Relay(relayCtx, eventsHub); err != nil {
					appLogger.Warn("task event relay stopped", "error", err)
				}
			}()
		} else {
			appLogger.Warn("failed to parse Redis URL, task events will not be relayed", "error", err)
		}
	}

	adminScheduler, err := admin.NewScheduler(taskRepo, admin.Config{
		CleanupCron:       cfg.Admin.CleanupCron,
		CleanupAfterDays:  cfg.Admin.CleanupAfterDays,
		ResetStaleCron:    cfg.Admin.ResetStaleCron,
		ResetStaleTimeout: cfg.Admin.ResetStaleTimeout,
	}, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize admin scheduler", "error", err)
		os.Exit(1)
	}
	adminScheduler.Start()
	defer adminScheduler.Stop()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	loggingMiddleware := rest.NewLoggingMiddleware(appLogger)
	recoveryMiddleware := rest.NewRecoveryMiddleware(appLogger)
	router.Use(recoveryMiddleware.Recovery())
	if cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	router.Use(loggingMiddleware.RequestLogger())
	bodySizeMiddleware := rest.NewBodySizeMiddleware(appLogger, 100<<20)
	router.Use(bodySizeMiddleware.LimitBodySize())

	if cfg.Server.CORS {
		router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
		})
		appLogger.Info("CORS enabled")
	}

	rest.RegisterRoutes(router, rest.Deps{
		DB:            db,
		Tasks:         taskRepo,
		Queue:         taskQueue,
		AuthChain:     authChain,
		UploadPath:    cfg.Storage.UploadPath,
		OutputPath:    cfg.Storage.OutputPath,
		Backends:      backendNames(cfg.Engines),
		Logger:        appLogger,
		SubmitLimiter: submitLimiter,
		Events:        eventsHub,
	})

	appLogger.Info("REST API routes registered")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		appLogger.Info("HTTP server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		appLogger.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		appLogger.Info("Server shutdown initiated", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			appLogger.Error("Graceful shutdown failed", "error", err)
			if err := server.Close(); err != nil {
				appLogger.Error("Server close failed", "error", err)
			}
		}

		appLogger.Info("Server stopped")
	}
}

// backendNames lists the configured engine roster, the same ENGINES_JSON
// source the worker registers its engines from, so the submit endpoint
// accepts exactly the backends (fixed names and domain-format tags
// alike) some worker can actually run.
func backendNames(engines config.EnginesConfig) []string {
	names := make([]string, 0, len(engines.Specs))
	for name := range engines.Specs {
		names = append(names, name)
	}
	return names
}

// buildAuthChain wires the principal resolvers in priority order: a
// locally-issued JWT, an OIDC-gateway token, then the static API-key
// list, falling back to an always-allow resolver only in dev mode.
func buildAuthChain(cfg config.AuthConfig, log *logger.Logger) *auth.Chain {
	resolvers := []auth.Resolver{}

	if jwtResolver := auth.NewJWTResolver(cfg.JWTSecret); jwtResolver != nil {
		resolvers = append(resolvers, jwtResolver)
	}

	if cfg.IssuerURL != "" {
		oidcResolver, err := auth.NewOIDCResolver(cfg.IssuerURL, cfg.ClientID)
		if err != nil {
			log.Warn("OIDC discovery failed, continuing without it", "error", err)
		} else {
			resolvers = append(resolvers, oidcResolver)
		}
	}

	resolvers = append(resolvers, auth.NewAPIKeyResolver(cfg.APIKeys))

	if cfg.DevMode {
		log.Warn("AUTH_DEV_MODE enabled: every credential resolves to a fully-permissioned principal")
		resolvers = append(resolvers, auth.DevResolver{})
	}

	return auth.NewChain(resolvers...)
}

// buildSubmitRateLimiter throttles /tasks/submit per client IP, reusing
// the Redis-backed limiter when the queue's Redis is reachable (so the
// limit is shared across every API replica) and falling back to the
// in-process limiter otherwise.
func buildSubmitRateLimiter(cfg config.RedisConfig, log *logger.Logger) rest.SubmitRateLimiter {
	const (
		limit         = 30
		window        = time.Minute
		blockDuration = 5 * time.Minute
	)

	if cfg.Enabled {
		opts, err := redis.ParseURL(cfg.URL())
		if err == nil {
			client := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err == nil {
				return rest.NewRedisRateLimiter(client, "ratelimit:submit:", limit, window, blockDuration)
			}
			log.Warn("Redis submit rate limiter unreachable, falling back to in-memory", "error", err)
		}
	}
	return rest.NewRateLimiter(limit, window, blockDuration)
}
