package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	appqueue "github.com/smilemakc/taskflow/internal/application/queue"
	"github.com/smilemakc/taskflow/internal/domain/repository"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
)

// Config selects and configures the queue realization.
type Config struct {
	// Backend is "redis" or "embedded". An empty value is treated as
	// "embedded".
	Backend string
	RedisURL string
}

// NewFromConfig builds the configured queue, falling back to the embedded
// realization (with a warning) if Redis is configured but unreachable,
// matching main.go's treatment of an optional Redis cache.
func NewFromConfig(cfg Config, tasks repository.TaskRepository, log *logger.Logger) appqueue.Queue {
	if cfg.Backend != "redis" || cfg.RedisURL == "" {
		return NewEmbeddedQueue(tasks)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("invalid Redis queue URL, falling back to embedded queue", "error", err)
		return NewEmbeddedQueue(tasks)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis queue unreachable, falling back to embedded queue", "error", err)
		return NewEmbeddedQueue(tasks)
	}

	log.Info("Redis-accelerated queue connected")
	return NewRedisQueue(client, tasks)
}
