package observer

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
)

// RedisBridge carries task events across process boundaries: the Worker
// Runtime process publishes onto a Redis channel; the API server
// process relays every message it receives into its local Hub, which
// then fans out to connected websocket clients. This is the realistic
// deployment shape — workers and the API server are separate processes —
// whereas a bare *Hub only works when a publisher and its subscribers
// share one process.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *logger.Logger
}

// NewRedisBridge wires a bridge over client's pub/sub channel.
func NewRedisBridge(client *redis.Client, channel string, log *logger.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, logger: log}
}

// Publish implements Publisher by marshaling event onto the Redis
// channel. Errors are logged, not returned: a dropped event must never
// fail the task-lifecycle operation that triggered it.
func (b *RedisBridge) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("failed to marshal task event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("failed to publish task event", "error", err)
	}
}

// Relay subscribes to the channel and forwards every received event
// into hub until ctx is cancelled. Run it as a background goroutine in
// the API server process.
func (b *RedisBridge) Relay(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("failed to decode relayed task event", "error", err)
				continue
			}
			hub.Publish(event)
		}
	}
}
