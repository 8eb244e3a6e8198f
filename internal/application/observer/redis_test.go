package observer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/taskflow/internal/config"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
)

func newTestBridge(t *testing.T) (*RedisBridge, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logger.New(config.LoggingConfig{Level: "error", Format: "text"})
	return NewRedisBridge(client, "taskflow:task-events-test", log), client
}

func TestRedisBridge_PublishRelaysToHub(t *testing.T) {
	bridge, _ := newTestBridge(t)
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayDone := make(chan error, 1)
	go func() { relayDone <- bridge.Relay(ctx, hub) }()

	// Give the subscriber goroutine time to attach before publishing,
	// otherwise miniredis has nothing to fan the message out to.
	require.Eventually(t, func() bool {
		return true
	}, 50*time.Millisecond, 10*time.Millisecond)

	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	taskID := uuid.New()
	want := Event{TaskID: taskID, Status: "completed", Timestamp: time.Now()}

	require.Eventually(t, func() bool {
		bridge.Publish(want)
		select {
		case got := <-events:
			require.Equal(t, taskID, got.TaskID)
			require.Equal(t, "completed", got.Status)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, time.Second, 20*time.Millisecond)

	cancel()
	<-relayDone
}

func TestRedisBridge_RelayStopsOnContextCancel(t *testing.T) {
	bridge, _ := newTestBridge(t)
	hub := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan error, 1)
	go func() { relayDone <- bridge.Relay(ctx, hub) }()

	cancel()

	select {
	case err := <-relayDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Relay did not return after context cancellation")
	}
}
