// Package observer fans task lifecycle transitions out to subscribed
// websocket clients. It is a pure in-memory pub/sub hub: there is no
// replay/backlog, so a client that connects after an event misses it —
// the REST query endpoints remain the source of truth for current state.
package observer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event describes one task state transition.
type Event struct {
	TaskID    uuid.UUID `json:"task_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBuffer bounds how many unread events a slow subscriber may
// queue before being dropped, so one stalled websocket client cannot
// apply backpressure to the worker fleet publishing events.
const subscriberBuffer = 64

// publishTimeout bounds how long RedisBridge.Publish may block the
// calling worker on a slow or unreachable Redis instance.
const publishTimeout = 2 * time.Second

// DefaultEventsChannel is the Redis pub/sub channel cmd/worker and
// cmd/server agree on for relaying task lifecycle events between
// processes.
const DefaultEventsChannel = "taskflow:task-events"

// Publisher accepts task lifecycle events. *Hub satisfies it directly
// for single-process wiring (tests, a worker and API sharing one
// binary); RedisBridge satisfies it for the normal deployment where the
// Worker Runtime and the API server are separate processes.
type Publisher interface {
	Publish(event Event)
}

// Hub is a thread-safe fan-out of task events to any number of
// subscribers. The zero value is not usable; use NewHub.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener and returns its event channel plus
// an unsubscribe func the caller must invoke (typically via defer) when
// it stops reading.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans event out to every current subscriber. A subscriber whose
// buffer is full has the event dropped for it rather than blocking the
// publisher — this hub favors liveness for the worker fleet over
// delivery guarantees for observers.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many listeners are currently attached, for
// health/metrics reporting.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
