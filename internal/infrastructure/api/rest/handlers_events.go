package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/smilemakc/taskflow/internal/application/observer"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
)

// eventWriteTimeout bounds how long a single push to a connected
// websocket client may block before the connection is dropped.
const eventWriteTimeout = 5 * time.Second

// eventUpgrader promotes the HTTP connection to a websocket. Origin
// checking is left to a reverse proxy in front of this service.
var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventHandlers streams task lifecycle events to any client that holds
// queue.view, so operators can watch the fleet without polling.
type EventHandlers struct {
	hub    *observer.Hub
	logger *logger.Logger
}

// NewEventHandlers wires the websocket event stream to hub.
func NewEventHandlers(hub *observer.Hub, log *logger.Logger) *EventHandlers {
	return &EventHandlers{hub: hub, logger: log}
}

// HandleStream handles GET /api/v1/events: upgrades to a websocket and
// relays every Hub event to the client until it disconnects or the
// request context is cancelled.
func (h *EventHandlers) HandleStream(c *gin.Context) {
	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	// Drain client-sent frames (pings/close) in the background so the
	// connection's read deadline keeps advancing; this endpoint is
	// server-push only and ignores message content.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
