// Package ws re-broadcasts browser events to observer websocket clients on
// the ops surface. Observers are read-only debugging aids; a slow or dead
// observer is dropped, never allowed to stall the event path.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // ops surface binds localhost only
	},
}

const observerQueue = 64

// Handler fans browser events out to connected observers.
type Handler struct {
	mu        sync.Mutex
	observers map[*observer]struct{}
	logger    *logging.Logger
}

type observer struct {
	conn *websocket.Conn
	out  chan protocol.Record
}

// NewHandler creates an observer fan-out handler.
func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		observers: make(map[*observer]struct{}),
		logger:    logger,
	}
}

// HandleConnection upgrades an ops request to a websocket observer.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	obs := &observer{conn: conn, out: make(chan protocol.Record, observerQueue)}
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(obs)

	// Drain (and discard) client frames so pings and closes are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(obs)
}

// Broadcast queues an event for every observer. Observers whose queue is
// full miss the event; the stream is best-effort by design.
func (h *Handler) Broadcast(rec protocol.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for obs := range h.observers {
		select {
		case obs.out <- rec:
		default:
		}
	}
}

// Count returns the number of connected observers.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *Handler) writeLoop(obs *observer) {
	for rec := range obs.out {
		data, err := protocol.Marshal(rec)
		if err != nil {
			continue
		}
		obs.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := obs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(obs)
			return
		}
	}
}

func (h *Handler) drop(obs *observer) {
	h.mu.Lock()
	_, ok := h.observers[obs]
	if ok {
		delete(h.observers, obs)
		close(obs.out)
	}
	h.mu.Unlock()
	if ok {
		obs.conn.Close()
	}
}
