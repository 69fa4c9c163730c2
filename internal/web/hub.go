package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/swarmgen/internal/observability"
)

const (
	// clientBuffer bounds each client's outbound queue; slow consumers drop
	// the oldest frame rather than stalling the broadcaster.
	clientBuffer = 64

	// writeTimeout bounds one websocket write.
	writeTimeout = 5 * time.Second

	// cleanupInterval paces the sweep for dead client connections.
	cleanupInterval = 30 * time.Second
)

// wsEvent is one JSON frame pushed to dashboard clients.
type wsEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client is one connected dashboard.
type client struct {
	conn *websocket.Conn
	send chan wsEvent

	mu     sync.Mutex
	closed bool
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		_ = c.conn.Close()
	}
}

// hub fans OrchestratorUpdate-derived events out to websocket clients. The
// client set is read-mostly: broadcasts take the read lock, membership
// changes the write lock.
type hub struct {
	logger *observability.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub(logger *observability.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// add registers a connection and starts its writer pump.
func (h *hub) add(ctx context.Context, conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan wsEvent, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug(ctx, "dashboard client connected", "clients", count)

	go h.writePump(ctx, c)
	return c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// count returns the connected client count.
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues an event to every client, dropping the oldest queued
// frame for clients that cannot keep up. Per-client ordering is preserved;
// cross-client timing is best-effort.
func (h *hub) broadcast(event wsEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		select {
		case c.send <- event:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- event:
			default:
			}
		}
		c.mu.Unlock()
	}
}

func (h *hub) writePump(ctx context.Context, c *client) {
	defer h.remove(c)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn(ctx, "websocket event encode failed", "error", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// cleanupLoop pings clients periodically and reaps the dead. Read errors on
// the client connection also end its pump via readPump.
func (h *hub) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			stale := make([]*client, 0)
			for c := range h.clients {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					stale = append(stale, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range stale {
				h.remove(c)
			}
			if len(stale) > 0 {
				h.logger.Debug(ctx, "dashboard clients reaped", "count", len(stale))
			}
		}
	}
}

// readPump discards inbound frames (the dashboard is receive-only) and
// removes the client when the connection drops.
func (h *hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// upgrader accepts local dashboard connections.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}
