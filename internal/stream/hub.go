package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtrntr/escrowmarket/internal/models"
)

const (
	writeWait = 10 * time.Second

	// sendBuffer is the number of events queued per client before it is
	// considered too slow and dropped.
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams committed marketplace events to websocket clients. Emit never
// blocks on the network: each client has its own queue drained by a writer
// goroutine, and clients that fall behind are disconnected.
type Hub struct {
	upgrader     websocket.Upgrader
	clients      map[*client]bool
	clientsMu    sync.RWMutex
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewHub creates a hub. allowOrigin decides which origins may connect; nil
// allows all of them.
func NewHub(pingInterval time.Duration, allowOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if allowOrigin == nil {
		allowOrigin = func(r *http.Request) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader:     websocket.Upgrader{CheckOrigin: allowOrigin},
		clients:      make(map[*client]bool),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Emit queues ev for every connected client
func (h *Hub) Emit(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.clientsMu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// remove unregisters c and closes its connection. It is safe to call more
// than once.
func (h *Hub) remove(c *client) {
	h.clientsMu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.clientsMu.Unlock()
}

// ServeHTTP upgrades the connection and keeps it registered until the peer
// goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.clientsMu.Lock()
	h.clients[c] = true
	h.clientsMu.Unlock()

	go h.writePump(c)

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

// writePump is the only writer of c.conn. It exits when c.send is closed or a
// write fails.
func (h *Hub) writePump(c *client) {
	var tick <-chan time.Time
	if h.pingInterval > 0 {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("failed to send message", "error", err)
				h.remove(c)
				return
			}
		case <-tick:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
