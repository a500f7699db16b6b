package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"Go2NetGraph/internal/model"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type client struct {
	conn    *websocket.Conn
	send    chan model.Event
	session string
}

// Hub fans events out to WebSocket clients. A client may restrict itself
// to one session with ?session=<name>. Slow clients are dropped.
type Hub struct {
	logger     *zap.SugaredLogger
	bufferSize int

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns an empty hub.
func NewHub(bufferSize int, logger *zap.SugaredLogger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{logger: logger, bufferSize: bufferSize, clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and streams events as JSON.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan model.Event, h.bufferSize), session: r.URL.Query().Get("session")}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readLoop discards client messages and notices disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Broadcast queues ev for every interested client.
func (h *Hub) Broadcast(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.session != "" && c.session != ev.SessionName {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Warnw("WebSocket client too slow, dropping", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
