package emitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/perception-sync/modules/overlay"
)

// ErrHubClosed is returned by Render after Close.
var ErrHubClosed = errors.New("emitter: websocket hub closed")

const (
	clientBuffer = 4
	writeWait    = 2 * time.Second
)

// WSHub pushes scenes to every connected WebSocket client. It is an
// overlay.Renderer and an http.Handler. A client that cannot keep up
// loses scenes instead of slowing the others down.
type WSHub struct {
	viewport overlay.Size
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WSStats is a snapshot of hub counters.
type WSStats struct {
	Clients int
	Sent    uint64
	Dropped uint64
}

// NewWSHub creates a hub whose clients draw on viewport.
func NewWSHub(viewport overlay.Size, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		viewport: viewport,
		logger:   logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams scenes until the client
// goes away.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket: client connected", "remote", r.RemoteAddr, "clients", n)

	go h.readLoop(c)
	h.writeLoop(c)
	h.logger.Info("websocket: client disconnected", "remote", r.RemoteAddr)
}

// readLoop discards client messages and detects the close.
func (h *WSHub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Viewport implements overlay.Renderer.
func (h *WSHub) Viewport() overlay.Size { return h.viewport }

// Render implements overlay.Renderer. It never blocks on a client.
func (h *WSHub) Render(scene overlay.Scene) error {
	payload, err := json.Marshal(ScenePayload{Scene: scene, Viewport: h.viewport})
	if err != nil {
		return fmt.Errorf("emitter: marshal scene: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Close disconnects every client. Idempotent.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Stats returns a snapshot of the counters.
func (h *WSHub) Stats() WSStats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return WSStats{Clients: n, Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}
