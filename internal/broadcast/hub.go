package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"wisefido-energy/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

type hubClient struct {
	conn     *websocket.Conn
	systemID string
	send     chan []byte
}

// Hub pushes status events to connected dashboards. A client only receives
// events of the system it subscribed with; slow clients are disconnected.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SendStatus(_ context.Context, evt *models.StatusEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	h.mu.RLock()
	var slow []*hubClient
	for c := range h.clients {
		if c.systemID != "" && c.systemID != evt.SystemID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("WebSocket client too slow, disconnecting", zap.String("remote_addr", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
	return nil
}

func (h *Hub) SendCompletion(context.Context, *models.SessionCompletedEvent) error { return nil }

// ServeWS upgrades the request and registers the connection for systemID.
// An empty systemID receives every event.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, systemID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &hubClient{conn: conn, systemID: systemID, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("WebSocket client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.String("system_id", systemID),
	)

	go h.writeLoop(c)
	h.readLoop(c)
}

// remove unregisters c once; closing send stops its write loop
func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

func (h *Hub) readLoop(c *hubClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*hubClient]struct{})
	for c := range clients {
		close(c.send)
	}
	h.mu.Unlock()
}
