package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/overcast-hq/overcast/internal/control"
)

// Event is the envelope pushed to dashboard clients for fleet-wide
// notifications (status changes, fresh metrics, alerts).
type Event struct {
	Type      string          `json:"type"`
	DeviceID  uuid.UUID       `json:"deviceId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	EventDeviceStatus = "device_status"
	EventMetrics      = "metrics"
	EventAlert        = "alert"
	EventCommand      = "command_update"
)

// DashboardClient is one connected operator browser. It doubles as a
// control.FrameConsumer so terminal and remote-desktop frames can be passed
// straight through to it.
type DashboardClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	UserID uuid.UUID
}

// DeliverFrame forwards a session frame to the browser. Slow clients drop
// frames rather than stall the router.
func (c *DashboardClient) DeliverFrame(_ string, env control.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// SessionClosed notifies the browser that a watched session ended.
func (c *DashboardClient) SessionClosed(sessionID, reason string) {
	notice, err := json.Marshal(map[string]string{
		"type":      "session_closed",
		"sessionId": sessionID,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- notice:
	default:
	}
}

// Hub fans fleet events out to dashboard connections.
type Hub struct {
	mu         sync.RWMutex
	dashboards map[uuid.UUID][]*DashboardClient

	register   chan *DashboardClient
	unregister chan *DashboardClient
	broadcast  chan []byte

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		dashboards: make(map[uuid.UUID][]*DashboardClient),
		register:   make(chan *DashboardClient),
		unregister: make(chan *DashboardClient),
		broadcast:  make(chan []byte),
		logger:     logger,
	}
}

// Run processes registration and broadcast traffic until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.dashboards[client.UserID] = append(h.dashboards[client.UserID], client)
			h.mu.Unlock()
			h.logger.Info("dashboard connected", "user_id", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.dashboards[client.UserID]; ok {
				for i, c := range clients {
					if c == client {
						h.dashboards[client.UserID] = append(clients[:i], clients[i+1:]...)
						break
					}
				}
				if len(h.dashboards[client.UserID]) == 0 {
					delete(h.dashboards, client.UserID)
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("dashboard disconnected", "user_id", client.UserID)

		case message := <-h.broadcast:
			h.mu.RLock()
			for _, clients := range h.dashboards {
				for _, client := range clients {
					select {
					case client.send <- message:
					default:
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register attaches a freshly upgraded dashboard connection to the hub.
func (h *Hub) Register(conn *websocket.Conn, userID uuid.UUID) *DashboardClient {
	client := &DashboardClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		UserID: userID,
	}
	h.register <- client
	return client
}

// Broadcast publishes a fleet event to every connected dashboard.
func (h *Hub) Broadcast(eventType string, deviceID uuid.UUID, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Error("failed to marshal broadcast payload", "type", eventType, "error", err)
			return
		}
		raw = data
	}

	event := Event{
		Type:      eventType,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", "type", eventType, "error", err)
		return
	}
	h.broadcast <- data
}

// ClientsFor returns the user's live dashboard connections. The session
// handlers use it to attach a starting viewer to its session frames.
func (h *Hub) ClientsFor(userID uuid.UUID) []*DashboardClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*DashboardClient, len(h.dashboards[userID]))
	copy(clients, h.dashboards[userID])
	return clients
}

// DashboardCount reports connected dashboard clients.
func (h *Hub) DashboardCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.dashboards {
		n += len(clients)
	}
	return n
}

// ReadPump consumes inbound dashboard frames until the connection drops.
// Each decoded envelope is handed to handler.
func (c *DashboardClient) ReadPump(ctx context.Context, handler func(env control.Envelope)) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("dashboard read failed", "user_id", c.UserID, "error", err)
			}
			return
		}

		env, err := control.DecodeEnvelope(message)
		if err != nil {
			c.hub.logger.Warn("dropping malformed dashboard frame", "user_id", c.UserID, "error", err)
			continue
		}
		handler(env)
	}
}

// WritePump flushes queued events to the browser with keepalive pings.
func (c *DashboardClient) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
