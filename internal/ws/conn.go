package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overcast-hq/overcast/internal/control"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// Conn is a control-plane websocket connection. It satisfies
// control.Transport so the registry can hand frames to it without knowing
// about websockets.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewConn(wsConn *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     wsConn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues an envelope for the write pump. It never blocks; a peer that
// stops draining its socket gets its frames rejected instead of stalling
// the caller.
func (c *Conn) Send(env control.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", control.ErrTransportSendFailed)
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", control.ErrTransportSendFailed)
	}
}

// Close signals both pumps to exit. Safe to call multiple times.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// ReadPump consumes inbound frames until the connection drops, invoking
// handler for every decoded envelope. Malformed frames are logged and
// skipped. The websocket is closed on return.
func (c *Conn) ReadPump(ctx context.Context, handler func(env control.Envelope)) {
	defer func() {
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		env, err := control.DecodeEnvelope(message)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		handler(env)
	}
}

// WritePump drains the send queue onto the socket and keeps the connection
// alive with periodic pings.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadAuth reads the first frame of a fresh connection and requires it to
// be an auth envelope. Agents get authDeadline to identify themselves.
func (c *Conn) ReadAuth(deadline time.Duration) (control.AuthPayload, error) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(deadline))

	_, message, err := c.ws.ReadMessage()
	if err != nil {
		return control.AuthPayload{}, fmt.Errorf("read auth frame: %w", err)
	}

	env, err := control.DecodeEnvelope(message)
	if err != nil {
		return control.AuthPayload{}, err
	}
	if env.Type != control.MsgAuth {
		return control.AuthPayload{}, fmt.Errorf("expected %s frame, got %s", control.MsgAuth, env.Type)
	}

	var auth control.AuthPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		return control.AuthPayload{}, fmt.Errorf("decode auth payload: %w", err)
	}
	return auth, nil
}

// WriteAuthResponse sends the auth verdict directly, before the pumps start.
func (c *Conn) WriteAuthResponse(success bool, errMsg string) error {
	env, err := control.NewEnvelope(control.MsgAuthResponse, control.AuthResponsePayload{Success: success, Error: errMsg})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
