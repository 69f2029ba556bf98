package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/auth"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/ws"
)

const authDeadline = 10 * time.Second

// DeviceEnroller persists agent identity at connect time.
type DeviceEnroller interface {
	Enroll(ctx context.Context, agentID string, info store.DeviceInfo) (store.Device, error)
	TouchLastSeen(ctx context.Context, deviceID uuid.UUID, agentVersion string) error
}

// AlertSink records fired alerts.
type AlertSink interface {
	RecordAlert(ctx context.Context, alert alerts.FiredAlert) error
}

// AgentWSHandler owns the agent side of the control plane: the websocket
// upgrade, enrollment, and the per-connection message loop.
type AgentWSHandler struct {
	enrollmentToken string
	devices         DeviceEnroller
	registry        *control.Registry
	correlator      *control.Correlator
	mux             *control.Multiplexer
	evaluator       *alerts.Evaluator
	alertSink       AlertSink
	hub             *ws.Hub
	upgrader        websocket.Upgrader
	logger          *slog.Logger
}

func NewAgentWSHandler(
	enrollmentToken string,
	devices DeviceEnroller,
	registry *control.Registry,
	correlator *control.Correlator,
	mux *control.Multiplexer,
	evaluator *alerts.Evaluator,
	alertSink AlertSink,
	hub *ws.Hub,
	logger *slog.Logger,
) *AgentWSHandler {
	return &AgentWSHandler{
		enrollmentToken: enrollmentToken,
		devices:         devices,
		registry:        registry,
		correlator:      correlator,
		mux:             mux,
		evaluator:       evaluator,
		alertSink:       alertSink,
		hub:             hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the connection, authenticates the agent, and runs the
// message loop until the agent goes away.
func (h *AgentWSHandler) Serve(c *gin.Context) {
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	conn := ws.NewConn(wsConn, h.logger)

	payload, err := conn.ReadAuth(authDeadline)
	if err != nil {
		h.logger.Warn("agent auth frame not received", "remote", c.ClientIP(), "error", err)
		conn.Close()
		wsConn.Close()
		return
	}

	if payload.AgentID == "" || !auth.VerifyEnrollmentToken(h.enrollmentToken, payload.Token) {
		h.logger.Warn("agent authentication rejected", "agent_id", payload.AgentID, "remote", c.ClientIP())
		_ = conn.WriteAuthResponse(false, "authentication failed")
		conn.Close()
		wsConn.Close()
		return
	}

	var info store.DeviceInfo
	if len(payload.DeviceInfo) > 0 {
		if err := json.Unmarshal(payload.DeviceInfo, &info); err != nil {
			_ = conn.WriteAuthResponse(false, "malformed device info")
			conn.Close()
			wsConn.Close()
			return
		}
	}

	// The connection outlives the upgrade request, so the loop runs on its
	// own context rather than the request's.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := h.devices.Enroll(ctx, payload.AgentID, info)
	if err != nil {
		h.logger.Error("device enrollment failed", "agent_id", payload.AgentID, "error", err)
		_ = conn.WriteAuthResponse(false, "enrollment failed")
		conn.Close()
		wsConn.Close()
		return
	}

	if err := conn.WriteAuthResponse(true, ""); err != nil {
		conn.Close()
		wsConn.Close()
		return
	}

	agentConn := h.registry.Register(payload.AgentID, device.ID, conn)
	h.hub.Broadcast(ws.EventDeviceStatus, device.ID, gin.H{"status": "online"})

	go conn.WritePump(ctx)
	conn.ReadPump(ctx, func(env control.Envelope) {
		h.dispatch(ctx, device, payload.AgentID, env)
	})

	h.registry.Release(agentConn)
	h.hub.Broadcast(ws.EventDeviceStatus, device.ID, gin.H{"status": "offline"})
}

func (h *AgentWSHandler) dispatch(ctx context.Context, device store.Device, agentID string, env control.Envelope) {
	// Any inbound frame proves liveness.
	h.registry.Touch(agentID)

	switch {
	case env.Type == control.MsgHeartbeat:
		h.handleHeartbeat(ctx, device.ID, agentID, env.Payload)

	case env.Type == control.MsgMetrics:
		h.handleMetrics(ctx, device.ID, env.Payload)

	case env.Type == control.MsgResponse:
		var resp control.ResponsePayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			h.logger.Warn("malformed response payload", "agent_id", agentID, "error", err)
			return
		}
		if !h.correlator.Resolve(env.CorrelationID, resp) {
			h.logger.Debug("discarding unmatched response",
				"agent_id", agentID,
				"correlation_id", env.CorrelationID)
		}

	case env.Type == control.MsgEvent:
		h.handleEvent(ctx, device.ID, env.Payload)

	case env.Type.IsSessionFrame():
		_ = h.mux.RouteInbound(agentID, env)

	default:
		h.logger.Debug("dropping unexpected frame", "agent_id", agentID, "type", env.Type)
	}
}

func (h *AgentWSHandler) handleHeartbeat(ctx context.Context, deviceID uuid.UUID, agentID string, payload json.RawMessage) {
	var hb struct {
		AgentVersion string `json:"agentVersion"`
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &hb)
	}

	if err := h.devices.TouchLastSeen(ctx, deviceID, hb.AgentVersion); err != nil {
		h.logger.Debug("failed to persist heartbeat", "device_id", deviceID, "error", err)
	}

	ack := control.Envelope{Type: control.MsgHeartbeatAck, Timestamp: time.Now().UTC()}
	_ = h.registry.Send(agentID, ack)
}

// handleMetrics fans a control-plane metrics report out to dashboards and
// through the alert evaluator. Bulk telemetry arrives on the data plane;
// this path exists for agents running without a gRPC connection.
func (h *AgentWSHandler) handleMetrics(ctx context.Context, deviceID uuid.UUID, payload json.RawMessage) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		h.logger.Warn("malformed metrics payload", "device_id", deviceID, "error", err)
		return
	}
	sample := make(alerts.Sample, len(raw))
	for name, value := range raw {
		if f, ok := value.(float64); ok {
			sample[name] = f
		}
	}

	h.hub.Broadcast(ws.EventMetrics, deviceID, payload)

	fired, err := h.evaluator.Evaluate(ctx, deviceID, sample)
	if err != nil {
		h.logger.Warn("alert evaluation failed", "device_id", deviceID, "error", err)
		return
	}
	for _, alert := range fired {
		if err := h.alertSink.RecordAlert(ctx, alert); err != nil {
			h.logger.Error("failed to record alert", "device_id", deviceID, "error", err)
		}
		h.hub.Broadcast(ws.EventAlert, deviceID, alert)
	}
}

// handleEvent records an agent-initiated notification as an alert with no
// originating rule.
func (h *AgentWSHandler) handleEvent(ctx context.Context, deviceID uuid.UUID, payload json.RawMessage) {
	var event control.EventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("malformed event payload", "device_id", deviceID, "error", err)
		return
	}

	alert := alerts.FiredAlert{
		DeviceID: deviceID,
		Severity: event.Severity,
		Title:    event.Title,
		Message:  event.Message,
		FiredAt:  time.Now().UTC(),
	}
	if err := h.alertSink.RecordAlert(ctx, alert); err != nil {
		h.logger.Error("failed to record event alert", "device_id", deviceID, "error", err)
	}
	h.hub.Broadcast(ws.EventAlert, deviceID, alert)
}
