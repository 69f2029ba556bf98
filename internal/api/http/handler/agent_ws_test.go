package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/ws"
)

const testEnrollToken = "fleet-enroll-secret"

type fakeEnroller struct {
	mu      sync.Mutex
	device  store.Device
	touches []string
}

func (f *fakeEnroller) Enroll(_ context.Context, agentID string, info store.DeviceInfo) (store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device = store.Device{
		ID:       uuid.New(),
		AgentID:  agentID,
		Hostname: info.Hostname,
		Status:   "online",
	}
	return f.device, nil
}

func (f *fakeEnroller) TouchLastSeen(_ context.Context, _ uuid.UUID, agentVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, agentVersion)
	return nil
}

type fakeAlertSink struct {
	mu    sync.Mutex
	fired []alerts.FiredAlert
}

func (f *fakeAlertSink) RecordAlert(_ context.Context, alert alerts.FiredAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, alert)
	return nil
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

type staticRules struct {
	rules []alerts.Rule
}

func (s *staticRules) EnabledRules(context.Context) ([]alerts.Rule, error) {
	return s.rules, nil
}

type wsHarness struct {
	server     *httptest.Server
	registry   *control.Registry
	correlator *control.Correlator
	mux        *control.Multiplexer
	enroller   *fakeEnroller
	sink       *fakeAlertSink
}

func newWSHarness(t *testing.T, rules []alerts.Rule) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := control.NewRegistry(nil, logger)
	t.Cleanup(registry.Stop)
	correlator := control.NewCorrelator(registry, logger)
	mux := control.NewMultiplexer(registry, correlator, logger)
	evaluator := alerts.NewEvaluator(&staticRules{rules: rules}, logger)
	t.Cleanup(evaluator.Stop)

	hub := ws.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	enroller := &fakeEnroller{}
	sink := &fakeAlertSink{}
	h := NewAgentWSHandler(testEnrollToken, enroller, registry, correlator, mux, evaluator, sink, hub, logger)

	engine := gin.New()
	engine.GET("/ws/agent", h.Serve)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &wsHarness{
		server:     server,
		registry:   registry,
		correlator: correlator,
		mux:        mux,
		enroller:   enroller,
		sink:       sink,
	}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env control.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) control.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env control.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func authenticate(t *testing.T, conn *websocket.Conn, agentID, token string) control.AuthResponsePayload {
	t.Helper()
	payload := control.AuthPayload{
		AgentID:    agentID,
		Token:      token,
		DeviceInfo: json.RawMessage(`{"hostname":"web-01","osType":"linux"}`),
	}
	env, err := control.NewEnvelope(control.MsgAuth, payload)
	require.NoError(t, err)
	sendEnvelope(t, conn, env)

	resp := readEnvelope(t, conn)
	require.Equal(t, control.MsgAuthResponse, resp.Type)
	var ack control.AuthResponsePayload
	require.NoError(t, json.Unmarshal(resp.Payload, &ack))
	return ack
}

func TestAgentWS_AuthAndHeartbeat(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	ack := authenticate(t, conn, "agent-1", testEnrollToken)
	require.True(t, ack.Success)

	require.Eventually(t, func() bool {
		return h.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	hb, err := control.NewEnvelope(control.MsgHeartbeat, map[string]string{"agentVersion": "1.4.2"})
	require.NoError(t, err)
	sendEnvelope(t, conn, hb)

	resp := readEnvelope(t, conn)
	assert.Equal(t, control.MsgHeartbeatAck, resp.Type)

	h.enroller.mu.Lock()
	touches := append([]string(nil), h.enroller.touches...)
	h.enroller.mu.Unlock()
	require.Len(t, touches, 1)
	assert.Equal(t, "1.4.2", touches[0])
}

func TestAgentWS_RejectsBadToken(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)

	ack := authenticate(t, conn, "agent-1", "wrong-token")
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.Error)
	assert.False(t, h.registry.IsConnected("agent-1"))
}

func TestAgentWS_ResponseResolvesPendingCall(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)
	require.True(t, authenticate(t, conn, "agent-1", testEnrollToken).Success)

	require.Eventually(t, func() bool {
		return h.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	// Agent side: answer the next request that arrives.
	go func() {
		var req control.Envelope
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := control.Envelope{
			Type:          control.MsgResponse,
			CorrelationID: req.CorrelationID,
		}
		resp.Payload, _ = json.Marshal(control.ResponsePayload{
			Success: true,
			Data:    json.RawMessage(`{"output":"done"}`),
		})
		_ = conn.WriteJSON(resp)
	}()

	env, err := control.NewEnvelope(control.MsgExecuteCommand, map[string]string{"command": "uptime"})
	require.NoError(t, err)
	resp, err := h.correlator.Call(context.Background(), "agent-1", env, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"output":"done"}`, string(resp.Data))
}

func TestAgentWS_MetricsFireAlerts(t *testing.T) {
	rule := alerts.Rule{
		ID:              uuid.New(),
		Name:            "High CPU",
		Metric:          "cpu_percent",
		Operator:        "gt",
		Threshold:       90,
		Severity:        "critical",
		CooldownMinutes: 15,
		Enabled:         true,
	}
	h := newWSHarness(t, []alerts.Rule{rule})
	conn := h.dial(t)
	require.True(t, authenticate(t, conn, "agent-1", testEnrollToken).Success)

	metrics, err := control.NewEnvelope(control.MsgMetrics, map[string]float64{"cpuPercent": 97.5})
	require.NoError(t, err)
	sendEnvelope(t, conn, metrics)

	require.Eventually(t, func() bool {
		return h.sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.sink.mu.Lock()
	fired := h.sink.fired[0]
	h.sink.mu.Unlock()
	assert.Equal(t, rule.ID, fired.RuleID)
	assert.Equal(t, "critical", fired.Severity)
	assert.InDelta(t, 97.5, fired.Value, 0.01)
}

func TestAgentWS_DisconnectReleasesRegistration(t *testing.T) {
	h := newWSHarness(t, nil)
	conn := h.dial(t)
	require.True(t, authenticate(t, conn, "agent-1", testEnrollToken).Success)

	require.Eventually(t, func() bool {
		return h.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return !h.registry.IsConnected("agent-1")
	}, 2*time.Second, 10*time.Millisecond)
}
