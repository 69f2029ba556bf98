package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sweepInterval = 30 * time.Second
	staleTimeout  = 60 * time.Second
)

// Transport is the write side of one agent's control-plane connection.
// Implementations must be safe for concurrent Send calls.
type Transport interface {
	Send(env Envelope) error
	Close() error
}

// DeviceStatusWriter persists connectivity transitions to the record store.
type DeviceStatusWriter interface {
	SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status string, lastSeen time.Time) error
}

// AgentConn is one live agent connection. At most one exists per agent ID;
// registering again replaces (and closes) the previous one.
type AgentConn struct {
	AgentID  string
	DeviceID uuid.UUID

	transport Transport
	lastSeen  time.Time
}

// Registry maps agent identity to its live transport and tracks liveness.
// It is the source of truth for "is this agent reachable now".
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*AgentConn

	onConnect    []func(agentID string, deviceID uuid.UUID)
	onDisconnect []func(agentID string)

	status DeviceStatusWriter
	logger *slog.Logger
	stopCh chan struct{}
}

// NewRegistry creates a Registry and starts its liveness sweep. The status
// writer is optional; pass nil to skip persistence.
func NewRegistry(status DeviceStatusWriter, logger *slog.Logger) *Registry {
	r := &Registry{
		conns:  make(map[string]*AgentConn),
		status: status,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// OnConnect registers a hook invoked after an agent registers. Hooks must
// not call back into the Registry.
func (r *Registry) OnConnect(h func(agentID string, deviceID uuid.UUID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, h)
}

// OnDisconnect registers a hook invoked after an agent is unregistered.
// The correlator and session table hook in here so that disconnects cascade
// synchronously into pending-call rejection and session teardown.
func (r *Registry) OnDisconnect(h func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, h)
}

// Register stores the live transport for an agent, replacing any previous
// connection. The superseded transport is closed; its later close event is
// a no-op because Release checks connection identity.
func (r *Registry) Register(agentID string, deviceID uuid.UUID, transport Transport) *AgentConn {
	conn := &AgentConn{
		AgentID:   agentID,
		DeviceID:  deviceID,
		transport: transport,
		lastSeen:  time.Now(),
	}

	r.mu.Lock()
	old, replaced := r.conns[agentID]
	r.conns[agentID] = conn
	total := len(r.conns)
	connectHooks := r.onConnect
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("agent already connected, replacing connection", "agent_id", agentID)
		_ = old.transport.Close()
	}

	r.logger.Info("agent registered",
		"agent_id", agentID,
		"device_id", deviceID,
		"total_connections", total)

	r.writeStatus(deviceID, "online")
	for _, h := range connectHooks {
		h(agentID, deviceID)
	}
	return conn
}

// Release unregisters a specific connection. It is idempotent and ignores
// connections that have already been superseded by a re-register, so the
// transport-close path and the liveness sweep can both call it safely.
func (r *Registry) Release(conn *AgentConn) {
	r.mu.Lock()
	current, ok := r.conns[conn.AgentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.AgentID)
	total := len(r.conns)
	disconnectHooks := r.onDisconnect
	r.mu.Unlock()

	_ = conn.transport.Close()

	r.logger.Info("agent unregistered",
		"agent_id", conn.AgentID,
		"total_connections", total)

	r.writeStatus(conn.DeviceID, "offline")
	for _, h := range disconnectHooks {
		h(conn.AgentID)
	}
}

// Unregister removes whatever connection is currently registered for the
// agent, if any.
func (r *Registry) Unregister(agentID string) {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()
	if ok {
		r.Release(conn)
	}
}

// Touch refreshes the last-seen stamp on any inbound traffic.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	if conn, ok := r.conns[agentID]; ok {
		conn.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// IsConnected reports whether the agent has a live connection.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// Lookup returns the connection for an agent.
func (r *Registry) Lookup(agentID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	return conn, ok
}

// DeviceID resolves the device identity behind a connected agent.
func (r *Registry) DeviceID(agentID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[agentID]
	if !ok {
		return uuid.Nil, false
	}
	return conn.DeviceID, true
}

// Send writes an envelope to the agent's transport. A send failure is
// reported as ErrTransportSendFailed; an absent agent as ErrNotConnected.
func (r *Registry) Send(agentID string, env Envelope) error {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}
	if err := conn.transport.Send(env); err != nil {
		r.logger.Warn("send to agent failed", "agent_id", agentID, "type", env.Type, "error", err)
		return ErrTransportSendFailed
	}
	return nil
}

// ConnectedAgents lists the agent IDs with live connections.
func (r *Registry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stop halts the liveness sweep and drops every connection.
func (r *Registry) Stop() {
	close(r.stopCh)

	r.mu.RLock()
	conns := make([]*AgentConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		r.Release(conn)
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictStale()
		case <-r.stopCh:
			return
		}
	}
}

// evictStale releases connections with no traffic inside the stale window.
// Eviction converges on the same Release path as a transport-initiated
// close, so racing the two is harmless.
func (r *Registry) evictStale() {
	now := time.Now()

	r.mu.RLock()
	var stale []*AgentConn
	for _, conn := range r.conns {
		if now.Sub(conn.lastSeen) > staleTimeout {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.logger.Warn("evicting stale connection",
			"agent_id", conn.AgentID,
			"last_seen", conn.lastSeen)
		r.Release(conn)
	}
}

func (r *Registry) writeStatus(deviceID uuid.UUID, status string) {
	if r.status == nil || deviceID == uuid.Nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.status.SetDeviceStatus(ctx, deviceID, status, time.Now()); err != nil {
			r.logger.Debug("failed to persist device status", "device_id", deviceID, "error", err)
		}
	}()
}
