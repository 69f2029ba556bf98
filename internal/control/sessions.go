package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SessionKind distinguishes the interactive sub-protocols multiplexed over
// an agent's control-plane connection.
type SessionKind int

const (
	KindTerminal SessionKind = iota
	KindRemoteDesktop
	// KindDashboardPassthrough marks a viewer attached to an existing
	// terminal or remote session without owning it.
	KindDashboardPassthrough
)

func (k SessionKind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindRemoteDesktop:
		return "remote_desktop"
	case KindDashboardPassthrough:
		return "dashboard_passthrough"
	default:
		return "unknown"
	}
}

// startType returns the session-start RPC message for the kind.
func (k SessionKind) startType() (MessageType, error) {
	switch k {
	case KindTerminal:
		return MsgStartTerminal, nil
	case KindRemoteDesktop:
		return MsgStartRemote, nil
	default:
		return "", fmt.Errorf("session kind %s cannot be started", k)
	}
}

// closeType returns the close frame sent to the agent for the kind.
func (k SessionKind) closeType() MessageType {
	if k == KindRemoteDesktop {
		return MsgStopRemote
	}
	return MsgCloseTerminal
}

// FrameConsumer receives inbound frames for a session. Dashboard viewers
// implement it to render terminal output or remote-desktop video.
type FrameConsumer interface {
	DeliverFrame(sessionID string, env Envelope)
	SessionClosed(sessionID string, reason string)
}

// Session is one interactive sub-stream. It is valid only while its owning
// agent has a live connection.
type Session struct {
	ID       string
	Kind     SessionKind
	DeviceID uuid.UUID
	AgentID  string
	Active   bool

	consumers []FrameConsumer
}

// Multiplexer routes session-tagged frames between agents and their
// consumers, independent of the RPC correlator. Frames referencing unknown
// sessions, or sessions owned by a different agent than the sender, are
// dropped rather than routed.
type Multiplexer struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	registry   *Registry
	correlator *Correlator
	logger     *slog.Logger
}

// NewMultiplexer creates a Multiplexer and hooks session teardown into the
// registry's disconnect cascade.
func NewMultiplexer(registry *Registry, correlator *Correlator, logger *slog.Logger) *Multiplexer {
	m := &Multiplexer{
		sessions:   make(map[string]*Session),
		registry:   registry,
		correlator: correlator,
		logger:     logger,
	}
	registry.OnDisconnect(m.dropAgent)
	return m
}

// StartSession issues the session-start RPC to the agent owning the device
// and records the session on success.
func (m *Multiplexer) StartSession(ctx context.Context, kind SessionKind, deviceID uuid.UUID, agentID string, params any) (string, error) {
	startType, err := kind.startType()
	if err != nil {
		return "", err
	}

	env, err := NewEnvelope(startType, params)
	if err != nil {
		return "", err
	}
	sessionID := uuid.New().String()
	env.SessionID = sessionID

	resp, err := m.correlator.Call(ctx, agentID, env, DefaultCallTimeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("agent refused %s session: %s", kind, resp.Error)
	}

	m.mu.Lock()
	m.sessions[sessionID] = &Session{
		ID:       sessionID,
		Kind:     kind,
		DeviceID: deviceID,
		AgentID:  agentID,
		Active:   true,
	}
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", sessionID,
		"kind", kind.String(),
		"agent_id", agentID,
		"device_id", deviceID)
	return sessionID, nil
}

// Attach registers a pass-through viewer on an existing session.
func (m *Multiplexer) Attach(sessionID string, consumer FrameConsumer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.consumers = append(sess.consumers, consumer)
	return nil
}

// Detach removes a previously attached viewer. Unknown sessions are ignored.
func (m *Multiplexer) Detach(sessionID string, consumer FrameConsumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for i, c := range sess.consumers {
		if c == consumer {
			sess.consumers = append(sess.consumers[:i], sess.consumers[i+1:]...)
			break
		}
	}
}

// SendToSession forwards a data frame to the session's owning agent. This
// is fire-and-forget streaming; no response is expected.
func (m *Multiplexer) SendToSession(sessionID string, frameType MessageType, payload any) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	env, err := NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	env.SessionID = sessionID
	return m.registry.Send(sess.AgentID, env)
}

// RouteInbound dispatches a session-tagged frame from an agent to the
// session's consumers. Frames for unknown sessions, or sessions owned by a
// different agent, are dropped to prevent session confusion across
// reconnects or identity spoofing.
func (m *Multiplexer) RouteInbound(fromAgentID string, env Envelope) error {
	m.mu.RLock()
	sess, ok := m.sessions[env.SessionID]
	var consumers []FrameConsumer
	if ok {
		consumers = append(consumers, sess.consumers...)
	}
	m.mu.RUnlock()

	if !ok || sess.AgentID != fromAgentID {
		m.logger.Warn("dropping frame for unknown or foreign session",
			"session_id", env.SessionID,
			"from_agent", fromAgentID,
			"type", env.Type)
		return ErrSessionNotFound
	}

	for _, c := range consumers {
		c.DeliverFrame(env.SessionID, env)
	}
	return nil
}

// CloseSession notifies the agent and removes the session. Local state is
// removed even when the close frame cannot be delivered, since the
// transport may already be gone.
func (m *Multiplexer) CloseSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		sess.Active = false
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	env := Envelope{Type: sess.Kind.closeType(), SessionID: sessionID}
	if err := m.registry.Send(sess.AgentID, env); err != nil {
		m.logger.Debug("close frame not delivered", "session_id", sessionID, "error", err)
	}

	for _, c := range sess.consumers {
		c.SessionClosed(sessionID, "closed")
	}
	m.logger.Info("session closed", "session_id", sessionID, "kind", sess.Kind.String())
	return nil
}

// Lookup returns a snapshot of the session.
func (m *Multiplexer) Lookup(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return Session{ID: sess.ID, Kind: sess.Kind, DeviceID: sess.DeviceID, AgentID: sess.AgentID, Active: sess.Active}, true
}

// SessionCount reports the number of live sessions.
func (m *Multiplexer) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// dropAgent invalidates every session owned by a disconnected agent.
func (m *Multiplexer) dropAgent(agentID string) {
	m.mu.Lock()
	var dropped []*Session
	for id, sess := range m.sessions {
		if sess.AgentID == agentID {
			sess.Active = false
			delete(m.sessions, id)
			dropped = append(dropped, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range dropped {
		for _, c := range sess.consumers {
			c.SessionClosed(sess.ID, "agent disconnected")
		}
	}
	if len(dropped) > 0 {
		m.logger.Info("dropped sessions for disconnected agent",
			"agent_id", agentID,
			"count", len(dropped))
	}
}
