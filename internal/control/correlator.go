package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Call budgets. Control operations answer quickly; file transfer and
// diagnostics collection carry large payloads, so their budgets are wide.
const (
	DefaultCallTimeout     = 30 * time.Second
	FileTransferTimeout    = 300 * time.Second
	DiagnosticsCallTimeout = 120 * time.Second
)

// CallTimeoutFor picks the call budget appropriate for a request type.
func CallTimeoutFor(t MessageType) time.Duration {
	switch t {
	case MsgDownloadFile, MsgUploadFile:
		return FileTransferTimeout
	case MsgCollectDiag:
		return DiagnosticsCallTimeout
	default:
		return DefaultCallTimeout
	}
}

type callOutcome struct {
	resp ResponsePayload
	err  error
}

type pendingCall struct {
	agentID string
	done    chan callOutcome // buffered, written at most once
}

// Correlator matches outbound request envelopes to inbound response
// envelopes by correlation ID. Exactly one of {response, timeout, send
// failure, agent disconnect} resolves a call; the pending entry is removed
// under the mutex by whichever path wins, so the loser is a no-op.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall

	registry *Registry
	logger   *slog.Logger
}

// NewCorrelator creates a Correlator bound to the registry's transports and
// hooks pending-call rejection into the registry's disconnect cascade.
func NewCorrelator(registry *Registry, logger *slog.Logger) *Correlator {
	c := &Correlator{
		pending:  make(map[string]*pendingCall),
		registry: registry,
		logger:   logger,
	}
	registry.OnDisconnect(c.failAgent)
	return c
}

// Call sends a request envelope to the agent and blocks until the matching
// response arrives or the timeout elapses. The returned error is protocol
// level (ErrNotConnected, ErrTransportSendFailed, ErrRequestTimeout,
// ErrAgentDisconnected); application failure is reported through the
// response payload's own Success field.
func (c *Correlator) Call(ctx context.Context, agentID string, env Envelope, timeout time.Duration) (ResponsePayload, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}

	call := &pendingCall{
		agentID: agentID,
		done:    make(chan callOutcome, 1),
	}

	c.mu.Lock()
	c.pending[env.CorrelationID] = call
	c.mu.Unlock()

	if err := c.registry.Send(agentID, env); err != nil {
		// Failed sends leave no pending entry behind.
		c.take(env.CorrelationID)
		return ResponsePayload{}, err
	}

	c.logger.Debug("request sent",
		"agent_id", agentID,
		"correlation_id", env.CorrelationID,
		"type", env.Type)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.done:
		return out.resp, out.err
	case <-timer.C:
		if c.take(env.CorrelationID) != nil {
			return ResponsePayload{}, ErrRequestTimeout
		}
		// A response won the race; its outcome is already in the channel.
		out := <-call.done
		return out.resp, out.err
	case <-ctx.Done():
		if c.take(env.CorrelationID) != nil {
			return ResponsePayload{}, ctx.Err()
		}
		out := <-call.done
		return out.resp, out.err
	}
}

// Resolve completes the pending call for a correlation ID. It reports false
// when no call is waiting, which callers treat as an unmatched response to
// be discarded.
func (c *Correlator) Resolve(correlationID string, resp ResponsePayload) bool {
	call := c.take(correlationID)
	if call == nil {
		return false
	}
	call.done <- callOutcome{resp: resp}
	return true
}

// PendingCount reports the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending call, or nil if already resolved.
func (c *Correlator) take(correlationID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[correlationID]
	if !ok {
		return nil
	}
	delete(c.pending, correlationID)
	return call
}

// failAgent force-rejects every outstanding call against a disconnected
// agent instead of leaving the callers to time out.
func (c *Correlator) failAgent(agentID string) {
	c.mu.Lock()
	var failed []*pendingCall
	for id, call := range c.pending {
		if call.agentID == agentID {
			delete(c.pending, id)
			failed = append(failed, call)
		}
	}
	c.mu.Unlock()

	for _, call := range failed {
		call.done <- callOutcome{err: ErrAgentDisconnected}
	}
	if len(failed) > 0 {
		c.logger.Info("rejected pending calls for disconnected agent",
			"agent_id", agentID,
			"count", len(failed))
	}
}
