package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingTransport records every envelope it is asked to send so tests
// can respond to RPCs the way a connected agent would.
type capturingTransport struct {
	mu      sync.Mutex
	sent    []Envelope
	sendErr error
}

func (t *capturingTransport) Send(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *capturingTransport) Close() error { return nil }

func (t *capturingTransport) lastSent() (Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return Envelope{}, false
	}
	return t.sent[len(t.sent)-1], true
}

func newTestCorrelator(t *testing.T) (*Correlator, *Registry) {
	t.Helper()
	r := NewRegistry(&fakeStatusWriter{}, discardLogger())
	t.Cleanup(r.Stop)
	return NewCorrelator(r, discardLogger()), r
}

func TestCorrelator_CallResolved(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var env Envelope
		require.Eventually(t, func() bool {
			var ok bool
			env, ok = transport.lastSent()
			return ok
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, MsgExecuteCommand, env.Type)
		assert.NotEmpty(t, env.CorrelationID)
		c.Resolve(env.CorrelationID, ResponsePayload{Success: true, Data: json.RawMessage(`{"exitCode":0}`)})
	}()

	env, err := NewEnvelope(MsgExecuteCommand, map[string]string{"command": "uptime"})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), "agent-1", env, time.Second)
	<-done
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"exitCode":0}`, string(resp.Data))
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Call_NotConnected(t *testing.T) {
	c, _ := newTestCorrelator(t)

	_, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Call_SendFailure(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{sendErr: assert.AnError}
	r.Register("agent-1", uuid.New(), transport)

	_, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, time.Second)
	assert.ErrorIs(t, err, ErrTransportSendFailed)
	// An unwritable transport and an absent agent look the same to callers,
	// so the offline command path can queue on either.
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Call_Timeout(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	_, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Call_ContextCanceled(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "agent-1", Envelope{Type: MsgExecuteCommand}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_Resolve_Unknown(t *testing.T) {
	c, _ := newTestCorrelator(t)

	assert.False(t, c.Resolve(uuid.New().String(), ResponsePayload{Success: true}))
}

func TestCorrelator_LateResolveAfterTimeout(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	_, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)

	env, ok := transport.lastSent()
	require.True(t, ok)

	// The timed-out call already consumed its pending entry, so a late
	// response is a no-op rather than a double completion.
	assert.False(t, c.Resolve(env.CorrelationID, ResponsePayload{Success: true}))
}

func TestCorrelator_PreservesCorrelationID(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	id := uuid.New().String()
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve(id, ResponsePayload{Success: true})
	}()

	resp, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgCheckUpdate, CorrelationID: id}, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	env, ok := transport.lastSent()
	require.True(t, ok)
	assert.Equal(t, id, env.CorrelationID)
}

func TestCorrelator_AgentDisconnectFailsPending(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	conn := r.Register("agent-1", uuid.New(), transport)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, 5*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return c.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	r.Release(conn)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAgentDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after disconnect")
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestCorrelator_ConcurrentCalls(t *testing.T) {
	c, r := newTestCorrelator(t)

	transport := &capturingTransport{}
	r.Register("agent-1", uuid.New(), transport)

	// Echo back success for every outbound RPC.
	stop := make(chan struct{})
	go func() {
		seen := make(map[string]bool)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
			}
			transport.mu.Lock()
			pending := make([]string, 0)
			for _, env := range transport.sent {
				if !seen[env.CorrelationID] {
					seen[env.CorrelationID] = true
					pending = append(pending, env.CorrelationID)
				}
			}
			transport.mu.Unlock()
			for _, id := range pending {
				c.Resolve(id, ResponsePayload{Success: true})
			}
		}
	}()
	defer close(stop)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Call(context.Background(), "agent-1", Envelope{Type: MsgExecuteCommand}, 2*time.Second)
			assert.NoError(t, err)
			assert.True(t, resp.Success)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, c.PendingCount())
}
