package cmdqueue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/control"
)

type scriptedCaller struct {
	mu    sync.Mutex
	calls []control.Envelope
	// respond maps message type to the outcome delivered for it. Types
	// not present respond with success and empty data.
	fail    map[control.MessageType]error
	refuse  map[control.MessageType]string
}

func (c *scriptedCaller) Call(_ context.Context, _ string, env control.Envelope, _ time.Duration) (control.ResponsePayload, error) {
	c.mu.Lock()
	c.calls = append(c.calls, env)
	c.mu.Unlock()

	if err, ok := c.fail[env.Type]; ok {
		return control.ResponsePayload{}, err
	}
	if msg, ok := c.refuse[env.Type]; ok {
		return control.ResponsePayload{Success: false, Error: msg}, nil
	}
	return control.ResponsePayload{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Queue, *scriptedCaller) {
	t.Helper()
	q, _ := newTestQueue(t)
	caller := &scriptedCaller{
		fail:   map[control.MessageType]error{},
		refuse: map[control.MessageType]string{},
	}
	d := NewDispatcher(q, caller, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return d, q, caller
}

func TestDispatcher_DrainsBacklogInOrder(t *testing.T) {
	d, q, caller := newTestDispatcher(t)
	ctx := context.Background()
	deviceID := uuid.New()

	low, err := q.Enqueue(ctx, deviceID, "execute_command", json.RawMessage(`{"command":"df"}`), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, deviceID, "execute_script", json.RawMessage(`{"script":"cleanup.sh"}`), EnqueueOptions{Priority: 9})
	require.NoError(t, err)

	d.Drain(ctx, "agent-1", deviceID)

	require.Equal(t, 2, caller.callCount())
	assert.Equal(t, control.MsgExecuteScript, caller.calls[0].Type)
	assert.Equal(t, control.MsgExecuteCommand, caller.calls[1].Type)

	for _, id := range []uuid.UUID{low, high} {
		cmd, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, cmd.Status)
	}
}

func TestDispatcher_AgentRefusalFailsCommand(t *testing.T) {
	d, q, caller := newTestDispatcher(t)
	ctx := context.Background()
	deviceID := uuid.New()
	caller.refuse[control.MsgExecuteCommand] = "unsupported command"

	id, err := q.Enqueue(ctx, deviceID, "execute_command", json.RawMessage(`{"command":"frobnicate"}`), EnqueueOptions{})
	require.NoError(t, err)

	d.Drain(ctx, "agent-1", deviceID)

	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cmd.Status)
	assert.Equal(t, "unsupported command", cmd.Detail)
}

func TestDispatcher_DisconnectMidDrainStopsDelivery(t *testing.T) {
	d, q, caller := newTestDispatcher(t)
	ctx := context.Background()
	deviceID := uuid.New()
	caller.fail[control.MsgExecuteScript] = control.ErrNotConnected

	_, err := q.Enqueue(ctx, deviceID, "execute_script", json.RawMessage(`{"script":"a.sh"}`), EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	later, err := q.Enqueue(ctx, deviceID, "execute_command", json.RawMessage(`{"command":"uptime"}`), EnqueueOptions{})
	require.NoError(t, err)

	d.Drain(ctx, "agent-1", deviceID)

	// Only the first command was attempted; the second stays buffered.
	assert.Equal(t, 1, caller.callCount())
	cmd, err := q.Get(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cmd.Status)
}

func TestDispatcher_TimeoutLeavesCommandDelivered(t *testing.T) {
	d, q, caller := newTestDispatcher(t)
	ctx := context.Background()
	deviceID := uuid.New()
	caller.fail[control.MsgExecuteCommand] = control.ErrRequestTimeout

	id, err := q.Enqueue(ctx, deviceID, "execute_command", json.RawMessage(`{"command":"slow"}`), EnqueueOptions{})
	require.NoError(t, err)

	d.Drain(ctx, "agent-1", deviceID)

	// The sweep decides between requeue and exhaustion later.
	cmd, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, cmd.Status)
	assert.Equal(t, 1, cmd.Attempts)
}
