package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/control"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConn_SendQueuesEnvelope(t *testing.T) {
	c := NewConn(nil, testLogger())

	env, err := control.NewEnvelope(control.MsgHeartbeatAck, nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(env))

	select {
	case data := <-c.send:
		decoded, err := control.DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, control.MsgHeartbeatAck, decoded.Type)
	default:
		t.Fatal("nothing queued")
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	c := NewConn(nil, testLogger())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Send(control.Envelope{Type: control.MsgHeartbeatAck})
	assert.ErrorIs(t, err, control.ErrTransportSendFailed)
}

func TestConn_SendBufferFull(t *testing.T) {
	c := NewConn(nil, testLogger())

	env := control.Envelope{Type: control.MsgHeartbeatAck}
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send(env))
	}

	err := c.Send(env)
	assert.ErrorIs(t, err, control.ErrTransportSendFailed)
}

func TestHub_BroadcastReachesDashboards(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := h.Register(nil, uuid.New())
	require.Eventually(t, func() bool {
		return h.DashboardCount() == 1
	}, time.Second, 5*time.Millisecond)

	deviceID := uuid.New()
	h.Broadcast(EventDeviceStatus, deviceID, map[string]string{"status": "online"})

	select {
	case data := <-client.send:
		var event Event
		require.NoError(t, json.Unmarshal(data, &event))
		assert.Equal(t, EventDeviceStatus, event.Type)
		assert.Equal(t, deviceID, event.DeviceID)
		assert.JSONEq(t, `{"status":"online"}`, string(event.Payload))
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}
