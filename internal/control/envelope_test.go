package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte(`{"type":"heartbeat","timestamp":"2026-01-02T15:04:05Z","payload":{"agentVersion":"1.4.0"}}`)

	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, env.Type)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), env.Timestamp)
	assert.JSONEq(t, `{"agentVersion":"1.4.0"}`, string(env.Payload))
}

func TestDecodeEnvelope_UnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":"self_destruct"}`))
	assert.Error(t, err)
}

func TestDecodeEnvelope_InvalidJSON(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(MsgExecuteCommand, map[string]string{"command": "uptime"})
	require.NoError(t, err)
	assert.Equal(t, MsgExecuteCommand, env.Type)
	assert.False(t, env.Timestamp.IsZero())
	assert.JSONEq(t, `{"command":"uptime"}`, string(env.Payload))
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgHeartbeatAck, nil)
	require.NoError(t, err)
	assert.Empty(t, env.Payload)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgResponse, ResponsePayload{Success: true})
	require.NoError(t, err)
	env.CorrelationID = "abc-123"

	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, "abc-123", decoded.CorrelationID)
}

func TestMessageType_IsSessionFrame(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    bool
	}{
		{MsgTerminalInput, true},
		{MsgTerminalOutput, true},
		{MsgTerminalResize, true},
		{MsgRemoteInput, true},
		{MsgRemoteFrame, true},
		{MsgHeartbeat, false},
		{MsgExecuteCommand, false},
		{MsgResponse, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.msgType.IsSessionFrame(), "type %s", tt.msgType)
	}
}
