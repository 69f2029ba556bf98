package control

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates control-plane envelopes. Every consumer
// dispatches on it with a single switch; unknown values are rejected at
// decode time rather than silently routed.
type MessageType string

const (
	// Connection lifecycle
	MsgAuth         MessageType = "auth"
	MsgAuthResponse MessageType = "auth_response"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgHeartbeatAck MessageType = "heartbeat_ack"

	// Telemetry and agent-initiated events
	MsgMetrics MessageType = "metrics"
	MsgEvent   MessageType = "event"

	// RPC requests (server -> agent) and their completion
	MsgExecuteCommand MessageType = "execute_command"
	MsgExecuteScript  MessageType = "execute_script"
	MsgCheckUpdate    MessageType = "check_update"
	MsgListFiles      MessageType = "list_files"
	MsgDownloadFile   MessageType = "download_file"
	MsgUploadFile     MessageType = "upload_file"
	MsgCollectDiag    MessageType = "collect_diagnostics"
	MsgResponse       MessageType = "response"

	// Terminal session frames
	MsgStartTerminal  MessageType = "start_terminal"
	MsgTerminalInput  MessageType = "terminal_input"
	MsgTerminalResize MessageType = "terminal_resize"
	MsgCloseTerminal  MessageType = "close_terminal"
	MsgTerminalOutput MessageType = "terminal_output"

	// Remote desktop session frames
	MsgStartRemote MessageType = "start_remote"
	MsgRemoteInput MessageType = "remote_input"
	MsgStopRemote  MessageType = "stop_remote"
	MsgRemoteFrame MessageType = "remote_frame"
)

var knownTypes = map[MessageType]struct{}{
	MsgAuth: {}, MsgAuthResponse: {}, MsgHeartbeat: {}, MsgHeartbeatAck: {},
	MsgMetrics: {}, MsgEvent: {},
	MsgExecuteCommand: {}, MsgExecuteScript: {}, MsgCheckUpdate: {},
	MsgListFiles: {}, MsgDownloadFile: {}, MsgUploadFile: {}, MsgCollectDiag: {},
	MsgResponse: {},
	MsgStartTerminal: {}, MsgTerminalInput: {}, MsgTerminalResize: {},
	MsgCloseTerminal: {}, MsgTerminalOutput: {},
	MsgStartRemote: {}, MsgRemoteInput: {}, MsgStopRemote: {}, MsgRemoteFrame: {},
}

// Valid reports whether t is a known control-plane message type.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsSessionFrame reports whether the type is routed by session ID through
// the multiplexer instead of the correlator.
func (t MessageType) IsSessionFrame() bool {
	switch t {
	case MsgTerminalInput, MsgTerminalResize, MsgTerminalOutput, MsgCloseTerminal,
		MsgRemoteInput, MsgRemoteFrame, MsgStopRemote:
		return true
	}
	return false
}

// Envelope is the JSON message exchanged on the control-plane connection.
// CorrelationID is set only on RPC requests and their responses; SessionID
// only on session frames.
type Envelope struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	SessionID     string          `json:"sessionId,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses raw bytes into an Envelope and rejects unknown types.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
	return env, nil
}

// NewEnvelope builds an envelope with the payload marshalled to JSON.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode payload for %s: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ResponsePayload is the body of a MsgResponse envelope. Success drives
// whether Data or Error is meaningful.
type ResponsePayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AuthPayload is the body of the first envelope an agent sends.
type AuthPayload struct {
	AgentID    string          `json:"agentId"`
	Token      string          `json:"token"`
	DeviceInfo json.RawMessage `json:"deviceInfo,omitempty"`
}

// AuthResponsePayload acknowledges or rejects an auth attempt.
type AuthResponsePayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventPayload is an agent-initiated, severity-tagged notification.
type EventPayload struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}
