package control

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed indicates a bad or missing token during the
	// auth handshake; the connection is refused.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotConnected indicates the target agent has no live connection in
	// the registry. Operations fail fast without creating pending state.
	ErrNotConnected = errors.New("agent not connected")

	// ErrRequestTimeout indicates no response arrived within the call budget.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAgentDisconnected indicates the owning connection was lost while a
	// call or session was outstanding.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrSessionNotFound indicates an operation referenced an unknown or
	// foreign session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTransportSendFailed indicates the transport was not writable at
	// send time. It wraps ErrNotConnected so callers that fall back to the
	// offline path on ErrNotConnected handle both without extra cases.
	ErrTransportSendFailed = fmt.Errorf("%w: transport send failed", ErrNotConnected)
)
