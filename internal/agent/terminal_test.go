package agent

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/control"
)

func TestTerminalSessionRoundTrip(t *testing.T) {
	skipOnWindows(t)

	mgr := NewTerminalManager(slog.Default())
	frames := make(chan control.Envelope, 64)

	require.NoError(t, mgr.Start("sess-1", func(env control.Envelope) {
		frames <- env
	}))
	defer mgr.Close("sess-1")

	require.NoError(t, mgr.Input("sess-1", "echo terminal-works\n"))

	deadline := time.After(5 * time.Second)
	var output strings.Builder
	for {
		select {
		case env := <-frames:
			assert.Equal(t, control.MsgTerminalOutput, env.Type)
			assert.Equal(t, "sess-1", env.SessionID)
			var body struct {
				Data string `json:"data"`
			}
			require.NoError(t, json.Unmarshal(env.Payload, &body))
			output.WriteString(body.Data)
			if strings.Contains(output.String(), "terminal-works") {
				return
			}
		case <-deadline:
			t.Fatalf("no terminal output containing marker, got: %q", output.String())
		}
	}
}

func TestTerminalDuplicateSessionRejected(t *testing.T) {
	skipOnWindows(t)

	mgr := NewTerminalManager(slog.Default())
	require.NoError(t, mgr.Start("sess-dup", func(control.Envelope) {}))
	defer mgr.Close("sess-dup")

	assert.Error(t, mgr.Start("sess-dup", func(control.Envelope) {}))
}

func TestTerminalInputUnknownSession(t *testing.T) {
	mgr := NewTerminalManager(slog.Default())
	assert.Error(t, mgr.Input("missing", "ls\n"))
}

func TestTerminalCloseAll(t *testing.T) {
	skipOnWindows(t)

	mgr := NewTerminalManager(slog.Default())
	require.NoError(t, mgr.Start("a", func(control.Envelope) {}))
	require.NoError(t, mgr.Start("b", func(control.Envelope) {}))

	mgr.CloseAll()

	assert.Error(t, mgr.Input("a", "x"))
	assert.Error(t, mgr.Input("b", "x"))
}
