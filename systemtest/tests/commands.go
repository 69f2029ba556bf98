package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/cmdqueue"
	"github.com/overcast-hq/overcast/internal/store"
)

func OfflineCommands(t *testing.T, env *Env) {
	ctx := context.Background()
	token := adminToken(t, env)

	device, err := env.Devices.Enroll(ctx, "agent-offline-test", store.DeviceInfo{
		Hostname: "offline-host", OSType: "linux",
	})
	require.NoError(t, err)

	var commandID string

	t.Run("dispatch to offline device queues", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/devices/"+device.ID.String()+"/commands",
			dto.CommandRequest{
				Type:     "execute_command",
				Payload:  json.RawMessage(`{"command":"uptime"}`),
				Priority: 5,
			}, token)
		assert.Equal(t, http.StatusAccepted, rr.Code)

		var resp dto.CommandResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "queued", resp.Status)
		require.NotEmpty(t, resp.CommandID)
		commandID = resp.CommandID
	})

	t.Run("queued command visible", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/commands/"+commandID, nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var cmd cmdqueue.Command
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cmd))
		assert.Equal(t, cmdqueue.StatusQueued, cmd.Status)
		assert.Equal(t, device.ID, cmd.DeviceID)
		assert.Equal(t, "execute_command", cmd.CommandType)
		assert.Equal(t, 5, cmd.Priority)
	})

	t.Run("unsupported command type rejected", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/devices/"+device.ID.String()+"/commands",
			dto.CommandRequest{Type: "format_disk"}, token)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown command id", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/commands/04d7a1fb-0000-0000-0000-000000000000", nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
