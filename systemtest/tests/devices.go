package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/dataplane"
	"github.com/overcast-hq/overcast/internal/store"
)

func Devices(t *testing.T, env *Env) {
	ctx := context.Background()
	token := adminToken(t, env)

	device, err := env.Devices.Enroll(ctx, "agent-systemtest-1", store.DeviceInfo{
		Hostname:     "build-box-01",
		OSType:       "linux",
		OSVersion:    "6.8",
		Architecture: "amd64",
		AgentVersion: "1.0.0",
	})
	require.NoError(t, err)

	// Enrollment marks the device online; there is no live agent in this
	// test, so record the disconnect the registry would normally report.
	require.NoError(t, env.Devices.SetDeviceStatus(ctx, device.ID, "offline", time.Now().UTC()))

	t.Run("list includes enrolled device", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/devices", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var devices []store.Device
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &devices))

		var found bool
		for _, d := range devices {
			if d.ID == device.ID {
				found = true
				assert.Equal(t, "build-box-01", d.Hostname)
				assert.Equal(t, "offline", d.Status)
			}
		}
		assert.True(t, found, "enrolled device missing from listing")
	})

	t.Run("get by id", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/devices/"+device.ID.String(), nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var d store.Device
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
		assert.Equal(t, device.AgentID, d.AgentID)
	})

	t.Run("get unknown device", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/devices/b0d1a9f2-0000-0000-0000-000000000000", nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("rename", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "PATCH", "/api/devices/"+device.ID.String(),
			dto.RenameDeviceRequest{DisplayName: "CI runner"}, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		renamed, err := env.Devices.Get(ctx, device.ID)
		require.NoError(t, err)
		assert.Equal(t, "CI runner", renamed.DisplayName)
	})

	t.Run("re-enroll keeps identity", func(t *testing.T) {
		again, err := env.Devices.Enroll(ctx, "agent-systemtest-1", store.DeviceInfo{
			Hostname:     "build-box-01",
			OSType:       "linux",
			OSVersion:    "6.9",
			Architecture: "amd64",
			AgentVersion: "1.1.0",
		})
		require.NoError(t, err)
		assert.Equal(t, device.ID, again.ID)
		assert.Equal(t, "1.1.0", again.AgentVersion)
	})

	t.Run("metrics history", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, env.Telemetry.SaveMetrics(ctx, device.ID, &dataplane.MetricsSample{
				AgentID:       device.AgentID,
				Timestamp:     time.Now().UTC().Add(time.Duration(-i) * time.Minute),
				CPUPercent:    float64(20 + i),
				MemoryPercent: 40,
				ProcessCount:  120,
			}))
		}

		rr := doJSONWithAuth(env.Router, "GET", "/api/devices/"+device.ID.String()+"/metrics?limit=2", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var samples []dataplane.MetricsSample
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &samples))
		assert.Len(t, samples, 2)
	})
}
