package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/store"
)

func AlertRules(t *testing.T, env *Env) {
	ctx := context.Background()
	token := adminToken(t, env)

	var ruleID string

	t.Run("create rule", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/alert-rules", dto.CreateAlertRuleRequest{
			Name:            "high cpu",
			Metric:          "cpu_percent",
			Operator:        "gt",
			Threshold:       90,
			Severity:        "critical",
			CooldownMinutes: 5,
		}, token)
		assert.Equal(t, http.StatusCreated, rr.Code)

		var resp dto.AlertRuleResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Enabled)
		assert.Equal(t, "cpu_percent", resp.Metric)
		ruleID = resp.ID
	})

	t.Run("invalid operator rejected", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "POST", "/api/alert-rules", dto.CreateAlertRuleRequest{
			Name:      "bogus",
			Metric:    "cpu_percent",
			Operator:  "between",
			Threshold: 50,
			Severity:  "warning",
		}, token)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("list rules", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "GET", "/api/alert-rules", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var rules []dto.AlertRuleResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rules))
		assert.NotEmpty(t, rules)
	})

	t.Run("disable rule", func(t *testing.T) {
		enabled := false
		rr := doJSONWithAuth(env.Router, "PATCH", "/api/alert-rules/"+ruleID,
			dto.UpdateAlertRuleRequest{Enabled: &enabled}, token)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rules, err := env.Alerts.EnabledRules(ctx)
		require.NoError(t, err)
		for _, r := range rules {
			assert.NotEqual(t, ruleID, r.ID.String())
		}
	})

	t.Run("fired alerts listed and resolved", func(t *testing.T) {
		device, err := env.Devices.Enroll(ctx, "agent-alert-test", store.DeviceInfo{
			Hostname: "alert-host", OSType: "linux",
		})
		require.NoError(t, err)

		parsed, err := uuid.Parse(ruleID)
		require.NoError(t, err)
		require.NoError(t, env.Alerts.RecordAlert(ctx, alerts.FiredAlert{
			RuleID:   parsed,
			DeviceID: device.ID,
			Severity: "critical",
			Title:    "high cpu",
			Message:  "cpu_percent = 97.20 (threshold gt 90.00)",
			Value:    97.2,
			FiredAt:  time.Now().UTC(),
		}))

		rr := doJSONWithAuth(env.Router, "GET", "/api/alerts?device_id="+device.ID.String(), nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var fired []store.Alert
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fired))
		require.Len(t, fired, 1)
		assert.Equal(t, "open", fired[0].Status)

		rr = doJSONWithAuth(env.Router, "POST", "/api/alerts/"+fired[0].ID.String()+"/resolve", nil, token)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = doJSONWithAuth(env.Router, "GET", "/api/alerts?device_id="+device.ID.String(), nil, token)
		require.Equal(t, http.StatusOK, rr.Code)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fired))
		require.Len(t, fired, 1)
		assert.Equal(t, "resolved", fired[0].Status)
		assert.NotNil(t, fired[0].ResolvedAt)
	})

	t.Run("delete rule", func(t *testing.T) {
		rr := doJSONWithAuth(env.Router, "DELETE", "/api/alert-rules/"+ruleID, nil, token)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = doJSONWithAuth(env.Router, "DELETE", "/api/alert-rules/"+ruleID, nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
