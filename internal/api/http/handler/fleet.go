package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
)

type FleetHandler struct {
	devices    *store.DeviceStore
	registry   *control.Registry
	correlator *control.Correlator
}

func NewFleetHandler(devices *store.DeviceStore, registry *control.Registry, correlator *control.Correlator) *FleetHandler {
	return &FleetHandler{
		devices:    devices,
		registry:   registry,
		correlator: correlator,
	}
}

// Diagnostics collects a diagnostics bundle from one device. The collection
// budget is wide because agents gather logs and system state on demand.
func (h *FleetHandler) Diagnostics(c *gin.Context) {
	device, ok := deviceFromPath(c, h.devices)
	if !ok {
		return
	}

	if !h.registry.IsConnected(device.AgentID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
		return
	}

	env, err := control.NewEnvelope(control.MsgCollectDiag, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp, err := h.correlator.Call(c.Request.Context(), device.AgentID, env, control.DiagnosticsCallTimeout)
	if err != nil {
		switch {
		case errors.Is(err, control.ErrRequestTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not respond in time"})
		case errors.Is(err, control.ErrNotConnected), errors.Is(err, control.ErrAgentDisconnected):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
		default:
			slog.Error("Diagnostics collection failed", "device_id", device.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	if !resp.Success {
		c.JSON(http.StatusBadGateway, gin.H{"error": resp.Error})
		return
	}
	c.Data(http.StatusOK, "application/json", resp.Data)
}

// CheckUpdate tells every connected agent to compare its version against
// the latest release. Fire and forget; agents report back through events.
func (h *FleetHandler) CheckUpdate(c *gin.Context) {
	env, err := control.NewEnvelope(control.MsgCheckUpdate, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	agents := h.registry.ConnectedAgents()
	notified := 0
	for _, agentID := range agents {
		if err := h.registry.Send(agentID, env); err != nil {
			slog.Warn("Update check not delivered", "agent_id", agentID, "error", err)
			continue
		}
		notified++
	}

	c.JSON(http.StatusOK, gin.H{
		"notified": notified,
		"total":    len(agents),
	})
}
