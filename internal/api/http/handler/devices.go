package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
)

const defaultMetricsLimit = 100

type DeviceHandler struct {
	devices   *store.DeviceStore
	telemetry *store.TelemetryStore
	registry  *control.Registry
}

func NewDeviceHandler(devices *store.DeviceStore, telemetry *store.TelemetryStore, registry *control.Registry) *DeviceHandler {
	return &DeviceHandler{
		devices:   devices,
		telemetry: telemetry,
		registry:  registry,
	}
}

// deviceFromPath resolves the :id path parameter. It writes the error
// response itself and reports ok=false when the caller should bail.
func (h *DeviceHandler) deviceFromPath(c *gin.Context) (store.Device, bool) {
	return deviceFromPath(c, h.devices)
}

func deviceFromPath(c *gin.Context, devices *store.DeviceStore) (store.Device, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device id"})
		return store.Device{}, false
	}

	device, err := devices.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return store.Device{}, false
		}
		slog.Error("Failed to load device", "device_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return store.Device{}, false
	}
	return device, true
}

func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list devices", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// The registry is the live truth for connectivity; the stored status
	// can lag behind a crash by up to the stale window.
	for i := range devices {
		if h.registry.IsConnected(devices[i].AgentID) {
			devices[i].Status = "online"
		}
	}
	c.JSON(http.StatusOK, devices)
}

func (h *DeviceHandler) Get(c *gin.Context) {
	device, ok := h.deviceFromPath(c)
	if !ok {
		return
	}
	if h.registry.IsConnected(device.AgentID) {
		device.Status = "online"
	}
	c.JSON(http.StatusOK, device)
}

func (h *DeviceHandler) Rename(c *gin.Context) {
	device, ok := h.deviceFromPath(c)
	if !ok {
		return
	}

	var req dto.RenameDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.devices.Rename(c.Request.Context(), device.ID, req.DisplayName); err != nil {
		slog.Error("Failed to rename device", "device_id", device.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	device.DisplayName = req.DisplayName
	c.JSON(http.StatusOK, device)
}

func (h *DeviceHandler) Metrics(c *gin.Context) {
	device, ok := h.deviceFromPath(c)
	if !ok {
		return
	}

	limit := defaultMetricsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = parsed
	}

	samples, err := h.telemetry.RecentMetrics(c.Request.Context(), device.ID, limit)
	if err != nil {
		slog.Error("Failed to load metrics", "device_id", device.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (h *DeviceHandler) Software(c *gin.Context) {
	device, ok := h.deviceFromPath(c)
	if !ok {
		return
	}

	packages, err := h.telemetry.Software(c.Request.Context(), device.ID)
	if err != nil {
		slog.Error("Failed to load software inventory", "device_id", device.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, packages)
}
