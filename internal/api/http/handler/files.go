package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
)

// FileHandler exposes the agent's filesystem over correlated RPCs. File
// operations never queue; an offline device is reported as such.
type FileHandler struct {
	devices    *store.DeviceStore
	registry   *control.Registry
	correlator *control.Correlator
}

func NewFileHandler(devices *store.DeviceStore, registry *control.Registry, correlator *control.Correlator) *FileHandler {
	return &FileHandler{
		devices:    devices,
		registry:   registry,
		correlator: correlator,
	}
}

func (h *FileHandler) List(c *gin.Context) {
	var req dto.ListFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.call(c, control.MsgListFiles, req)
}

func (h *FileHandler) Download(c *gin.Context) {
	var req dto.DownloadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.call(c, control.MsgDownloadFile, req)
}

func (h *FileHandler) Upload(c *gin.Context) {
	var req dto.UploadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.call(c, control.MsgUploadFile, req)
}

func (h *FileHandler) call(c *gin.Context, msgType control.MessageType, payload any) {
	device, ok := deviceFromPath(c, h.devices)
	if !ok {
		return
	}

	if !h.registry.IsConnected(device.AgentID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
		return
	}

	env, err := control.NewEnvelope(msgType, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.correlator.Call(c.Request.Context(), device.AgentID, env, control.CallTimeoutFor(msgType))
	if err != nil {
		switch {
		case errors.Is(err, control.ErrRequestTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not respond in time"})
		case errors.Is(err, control.ErrNotConnected), errors.Is(err, control.ErrAgentDisconnected):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
		default:
			slog.Error("File operation failed", "device_id", device.ID, "type", msgType, "error", err)
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
