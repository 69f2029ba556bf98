package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/cmdqueue"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
)

// queueableCommands are the operations that may be buffered for an offline
// device. Interactive operations (sessions, file transfer, diagnostics)
// require a live connection and have their own endpoints.
var queueableCommands = map[string]control.MessageType{
	"execute_command": control.MsgExecuteCommand,
	"execute_script":  control.MsgExecuteScript,
	"check_update":    control.MsgCheckUpdate,
}

type CommandHandler struct {
	devices    *store.DeviceStore
	registry   *control.Registry
	correlator *control.Correlator
	queue      *cmdqueue.Queue
}

func NewCommandHandler(devices *store.DeviceStore, registry *control.Registry, correlator *control.Correlator, queue *cmdqueue.Queue) *CommandHandler {
	return &CommandHandler{
		devices:    devices,
		registry:   registry,
		correlator: correlator,
		queue:      queue,
	}
}

// Dispatch runs a command on a device: immediately over the live connection
// when the agent is online, through the durable queue otherwise.
func (h *CommandHandler) Dispatch(c *gin.Context) {
	device, ok := deviceFromPath(c, h.devices)
	if !ok {
		return
	}

	var req dto.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgType, ok := queueableCommands[req.Type]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported command type"})
		return
	}

	if h.registry.IsConnected(device.AgentID) {
		env, err := control.NewEnvelope(msgType, req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := h.correlator.Call(c.Request.Context(), device.AgentID, env, control.CallTimeoutFor(msgType))
		switch {
		case err == nil:
			if resp.Success {
				c.JSON(http.StatusOK, dto.CommandResponse{Status: "completed", Result: resp.Data})
			} else {
				c.JSON(http.StatusOK, dto.CommandResponse{Status: "failed", Error: resp.Error})
			}
			return
		case errors.Is(err, control.ErrRequestTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not respond in time"})
			return
		case errors.Is(err, control.ErrNotConnected), errors.Is(err, control.ErrAgentDisconnected):
			// Lost the connection between the check and the send; fall
			// through to the offline path.
		default:
			slog.Error("Command dispatch failed", "device_id", device.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	opts := cmdqueue.EnqueueOptions{
		Priority: req.Priority,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	}
	id, err := h.queue.Enqueue(c.Request.Context(), device.ID, req.Type, req.Payload, opts)
	if err != nil {
		slog.Error("Failed to queue command", "device_id", device.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusAccepted, dto.CommandResponse{Status: "queued", CommandID: id.String()})
}

// Get reports the lifecycle state of a queued command.
func (h *CommandHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid command id"})
		return
	}

	cmd, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, cmdqueue.ErrCommandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
			return
		}
		slog.Error("Failed to load command", "command_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, cmd)
}
