package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/overcast-hq/overcast/internal/api/http/dto"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/ws"
)

type SessionHandler struct {
	devices *store.DeviceStore
	mux     *control.Multiplexer
	hub     *ws.Hub
}

func NewSessionHandler(devices *store.DeviceStore, mux *control.Multiplexer, hub *ws.Hub) *SessionHandler {
	return &SessionHandler{
		devices: devices,
		mux:     mux,
		hub:     hub,
	}
}

func (h *SessionHandler) StartTerminal(c *gin.Context) {
	var req dto.StartTerminalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.start(c, control.KindTerminal, req)
}

func (h *SessionHandler) StartRemote(c *gin.Context) {
	var req dto.StartRemoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.start(c, control.KindRemoteDesktop, req)
}

func (h *SessionHandler) start(c *gin.Context, kind control.SessionKind, params any) {
	device, ok := deviceFromPath(c, h.devices)
	if !ok {
		return
	}

	sessionID, err := h.mux.StartSession(c.Request.Context(), kind, device.ID, device.AgentID, params)
	if err != nil {
		if errors.Is(err, control.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
			return
		}
		if errors.Is(err, control.ErrRequestTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "device did not respond in time"})
			return
		}
		slog.Error("Failed to start session",
			"device_id", device.ID,
			"kind", kind.String(),
			"error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	// The starting operator's dashboard connections become viewers, so
	// frames start flowing without a separate attach round-trip.
	h.attachUser(c, sessionID)

	c.JSON(http.StatusCreated, dto.SessionResponse{
		SessionID: sessionID,
		Kind:      kind.String(),
		DeviceID:  device.ID.String(),
	})
}

// Attach joins the caller's dashboard connections to an existing session as
// pass-through viewers.
func (h *SessionHandler) Attach(c *gin.Context) {
	sessionID := c.Param("sid")
	if _, ok := h.mux.Lookup(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	h.attachUser(c, sessionID)
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) attachUser(c *gin.Context, sessionID string) {
	userID, ok := c.Get("user_id")
	if !ok {
		return
	}
	uid, ok := userID.(uuid.UUID)
	if !ok {
		return
	}
	for _, client := range h.hub.ClientsFor(uid) {
		if err := h.mux.Attach(sessionID, client); err != nil {
			return
		}
	}
}

// Input relays keystrokes or input events to the session's agent. The
// frame type follows the session kind.
func (h *SessionHandler) Input(c *gin.Context) {
	sessionID := c.Param("sid")
	sess, ok := h.mux.Lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	if sess.Kind == control.KindRemoteDesktop {
		var req dto.RemoteInputRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := h.mux.SendToSession(sessionID, control.MsgRemoteInput, req); err != nil {
			h.sendError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	var req dto.TerminalInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.mux.SendToSession(sessionID, control.MsgTerminalInput, req); err != nil {
		h.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Resize(c *gin.Context) {
	var req dto.TerminalResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := c.Param("sid")
	sess, ok := h.mux.Lookup(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if sess.Kind != control.KindTerminal {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resize applies to terminal sessions only"})
		return
	}

	if err := h.mux.SendToSession(sessionID, control.MsgTerminalResize, req); err != nil {
		h.sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) Close(c *gin.Context) {
	sessionID := c.Param("sid")
	if err := h.mux.CloseSession(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) sendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, control.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, control.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device is offline"})
	default:
		slog.Error("Session send failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
