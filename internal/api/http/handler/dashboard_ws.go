package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/overcast-hq/overcast/internal/api/http/middleware"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/ws"
)

// DashboardWSHandler upgrades operator browsers onto the event hub. The
// token travels in the query string because browsers cannot set headers on
// websocket upgrades.
type DashboardWSHandler struct {
	verifier middleware.TokenVerifier
	hub      *ws.Hub
	mux      *control.Multiplexer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewDashboardWSHandler(verifier middleware.TokenVerifier, hub *ws.Hub, mux *control.Multiplexer, logger *slog.Logger) *DashboardWSHandler {
	return &DashboardWSHandler{
		verifier: verifier,
		hub:      hub,
		mux:      mux,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *DashboardWSHandler) Serve(c *gin.Context) {
	token := middleware.BearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := h.hub.Register(wsConn, claims.UserID)
	go client.WritePump(ctx)

	// Inbound dashboard traffic is session frames only: terminal input,
	// resize, remote input. Everything else arrives over REST.
	client.ReadPump(ctx, func(env control.Envelope) {
		if !env.Type.IsSessionFrame() || env.SessionID == "" {
			return
		}
		if err := h.mux.SendToSession(env.SessionID, env.Type, json.RawMessage(env.Payload)); err != nil {
			h.logger.Debug("dashboard frame not routed",
				"session_id", env.SessionID,
				"type", env.Type,
				"error", err)
		}
	})
}
