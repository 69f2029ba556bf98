package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/api/http/handler"
	"github.com/overcast-hq/overcast/internal/api/http/middleware"
	"github.com/overcast-hq/overcast/internal/auth"
	"github.com/overcast-hq/overcast/internal/cmdqueue"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/users"
	"github.com/overcast-hq/overcast/internal/ws"
)

// Services carries everything the route tree needs. main assembles it.
type Services struct {
	Auth       *auth.Service
	Users      *users.Service
	Devices    *store.DeviceStore
	Telemetry  *store.TelemetryStore
	Alerts     *store.AlertStore
	Queue      *cmdqueue.Queue
	Registry   *control.Registry
	Correlator *control.Correlator
	Mux        *control.Multiplexer
	Evaluator  *alerts.Evaluator
	Hub        *ws.Hub
	Logger     *slog.Logger

	EnrollmentToken string
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(srvs.Auth, srvs.Users)
	deviceHandler := handler.NewDeviceHandler(srvs.Devices, srvs.Telemetry, srvs.Registry)
	commandHandler := handler.NewCommandHandler(srvs.Devices, srvs.Registry, srvs.Correlator, srvs.Queue)
	sessionHandler := handler.NewSessionHandler(srvs.Devices, srvs.Mux, srvs.Hub)
	fileHandler := handler.NewFileHandler(srvs.Devices, srvs.Registry, srvs.Correlator)
	fleetHandler := handler.NewFleetHandler(srvs.Devices, srvs.Registry, srvs.Correlator)
	alertHandler := handler.NewAlertHandler(srvs.Alerts)

	agentWS := handler.NewAgentWSHandler(
		srvs.EnrollmentToken,
		srvs.Devices,
		srvs.Registry,
		srvs.Correlator,
		srvs.Mux,
		srvs.Evaluator,
		srvs.Alerts,
		srvs.Hub,
		srvs.Logger,
	)
	dashboardWS := handler.NewDashboardWSHandler(srvs.Auth, srvs.Hub, srvs.Mux, srvs.Logger)

	enrollLimiter := middleware.NewRateLimiter(0, 0)
	engine.GET("/ws/agent", enrollLimiter.Middleware(), agentWS.Serve)
	engine.GET("/ws/dashboard", dashboardWS.Serve)

	api := engine.Group("/api")
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWTAuth(srvs.Auth))
	{
		authed.GET("/devices", deviceHandler.List)
		authed.GET("/devices/:id", deviceHandler.Get)
		authed.PATCH("/devices/:id", deviceHandler.Rename)
		authed.GET("/devices/:id/metrics", deviceHandler.Metrics)
		authed.GET("/devices/:id/software", deviceHandler.Software)

		authed.POST("/devices/:id/commands", commandHandler.Dispatch)
		authed.GET("/commands/:id", commandHandler.Get)

		authed.POST("/devices/:id/terminal", sessionHandler.StartTerminal)
		authed.POST("/devices/:id/remote", sessionHandler.StartRemote)
		authed.POST("/sessions/:sid/attach", sessionHandler.Attach)
		authed.POST("/sessions/:sid/input", sessionHandler.Input)
		authed.POST("/sessions/:sid/resize", sessionHandler.Resize)
		authed.DELETE("/sessions/:sid", sessionHandler.Close)

		authed.POST("/devices/:id/files/list", fileHandler.List)
		authed.POST("/devices/:id/files/download", fileHandler.Download)
		authed.POST("/devices/:id/files/upload", fileHandler.Upload)

		authed.POST("/devices/:id/diagnostics", fleetHandler.Diagnostics)
		authed.POST("/fleet/check-update", fleetHandler.CheckUpdate)

		authed.GET("/alerts", alertHandler.ListAlerts)
		authed.POST("/alerts/:id/resolve", alertHandler.ResolveAlert)
		authed.GET("/alert-rules", alertHandler.ListRules)
		authed.POST("/alert-rules", alertHandler.CreateRule)
		authed.PATCH("/alert-rules/:id", alertHandler.UpdateRule)
		authed.DELETE("/alert-rules/:id", alertHandler.DeleteRule)

		admin := authed.Group("/users")
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.GET("", authHandler.ListUsers)
			admin.POST("", authHandler.CreateUser)
		}
	}
}
