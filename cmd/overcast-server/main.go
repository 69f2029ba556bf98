package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"google.golang.org/grpc/credentials"

	"github.com/overcast-hq/overcast/internal/alerts"
	internalhttp "github.com/overcast-hq/overcast/internal/api/http"
	"github.com/overcast-hq/overcast/internal/auth"
	"github.com/overcast-hq/overcast/internal/cert"
	"github.com/overcast-hq/overcast/internal/cmdqueue"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/dataplane"
	"github.com/overcast-hq/overcast/internal/db"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/users"
	"github.com/overcast-hq/overcast/internal/ws"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Overcast Server", "version", AppVersion)

	if config.Http.JWTSecret == "" {
		slog.Error("JWT secret is not configured")
		os.Exit(1)
	}
	if config.Http.EnrollmentToken == "" {
		slog.Error("Enrollment token is not configured")
		os.Exit(1)
	}

	if err := db.RunMigrations(config.DB.URL, config.DB.Schema); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, config.DB)
	if err != nil {
		slog.Error("Database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	deviceStore := store.NewDeviceStore(pool)
	telemetryStore := store.NewTelemetryStore(pool)
	alertStore := store.NewAlertStore(pool)
	commandStore := store.NewCommandStore(pool)
	userSvc := users.NewService(pool)

	jwtCfg := auth.JWTConfig{Secret: config.Http.JWTSecret, Expiry: config.Http.JWTExpiry}
	authSvc := auth.NewService(userSvc, jwtCfg)

	logger := slog.Default()

	registry := control.NewRegistry(deviceStore, logger)
	defer registry.Stop()
	correlator := control.NewCorrelator(registry, logger)
	mux := control.NewMultiplexer(registry, correlator, logger)
	evaluator := alerts.NewEvaluator(alertStore, logger)
	defer evaluator.Stop()
	queue := cmdqueue.NewQueue(commandStore, logger)
	defer queue.Stop()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	// Reconnecting agents get their buffered backlog replayed.
	dispatcher := cmdqueue.NewDispatcher(queue, correlator, logger)
	registry.OnConnect(func(agentID string, deviceID uuid.UUID) {
		go dispatcher.Drain(ctx, agentID, deviceID)
	})

	var creds credentials.TransportCredentials
	if config.Grpc.TLS.Enabled {
		if config.Grpc.TLS.AutoGenerate {
			_, err := cert.Ensure(
				config.Grpc.TLS.CAFile,
				config.Grpc.TLS.CAKeyFile,
				config.Grpc.TLS.CertFile,
				config.Grpc.TLS.KeyFile,
				&cert.Options{DomainNames: config.Grpc.TLS.DomainNames},
			)
			if err != nil {
				slog.Error("Failed to bootstrap gRPC certificates", "error", err)
				os.Exit(1)
			}
		}

		clientAuth, err := dataplane.ParseClientAuthType(config.Grpc.TLS.ClientAuth)
		if err != nil {
			slog.Error("Invalid gRPC client auth mode", "error", err)
			os.Exit(1)
		}
		creds, err = dataplane.LoadServerCredentials(
			config.Grpc.TLS.CertFile,
			config.Grpc.TLS.KeyFile,
			config.Grpc.TLS.CAFile,
			clientAuth,
		)
		if err != nil {
			slog.Error("Failed to load gRPC credentials", "error", err)
			os.Exit(1)
		}
	}

	dataSvc := dataplane.NewService(config.Http.EnrollmentToken, deviceStore, telemetryStore, evaluator, alertStore, telemetryStore, hub, logger)
	defer dataSvc.Close()
	dataSrv := dataplane.NewServer(fmt.Sprintf(":%d", config.Grpc.Port), dataSvc, creds, logger)

	services := &internalhttp.Services{
		Auth:            authSvc,
		Users:           userSvc,
		Devices:         deviceStore,
		Telemetry:       telemetryStore,
		Alerts:          alertStore,
		Queue:           queue,
		Registry:        registry,
		Correlator:      correlator,
		Mux:             mux,
		Evaluator:       evaluator,
		Hub:             hub,
		Logger:          logger,
		EnrollmentToken: config.Http.EnrollmentToken,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := dataSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dataSrv.StopWithTimeout(shutdownTimeout)
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
