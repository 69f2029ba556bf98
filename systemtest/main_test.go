package systemtest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/api/http"
	"github.com/overcast-hq/overcast/internal/auth"
	"github.com/overcast-hq/overcast/internal/cmdqueue"
	"github.com/overcast-hq/overcast/internal/control"
	"github.com/overcast-hq/overcast/internal/db"
	"github.com/overcast-hq/overcast/internal/store"
	"github.com/overcast-hq/overcast/internal/users"
	"github.com/overcast-hq/overcast/internal/ws"
	"github.com/overcast-hq/overcast/systemtest/postgres"
	"github.com/overcast-hq/overcast/systemtest/tests"
)

const (
	testJWTSecret  = "systemtest-jwt-secret"
	testEnrollment = "systemtest-enrollment-token"
	testSchema     = "overcast"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration tests in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := postgres.Start(ctx, "overcast", "overcast", "overcast")
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer postgres.Terminate(context.Background(), container)

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := db.RunMigrations(dbURL, testSchema); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := db.Connect(ctx, db.Config{URL: dbURL, Schema: testSchema})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	logger := slog.Default()

	deviceStore := store.NewDeviceStore(pool)
	telemetryStore := store.NewTelemetryStore(pool)
	alertStore := store.NewAlertStore(pool)
	commandStore := store.NewCommandStore(pool)
	userSvc := users.NewService(pool)

	if _, err := userSvc.Create(ctx, "admin@overcast.test", "changeme123", "Admin", "Root", "admin"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	authSvc := auth.NewService(userSvc, auth.JWTConfig{Secret: testJWTSecret, Expiry: time.Hour})

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

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	http.SetupRoute(engine, &http.Services{
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
		EnrollmentToken: testEnrollment,
	})

	env := &tests.Env{
		Router:    engine,
		Devices:   deviceStore,
		Telemetry: telemetryStore,
		Alerts:    alertStore,
	}

	t.Run("Auth", func(t *testing.T) { tests.Auth(t, env) })
	t.Run("Users", func(t *testing.T) { tests.Users(t, env) })
	t.Run("Devices", func(t *testing.T) { tests.Devices(t, env) })
	t.Run("AlertRules", func(t *testing.T) { tests.AlertRules(t, env) })
	t.Run("OfflineCommands", func(t *testing.T) { tests.OfflineCommands(t, env) })
}
