package main

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/overcast-hq/overcast/internal/agent"
	"github.com/overcast-hq/overcast/internal/dataplane"
)

var AppVersion = "dev"

func main() {
	InitConfig()

	slog.Info("Overcast Agent", "version", AppVersion)

	if config.Server.EnrollmentToken == "" {
		slog.Error("ENROLLMENT_TOKEN is required")
		os.Exit(1)
	}

	client, err := agent.NewClient(agent.ClientConfig{
		ServerURL:       config.Server.WsURL,
		AgentID:         config.Server.AgentID,
		EnrollmentToken: config.Server.EnrollmentToken,
		AgentVersion:    AppVersion,
		ConfigPath:      configPath,
	}, slog.Default())
	if err != nil {
		slog.Error("Failed to create control client", "error", err)
		os.Exit(1)
	}

	if err := client.Start(); err != nil {
		slog.Error("Failed to start control client", "error", err)
		os.Exit(1)
	}

	telemetry := agent.NewTelemetry(
		config.Grpc.ServerAddress,
		config.Server.EnrollmentToken,
		&dataplane.ClientTLSConfig{
			Enabled:            config.Grpc.TLS.Enabled,
			CAFile:             config.Grpc.TLS.CAFile,
			ServerNameOverride: config.Grpc.TLS.ServerNameOverride,
		},
		client.AgentID(),
		AppVersion,
		slog.Default(),
	)
	telemetry.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Stop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		telemetry.Stop()
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
