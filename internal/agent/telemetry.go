package agent

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/overcast-hq/overcast/internal/dataplane"
)

const (
	telemetryInterval = 30 * time.Second
	// metricsBatchSize samples go out per stream before it is closed for
	// an ack, so the server acknowledges progress at a steady cadence.
	metricsBatchSize = 10
	uploadTimeout    = 30 * time.Second
)

// Telemetry pushes inventory and metrics batches over the gRPC data plane.
// It reconnects with the same backoff schedule as the control client.
type Telemetry struct {
	serverAddr      string
	enrollmentToken string
	tlsCfg          *dataplane.ClientTLSConfig
	agentID         string
	agentVersion    string
	collector       *Collector
	logger          *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewTelemetry(serverAddr, enrollmentToken string, tlsCfg *dataplane.ClientTLSConfig, agentID, agentVersion string, logger *slog.Logger) *Telemetry {
	return &Telemetry{
		serverAddr:      serverAddr,
		enrollmentToken: enrollmentToken,
		tlsCfg:          tlsCfg,
		agentID:         agentID,
		agentVersion:    agentVersion,
		collector:       NewCollector(agentID),
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

func (t *Telemetry) Start() {
	go t.run()
}

func (t *Telemetry) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Telemetry) run() {
	defer close(t.doneCh)

	delay := initialDelay
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn, err := dataplane.Dial(t.serverAddr, t.enrollmentToken, t.tlsCfg)
		if err != nil {
			t.logger.Error("data plane dial failed", "error", err, "retry_in", delay)
			if !t.sleep(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		delay = initialDelay
		err = t.serve(conn)
		conn.Close()
		if err != nil {
			t.logger.Error("data plane stream failed", "error", err, "retry_in", delay)
		}

		if !t.sleep(delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= backoffFactor
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func (t *Telemetry) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.stopCh:
		return false
	}
}

// serve uploads a fresh inventory snapshot and then streams metrics batches
// until the connection breaks or the streamer is stopped.
func (t *Telemetry) serve(conn *grpc.ClientConn) error {
	client := dataplane.NewDataPlaneClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	ack, err := client.UploadInventory(ctx, Inventory(t.agentID, t.agentVersion))
	cancel()
	if err != nil {
		return err
	}
	t.logger.Info("inventory uploaded", "received", ack.Received)

	for {
		if err := t.streamBatch(client); err != nil {
			return err
		}
		select {
		case <-t.stopCh:
			return nil
		default:
		}
	}
}

func (t *Telemetry) streamBatch(client dataplane.DataPlaneClient) error {
	stream, err := client.StreamMetrics(context.Background())
	if err != nil {
		return err
	}

	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	sent := 0
	for sent < metricsBatchSize {
		select {
		case <-t.stopCh:
			stream.CloseAndRecv()
			return nil
		case <-ticker.C:
			if err := stream.Send(t.collector.Collect()); err != nil {
				return err
			}
			sent++
		}
	}

	ack, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	t.logger.Debug("metrics batch acknowledged", "received", ack.Received)
	return nil
}
