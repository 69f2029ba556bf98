package dataplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/overcast-hq/overcast/internal/alerts"
	"github.com/overcast-hq/overcast/internal/auth"
	"github.com/overcast-hq/overcast/internal/ws"
)

// DeviceResolver maps an agent identity to its enrolled device.
type DeviceResolver interface {
	DeviceIDByAgent(ctx context.Context, agentID string) (uuid.UUID, error)
}

// TelemetryStore persists what agents stream in.
type TelemetryStore interface {
	SaveMetrics(ctx context.Context, deviceID uuid.UUID, sample *MetricsSample) error
	SaveInventory(ctx context.Context, deviceID uuid.UUID, inv *InventoryUpload) error
	SaveLogs(ctx context.Context, deviceID uuid.UUID, entries []LogEntry) error
}

// AlertRecorder persists alerts fired during metric evaluation.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, alert alerts.FiredAlert) error
}

// UploadSink receives fully reassembled file and bulk payloads.
type UploadSink interface {
	StoreFile(ctx context.Context, deviceID uuid.UUID, filePath string, data []byte) error
	StoreBulk(ctx context.Context, deviceID uuid.UUID, dataType, transferID string, data []byte) error
}

// Broadcaster pushes fleet events to connected dashboards.
type Broadcaster interface {
	Broadcast(eventType string, deviceID uuid.UUID, payload any)
}

// AlertSample flattens the reading for rule evaluation.
func (m *MetricsSample) AlertSample() alerts.Sample {
	return alerts.Sample{
		"cpuPercent":     m.CPUPercent,
		"memoryPercent":  m.MemoryPercent,
		"diskPercent":    m.DiskPercent,
		"networkRxBytes": float64(m.NetworkRxBytes),
		"networkTxBytes": float64(m.NetworkTxBytes),
		"processCount":   float64(m.ProcessCount),
	}
}

// Service implements the data-plane upload surface.
type Service struct {
	enrollmentToken string
	devices         DeviceResolver
	store           TelemetryStore
	evaluator       *alerts.Evaluator
	alertsSink      AlertRecorder
	uploads         UploadSink
	broadcaster     Broadcaster
	reassembler     *Reassembler
	logger          *slog.Logger
}

func NewService(
	enrollmentToken string,
	devices DeviceResolver,
	store TelemetryStore,
	evaluator *alerts.Evaluator,
	alertsSink AlertRecorder,
	uploads UploadSink,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *Service {
	return &Service{
		enrollmentToken: enrollmentToken,
		devices:         devices,
		store:           store,
		evaluator:       evaluator,
		alertsSink:      alertsSink,
		uploads:         uploads,
		broadcaster:     broadcaster,
		reassembler:     NewReassembler(logger),
		logger:          logger,
	}
}

// Close stops the background reassembly sweep.
func (s *Service) Close() {
	s.reassembler.Stop()
}

// resolveDevice is the identity gate for every data-plane operation: the
// caller must present the enrollment token as call metadata before the
// self-reported agent ID is trusted.
func (s *Service) resolveDevice(ctx context.Context, agentID string) (uuid.UUID, error) {
	if !auth.VerifyEnrollmentToken(s.enrollmentToken, enrollmentTokenFromContext(ctx)) {
		return uuid.Nil, status.Error(codes.Unauthenticated, "missing or invalid enrollment token")
	}
	if agentID == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "missing agent id")
	}
	deviceID, err := s.devices.DeviceIDByAgent(ctx, agentID)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.PermissionDenied, "unknown agent %s", agentID)
	}
	return deviceID, nil
}

func enrollmentTokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(enrollmentTokenHeader); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (s *Service) StreamMetrics(stream DataPlane_StreamMetricsServer) error {
	ctx := stream.Context()
	var received int64
	// Resolved once on the first sample; one stream carries one agent.
	var deviceID uuid.UUID

	for {
		sample, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&StreamAck{Received: received})
		}
		if err != nil {
			return err
		}

		if deviceID == uuid.Nil {
			deviceID, err = s.resolveDevice(ctx, sample.AgentID)
			if err != nil {
				return err
			}
		}

		if err := s.store.SaveMetrics(ctx, deviceID, sample); err != nil {
			s.logger.Error("failed to persist metrics", "device_id", deviceID, "error", err)
		} else {
			received++
		}

		s.evaluateSample(ctx, deviceID, sample)

		if s.broadcaster != nil {
			s.broadcaster.Broadcast(ws.EventMetrics, deviceID, sample)
		}
	}
}

func (s *Service) evaluateSample(ctx context.Context, deviceID uuid.UUID, sample *MetricsSample) {
	fired, err := s.evaluator.Evaluate(ctx, deviceID, sample.AlertSample())
	if err != nil {
		s.logger.Error("alert evaluation failed", "device_id", deviceID, "error", err)
		return
	}
	for _, alert := range fired {
		if err := s.alertsSink.RecordAlert(ctx, alert); err != nil {
			s.logger.Error("failed to persist alert", "device_id", deviceID, "rule_id", alert.RuleID, "error", err)
			continue
		}
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(ws.EventAlert, deviceID, alert)
		}
	}
}

func (s *Service) UploadInventory(ctx context.Context, in *InventoryUpload) (*StreamAck, error) {
	deviceID, err := s.resolveDevice(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveInventory(ctx, deviceID, in); err != nil {
		return nil, status.Errorf(codes.Internal, "persist inventory: %v", err)
	}
	s.logger.Info("inventory uploaded",
		"device_id", deviceID,
		"hostname", in.Hostname,
		"packages", len(in.Software))
	return &StreamAck{Received: 1}, nil
}

func (s *Service) StreamLogs(stream DataPlane_StreamLogsServer) error {
	ctx := stream.Context()
	var received int64
	var deviceID uuid.UUID

	for {
		batch, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&StreamAck{Received: received})
		}
		if err != nil {
			return err
		}

		if deviceID == uuid.Nil {
			deviceID, err = s.resolveDevice(ctx, batch.AgentID)
			if err != nil {
				return err
			}
		}

		if err := s.store.SaveLogs(ctx, deviceID, batch.Entries); err != nil {
			s.logger.Error("failed to persist log batch", "device_id", deviceID, "error", err)
			continue
		}
		received += int64(len(batch.Entries))
	}
}

func (s *Service) StreamFileChunks(stream DataPlane_StreamFileChunksServer) error {
	ctx := stream.Context()
	var received int64
	var deviceID uuid.UUID

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&StreamAck{Received: received})
		}
		if err != nil {
			return err
		}

		if deviceID == uuid.Nil {
			deviceID, err = s.resolveDevice(ctx, chunk.AgentID)
			if err != nil {
				return err
			}
		}

		data, done, err := s.reassembler.Append(chunk.TransferID, chunk.AgentID, chunk.ChunkData, chunk.IsLast)
		if err != nil {
			return status.Errorf(codes.ResourceExhausted, "file transfer: %v", err)
		}
		received++

		if done {
			if err := s.uploads.StoreFile(ctx, deviceID, chunk.FilePath, data); err != nil {
				return status.Errorf(codes.Internal, "store file: %v", err)
			}
			s.logger.Info("file upload complete",
				"device_id", deviceID,
				"path", chunk.FilePath,
				"bytes", len(data))
		}
	}
}

func (s *Service) StreamBulkData(stream DataPlane_StreamBulkDataServer) error {
	ctx := stream.Context()
	var received int64
	var deviceID uuid.UUID

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&StreamAck{Received: received})
		}
		if err != nil {
			return err
		}

		if deviceID == uuid.Nil {
			deviceID, err = s.resolveDevice(ctx, chunk.AgentID)
			if err != nil {
				return err
			}
		}

		data, done, err := s.reassembler.Append(chunk.TransferID, chunk.AgentID, chunk.ChunkData, chunk.IsLast)
		if err != nil {
			return status.Errorf(codes.ResourceExhausted, "bulk transfer: %v", err)
		}
		received++

		if done {
			if err := s.uploads.StoreBulk(ctx, deviceID, chunk.DataType, chunk.TransferID, data); err != nil {
				return status.Errorf(codes.Internal, "store bulk data: %v", err)
			}
			s.logger.Info("bulk upload complete",
				"device_id", deviceID,
				"data_type", chunk.DataType,
				"bytes", len(data))
		}
	}
}

// Server hosts the data-plane gRPC listener.
type Server struct {
	grpcServer *grpc.Server
	service    *Service
	addr       string
	listener   net.Listener
	logger     *slog.Logger
}

func NewServer(addr string, service *Service, creds credentials.TransportCredentials, logger *slog.Logger) *Server {
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterDataPlaneServer(grpcServer, service)

	return &Server{
		grpcServer: grpcServer,
		service:    service,
		addr:       addr,
		logger:     logger,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis

	s.logger.Info("starting data-plane server", "addr", s.addr)
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve data plane: %w", err)
	}
	return nil
}

// Stop drains in-flight streams, falling back to a hard stop when the
// context expires first.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("stopping data-plane server")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("data-plane server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("data-plane stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}

	s.service.Close()
}

// StopWithTimeout is a convenience wrapper around Stop.
func (s *Server) StopWithTimeout(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Stop(ctx)
}
