package dataplane

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/overcast-hq/overcast/internal/alerts"
)

type fakeResolver struct {
	devices map[string]uuid.UUID
}

func (f *fakeResolver) DeviceIDByAgent(_ context.Context, agentID string) (uuid.UUID, error) {
	id, ok := f.devices[agentID]
	if !ok {
		return uuid.Nil, errors.New("unknown agent")
	}
	return id, nil
}

type fakeTelemetryStore struct {
	mu        sync.Mutex
	metrics   []MetricsSample
	inventory []InventoryUpload
	logs      []LogEntry
}

func (f *fakeTelemetryStore) SaveMetrics(_ context.Context, _ uuid.UUID, sample *MetricsSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, *sample)
	return nil
}

func (f *fakeTelemetryStore) SaveInventory(_ context.Context, _ uuid.UUID, inv *InventoryUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventory = append(f.inventory, *inv)
	return nil
}

func (f *fakeTelemetryStore) SaveLogs(_ context.Context, _ uuid.UUID, entries []LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeTelemetryStore) metricCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metrics)
}

type fakeAlertRecorder struct {
	mu    sync.Mutex
	fired []alerts.FiredAlert
}

func (f *fakeAlertRecorder) RecordAlert(_ context.Context, alert alerts.FiredAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, alert)
	return nil
}

func (f *fakeAlertRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

type fakeUploadSink struct {
	mu    sync.Mutex
	files map[string][]byte
	bulk  map[string][]byte
}

func newFakeUploadSink() *fakeUploadSink {
	return &fakeUploadSink{files: make(map[string][]byte), bulk: make(map[string][]byte)}
}

func (f *fakeUploadSink) StoreFile(_ context.Context, _ uuid.UUID, filePath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filePath] = data
	return nil
}

func (f *fakeUploadSink) StoreBulk(_ context.Context, _ uuid.UUID, dataType, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulk[dataType] = data
	return nil
}

type staticRuleSource struct {
	rules []alerts.Rule
}

func (s *staticRuleSource) EnabledRules(_ context.Context) ([]alerts.Rule, error) {
	return s.rules, nil
}

const testEnrollmentToken = "fleet-data-secret"

type testHarness struct {
	client    DataPlaneClient
	lis       *bufconn.Listener
	store     *fakeTelemetryStore
	alertsOut *fakeAlertRecorder
	uploads   *fakeUploadSink
	deviceID  uuid.UUID
}

func startTestServer(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deviceID := uuid.New()
	store := &fakeTelemetryStore{}
	alertsOut := &fakeAlertRecorder{}
	uploads := newFakeUploadSink()

	evaluator := alerts.NewEvaluator(&staticRuleSource{rules: []alerts.Rule{{
		ID:              uuid.New(),
		Name:            "High CPU",
		Metric:          "cpuPercent",
		Operator:        "gt",
		Threshold:       80,
		Severity:        "warning",
		CooldownMinutes: 15,
		Enabled:         true,
	}}}, logger)
	t.Cleanup(evaluator.Stop)

	service := NewService(
		testEnrollmentToken,
		&fakeResolver{devices: map[string]uuid.UUID{"agent-1": deviceID}},
		store,
		evaluator,
		alertsOut,
		uploads,
		nil,
		logger,
	)
	t.Cleanup(service.Close)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterDataPlaneServer(srv, service)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn := dialTestServer(t, lis, grpc.WithPerRPCCredentials(tokenCredentials{token: testEnrollmentToken}))

	return &testHarness{
		client:    NewDataPlaneClient(conn),
		lis:       lis,
		store:     store,
		alertsOut: alertsOut,
		uploads:   uploads,
		deviceID:  deviceID,
	}
}

func dialTestServer(t *testing.T, lis *bufconn.Listener, extra ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()

	opts := append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, extra...)

	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestService_StreamMetrics(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamMetrics(ctx)
	require.NoError(t, err)

	samples := []float64{40, 85, 90}
	for _, cpu := range samples {
		require.NoError(t, stream.Send(&MetricsSample{
			AgentID:       "agent-1",
			Timestamp:     time.Now().UTC(),
			CPUPercent:    cpu,
			MemoryPercent: 55,
			ProcessCount:  120,
		}))
	}

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(3), ack.Received)
	assert.Equal(t, 3, h.store.metricCount())

	// Two samples crossed the threshold but the cooldown admits one alert.
	assert.Equal(t, 1, h.alertsOut.count())
}

func TestService_StreamMetrics_UnknownAgent(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamMetrics(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&MetricsSample{AgentID: "agent-unknown", CPUPercent: 10}))

	_, err = stream.CloseAndRecv()
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestService_RejectsMissingToken(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A client that knows an enrolled agent ID but carries no token must
	// not be able to inject telemetry for that device.
	bare := NewDataPlaneClient(dialTestServer(t, h.lis))

	stream, err := bare.StreamMetrics(ctx)
	require.NoError(t, err)
	_ = stream.Send(&MetricsSample{AgentID: "agent-1", CPUPercent: 99})
	_, err = stream.CloseAndRecv()
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 0, h.store.metricCount())

	_, err = bare.UploadInventory(ctx, &InventoryUpload{AgentID: "agent-1", Hostname: "rogue"})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestService_RejectsWrongToken(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewDataPlaneClient(dialTestServer(t, h.lis,
		grpc.WithPerRPCCredentials(tokenCredentials{token: "not-the-secret"})))

	_, err := client.UploadInventory(ctx, &InventoryUpload{AgentID: "agent-1", Hostname: "rogue"})
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestService_UploadInventory(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := h.client.UploadInventory(ctx, &InventoryUpload{
		AgentID:      "agent-1",
		Hostname:     "ws-042",
		OS:           "linux",
		AgentVersion: "1.4.0",
		Software:     []SoftwarePackage{{Name: "openssh", Version: "9.8"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Received)

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	require.Len(t, h.store.inventory, 1)
	assert.Equal(t, "ws-042", h.store.inventory[0].Hostname)
}

func TestService_StreamLogs(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamLogs(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&LogBatch{
		AgentID: "agent-1",
		Entries: []LogEntry{
			{Timestamp: time.Now().UTC(), Level: "info", Message: "service started"},
			{Timestamp: time.Now().UTC(), Level: "error", Message: "disk read failed"},
		},
	}))

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Received)
}

func TestService_StreamFileChunks(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamFileChunks(ctx)
	require.NoError(t, err)

	transferID := uuid.New().String()
	require.NoError(t, stream.Send(&FileChunk{
		AgentID:    "agent-1",
		TransferID: transferID,
		FilePath:   "/var/log/syslog",
		ChunkData:  []byte("part one, "),
	}))
	require.NoError(t, stream.Send(&FileChunk{
		AgentID:    "agent-1",
		TransferID: transferID,
		FilePath:   "/var/log/syslog",
		ChunkData:  []byte("part two"),
		IsLast:     true,
	}))

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Received)

	h.uploads.mu.Lock()
	defer h.uploads.mu.Unlock()
	assert.Equal(t, []byte("part one, part two"), h.uploads.files["/var/log/syslog"])
}

func TestService_StreamBulkData(t *testing.T) {
	h := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamBulkData(ctx)
	require.NoError(t, err)

	transferID := uuid.New().String()
	require.NoError(t, stream.Send(&BulkChunk{
		AgentID:     "agent-1",
		TransferID:  transferID,
		DataType:    "diagnostics",
		ChunkIndex:  0,
		TotalChunks: 2,
		ChunkData:   []byte("diag-a"),
	}))
	require.NoError(t, stream.Send(&BulkChunk{
		AgentID:     "agent-1",
		TransferID:  transferID,
		DataType:    "diagnostics",
		ChunkIndex:  1,
		TotalChunks: 2,
		ChunkData:   []byte("diag-b"),
		IsLast:      true,
	}))

	ack, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Received)

	h.uploads.mu.Lock()
	defer h.uploads.mu.Unlock()
	assert.Equal(t, []byte("diag-adiag-b"), h.uploads.bulk["diagnostics"])
}
