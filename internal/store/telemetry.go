package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/overcast-hq/overcast/internal/dataplane"
)

// TelemetryStore persists everything agents stream over the data plane:
// metric samples, inventory snapshots, log batches, and reassembled
// uploads.
type TelemetryStore struct {
	pool *pgxpool.Pool
}

func NewTelemetryStore(pool *pgxpool.Pool) *TelemetryStore {
	return &TelemetryStore{pool: pool}
}

func (s *TelemetryStore) SaveMetrics(ctx context.Context, deviceID uuid.UUID, sample *dataplane.MetricsSample) error {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_metrics (
			device_id, timestamp, cpu_percent, memory_percent, memory_used_bytes, memory_total_bytes,
			disk_percent, disk_used_bytes, disk_total_bytes, network_rx_bytes, network_tx_bytes, process_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		deviceID, ts, sample.CPUPercent, sample.MemoryPercent,
		int64(sample.MemoryUsedBytes), int64(sample.MemoryTotalBytes),
		sample.DiskPercent, int64(sample.DiskUsedBytes), int64(sample.DiskTotalBytes),
		int64(sample.NetworkRxBytes), int64(sample.NetworkTxBytes), sample.ProcessCount)
	if err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}

// RecentMetrics returns the newest samples for a device, newest first.
func (s *TelemetryStore) RecentMetrics(ctx context.Context, deviceID uuid.UUID, limit int) ([]dataplane.MetricsSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, cpu_percent, memory_percent, memory_used_bytes, memory_total_bytes,
			disk_percent, disk_used_bytes, disk_total_bytes, network_rx_bytes, network_tx_bytes, process_count
		FROM device_metrics WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent metrics: %w", err)
	}
	defer rows.Close()

	var out []dataplane.MetricsSample
	for rows.Next() {
		var m dataplane.MetricsSample
		var memUsed, memTotal, diskUsed, diskTotal, rx, tx int64
		if err := rows.Scan(&m.Timestamp, &m.CPUPercent, &m.MemoryPercent, &memUsed, &memTotal,
			&m.DiskPercent, &diskUsed, &diskTotal, &rx, &tx, &m.ProcessCount); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		m.MemoryUsedBytes = uint64(memUsed)
		m.MemoryTotalBytes = uint64(memTotal)
		m.DiskUsedBytes = uint64(diskUsed)
		m.DiskTotalBytes = uint64(diskTotal)
		m.NetworkRxBytes = uint64(rx)
		m.NetworkTxBytes = uint64(tx)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveInventory replaces the software inventory for a device with the
// freshly uploaded snapshot and refreshes the reported device attributes.
func (s *TelemetryStore) SaveInventory(ctx context.Context, deviceID uuid.UUID, inv *dataplane.InventoryUpload) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM device_software WHERE device_id = $1`, deviceID); err != nil {
			return fmt.Errorf("clear inventory: %w", err)
		}
		for _, pkg := range inv.Software {
			if _, err := tx.Exec(ctx, `
				INSERT INTO device_software (device_id, name, version, publisher)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (device_id, name, version) DO UPDATE SET
					publisher = EXCLUDED.publisher, collected_at = NOW()`,
				deviceID, pkg.Name, pkg.Version, pkg.Publisher); err != nil {
				return fmt.Errorf("insert software row: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE devices SET
				hostname = COALESCE(NULLIF($1, ''), hostname),
				os_type = COALESCE(NULLIF($2, ''), os_type),
				os_version = COALESCE(NULLIF($3, ''), os_version),
				architecture = COALESCE(NULLIF($4, ''), architecture),
				agent_version = COALESCE(NULLIF($5, ''), agent_version),
				updated_at = NOW()
			WHERE id = $6`,
			inv.Hostname, inv.OS, inv.OSVersion, inv.Arch, inv.AgentVersion, deviceID); err != nil {
			return fmt.Errorf("refresh device attributes: %w", err)
		}
		return nil
	})
}

// Software lists the current inventory snapshot for a device.
func (s *TelemetryStore) Software(ctx context.Context, deviceID uuid.UUID) ([]dataplane.SoftwarePackage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, version, publisher FROM device_software
		WHERE device_id = $1 ORDER BY name, version`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list software: %w", err)
	}
	defer rows.Close()

	var out []dataplane.SoftwarePackage
	for rows.Next() {
		var pkg dataplane.SoftwarePackage
		if err := rows.Scan(&pkg.Name, &pkg.Version, &pkg.Publisher); err != nil {
			return nil, fmt.Errorf("scan software: %w", err)
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

func (s *TelemetryStore) SaveLogs(ctx context.Context, deviceID uuid.UUID, entries []dataplane.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO device_logs (device_id, timestamp, level, source, message)
			VALUES ($1, $2, $3, $4, $5)`,
			deviceID, e.Timestamp, e.Level, e.Source, e.Message)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save logs: %w", err)
	}
	return nil
}

// StoreFile keeps a reassembled file upload.
func (s *TelemetryStore) StoreFile(ctx context.Context, deviceID uuid.UUID, filePath string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_uploads (device_id, kind, name, content, size_bytes)
		VALUES ($1, 'file', $2, $3, $4)`,
		deviceID, filePath, data, len(data))
	if err != nil {
		return fmt.Errorf("store file upload: %w", err)
	}
	return nil
}

// StoreBulk keeps a reassembled bulk payload (diagnostics, dumps, traces).
func (s *TelemetryStore) StoreBulk(ctx context.Context, deviceID uuid.UUID, dataType, transferID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_uploads (device_id, kind, name, content, size_bytes)
		VALUES ($1, $2, $3, $4, $5)`,
		deviceID, dataType, transferID, data, len(data))
	if err != nil {
		return fmt.Errorf("store bulk upload: %w", err)
	}
	return nil
}
