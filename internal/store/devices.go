package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDeviceNotFound = errors.New("device not found")

// Device is the persistent identity behind an agent.
type Device struct {
	ID           uuid.UUID  `json:"id"`
	AgentID      string     `json:"agentId"`
	Hostname     string     `json:"hostname"`
	DisplayName  string     `json:"displayName"`
	OSType       string     `json:"osType"`
	OSVersion    string     `json:"osVersion"`
	Architecture string     `json:"architecture"`
	AgentVersion string     `json:"agentVersion"`
	Status       string     `json:"status"`
	LastSeen     *time.Time `json:"lastSeen"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// DeviceInfo is what an agent reports about itself at connect time.
type DeviceInfo struct {
	Hostname     string `json:"hostname"`
	OSType       string `json:"osType"`
	OSVersion    string `json:"osVersion"`
	Architecture string `json:"architecture"`
	AgentVersion string `json:"agentVersion"`
}

type DeviceStore struct {
	pool *pgxpool.Pool
}

func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const deviceColumns = `id, agent_id, hostname, display_name, os_type, os_version, architecture, agent_version, status, last_seen, created_at, updated_at`

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.AgentID, &d.Hostname, &d.DisplayName, &d.OSType, &d.OSVersion,
		&d.Architecture, &d.AgentVersion, &d.Status, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("scan device: %w", err)
	}
	return d, nil
}

// Enroll creates the device record for a new agent, or refreshes the
// reported attributes of a known one. Called on every successful agent
// authentication so re-imaged machines pick up their old identity.
func (s *DeviceStore) Enroll(ctx context.Context, agentID string, info DeviceInfo) (Device, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO devices (agent_id, hostname, os_type, os_version, architecture, agent_version, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, 'online', NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			os_type = EXCLUDED.os_type,
			os_version = EXCLUDED.os_version,
			architecture = EXCLUDED.architecture,
			agent_version = EXCLUDED.agent_version,
			status = 'online',
			last_seen = NOW(),
			updated_at = NOW()
		RETURNING `+deviceColumns,
		agentID, info.Hostname, info.OSType, info.OSVersion, info.Architecture, info.AgentVersion)
	return scanDevice(row)
}

func (s *DeviceStore) Get(ctx context.Context, id uuid.UUID) (Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

func (s *DeviceStore) GetByAgentID(ctx context.Context, agentID string) (Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE agent_id = $1`, agentID)
	return scanDevice(row)
}

// DeviceIDByAgent resolves an agent identity to its device row.
func (s *DeviceStore) DeviceIDByAgent(ctx context.Context, agentID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM devices WHERE agent_id = $1`, agentID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrDeviceNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve device: %w", err)
	}
	return id, nil
}

func (s *DeviceStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY hostname, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDeviceStatus records connectivity transitions coming from the
// connection registry.
func (s *DeviceStore) SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status string, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $1, last_seen = $2, updated_at = NOW() WHERE id = $3`,
		status, lastSeen, deviceID)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchLastSeen refreshes the heartbeat timestamp, and the agent version
// when the agent reports one.
func (s *DeviceStore) TouchLastSeen(ctx context.Context, deviceID uuid.UUID, agentVersion string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET
			last_seen = NOW(),
			agent_version = CASE WHEN $1 <> '' THEN $1 ELSE agent_version END,
			updated_at = NOW()
		WHERE id = $2`,
		agentVersion, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (s *DeviceStore) Rename(ctx context.Context, deviceID uuid.UUID, displayName string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET display_name = $1, updated_at = NOW() WHERE id = $2`,
		displayName, deviceID)
	if err != nil {
		return fmt.Errorf("rename device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
