package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/overcast-hq/overcast/internal/cmdqueue"
)

// CommandStore is the durable backing for the offline command queue.
type CommandStore struct {
	pool *pgxpool.Pool
}

func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

const commandColumns = `id, device_id, command_type, payload, priority, status, attempts, max_attempts, detail, expires_at, created_at, updated_at`

func scanCommand(row pgx.Row) (cmdqueue.Command, error) {
	var c cmdqueue.Command
	var status string
	err := row.Scan(&c.ID, &c.DeviceID, &c.CommandType, &c.Payload, &c.Priority, &status,
		&c.Attempts, &c.MaxAttempts, &c.Detail, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cmdqueue.Command{}, cmdqueue.ErrCommandNotFound
	}
	if err != nil {
		return cmdqueue.Command{}, fmt.Errorf("scan command: %w", err)
	}
	c.Status = cmdqueue.Status(status)
	return c, nil
}

func (s *CommandStore) Insert(ctx context.Context, cmd *cmdqueue.Command) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queued_commands (id, device_id, command_type, payload, priority, status, attempts, max_attempts, detail, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cmd.ID, cmd.DeviceID, cmd.CommandType, cmd.Payload, cmd.Priority, string(cmd.Status),
		cmd.Attempts, cmd.MaxAttempts, cmd.Detail, cmd.ExpiresAt, cmd.CreatedAt, cmd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (s *CommandStore) Get(ctx context.Context, id uuid.UUID) (cmdqueue.Command, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM queued_commands WHERE id = $1`, id)
	return scanCommand(row)
}

func (s *CommandStore) Deliverable(ctx context.Context, deviceID uuid.UUID, now time.Time) ([]cmdqueue.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandColumns+` FROM queued_commands
		WHERE device_id = $1
			AND status IN ('queued', 'pending')
			AND expires_at > $2
			AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC`,
		deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("load deliverable commands: %w", err)
	}
	defer rows.Close()

	var out []cmdqueue.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CommandStore) RecordAttempt(ctx context.Context, id uuid.UUID, now time.Time) (cmdqueue.Command, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queued_commands
		SET attempts = attempts + 1, status = 'delivered', updated_at = $2
		WHERE id = $1
			AND status IN ('queued', 'pending')
			AND attempts < max_attempts
		RETURNING `+commandColumns,
		id, now)
	cmd, err := scanCommand(row)
	if errors.Is(err, cmdqueue.ErrCommandNotFound) {
		// Distinguish a missing row from one that is no longer
		// deliverable.
		if _, getErr := s.Get(ctx, id); getErr == nil {
			return cmdqueue.Command{}, cmdqueue.ErrTerminalState
		}
		return cmdqueue.Command{}, cmdqueue.ErrCommandNotFound
	}
	return cmd, err
}

func (s *CommandStore) SetStatus(ctx context.Context, id uuid.UUID, status cmdqueue.Status, detail string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_commands
		SET status = $2, detail = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'expired')`,
		id, string(status), detail, now)
	if err != nil {
		return fmt.Errorf("set command status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, id); getErr == nil {
			return cmdqueue.ErrTerminalState
		}
		return cmdqueue.ErrCommandNotFound
	}
	return nil
}

func (s *CommandStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queued_commands
		SET status = 'expired', updated_at = $1
		WHERE status IN ('queued', 'pending') AND expires_at <= $1`,
		now)
	if err != nil {
		return 0, fmt.Errorf("expire commands: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *CommandStore) RequeueUncompleted(ctx context.Context, deliveredBefore, now time.Time) (int64, int64, error) {
	requeueTag, err := s.pool.Exec(ctx, `
		UPDATE queued_commands
		SET status = 'pending', updated_at = $2
		WHERE status = 'delivered' AND updated_at < $1 AND attempts < max_attempts`,
		deliveredBefore, now)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue commands: %w", err)
	}

	failTag, err := s.pool.Exec(ctx, `
		UPDATE queued_commands
		SET status = 'failed', detail = 'delivery attempts exhausted', updated_at = $2
		WHERE status = 'delivered' AND updated_at < $1 AND attempts >= max_attempts`,
		deliveredBefore, now)
	if err != nil {
		return requeueTag.RowsAffected(), 0, fmt.Errorf("fail exhausted commands: %w", err)
	}

	return requeueTag.RowsAffected(), failTag.RowsAffected(), nil
}
