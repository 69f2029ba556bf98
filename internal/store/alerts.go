package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/overcast-hq/overcast/internal/alerts"
)

var (
	ErrAlertRuleNotFound = errors.New("alert rule not found")
	ErrAlertNotFound     = errors.New("alert not found")
)

// Alert is a persisted fired alert as the API exposes it.
type Alert struct {
	ID         uuid.UUID  `json:"id"`
	DeviceID   uuid.UUID  `json:"deviceId"`
	RuleID     *uuid.UUID `json:"ruleId"`
	Severity   string     `json:"severity"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt"`
}

// AlertStore persists rules and fired alerts. It backs both the evaluator
// (rule source, alert sink) and the operator API (rule CRUD, alert list).
type AlertStore struct {
	pool *pgxpool.Pool
}

func NewAlertStore(pool *pgxpool.Pool) *AlertStore {
	return &AlertStore{pool: pool}
}

// EnabledRules feeds the evaluator.
func (s *AlertStore) EnabledRules(ctx context.Context) ([]alerts.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, metric, operator, threshold, severity, cooldown_minutes, enabled
		FROM alert_rules WHERE enabled = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	defer rows.Close()

	var out []alerts.Rule
	for rows.Next() {
		var r alerts.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Metric, &r.Operator, &r.Threshold,
			&r.Severity, &r.CooldownMinutes, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordAlert persists an alert fired by the evaluator, or reported by an
// agent directly, in which case there is no originating rule.
func (s *AlertStore) RecordAlert(ctx context.Context, alert alerts.FiredAlert) error {
	var ruleID *uuid.UUID
	if alert.RuleID != uuid.Nil {
		ruleID = &alert.RuleID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (device_id, rule_id, severity, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.DeviceID, ruleID, alert.Severity, alert.Title, alert.Message, alert.FiredAt)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

func (s *AlertStore) CreateRule(ctx context.Context, r alerts.Rule) (alerts.Rule, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO alert_rules (name, metric, operator, threshold, severity, cooldown_minutes, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		r.Name, r.Metric, r.Operator, r.Threshold, r.Severity, r.CooldownMinutes, r.Enabled)
	if err := row.Scan(&r.ID); err != nil {
		return alerts.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	return r, nil
}

func (s *AlertStore) ListRules(ctx context.Context) ([]alerts.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, metric, operator, threshold, severity, cooldown_minutes, enabled
		FROM alert_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []alerts.Rule
	for rows.Next() {
		var r alerts.Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Metric, &r.Operator, &r.Threshold,
			&r.Severity, &r.CooldownMinutes, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AlertStore) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_rules SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("toggle rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertRuleNotFound
	}
	return nil
}

func (s *AlertStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertRuleNotFound
	}
	return nil
}

// ListAlerts returns alerts for one device, or for the whole fleet when
// deviceID is nil. Newest first.
func (s *AlertStore) ListAlerts(ctx context.Context, deviceID *uuid.UUID, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, device_id, rule_id, severity, title, message, status, created_at, resolved_at
		FROM alerts`
	args := []any{limit}
	if deviceID != nil {
		query += ` WHERE device_id = $2`
		args = append(args, *deviceID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.RuleID, &a.Severity, &a.Title,
			&a.Message, &a.Status, &a.CreatedAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AlertStore) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = NOW()
		WHERE id = $1 AND status <> 'resolved'`, id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}
