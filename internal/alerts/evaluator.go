package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cooldownRetention bounds how long a cooldown entry survives after its
// last fire before the janitor prunes it.
const (
	cooldownRetention = 24 * time.Hour
	janitorInterval   = 1 * time.Hour
)

// Rule is a threshold check against one metric of a device sample.
type Rule struct {
	ID              uuid.UUID
	Name            string
	Metric          string
	Operator        string
	Threshold       float64
	Severity        string
	CooldownMinutes int
	Enabled         bool
}

// FiredAlert is the result of a rule triggering outside its cooldown window.
type FiredAlert struct {
	RuleID   uuid.UUID `json:"ruleId"`
	DeviceID uuid.UUID `json:"deviceId"`
	Severity string    `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Value    float64   `json:"value"`
	FiredAt  time.Time `json:"firedAt"`
}

// Sample is a flat metric-name to value map. Producers disagree on naming
// style (cpu_percent vs cpuPercent), so lookups tolerate both.
type Sample map[string]float64

// Lookup resolves a metric by exact name, then by the alternate naming
// convention.
func (s Sample) Lookup(name string) (float64, bool) {
	if v, ok := s[name]; ok {
		return v, true
	}
	if v, ok := s[snakeToCamel(name)]; ok {
		return v, true
	}
	if v, ok := s[camelToSnake(name)]; ok {
		return v, true
	}
	return 0, false
}

func snakeToCamel(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return name
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func camelToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RuleSource supplies the currently enabled alert rules.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]Rule, error)
}

type cooldownKey struct {
	deviceID uuid.UUID
	ruleID   uuid.UUID
}

// Evaluator applies alert rules to streamed metric samples and enforces
// per-(device, rule) cooldown windows. Safe for concurrent use across
// devices.
type Evaluator struct {
	rules  RuleSource
	logger *slog.Logger

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time

	now    func() time.Time
	stopCh chan struct{}
}

func NewEvaluator(rules RuleSource, logger *slog.Logger) *Evaluator {
	e := &Evaluator{
		rules:     rules,
		logger:    logger,
		cooldowns: make(map[cooldownKey]time.Time),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go e.janitorLoop()
	return e
}

// Stop terminates the cooldown janitor.
func (e *Evaluator) Stop() {
	close(e.stopCh)
}

// Evaluate checks every enabled rule against the sample and returns the
// alerts that fired. Rules whose metric is absent from the sample are
// skipped. A rule inside its cooldown window is suppressed without firing.
func (e *Evaluator) Evaluate(ctx context.Context, deviceID uuid.UUID, sample Sample) ([]FiredAlert, error) {
	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}

	var fired []FiredAlert
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		value, ok := sample.Lookup(rule.Metric)
		if !ok {
			continue
		}

		if !triggered(rule.Operator, value, rule.Threshold) {
			continue
		}

		if !e.tryFire(deviceID, rule) {
			continue
		}

		fired = append(fired, FiredAlert{
			RuleID:   rule.ID,
			DeviceID: deviceID,
			Severity: rule.Severity,
			Title:    rule.Name,
			Message:  fmt.Sprintf("%s is %s %.2f (observed %.2f)", rule.Metric, rule.Operator, rule.Threshold, value),
			Value:    value,
			FiredAt:  e.now(),
		})
	}

	if len(fired) > 0 {
		e.logger.Info("alert rules fired", "device_id", deviceID, "count", len(fired))
	}
	return fired, nil
}

func triggered(operator string, value, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// tryFire atomically checks and updates the cooldown entry for the
// (device, rule) pair.
func (e *Evaluator) tryFire(deviceID uuid.UUID, rule Rule) bool {
	window := time.Duration(rule.CooldownMinutes) * time.Minute
	key := cooldownKey{deviceID: deviceID, ruleID: rule.ID}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if last, ok := e.cooldowns[key]; ok && now.Sub(last) < window {
		return false
	}
	e.cooldowns[key] = now
	return true
}

// CooldownCount reports tracked cooldown entries.
func (e *Evaluator) CooldownCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cooldowns)
}

func (e *Evaluator) janitorLoop() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pruneCooldowns()
		}
	}
}

func (e *Evaluator) pruneCooldowns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-cooldownRetention)
	for key, last := range e.cooldowns {
		if last.Before(cutoff) {
			delete(e.cooldowns, key)
		}
	}
}
