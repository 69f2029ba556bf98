package alerts

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRules struct {
	rules []Rule
	err   error
}

func (s *staticRules) EnabledRules(_ context.Context) ([]Rule, error) {
	return s.rules, s.err
}

func newTestEvaluator(t *testing.T, rules ...Rule) *Evaluator {
	t.Helper()
	e := NewEvaluator(&staticRules{rules: rules}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(e.Stop)
	return e
}

func cpuRule() Rule {
	return Rule{
		ID:              uuid.New(),
		Name:            "High CPU",
		Metric:          "cpuPercent",
		Operator:        "gt",
		Threshold:       80,
		Severity:        "warning",
		CooldownMinutes: 15,
		Enabled:         true,
	}
}

func TestEvaluator_FiresAboveThreshold(t *testing.T) {
	e := newTestEvaluator(t, cpuRule())
	deviceID := uuid.New()

	fired, err := e.Evaluate(context.Background(), deviceID, Sample{"cpuPercent": 85})
	require.NoError(t, err)
	require.Len(t, fired, 1)

	assert.Equal(t, deviceID, fired[0].DeviceID)
	assert.Equal(t, "warning", fired[0].Severity)
	assert.Equal(t, "High CPU", fired[0].Title)
	assert.Equal(t, 85.0, fired[0].Value)
	assert.Contains(t, fired[0].Message, "85.00")
}

func TestEvaluator_CooldownSuppressesAndExpires(t *testing.T) {
	e := newTestEvaluator(t, cpuRule())
	deviceID := uuid.New()

	base := time.Now()
	e.now = func() time.Time { return base }

	fired, err := e.Evaluate(context.Background(), deviceID, Sample{"cpuPercent": 85})
	require.NoError(t, err)
	require.Len(t, fired, 1)

	// Immediately following sample is inside the 15 minute window.
	fired, err = e.Evaluate(context.Background(), deviceID, Sample{"cpuPercent": 90})
	require.NoError(t, err)
	assert.Empty(t, fired)

	// 16 minutes later the window has passed.
	e.now = func() time.Time { return base.Add(16 * time.Minute) }
	fired, err = e.Evaluate(context.Background(), deviceID, Sample{"cpuPercent": 81})
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestEvaluator_CooldownIsPerDevice(t *testing.T) {
	e := newTestEvaluator(t, cpuRule())

	fired, err := e.Evaluate(context.Background(), uuid.New(), Sample{"cpuPercent": 85})
	require.NoError(t, err)
	assert.Len(t, fired, 1)

	fired, err = e.Evaluate(context.Background(), uuid.New(), Sample{"cpuPercent": 85})
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestEvaluator_Operators(t *testing.T) {
	tests := []struct {
		operator  string
		value     float64
		threshold float64
		want      bool
	}{
		{"gt", 81, 80, true},
		{"gt", 80, 80, false},
		{"gte", 80, 80, true},
		{"lt", 9, 10, true},
		{"lt", 10, 10, false},
		{"lte", 10, 10, true},
		{"eq", 50, 50, true},
		{"eq", 50.1, 50, false},
		{"unknown", 100, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, triggered(tt.operator, tt.value, tt.threshold),
			"%v %s %v", tt.value, tt.operator, tt.threshold)
	}
}

func TestEvaluator_AcceptsBothNamingConventions(t *testing.T) {
	rule := cpuRule()
	rule.Metric = "cpu_percent"
	e := newTestEvaluator(t, rule)

	// Producer sends camelCase, rule is configured snake_case.
	fired, err := e.Evaluate(context.Background(), uuid.New(), Sample{"cpuPercent": 95})
	require.NoError(t, err)
	assert.Len(t, fired, 1)

	// And the other way around.
	rule2 := cpuRule()
	e2 := newTestEvaluator(t, rule2)
	fired, err = e2.Evaluate(context.Background(), uuid.New(), Sample{"cpu_percent": 95})
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestEvaluator_SkipsMissingMetricAndDisabledRules(t *testing.T) {
	disabled := cpuRule()
	disabled.Enabled = false
	diskRule := Rule{
		ID:              uuid.New(),
		Name:            "Disk almost full",
		Metric:          "disk_percent",
		Operator:        "gte",
		Threshold:       90,
		Severity:        "critical",
		CooldownMinutes: 15,
		Enabled:         true,
	}
	e := newTestEvaluator(t, disabled, diskRule)

	fired, err := e.Evaluate(context.Background(), uuid.New(), Sample{"cpuPercent": 99})
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestEvaluator_RuleSourceError(t *testing.T) {
	e := NewEvaluator(&staticRules{err: assert.AnError}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer e.Stop()

	_, err := e.Evaluate(context.Background(), uuid.New(), Sample{"cpuPercent": 99})
	assert.Error(t, err)
}

func TestEvaluator_PruneCooldowns(t *testing.T) {
	e := newTestEvaluator(t, cpuRule())
	deviceID := uuid.New()

	base := time.Now()
	e.now = func() time.Time { return base }
	_, err := e.Evaluate(context.Background(), deviceID, Sample{"cpuPercent": 85})
	require.NoError(t, err)
	require.Equal(t, 1, e.CooldownCount())

	e.now = func() time.Time { return base.Add(25 * time.Hour) }
	e.pruneCooldowns()
	assert.Equal(t, 0, e.CooldownCount())
}

func TestSample_Lookup(t *testing.T) {
	s := Sample{"memoryPercent": 42, "disk_percent": 61}

	v, ok := s.Lookup("memory_percent")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	v, ok = s.Lookup("diskPercent")
	require.True(t, ok)
	assert.Equal(t, 61.0, v)

	_, ok = s.Lookup("networkRxBytes")
	assert.False(t, ok)
}
