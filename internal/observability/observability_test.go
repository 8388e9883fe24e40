package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"console debug", "DEBUG", "console", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))

	logger, err := NewLogger("info", "json")
	require.NoError(t, err)
	assert.NotSame(t, logger, LoggerFrom(ctx, logger))
	assert.Same(t, logger, LoggerFrom(context.Background(), logger))
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	m.RecordProviderCall(RequestLabels{Provider: "groq_llama", TaskType: "general", Outcome: OutcomeSuccess}, 300*time.Millisecond)
	m.RecordProviderCall(RequestLabels{Provider: "groq_llama", TaskType: "general", Outcome: OutcomeFailure, Kind: "timeout"}, time.Second)
	m.RecordTokens("groq_llama", 10, 20)
	m.RecordAdmissionDenied("together_ai")
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.SetBreakerState("groq_llama", "open")
	m.SetDailyUsage("google_gemini", 42)

	assert.Equal(t, 1.0, gaugeOrCounter(t, reg, "llmrouter_provider_requests_total",
		map[string]string{"provider": "groq_llama", "outcome": OutcomeSuccess}))
	assert.Equal(t, 1.0, gaugeOrCounter(t, reg, "llmrouter_provider_requests_total",
		map[string]string{"provider": "groq_llama", "outcome": OutcomeFailure, "kind": "timeout"}))
	assert.Equal(t, 20.0, gaugeOrCounter(t, reg, "llmrouter_tokens_total",
		map[string]string{"provider": "groq_llama", "type": "completion"}))
	assert.Equal(t, 1.0, gaugeOrCounter(t, reg, "llmrouter_admission_denied_total",
		map[string]string{"provider": "together_ai"}))
	assert.Equal(t, 2.0, gaugeOrCounter(t, reg, "llmrouter_cache_lookups_total",
		map[string]string{"result": "miss"}))
	assert.Equal(t, 2.0, gaugeOrCounter(t, reg, "llmrouter_breaker_state",
		map[string]string{"provider": "groq_llama"}))
	assert.Equal(t, 42.0, gaugeOrCounter(t, reg, "llmrouter_daily_requests",
		map[string]string{"provider": "google_gemini"}))

	_, err = NewPrometheusMetrics(reg)
	assert.Error(t, err, "collectors cannot be registered twice")
}

func TestNopMetrics(t *testing.T) {
	var m Metrics = NopMetrics{}
	m.RecordProviderCall(RequestLabels{}, 0)
	m.RecordCacheLookup(true)
	m.SetBreakerState("x", "open")
}

// gaugeOrCounter returns the value of the first series of name whose labels
// include want
func gaugeOrCounter(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !hasLabels(metric, want) {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				return c.GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	t.Fatalf("no series %s%v", name, want)
	return 0
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range metric.GetLabel() {
		if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
