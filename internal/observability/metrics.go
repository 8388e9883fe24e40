package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Provider call outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// RequestLabels contains metric dimensions of one provider call
type RequestLabels struct {
	Provider string
	Model    string
	TaskType string
	Outcome  string
	Kind     string // failure kind, empty on success
}

// Metrics collects router metrics
type Metrics interface {
	RecordProviderCall(labels RequestLabels, latency time.Duration)
	RecordTokens(provider string, prompt, completion int)
	RecordAdmissionDenied(provider string)
	RecordCacheLookup(hit bool)
	SetBreakerState(provider, state string)
	SetDailyUsage(provider string, requests int)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordProviderCall(RequestLabels, time.Duration) {}
func (NopMetrics) RecordTokens(string, int, int)                   {}
func (NopMetrics) RecordAdmissionDenied(string)                    {}
func (NopMetrics) RecordCacheLookup(bool)                          {}
func (NopMetrics) SetBreakerState(string, string)                  {}
func (NopMetrics) SetDailyUsage(string, int)                       {}

// breaker states exported as gauge values
var breakerStateValue = map[string]float64{
	"closed":    0,
	"half_open": 1,
	"open":      2,
}

// PrometheusMetrics implements Metrics with client_golang collectors
type PrometheusMetrics struct {
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	tokens           *prometheus.CounterVec
	admissionDenied  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	dailyUsage       *prometheus.GaugeVec
}

// NewPrometheusMetrics creates the collectors and registers them on reg
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_provider_requests_total",
				Help: "Provider calls by outcome",
			},
			[]string{"provider", "task_type", "outcome", "kind"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmrouter_provider_latency_seconds",
				Help:    "Provider call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_tokens_total",
				Help: "Tokens reported by providers",
			},
			[]string{"provider", "type"},
		),
		admissionDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_admission_denied_total",
				Help: "Calls refused because a quota window was full",
			},
			[]string{"provider"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmrouter_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmrouter_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
		dailyUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmrouter_daily_requests",
				Help: "Successful requests recorded today",
			},
			[]string{"provider"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.providerRequests, m.providerLatency, m.tokens,
		m.admissionDenied, m.cacheLookups, m.breakerState, m.dailyUsage,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) RecordProviderCall(l RequestLabels, latency time.Duration) {
	m.providerRequests.WithLabelValues(l.Provider, l.TaskType, l.Outcome, l.Kind).Inc()
	m.providerLatency.WithLabelValues(l.Provider, l.Outcome).Observe(latency.Seconds())
}

func (m *PrometheusMetrics) RecordTokens(provider string, prompt, completion int) {
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

func (m *PrometheusMetrics) RecordAdmissionDenied(provider string) {
	m.admissionDenied.WithLabelValues(provider).Inc()
}

func (m *PrometheusMetrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *PrometheusMetrics) SetBreakerState(provider, state string) {
	m.breakerState.WithLabelValues(provider).Set(breakerStateValue[state])
}

func (m *PrometheusMetrics) SetDailyUsage(provider string, requests int) {
	m.dailyUsage.WithLabelValues(provider).Set(float64(requests))
}
