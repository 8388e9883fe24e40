package fallback

import (
	"sync"
	"time"

	"github.com/upb/llm-router/services/providers"
)

// ProviderHealth counts call outcomes of one provider since startup
type ProviderHealth struct {
	Provider        string     `json:"provider"`
	TotalRequests   int64      `json:"total_requests"`
	Successful      int64      `json:"successful_requests"`
	Failures        int64      `json:"failures"`
	SuccessRate     float64    `json:"success_rate"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	LastFailureKind string     `json:"last_failure_kind,omitempty"`
	AvgLatencyMs    float64    `json:"avg_latency_ms"`
}

type healthCounters struct {
	total, ok, failed int64
	latencyTotal      time.Duration
	lastFailure       time.Time
	lastKind          providers.ErrorKind
}

// HealthTracker aggregates per-call outcomes for status reporting
type HealthTracker struct {
	now func() time.Time

	mu    sync.Mutex
	stats map[string]*healthCounters
}

// NewHealthTracker creates an empty tracker
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{now: time.Now, stats: make(map[string]*healthCounters)}
}

func (h *HealthTracker) get(provider string) *healthCounters {
	c, ok := h.stats[provider]
	if !ok {
		c = &healthCounters{}
		h.stats[provider] = c
	}
	return c
}

// RecordSuccess counts a successful call
func (h *HealthTracker) RecordSuccess(provider string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.get(provider)
	c.total++
	c.ok++
	c.latencyTotal += latency
}

// RecordFailure counts a failed call
func (h *HealthTracker) RecordFailure(provider string, kind providers.ErrorKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.get(provider)
	c.total++
	c.failed++
	c.lastFailure = h.now()
	c.lastKind = kind
}

// Health returns a snapshot per provider. Providers never called report a
// success rate of 1.
func (h *HealthTracker) Health() map[string]ProviderHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]ProviderHealth, len(h.stats))
	for name, c := range h.stats {
		ph := ProviderHealth{
			Provider:      name,
			TotalRequests: c.total,
			Successful:    c.ok,
			Failures:      c.failed,
			SuccessRate:   1,
		}
		if c.total > 0 {
			ph.SuccessRate = float64(c.ok) / float64(c.total)
		}
		if c.ok > 0 {
			ph.AvgLatencyMs = float64(c.latencyTotal.Milliseconds()) / float64(c.ok)
		}
		if !c.lastFailure.IsZero() {
			at := c.lastFailure
			ph.LastFailure = &at
			ph.LastFailureKind = string(c.lastKind)
		}
		out[name] = ph
	}
	return out
}
