package fallback

import (
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// StateChangeFunc observes breaker transitions
type StateChangeFunc func(provider string, from, to CircuitState)

// CircuitBreaker stops routing to a provider after Threshold consecutive
// failures. Once Cooldown has elapsed a single trial call is let through.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu              sync.Mutex
	state           CircuitState
	failures        int
	openUntil       time.Time
	trialInFlight   bool
	lastStateChange time.Time
}

func newCircuitBreaker(name string, threshold int, cooldown time.Duration, now func() time.Time, onChange StateChangeFunc) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		threshold:       threshold,
		cooldown:        cooldown,
		now:             now,
		onChange:        onChange,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Allow asks to place a call. trial is true when the call is the single
// HALF_OPEN probe; the caller must then report its outcome or Release it.
func (cb *CircuitBreaker) Allow() (allowed, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return false, false
		}
		cb.transitionTo(StateHalfOpen)
		cb.trialInFlight = true
		return true, true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, false
		}
		cb.trialInFlight = true
		return true, true
	}
	return false, false
}

// Available reports whether Allow would succeed, without claiming a trial
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		return !cb.now().Before(cb.openUntil)
	case StateHalfOpen:
		return !cb.trialInFlight
	}
	return true
}

// Release returns an unused trial, e.g. when admission was denied after Allow
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// RecordSuccess closes the breaker and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trialInFlight = false
	cb.transitionTo(StateClosed)
}

// RecordFailure counts one escalated failure. A failed trial reopens the
// breaker with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.open()
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.open()
		}
	}
}

// must be called with lock held
func (cb *CircuitBreaker) open() {
	cb.openUntil = cb.now().Add(cb.cooldown)
	cb.transitionTo(StateOpen)
}

// must be called with lock held
func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.now()
	if cb.onChange != nil {
		cb.onChange(cb.name, prev, next)
	}
}

// BreakerStatus is a point-in-time view of one breaker
type BreakerStatus struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenUntil           *time.Time   `json:"open_until,omitempty"`
	TrialInFlight       bool         `json:"trial_in_flight"`
	LastStateChange     time.Time    `json:"last_state_change"`
}

// Status snapshots the breaker
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := BreakerStatus{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		TrialInFlight:       cb.trialInFlight,
		LastStateChange:     cb.lastStateChange,
	}
	if cb.state == StateOpen {
		until := cb.openUntil
		s.OpenUntil = &until
	}
	return s
}

// BreakerSet holds one breaker per provider, created on first use
type BreakerSet struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// BreakerOption configures a BreakerSet
type BreakerOption func(*BreakerSet)

// WithBreakerClock overrides time.Now
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(s *BreakerSet) { s.now = now }
}

// WithStateChange registers a transition observer. It runs under the
// breaker's lock and must not call back into the set.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(s *BreakerSet) { s.onChange = fn }
}

// NewBreakerSet creates breakers opening after threshold consecutive failures
// for cooldown
func NewBreakerSet(threshold int, cooldown time.Duration, opts ...BreakerOption) *BreakerSet {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	s := &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// For returns the breaker of provider
func (s *BreakerSet) For(provider string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[provider]; ok {
		return cb
	}
	cb = newCircuitBreaker(provider, s.threshold, s.cooldown, s.now, s.onChange)
	s.breakers[provider] = cb
	return cb
}

// Available reports whether provider may be selected right now
func (s *BreakerSet) Available(provider string) bool {
	return s.For(provider).Available()
}

// States snapshots every breaker created so far
func (s *BreakerSet) States() map[string]BreakerStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]BreakerStatus, len(names))
	for _, name := range names {
		out[name] = s.For(name).Status()
	}
	return out
}
