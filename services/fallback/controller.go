package fallback

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/providers"
)

// Reasons recorded for providers given up on without a remote failure
const (
	ReasonCircuitOpen   = "circuit_open"
	ReasonQuotaExceeded = "quota_exceeded"
)

// Selector chooses the next provider to try
type Selector interface {
	Select(taskType string, excluded map[string]bool) (string, bool)
}

// Admitter reserves quota for one call
type Admitter interface {
	Admit(ctx context.Context, provider string) (bool, error)
}

// ProviderSource resolves provider names to clients
type ProviderSource interface {
	GetProvider(name string) (providers.Provider, error)
}

// Config tunes same-provider retries
type Config struct {
	MaxAttempts    int
	Backoff        BackoffStrategy
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
}

// Outcome is the result of a successful Execute
type Outcome struct {
	Provider string
	Response *providers.ChatResponse
	Attempts []services.AttemptFailure
	Calls    int
}

// Controller drives one request through select, admit and call until a
// provider answers or none are left.
type Controller struct {
	selector  Selector
	admitter  Admitter
	providers ProviderSource
	breakers  *BreakerSet
	health    *HealthTracker
	metrics   observability.Metrics
	logger    *zap.Logger
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithSleep replaces the backoff sleeper
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ControllerOption {
	return func(c *Controller) { c.sleep = sleep }
}

// WithMetrics records provider calls and admission denials
func WithMetrics(m observability.Metrics) ControllerOption {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHealth shares a health tracker with other components
func WithHealth(h *HealthTracker) ControllerOption {
	return func(c *Controller) {
		if h != nil {
			c.health = h
		}
	}
}

// NewController wires a controller
func NewController(selector Selector, admitter Admitter, source ProviderSource, breakers *BreakerSet, cfg Config, logger *zap.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff{Base: 2 * time.Second, Max: 30 * time.Second}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	c := &Controller{
		selector:  selector,
		admitter:  admitter,
		providers: source,
		breakers:  breakers,
		health:    NewHealthTracker(),
		metrics:   observability.NopMetrics{},
		logger:    logger,
		cfg:       cfg,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health returns per-provider call counters
func (c *Controller) Health() map[string]ProviderHealth {
	return c.health.Health()
}

// Breakers exposes the breaker set
func (c *Controller) Breakers() *BreakerSet {
	return c.breakers
}

// Execute serves req for taskType, escalating across providers.
func (c *Controller) Execute(ctx context.Context, taskType string, req *providers.ChatRequest) (*Outcome, error) {
	logger := observability.LoggerFrom(ctx, c.logger).With(zap.String("task_type", taskType))

	excluded := make(map[string]bool)
	var attempts []services.AttemptFailure
	calls := 0

	exclude := func(name string, errType services.ErrorType, reason string) {
		excluded[name] = true
		attempts = append(attempts, services.AttemptFailure{Provider: name, Type: errType, Reason: reason})
		logger.Debug("provider excluded",
			zap.String("provider", name),
			zap.String("type", string(errType)),
			zap.String("reason", reason))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, services.NewDomainError(services.ErrorTypeRemoteTransient, "request canceled", err)
		}

		name, ok := c.selector.Select(taskType, excluded)
		if !ok {
			logger.Error("all providers exhausted", zap.Int("attempts", len(attempts)))
			return nil, services.NewAllProvidersExhaustedError(attempts)
		}
		logger.Debug("selected provider", zap.String("provider", name))

		cb := c.breakers.For(name)
		allowed, trial := cb.Allow()
		if !allowed {
			exclude(name, services.ErrorTypeRemoteTransient, ReasonCircuitOpen)
			continue
		}

		admitted, err := c.admitter.Admit(ctx, name)
		if err != nil {
			if trial {
				cb.Release()
			}
			logger.Warn("quota admission failed", zap.String("provider", name), zap.Error(err))
			exclude(name, services.ErrorTypeInternal, err.Error())
			continue
		}
		if !admitted {
			if trial {
				cb.Release()
			}
			c.metrics.RecordAdmissionDenied(name)
			exclude(name, services.ErrorTypeQuotaExceeded, ReasonQuotaExceeded)
			continue
		}

		provider, err := c.providers.GetProvider(name)
		if err != nil {
			if trial {
				cb.Release()
			}
			exclude(name, services.ErrorTypeConfiguration, err.Error())
			continue
		}

		resp, n, err := c.call(ctx, logger, provider, taskType, req, trial)
		calls += n
		if err == nil {
			cb.RecordSuccess()
			return &Outcome{Provider: name, Response: resp, Attempts: attempts, Calls: calls}, nil
		}

		cb.RecordFailure()
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("request canceled during provider call", zap.String("provider", name))
			return nil, services.NewDomainError(services.ErrorTypeRemoteTransient, "request canceled", ctxErr).
				WithDetail("provider", name).
				WithDetail("kind", string(providers.ErrorKindTimeout))
		}

		domainErr := providers.ToDomainError(err)
		logger.Warn("provider failed, escalating",
			zap.String("provider", name),
			zap.Int("calls", n),
			zap.Error(err))
		exclude(name, domainErr.Type, domainErr.Message)
	}
}

// call runs the same-provider retry loop. A half-open trial gets one call.
func (c *Controller) call(ctx context.Context, logger *zap.Logger, provider providers.Provider, taskType string, req *providers.ChatRequest, trial bool) (*providers.ChatResponse, int, error) {
	name := provider.Name()
	maxAttempts := c.cfg.MaxAttempts
	if trial {
		maxAttempts = 1
	}
	timeout := c.cfg.DefaultTimeout
	if t, ok := c.cfg.Timeouts[name]; ok && t > 0 {
		timeout = t
	}

	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		resp, err := provider.Complete(callCtx, req)
		cancel()
		latency := time.Since(start)

		labels := observability.RequestLabels{Provider: name, TaskType: taskType}
		if err == nil {
			labels.Outcome = observability.OutcomeSuccess
			c.metrics.RecordProviderCall(labels, latency)
			c.metrics.RecordTokens(name, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			c.health.RecordSuccess(name, latency)
			if resp.Latency == 0 {
				resp.Latency = latency
			}
			if resp.Provider == "" {
				resp.Provider = name
			}
			return resp, attempt, nil
		}

		kind := providers.KindOf(err)
		if ctx.Err() != nil {
			kind = providers.ErrorKindTimeout
		}
		labels.Outcome = observability.OutcomeFailure
		labels.Kind = string(kind)
		c.metrics.RecordProviderCall(labels, latency)
		c.health.RecordFailure(name, kind)

		if ctx.Err() != nil || !kind.Retryable() || attempt >= maxAttempts {
			return nil, attempt, err
		}

		delay := c.cfg.Backoff.Next(attempt)
		logger.Debug("retrying provider",
			zap.String("provider", name),
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

