package router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/cache"
	"github.com/upb/llm-router/services/fallback"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/quota"
)

// DefaultBatchSize is the number of tasks combined into one provider call
const DefaultBatchSize = 3

// providerDefaultTemperature keys requests that leave the temperature to the
// provider
const providerDefaultTemperature = -1

// CompletionRequest is one prompt to route
type CompletionRequest struct {
	Prompt      string   `json:"prompt" validate:"required"`
	TaskType    string   `json:"task_type"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
}

// CompletionResult is the answer to a CompletionRequest
type CompletionResult struct {
	ID       string                    `json:"id"`
	Text     string                    `json:"text"`
	Provider string                    `json:"provider"`
	Model    string                    `json:"model,omitempty"`
	TaskType string                    `json:"task_type"`
	Cached   bool                      `json:"cached"`
	Usage    providers.Usage           `json:"usage"`
	Cost     float64                   `json:"cost"`
	Calls    int                       `json:"calls"`
	Attempts []services.AttemptFailure `json:"attempts,omitempty"`
	Latency  time.Duration             `json:"latency"`
}

// Options tunes a Router
type Options struct {
	BatchSize int
	Metrics   observability.Metrics
}

// Router answers completions from the cache or through the fallback
// controller, and records usage of every provider call.
type Router struct {
	controller *fallback.Controller
	cache      *cache.ResponseCache
	tracker    *quota.Tracker
	configs    map[string]providers.ProviderConfig
	order      []string
	batchSize  int
	metrics    observability.Metrics
	logger     *zap.Logger
}

// NewRouter creates a router. configs are in priority order and supply
// pricing for usage records.
func NewRouter(controller *fallback.Controller, responseCache *cache.ResponseCache, tracker *quota.Tracker, configs []providers.ProviderConfig, opts Options, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics{}
	}
	r := &Router{
		controller: controller,
		cache:      responseCache,
		tracker:    tracker,
		configs:    make(map[string]providers.ProviderConfig, len(configs)),
		batchSize:  opts.BatchSize,
		metrics:    opts.Metrics,
		logger:     logger,
	}
	for _, cfg := range configs {
		r.configs[cfg.Name] = cfg
		r.order = append(r.order, cfg.Name)
	}
	return r
}

// Complete returns the text answer for prompt
func (r *Router) Complete(ctx context.Context, prompt, taskType string) (string, error) {
	res, err := r.CompleteRequest(ctx, &CompletionRequest{Prompt: prompt, TaskType: taskType})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// CompleteRequest routes one request. Cache hits make no provider call and
// record no usage; failures are never cached.
func (r *Router) CompleteRequest(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, services.ErrEmptyPrompt
	}
	taskType := normalizeTaskType(req.TaskType)
	logger := observability.LoggerFrom(ctx, r.logger)

	key := cacheKey(req.Prompt, taskType, req.Model, req.Temperature)
	if text, meta, ok := r.cache.Lookup(key); ok {
		r.metrics.RecordCacheLookup(true)
		logger.Debug("cache hit", zap.String("task_type", taskType), zap.String("provider", meta.Provider))
		return &CompletionResult{
			ID:       uuid.NewString(),
			Text:     text,
			Provider: meta.Provider,
			Model:    meta.Model,
			TaskType: taskType,
			Cached:   true,
		}, nil
	}
	r.metrics.RecordCacheLookup(false)

	chatReq := providers.NewPromptRequest(req.Prompt)
	chatReq.Model = req.Model
	chatReq.Temperature = req.Temperature
	chatReq.MaxTokens = req.MaxTokens
	chatReq.Metadata = map[string]string{"task_type": taskType}

	return r.completeMiss(ctx, logger, key, taskType, chatReq)
}

// completeMiss runs a request whose cache lookup already missed and caches
// the answer under key
func (r *Router) completeMiss(ctx context.Context, logger *zap.Logger, key, taskType string, chatReq *providers.ChatRequest) (*CompletionResult, error) {
	out, err := r.controller.Execute(ctx, taskType, chatReq)
	if err != nil {
		return nil, err
	}

	text := out.Response.Text()
	cost := r.recordUsage(ctx, out, taskType)
	r.cache.PutWithMeta(key, text, cache.Meta{Provider: out.Provider, Model: out.Response.Model, TaskType: taskType})

	logger.Info("completion served",
		zap.String("provider", out.Provider),
		zap.String("task_type", taskType),
		zap.Int("calls", out.Calls),
		zap.Int("fallbacks", len(out.Attempts)))

	return &CompletionResult{
		ID:       uuid.NewString(),
		Text:     text,
		Provider: out.Provider,
		Model:    out.Response.Model,
		TaskType: taskType,
		Usage:    out.Response.Usage,
		Cost:     cost,
		Calls:    out.Calls,
		Attempts: out.Attempts,
		Latency:  out.Response.Latency,
	}, nil
}

// recordUsage appends the usage record of a successful call and returns its
// estimated cost
func (r *Router) recordUsage(ctx context.Context, out *fallback.Outcome, taskType string) float64 {
	cost := providers.EstimateCost(r.configs[out.Provider], out.Response.Usage)
	record := models.UsageRecord{
		Provider:         out.Provider,
		TaskType:         taskType,
		Model:            out.Response.Model,
		PromptTokens:     out.Response.Usage.PromptTokens,
		CompletionTokens: out.Response.Usage.CompletionTokens,
		TotalTokens:      out.Response.Usage.TotalTokens,
		Cost:             cost,
		LatencyMs:        out.Response.Latency.Milliseconds(),
	}
	if err := r.tracker.Record(ctx, record); err != nil {
		r.logger.Warn("failed to record usage", zap.String("provider", out.Provider), zap.Error(err))
		return cost
	}
	r.metrics.SetDailyUsage(out.Provider, r.tracker.UsageToday(out.Provider).Requests)
	return cost
}

// Usage returns today's per-provider usage
func (r *Router) Usage() map[string]models.UsageSummary {
	return r.tracker.Snapshot()
}

// ProviderReport is the status of one provider
type ProviderReport struct {
	Provider string                   `json:"provider"`
	Today    models.UsageSummary      `json:"today"`
	Month    models.UsageSummary      `json:"month"`
	Quota    *quota.ProviderStatus    `json:"quota,omitempty"`
	Breaker  fallback.BreakerStatus   `json:"breaker"`
	Health   *fallback.ProviderHealth `json:"health,omitempty"`
}

// UsageReport aggregates usage, quota, breaker and cache state
type UsageReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Providers   []ProviderReport `json:"providers"`
	Cache       cache.Stats      `json:"cache"`
}

// UsageReport builds a report in provider priority order
func (r *Router) UsageReport(ctx context.Context) (*UsageReport, error) {
	health := r.controller.Health()
	report := &UsageReport{
		GeneratedAt: time.Now().UTC(),
		Cache:       r.cache.Stats(),
	}
	for _, name := range r.order {
		status, err := r.tracker.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		pr := ProviderReport{
			Provider: name,
			Today:    r.tracker.UsageToday(name),
			Month:    r.tracker.MonthUsage(name),
			Quota:    status,
			Breaker:  r.controller.Breakers().For(name).Status(),
		}
		if h, ok := health[name]; ok {
			pr.Health = &h
		}
		report.Providers = append(report.Providers, pr)
	}
	return report, nil
}

// Forecast projects a provider's monthly usage from the last days of history
func (r *Router) Forecast(provider string, days int) (*quota.Forecast, error) {
	if _, ok := r.configs[provider]; !ok {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "unknown provider", nil).
			WithDetail("provider", provider)
	}
	if days <= 0 {
		days = 7
	}
	return r.tracker.Forecast(provider, days)
}

// Providers returns the configured provider names in priority order
func (r *Router) Providers() []string {
	return append([]string(nil), r.order...)
}

func normalizeTaskType(taskType string) string {
	taskType = strings.ToLower(strings.TrimSpace(taskType))
	if taskType == "" {
		return "general"
	}
	return taskType
}

func cacheKey(prompt, taskType, model string, temperature *float64) string {
	t := float64(providerDefaultTemperature)
	if temperature != nil {
		t = *temperature
	}
	return cache.Key(prompt, taskType, model, t)
}
