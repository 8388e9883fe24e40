package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/llm-router/config"
	"github.com/upb/llm-router/handlers"
	"github.com/upb/llm-router/internal/observability"
	"github.com/upb/llm-router/middleware"
	"github.com/upb/llm-router/repositories"
	"github.com/upb/llm-router/repositories/postgres"
	"github.com/upb/llm-router/repositories/redis"
	"github.com/upb/llm-router/repositories/sqlite"
	"github.com/upb/llm-router/services"
	"github.com/upb/llm-router/services/cache"
	"github.com/upb/llm-router/services/fallback"
	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/providers/gemini"
	"github.com/upb/llm-router/services/providers/openai"
	"github.com/upb/llm-router/services/quota"
	"github.com/upb/llm-router/services/router"
	"github.com/upb/llm-router/services/selector"
	"github.com/upb/llm-router/services/usagelog"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  observability.Metrics

	// Optional backing stores, nil when not configured
	DB     *postgres.DB
	SQLite *sqlite.Store
	Redis  goredis.UniversalClient

	// Repositories of the usage log; nil when usage only lives in memory
	Repositories *repositories.Repositories
	UsageWriter  *usagelog.Writer

	// Routing
	Providers  *providers.Registry
	Tracker    *quota.Tracker
	Cache      *cache.ResponseCache
	Breakers   *fallback.BreakerSet
	Selector   *selector.Selector
	Controller *fallback.Controller
	Router     *router.Router

	// HTTP middleware, nil when disabled
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter

	builders    map[providers.Kind]providers.ProviderBuilder
	redisClient goredis.UniversalClient
	ownsRedis   bool
	workers     bool

	stopCh chan struct{}
	cancel context.CancelFunc
}

// Option customises NewDependencies
type Option func(*Dependencies)

// WithProviderBuilder replaces the adapter used for one provider kind
func WithProviderBuilder(kind providers.Kind, builder providers.ProviderBuilder) Option {
	return func(d *Dependencies) { d.builders[kind] = builder }
}

// WithRedisClient uses an existing client instead of dialing REDIS_ADDR
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(d *Dependencies) { d.redisClient = client }
}

// WithoutWorkers skips the background cleanup and usage writer goroutines
func WithoutWorkers() Option {
	return func(d *Dependencies) { d.workers = false }
}

// NewDependencies creates and wires up all application dependencies.
// Provider credentials must already be resolved on cfg.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dependencies, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		workers: true,
		stopCh:  make(chan struct{}),
	}
	deps.builders = map[providers.Kind]providers.ProviderBuilder{
		providers.KindOpenAI: openai.Builder,
		providers.KindGemini: gemini.Builder,
	}
	for _, opt := range opts {
		opt(deps)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metrics", deps.initMetrics},
		{"storage", deps.initStorage},
		{"providers", deps.initProviders},
		{"quota tracker", deps.initTracker},
		{"cache", deps.initCache},
		{"router", deps.initRouter},
		{"http middleware", deps.initMiddleware},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	if deps.workers {
		deps.startWorkers()
	}

	logger.Info("all dependencies initialized successfully",
		zap.Strings("providers", deps.Router.Providers()),
		zap.String("quota_persistence", cfg.Router.QuotaPersistence))
	return deps, nil
}

func (d *Dependencies) initMetrics(context.Context) error {
	d.Registry = prometheus.NewRegistry()
	if !d.Config.Observability.MetricsEnabled {
		d.Metrics = observability.NopMetrics{}
		return nil
	}
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := observability.NewPrometheusMetrics(d.Registry)
	if err != nil {
		return err
	}
	d.Metrics = m
	return nil
}

// initStorage opens the stores the persistence mode and usage log need
func (d *Dependencies) initStorage(ctx context.Context) error {
	cfg := d.Config

	switch cfg.Router.QuotaPersistence {
	case config.PersistenceSQLite:
		store, err := sqlite.NewStore(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		d.SQLite = store
		d.Repositories = &repositories.Repositories{Usage: store, Cache: store}
		d.Logger.Info("sqlite state store opened", zap.String("path", cfg.SQLite.Path))

	case config.PersistenceRedis:
		client := d.redisClient
		if client == nil {
			client = goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			d.ownsRedis = true
		}
		d.Redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		d.Logger.Info("redis quota counters connected", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Database != nil {
		factory, err := postgres.NewRepositoryFactory(*cfg.Database, d.Logger)
		if err != nil {
			return err
		}
		d.DB = factory.GetDB()
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize usage schema: %w", err)
		}
		repos := factory.NewRepositories()
		if d.Repositories != nil {
			// PostgreSQL takes over the usage log; sqlite keeps counters and cache
			repos.Cache = d.Repositories.Cache
		}
		d.Repositories = repos
	}

	return nil
}

func (d *Dependencies) initProviders(context.Context) error {
	ordered := d.Config.OrderedProviders()
	configs := make([]providers.ProviderConfig, len(ordered))
	for i, p := range ordered {
		configs[i] = p.AdapterConfig()
	}

	builder := providers.NewRegistryBuilder()
	for kind, b := range d.builders {
		builder.WithProviderBuilder(kind, b)
	}
	registry, err := builder.Build(configs)
	if err != nil {
		return services.NewConfigurationError("failed to build provider registry", err)
	}
	d.Providers = registry

	for _, name := range registry.ListProviders() {
		d.Logger.Info("registered provider", zap.String("provider", name))
	}
	return nil
}

func (d *Dependencies) initTracker(ctx context.Context) error {
	cfg := d.Config

	limits := make(map[string]quota.Limits, len(cfg.Providers))
	for _, p := range cfg.Providers {
		limits[p.Name] = p.Limits
	}

	var store quota.CounterStore
	switch {
	case d.SQLite != nil:
		store = d.SQLite
	case d.Redis != nil:
		store = redis.NewCounterStore(d.Redis, cfg.Redis.Prefix)
	default:
		store = quota.NewMemoryCounterStore()
	}

	loc := cfg.Router.Location()
	opts := []quota.Option{quota.WithLocation(loc)}
	if d.Repositories != nil && d.Repositories.Usage != nil {
		d.UsageWriter = usagelog.NewWriter(d.Repositories.Usage, d.Logger, usagelog.Config{
			BufferSize:  cfg.Router.UsageWriterBuffer,
			WorkerCount: cfg.Router.UsageWriterWorkers,
		})
		opts = append(opts, quota.WithSink(d.UsageWriter))
	}
	d.Tracker = quota.NewTracker(limits, store, d.Logger, opts...)

	if d.Repositories != nil && d.Repositories.Usage != nil {
		now := time.Now().In(loc)
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		records, err := d.Repositories.Usage.ListSince(ctx, monthStart)
		if err != nil {
			return fmt.Errorf("failed to restore usage log: %w", err)
		}
		d.Tracker.Restore(records)
		d.Logger.Info("restored usage log", zap.Int("records", len(records)))
	}
	return nil
}

func (d *Dependencies) initCache(ctx context.Context) error {
	rc := d.Config.Router
	d.Cache = cache.New(rc.CacheCapacity, rc.CacheTTL)

	if rc.CachePersist && d.Repositories != nil && d.Repositories.Cache != nil {
		entries, err := d.Repositories.Cache.LoadCacheEntries(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("failed to load cache snapshot: %w", err)
		}
		d.Logger.Info("loaded cache snapshot", zap.Int("entries", d.Cache.Load(entries)))
	}
	return nil
}

func (d *Dependencies) initRouter(context.Context) error {
	cfg := d.Config
	rc := cfg.Router

	d.Breakers = fallback.NewBreakerSet(rc.BreakerThreshold, rc.BreakerCooldown,
		fallback.WithStateChange(func(provider string, from, to fallback.CircuitState) {
			d.Logger.Warn("circuit breaker transition",
				zap.String("provider", provider),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
			d.Metrics.SetBreakerState(provider, string(to))
		}))

	names := d.Providers.ListProviders()
	d.Selector = selector.New(cfg.Priority, cfg.TaskMapping, d.Breakers).WithKnown(names...)
	if err := d.Selector.Validate(); err != nil {
		return err
	}

	timeouts := make(map[string]time.Duration, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Timeout > 0 {
			timeouts[p.Name] = p.Timeout
		}
	}
	d.Controller = fallback.NewController(d.Selector, d.Tracker, d.Providers, d.Breakers,
		fallback.Config{
			MaxAttempts: rc.Retry.MaxAttempts,
			Backoff:     fallback.NewBackoff(rc.Retry.Backoff, rc.Retry.Delay, rc.Retry.MaxDelay, rc.Retry.Jitter),
			Timeouts:    timeouts,
		},
		d.Logger,
		fallback.WithMetrics(d.Metrics),
		fallback.WithHealth(fallback.NewHealthTracker()))

	ordered := cfg.OrderedProviders()
	configs := make([]providers.ProviderConfig, len(ordered))
	for i, p := range ordered {
		configs[i] = p.AdapterConfig()
	}
	d.Router = router.NewRouter(d.Controller, d.Cache, d.Tracker, configs, router.Options{
		BatchSize: rc.BatchSize,
		Metrics:   d.Metrics,
	}, d.Logger)
	return nil
}

func (d *Dependencies) initMiddleware(context.Context) error {
	cfg := d.Config
	if cfg.Auth.JWTSecret != "" {
		validator := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
		d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
		d.Logger.Info("bearer token auth enabled")
	} else {
		d.Logger.Warn("AUTH_JWT_SECRET not set, API is unauthenticated")
	}
	if cfg.Server.RateLimit > 0 {
		d.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, d.Logger)
	}
	return nil
}

func (d *Dependencies) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	rc := d.Config.Router

	if rc.CacheCleanupInterval > 0 {
		go d.Cache.StartCleanupWorker(rc.CacheCleanupInterval, d.stopCh)
	}
	if rc.UsageCleanupInterval > 0 && rc.UsageRetention > 0 {
		go d.Tracker.StartCleanupWorker(ctx, rc.UsageCleanupInterval, rc.UsageRetention)
		if d.Repositories != nil && d.Repositories.Usage != nil {
			go d.pruneUsageLog(ctx, rc.UsageCleanupInterval, rc.UsageRetention)
		}
	}
	if d.RateLimiter != nil {
		go d.RateLimiter.StartCleanupWorker(time.Minute, 10*time.Minute, d.stopCh)
	}
	if d.UsageWriter != nil {
		if err := d.UsageWriter.Start(); err != nil {
			d.Logger.Error("failed to start usage writer", zap.Error(err))
		}
	}
}

// pruneUsageLog deletes persisted records older than retention every interval
func (d *Dependencies) pruneUsageLog(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := d.Repositories.Usage.DeleteOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				d.Logger.Error("failed to prune usage log", zap.Error(err))
				continue
			}
			if n > 0 {
				d.Logger.Info("pruned persisted usage records", zap.Int64("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// HealthChecks returns a readiness check per configured backing store
func (d *Dependencies) HealthChecks() map[string]handlers.CheckFunc {
	checks := make(map[string]handlers.CheckFunc)
	if d.DB != nil {
		checks["postgres"] = d.DB.HealthCheck
	}
	if d.SQLite != nil {
		checks["sqlite"] = d.SQLite.Ping
	}
	if d.Redis != nil {
		client := d.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}

// Close gracefully shuts down all dependencies. It is safe to call on a
// partially initialized value.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}

	if d.UsageWriter != nil && d.UsageWriter.GetStats().Running {
		if err := d.UsageWriter.Stop(10 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop usage writer: %w", err))
		}
	}

	if d.Cache != nil && d.Config.Router.CachePersist && d.Repositories != nil && d.Repositories.Cache != nil {
		entries := d.Cache.Entries()
		if err := d.Repositories.Cache.SaveCacheEntries(ctx, entries); err != nil {
			errs = append(errs, fmt.Errorf("failed to save cache snapshot: %w", err))
		} else {
			d.Logger.Info("saved cache snapshot", zap.Int("entries", len(entries)))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
		d.DB = nil
	}
	if d.SQLite != nil {
		if err := d.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sqlite: %w", err))
		}
		d.SQLite = nil
	}
	if d.Redis != nil && d.ownsRedis {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.ownsRedis = false
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
