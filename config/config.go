package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/upb/llm-router/services"
)

// Quota persistence modes
const (
	PersistenceMemory = "memory"
	PersistenceSQLite = "sqlite"
	PersistenceRedis  = "redis"
)

// Retry backoff shapes
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      *DatabaseConfig // Optional: PostgreSQL usage log. Nil when DATABASE_URL/DB_HOST are unset.
	Redis         RedisConfig
	SQLite        SQLiteConfig
	Auth          AuthConfig
	Router        RouterConfig
	Providers     []ProviderConfig
	Priority      []string
	TaskMapping   map[string]string
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	RateLimit       float64 // requests per second per client, 0 disables
	RateBurst       int
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the shared quota counter backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// SQLiteConfig holds the local state database
type SQLiteConfig struct {
	Path string
}

// AuthConfig controls bearer-token protection of the API. Empty secret disables it.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// RouterConfig holds routing, caching and fallback tuning
type RouterConfig struct {
	CacheCapacity        int
	CacheTTL             time.Duration
	CacheCleanupInterval time.Duration
	CachePersist         bool
	BatchSize            int
	Retry                RetryConfig
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	QuotaPersistence     string
	QuotaTimezone        string
	UsageRetention       time.Duration
	UsageCleanupInterval time.Duration
	UsageWriterWorkers   int
	UsageWriterBuffer    int
	AllowMissingKeys     bool
	ConfigFile           string
}

// RetryConfig controls same-provider retries
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Backoff     string
	Jitter      float64
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables and the
// optional provider table file
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 90*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimit:       getEnvAsFloat("API_RATE_LIMIT", 0),
			RateBurst:       getEnvAsInt("API_RATE_BURST", 10),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "llmrouter"),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "llm-router.db"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("AUTH_JWT_SECRET", ""),
			Issuer:    getEnv("AUTH_JWT_ISSUER", ""),
			Audience:  getEnv("AUTH_JWT_AUDIENCE", ""),
		},
		Router: RouterConfig{
			CacheCapacity:        getEnvAsInt("CACHE_CAPACITY", 1000),
			CacheTTL:             getEnvAsDuration("CACHE_TTL", 24*time.Hour),
			CacheCleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),
			CachePersist:         getEnvAsBool("CACHE_PERSIST", false),
			BatchSize:            getEnvAsInt("BATCH_SIZE", 3),
			Retry: RetryConfig{
				MaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
				Delay:       getEnvAsDuration("RETRY_DELAY", 2*time.Second),
				MaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
				Backoff:     getEnv("RETRY_BACKOFF", BackoffExponential),
				Jitter:      getEnvAsFloat("RETRY_JITTER", 0),
			},
			BreakerThreshold:     getEnvAsInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:      getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
			QuotaPersistence:     getEnv("QUOTA_PERSISTENCE", PersistenceMemory),
			QuotaTimezone:        getEnv("QUOTA_TIMEZONE", "UTC"),
			UsageRetention:       getEnvAsDuration("USAGE_RETENTION", 90*24*time.Hour),
			UsageCleanupInterval: getEnvAsDuration("USAGE_CLEANUP_INTERVAL", time.Hour),
			UsageWriterWorkers:   getEnvAsInt("USAGE_WRITER_WORKERS", 2),
			UsageWriterBuffer:    getEnvAsInt("USAGE_WRITER_BUFFER", 1000),
			AllowMissingKeys:     getEnvAsBool("ALLOW_MISSING_CREDENTIALS", false),
			ConfigFile:           getEnv("ROUTER_CONFIG_FILE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	table := DefaultProviderTable()
	if cfg.Router.ConfigFile != "" {
		file, err := LoadProviderFile(cfg.Router.ConfigFile)
		if err != nil {
			return nil, services.NewConfigurationError("failed to load provider file", err).
				WithDetail("path", cfg.Router.ConfigFile)
		}
		table = file
	}
	cfg.Providers = table.Providers
	cfg.Priority = table.Priority
	cfg.TaskMapping = table.TaskMapping
	cfg.applyProviderOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyProviderOverrides lets <NAME>_RPM / _RPD / _RPMONTH / _MODEL / _BASE_URL
// override entries of the provider table
func (c *Config) applyProviderOverrides() {
	for i := range c.Providers {
		p := &c.Providers[i]
		prefix := envPrefix(p.Name)
		p.Limits.PerMinute = getEnvAsInt(prefix+"_RPM", p.Limits.PerMinute)
		p.Limits.PerDay = getEnvAsInt(prefix+"_RPD", p.Limits.PerDay)
		p.Limits.PerMonth = getEnvAsInt(prefix+"_RPMONTH", p.Limits.PerMonth)
		p.Model = getEnv(prefix+"_MODEL", p.Model)
		p.BaseURL = getEnv(prefix+"_BASE_URL", p.BaseURL)
	}
	if priority := getEnvAsList("ROUTER_PRIORITY", nil); len(priority) > 0 {
		c.Priority = priority
	}
}

// Validate checks the configuration for startup errors. Every failure is a
// configuration error.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return services.NewConfigurationError(err.Error(), nil)
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}

	if len(c.Priority) == 0 {
		return fmt.Errorf("priority list must not be empty")
	}
	inPriority := make(map[string]bool, len(c.Priority))
	for _, name := range c.Priority {
		if !seen[name] {
			return fmt.Errorf("priority list references unknown provider %q", name)
		}
		if inPriority[name] {
			return fmt.Errorf("provider %q listed twice in priority list", name)
		}
		inPriority[name] = true
	}
	for task, name := range c.TaskMapping {
		if !seen[name] {
			return fmt.Errorf("task mapping %q references unknown provider %q", task, name)
		}
	}

	r := c.Router
	if r.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}
	if r.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if r.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if r.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if r.Retry.Backoff != BackoffLinear && r.Retry.Backoff != BackoffExponential {
		return fmt.Errorf("unknown retry backoff %q (want linear or exponential)", r.Retry.Backoff)
	}
	if r.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if r.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}
	if _, err := time.LoadLocation(r.QuotaTimezone); err != nil {
		return fmt.Errorf("invalid quota timezone %q: %v", r.QuotaTimezone, err)
	}

	switch r.QuotaPersistence {
	case PersistenceMemory:
	case PersistenceSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite quota persistence requires SQLITE_PATH")
		}
	case PersistenceRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis quota persistence requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown quota persistence %q (want memory, sqlite or redis)", r.QuotaPersistence)
	}
	if r.CachePersist && r.QuotaPersistence != PersistenceSQLite {
		return fmt.Errorf("cache persistence requires sqlite quota persistence")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// ResolveCredentials reads every provider's API key through lookup. A missing
// key is a configuration error unless AllowMissingKeys is set, in which case
// the provider is dropped from the table, the priority list and the mapping.
func (c *Config) ResolveCredentials(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var missing []string
	kept := c.Providers[:0]
	dropped := make(map[string]bool)
	for _, p := range c.Providers {
		key, ok := lookup(p.APIKeyEnv)
		if !ok || strings.TrimSpace(key) == "" {
			if c.Router.AllowMissingKeys {
				dropped[p.Name] = true
				continue
			}
			missing = append(missing, p.APIKeyEnv)
			kept = append(kept, p)
			continue
		}
		p.APIKey = strings.TrimSpace(key)
		kept = append(kept, p)
	}
	c.Providers = kept

	if len(missing) > 0 {
		return services.ErrMissingCredential.WithDetail("env", missing)
	}

	if len(dropped) > 0 {
		priority := c.Priority[:0]
		for _, name := range c.Priority {
			if !dropped[name] {
				priority = append(priority, name)
			}
		}
		c.Priority = priority
		for task, name := range c.TaskMapping {
			if dropped[name] {
				delete(c.TaskMapping, task)
			}
		}
	}

	return c.Validate()
}

// Provider returns the provider entry with the given name
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// OrderedProviders returns providers in priority order followed by providers
// that are reachable only through the task mapping
func (c *Config) OrderedProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	used := make(map[string]bool, len(c.Providers))
	for _, name := range c.Priority {
		if p, ok := c.Provider(name); ok {
			out = append(out, p)
			used[name] = true
		}
	}
	for _, p := range c.Providers {
		if !used[p.Name] {
			out = append(out, p)
		}
	}
	return out
}

// Location returns the zone quota day/month windows are aligned to
func (r *RouterConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Returns nil when neither is set: the usage log then stays in process or sqlite.
func loadDatabaseConfig() *DatabaseConfig {
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		return &DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	host := getEnv("DB_HOST", "")
	if host == "" {
		return nil
	}
	return &DatabaseConfig{
		Host:            host,
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "router"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "llm_router"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
