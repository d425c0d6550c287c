package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/toolscout/internal/cost"
	"github.com/sells-group/toolscout/internal/dedup"
	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Dedup      dedup.Config     `yaml:"dedup" mapstructure:"dedup"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
}

// AnthropicConfig holds Anthropic API settings for the classifier.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	Model      string `yaml:"model" mapstructure:"model"`
	MaxTokens  int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheTTL   string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	MaxRetries int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// DiscoveryConfig lists the job-board platforms and the retry policy used
// against them.
type DiscoveryConfig struct {
	Platforms        []discovery.PlatformConfig `yaml:"platforms" mapstructure:"platforms"`
	TimeoutSecs      int                        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts      int                        `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int                        `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int                        `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// PlatformIDs returns the configured platform IDs in file order.
func (d DiscoveryConfig) PlatformIDs() []string {
	ids := make([]string, 0, len(d.Platforms))
	for _, p := range d.Platforms {
		ids = append(ids, p.ID)
	}
	return ids
}

// RateLimitConfig bounds outbound calls, one limiter per concern.
type RateLimitConfig struct {
	Discovery LimiterConfig `yaml:"discovery" mapstructure:"discovery"`
	Provider  LimiterConfig `yaml:"provider" mapstructure:"provider"`
}

// LimiterConfig configures one ratelimit.Limiter.
type LimiterConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinSpacing    time.Duration `yaml:"min_spacing" mapstructure:"min_spacing"`
	MaxPerWindow  int           `yaml:"max_per_window" mapstructure:"max_per_window"`
	Window        time.Duration `yaml:"window" mapstructure:"window"`
}

// ClassifierConfig configures the cost-optimized classifier.
type ClassifierConfig struct {
	AcceptanceThreshold float64       `yaml:"acceptance_threshold" mapstructure:"acceptance_threshold"`
	BatchSize           int           `yaml:"batch_size" mapstructure:"batch_size"`
	CacheTTL            time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheSize           int           `yaml:"cache_size" mapstructure:"cache_size"`
	DailyBudget         float64       `yaml:"daily_budget" mapstructure:"daily_budget"`
	BatchCostEstimate   float64       `yaml:"batch_cost_estimate" mapstructure:"batch_cost_estimate"`
	// Timezone names the IANA zone whose midnight resets the budget.
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// Location resolves Timezone. An empty zone is the local zone.
func (c ClassifierConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, &resilience.ConfigurationError{Key: "classifier.timezone", Reason: err.Error()}
	}
	return loc, nil
}

// SchedulerConfig configures the adaptive scheduler.
type SchedulerConfig struct {
	CatalogPath            string        `yaml:"catalog_path" mapstructure:"catalog_path"`
	MinIntervalMinutes     int           `yaml:"min_interval_minutes" mapstructure:"min_interval_minutes"`
	MaxIntervalMinutes     int           `yaml:"max_interval_minutes" mapstructure:"max_interval_minutes"`
	DefaultIntervalMinutes int           `yaml:"default_interval_minutes" mapstructure:"default_interval_minutes"`
	DefaultPriority        int           `yaml:"default_priority" mapstructure:"default_priority"`
	HighYieldThreshold     float64       `yaml:"high_yield_threshold" mapstructure:"high_yield_threshold"`
	LowYieldThreshold      float64       `yaml:"low_yield_threshold" mapstructure:"low_yield_threshold"`
	FailureThreshold       int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	UnhealthyRate          float64       `yaml:"unhealthy_rate" mapstructure:"unhealthy_rate"`
	Cooldown               time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	PlatformDelay          time.Duration `yaml:"platform_delay" mapstructure:"platform_delay"`
	MaxItemsPerPlatform    int           `yaml:"max_items_per_platform" mapstructure:"max_items_per_platform"`
	BoostTerms             []string      `yaml:"boost_terms" mapstructure:"boost_terms"`
	BoostFactor            float64       `yaml:"boost_factor" mapstructure:"boost_factor"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	WorkerID         string        `yaml:"worker_id" mapstructure:"worker_id"`
	MaxQueueSize     int           `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency      int           `yaml:"concurrency" mapstructure:"concurrency"`
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	LockTTL          time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	MaxHeapMB        int           `yaml:"max_heap_mb" mapstructure:"max_heap_mb"`
	MaxErrorRate     float64       `yaml:"max_error_rate" mapstructure:"max_error_rate"`
	MaxProcessing    int           `yaml:"max_processing" mapstructure:"max_processing"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// EngineConfig configures the intelligence engine.
type EngineConfig struct {
	InitialConfidenceThreshold float64       `yaml:"initial_confidence_threshold" mapstructure:"initial_confidence_threshold"`
	MinConfidenceThreshold     float64       `yaml:"min_confidence_threshold" mapstructure:"min_confidence_threshold"`
	MaxConfidenceThreshold     float64       `yaml:"max_confidence_threshold" mapstructure:"max_confidence_threshold"`
	ContinuousInterval         time.Duration `yaml:"continuous_interval" mapstructure:"continuous_interval"`
	RevalidateMaxItems         int           `yaml:"revalidate_max_items" mapstructure:"revalidate_max_items"`
	RecheckLimit               int           `yaml:"recheck_limit" mapstructure:"recheck_limit"`
}

// MonitoringConfig configures background alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinishedJobs      int     `yaml:"min_finished_jobs" mapstructure:"min_finished_jobs"`
	BudgetBurnThreshold  float64 `yaml:"budget_burn_threshold" mapstructure:"budget_burn_threshold"`
}

// ExportConfig configures the export destinations.
type ExportConfig struct {
	XLSXDir string       `yaml:"xlsx_dir" mapstructure:"xlsx_dir"`
	Notion  NotionConfig `yaml:"notion" mapstructure:"notion"`
}

// NotionConfig holds Notion API credentials for the export job.
type NotionConfig struct {
	Token             string  `yaml:"token" mapstructure:"token"`
	DatabaseID        string  `yaml:"database_id" mapstructure:"database_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// Mode names what a command needs from the configuration.
type Mode string

const (
	// ModeAdmin needs only the store (migrate, seed, merge, status).
	ModeAdmin Mode = "admin"
	// ModeDiscover needs the store, discovery platforms and the classifier.
	ModeDiscover Mode = "discover"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TOOLSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "toolscout.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.cache_ttl", "1h")
	v.SetDefault("anthropic.max_retries", 2)
	v.SetDefault("pricing.anthropic.claude-haiku-4-5-20251001.input", 1.00)
	v.SetDefault("pricing.anthropic.claude-haiku-4-5-20251001.output", 5.00)
	v.SetDefault("pricing.anthropic.claude-haiku-4-5-20251001.cache_write_mul", 2.0)
	v.SetDefault("pricing.anthropic.claude-haiku-4-5-20251001.cache_read_mul", 0.1)
	v.SetDefault("discovery.timeout_secs", 30)
	v.SetDefault("discovery.max_attempts", 3)
	v.SetDefault("discovery.initial_backoff_ms", 500)
	v.SetDefault("discovery.max_backoff_ms", 10000)
	v.SetDefault("ratelimit.discovery.max_concurrent", 2)
	v.SetDefault("ratelimit.discovery.min_spacing", "1s")
	v.SetDefault("ratelimit.discovery.max_per_window", 30)
	v.SetDefault("ratelimit.discovery.window", "60s")
	v.SetDefault("ratelimit.provider.max_concurrent", 2)
	v.SetDefault("ratelimit.provider.min_spacing", "500ms")
	v.SetDefault("ratelimit.provider.max_per_window", 50)
	v.SetDefault("ratelimit.provider.window", "60s")
	v.SetDefault("dedup.threshold", 0.7)
	v.SetDefault("dedup.cache_size", 10000)
	v.SetDefault("dedup.cache_refresh", "30m")
	v.SetDefault("dedup.normalize_cache_size", 50000)
	v.SetDefault("dedup.search_limit", 20)
	v.SetDefault("dedup.domain_confidence", 0.8)
	v.SetDefault("dedup.min_domain_token", 4)
	v.SetDefault("classifier.acceptance_threshold", 0.9)
	v.SetDefault("classifier.batch_size", 10)
	v.SetDefault("classifier.cache_ttl", "168h")
	v.SetDefault("classifier.cache_size", 50000)
	v.SetDefault("classifier.daily_budget", 10.0)
	v.SetDefault("classifier.batch_cost_estimate", 0.02)
	v.SetDefault("scheduler.catalog_path", "terms.yaml")
	v.SetDefault("scheduler.min_interval_minutes", 60)
	v.SetDefault("scheduler.max_interval_minutes", 10080)
	v.SetDefault("scheduler.default_interval_minutes", 1440)
	v.SetDefault("scheduler.default_priority", 50)
	v.SetDefault("scheduler.high_yield_threshold", 0.3)
	v.SetDefault("scheduler.low_yield_threshold", 0.1)
	v.SetDefault("scheduler.failure_threshold", 3)
	v.SetDefault("scheduler.unhealthy_rate", 0.3)
	v.SetDefault("scheduler.cooldown", "30m")
	v.SetDefault("scheduler.platform_delay", "2s")
	v.SetDefault("scheduler.max_items_per_platform", 50)
	v.SetDefault("scheduler.boost_factor", 1.5)
	v.SetDefault("queue.max_queue_size", 1000)
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.concurrency", 5)
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.lock_ttl", "5m")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_base_delay", "30s")
	v.SetDefault("queue.retry_max_delay", "30m")
	v.SetDefault("queue.breaker_threshold", 5)
	v.SetDefault("queue.breaker_cooldown", "5m")
	v.SetDefault("queue.max_heap_mb", 0)
	v.SetDefault("queue.max_error_rate", 0.5)
	v.SetDefault("queue.max_processing", 0)
	v.SetDefault("queue.shutdown_timeout", "30s")
	v.SetDefault("engine.initial_confidence_threshold", 0.9)
	v.SetDefault("engine.min_confidence_threshold", 0.6)
	v.SetDefault("engine.max_confidence_threshold", 0.95)
	v.SetDefault("engine.continuous_interval", "15m")
	v.SetDefault("engine.revalidate_max_items", 10)
	v.SetDefault("engine.recheck_limit", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_finished_jobs", 5)
	v.SetDefault("monitoring.budget_burn_threshold", 0.8)
	v.SetDefault("export.xlsx_dir", ".")
	v.SetDefault("export.notion.requests_per_second", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings mode depends on. It returns a
// *resilience.ConfigurationError naming the first missing key.
func (c *Config) Validate(mode Mode) error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return &resilience.ConfigurationError{Key: "store.database_url", Reason: "required for the postgres driver"}
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return &resilience.ConfigurationError{Key: "store.sqlite_path", Reason: "required for the sqlite driver"}
		}
	default:
		return &resilience.ConfigurationError{Key: "store.driver", Reason: "must be sqlite or postgres, got " + c.Store.Driver}
	}
	if mode == ModeAdmin {
		return nil
	}

	if c.Anthropic.Key == "" {
		return &resilience.ConfigurationError{Key: "anthropic.key", Reason: "required by the classifier"}
	}
	if len(c.Discovery.Platforms) == 0 {
		return &resilience.ConfigurationError{Key: "discovery.platforms", Reason: "at least one platform is required"}
	}
	if c.Engine.MinConfidenceThreshold > c.Engine.MaxConfidenceThreshold {
		return &resilience.ConfigurationError{Key: "engine.min_confidence_threshold", Reason: "exceeds engine.max_confidence_threshold"}
	}
	if _, err := c.Classifier.Location(); err != nil {
		return err
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
