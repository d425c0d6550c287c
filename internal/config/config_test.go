package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/resilience"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "toolscout.db", cfg.Store.SQLitePath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.InDelta(t, 1.0, cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"].Input, 0.001)
	assert.Equal(t, time.Second, cfg.RateLimit.Discovery.MinSpacing)
	assert.InDelta(t, 0.7, cfg.Dedup.Threshold, 0.001)
	assert.Equal(t, 30*time.Minute, cfg.Dedup.CacheRefresh)
	assert.InDelta(t, 0.9, cfg.Classifier.AcceptanceThreshold, 0.001)
	assert.Equal(t, 7*24*time.Hour, cfg.Classifier.CacheTTL)
	assert.InDelta(t, 10.0, cfg.Classifier.DailyBudget, 0.001)
	assert.Equal(t, 60, cfg.Scheduler.MinIntervalMinutes)
	assert.Equal(t, 10080, cfg.Scheduler.MaxIntervalMinutes)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Cooldown)
	assert.Equal(t, 1000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LockTTL)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.InDelta(t, 0.6, cfg.Engine.MinConfidenceThreshold, 0.001)
	assert.InDelta(t, 0.95, cfg.Engine.MaxConfidenceThreshold, 0.001)
	assert.Equal(t, 15*time.Minute, cfg.Engine.ContinuousInterval)
	assert.InDelta(t, 0.8, cfg.Monitoring.BudgetBurnThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/toolscout
log:
  level: debug
  format: console
discovery:
  platforms:
    - id: greenhouse
      base_url: https://boards.example.com/greenhouse
      requests_per_second: 2
    - id: lever
      base_url: https://boards.example.com/lever
scheduler:
  boost_terms: [salesloft]
queue:
  poll_interval: 2s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	require.Len(t, cfg.Discovery.Platforms, 2)
	assert.Equal(t, []string{"greenhouse", "lever"}, cfg.Discovery.PlatformIDs())
	assert.InDelta(t, 2.0, cfg.Discovery.Platforms[0].RequestsPerSecond, 0.001)
	assert.Equal(t, []string{"salesloft"}, cfg.Scheduler.BoostTerms)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Queue.BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("TOOLSCOUT_STORE_DRIVER", "postgres")
	t.Setenv("TOOLSCOUT_LOG_LEVEL", "warn")
	t.Setenv("TOOLSCOUT_CLASSIFIER_DAILY_BUDGET", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.InDelta(t, 2.5, cfg.Classifier.DailyBudget, 0.001)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.ErrorContains(t, err, "config: read file")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = "toolscout.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Discovery.Platforms = []discovery.PlatformConfig{{ID: "greenhouse", BaseURL: "https://example.com"}}
	cfg.Engine.MinConfidenceThreshold = 0.6
	cfg.Engine.MaxConfidenceThreshold = 0.95
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		mode    Mode
		wantKey string
	}{
		{name: "valid discover", mutate: func(*Config) {}, mode: ModeDiscover},
		{name: "admin ignores classifier", mutate: func(c *Config) { c.Anthropic.Key = "" }, mode: ModeAdmin},
		{name: "postgres needs url", mutate: func(c *Config) { c.Store.Driver = "postgres" }, mode: ModeAdmin, wantKey: "store.database_url"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mysql" }, mode: ModeAdmin, wantKey: "store.driver"},
		{name: "missing key", mutate: func(c *Config) { c.Anthropic.Key = "" }, mode: ModeDiscover, wantKey: "anthropic.key"},
		{name: "no platforms", mutate: func(c *Config) { c.Discovery.Platforms = nil }, mode: ModeDiscover, wantKey: "discovery.platforms"},
		{name: "thresholds inverted", mutate: func(c *Config) { c.Engine.MinConfidenceThreshold = 0.99 }, mode: ModeDiscover, wantKey: "engine.min_confidence_threshold"},
		{name: "bad timezone", mutate: func(c *Config) { c.Classifier.Timezone = "Mars/Olympus" }, mode: ModeDiscover, wantKey: "classifier.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			var ce *resilience.ConfigurationError
			require.True(t, errors.As(err, &ce), "want ConfigurationError, got %v", err)
			assert.Equal(t, tt.wantKey, ce.Key)
		})
	}
}

func TestClassifierLocation(t *testing.T) {
	loc, err := ClassifierConfig{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = ClassifierConfig{Timezone: "America/Chicago"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", loc.String())
}
