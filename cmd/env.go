package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/cost"
	"github.com/sells-group/toolscout/internal/dedup"
	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/engine"
	"github.com/sells-group/toolscout/internal/export"
	"github.com/sells-group/toolscout/internal/metrics"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/monitoring"
	"github.com/sells-group/toolscout/internal/queue"
	"github.com/sells-group/toolscout/internal/ratelimit"
	"github.com/sells-group/toolscout/internal/resilience"
	"github.com/sells-group/toolscout/internal/scheduler"
	"github.com/sells-group/toolscout/internal/store"
	anthropicpkg "github.com/sells-group/toolscout/pkg/anthropic"
	"github.com/sells-group/toolscout/pkg/notion"
)

// appEnv holds the wired components shared by the commands.
type appEnv struct {
	Store      store.Store
	Dedup      *dedup.Deduplicator
	Scheduler  *scheduler.Scheduler
	Classifier *classifier.Classifier
	Engine     *engine.Engine
	Queue      *queue.Manager
	Recorder   *metrics.Recorder
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, &resilience.ConfigurationError{Key: "store.driver", Reason: "unsupported driver " + c.Store.Driver}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", c.Store.Driver)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func limiterConfig(c config.LimiterConfig) ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent: c.MaxConcurrent,
		MinSpacing:    c.MinSpacing,
		MaxPerWindow:  c.MaxPerWindow,
		Window:        c.Window,
	}
}

func schedulerConfig(c *config.Config) scheduler.Config {
	sc := c.Scheduler
	return scheduler.Config{
		Platforms:              c.Discovery.PlatformIDs(),
		MinIntervalMinutes:     sc.MinIntervalMinutes,
		MaxIntervalMinutes:     sc.MaxIntervalMinutes,
		DefaultIntervalMinutes: sc.DefaultIntervalMinutes,
		DefaultPriority:        sc.DefaultPriority,
		HighYieldThreshold:     sc.HighYieldThreshold,
		LowYieldThreshold:      sc.LowYieldThreshold,
		FailureThreshold:       sc.FailureThreshold,
		UnhealthyRate:          sc.UnhealthyRate,
		Cooldown:               sc.Cooldown,
		PlatformDelay:          sc.PlatformDelay,
		MaxItemsPerPlatform:    sc.MaxItemsPerPlatform,
		BoostTerms:             sc.BoostTerms,
		BoostFactor:            sc.BoostFactor,
	}
}

func queueConfig(c config.QueueConfig) queue.Config {
	return queue.Config{
		WorkerID:         c.WorkerID,
		MaxQueueSize:     c.MaxQueueSize,
		BatchSize:        c.BatchSize,
		Concurrency:      c.Concurrency,
		PollInterval:     c.PollInterval,
		LockTTL:          c.LockTTL,
		MaxRetries:       c.MaxRetries,
		RetryBaseDelay:   c.RetryBaseDelay,
		RetryMaxDelay:    c.RetryMaxDelay,
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
		MaxHeapBytes:     uint64(max(c.MaxHeapMB, 0)) << 20,
		MaxErrorRate:     c.MaxErrorRate,
		MaxProcessing:    c.MaxProcessing,
		ShutdownTimeout:  c.ShutdownTimeout,
	}
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		InitialConfidenceThreshold: c.InitialConfidenceThreshold,
		MinConfidenceThreshold:     c.MinConfidenceThreshold,
		MaxConfidenceThreshold:     c.MaxConfidenceThreshold,
		RevalidateMaxItems:         c.RevalidateMaxItems,
	}
}

// initEnv wires the full engine: store, discovery, classifier, dedup,
// scheduler, engine, queue, exporters and the Prometheus recorder.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	if err := c.Validate(config.ModeDiscover); err != nil {
		return nil, err
	}
	loc, err := c.Classifier.Location()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	fail := func(err error) (*appEnv, error) {
		env.Close()
		return nil, err
	}

	provider, err := discovery.NewHTTPProvider(c.Discovery.Platforms,
		discovery.WithRetry(resilience.FromRetryConfig(
			c.Discovery.MaxAttempts, c.Discovery.InitialBackoffMs, c.Discovery.MaxBackoffMs, 0, 0,
		)),
	)
	if err != nil {
		return fail(err)
	}

	env.Dedup = dedup.New(st, c.Dedup)
	env.Scheduler = scheduler.New(st, provider, ratelimit.New(limiterConfig(c.RateLimit.Discovery)), env.Dedup, schedulerConfig(c))

	client := anthropicpkg.NewClient(c.Anthropic.Key, anthropicpkg.Options{
		BaseURL:    c.Anthropic.BaseURL,
		MaxRetries: c.Anthropic.MaxRetries,
	})
	calc := cost.NewCalculator(c.Pricing)
	env.Classifier = classifier.New(
		classifier.NewAnthropicProvider(client, calc, classifier.AnthropicConfig{
			Model:     c.Anthropic.Model,
			MaxTokens: c.Anthropic.MaxTokens,
			CacheTTL:  c.Anthropic.CacheTTL,
		}),
		classifier.Config{
			AcceptanceThreshold: c.Classifier.AcceptanceThreshold,
			BatchSize:           c.Classifier.BatchSize,
			CacheTTL:            c.Classifier.CacheTTL,
			CacheSize:           c.Classifier.CacheSize,
			DailyBudget:         c.Classifier.DailyBudget,
			BatchCostEstimate:   c.Classifier.BatchCostEstimate,
			Location:            loc,
		},
	)
	env.Classifier.SetNormalizer(dedup.NewNormalizer(c.Dedup.NormalizeCacheSize))
	env.Classifier.SetLimiter(ratelimit.New(limiterConfig(c.RateLimit.Provider)))

	env.Engine = engine.New(engine.Deps{
		Scheduler:  env.Scheduler,
		Classifier: env.Classifier,
		Dedup:      env.Dedup,
		Ledger:     st,
		Discovery:  provider,
	}, engineConfig(c.Engine))
	env.Engine.SetExporter(model.ExportXLSX, export.NewXLSX(c.Export.XLSXDir))
	if c.Export.Notion.Token != "" && c.Export.Notion.DatabaseID != "" {
		nc := notion.NewClient(c.Export.Notion.Token, notion.WithRateLimit(c.Export.Notion.RequestsPerSecond))
		env.Engine.SetExporter(model.ExportNotion, export.NewNotion(nc, c.Export.Notion.DatabaseID))
	}

	env.Queue = queue.New(st, queueConfig(c.Queue))
	env.Engine.RegisterHandlers(env.Queue)

	env.Recorder, err = metrics.NewRecorder(prometheus.NewRegistry())
	if err != nil {
		return fail(err)
	}
	env.Engine.SetObserver(env.Recorder)

	if err := env.Dedup.RefreshCache(ctx); err != nil {
		zap.L().Warn("dedup cache warm-up failed", zap.Error(err))
	}

	zap.L().Info("engine ready",
		zap.String("store", c.Store.Driver),
		zap.Strings("platforms", c.Discovery.PlatformIDs()),
		zap.String("model", c.Anthropic.Model),
		zap.String("worker_id", env.Queue.WorkerID()),
	)
	return env, nil
}

// startBackground fans queue events out to the logger and the recorder and
// keeps the recorder's gauges current. With monitoring enabled the alert
// checker drives the gauges; otherwise a plain collector loop does.
func (e *appEnv) startBackground(ctx context.Context, c *config.Config) {
	go queue.Dispatch(ctx, e.Queue.Events(), queue.LogEvent, e.Recorder.ObserveEvent)

	collector := monitoring.NewCollector(e.Queue, e.Engine, e.Scheduler)
	observe := func(s *monitoring.MetricsSnapshot) {
		e.Recorder.ObserveQueue(s.Queue)
		e.Recorder.ObserveClassifier(s.Classifier)
	}

	if c.Monitoring.Enabled {
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)
		checker.OnSnapshot(observe)
		go checker.Run(ctx)
		return
	}

	go func() {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := collector.Collect(ctx)
				if err != nil {
					zap.L().Debug("gauge refresh failed", zap.Error(err))
					continue
				}
				observe(snap)
			}
		}
	}()
}

const gaugeInterval = 15 * time.Second

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var stdout io.Writer = os.Stdout
