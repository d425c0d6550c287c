package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/engine"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Queue depth and this worker's outcomes.
	QueuePending    int      `json:"queue_pending"`
	QueueProcessing int      `json:"queue_processing"`
	QueueCompleted  int      `json:"queue_completed"`
	QueueFailed     int      `json:"queue_failed"`
	QueueFailRate   float64  `json:"queue_fail_rate"`
	WorkerErrorRate float64  `json:"worker_error_rate"`
	OpenCircuits    []string `json:"open_circuits"`

	// Engine runs since start.
	RunsTotal      int64   `json:"runs_total"`
	RunsFailed     int64   `json:"runs_failed"`
	HighValueFound int     `json:"high_value_found"`
	RunCostUSD     float64 `json:"run_cost_usd"`

	// Classifier budget for the current day.
	SpentTodayUSD float64 `json:"spent_today_usd"`
	RemainingUSD  float64 `json:"remaining_usd"`
	BudgetBurn    float64 `json:"budget_burn"`
	CacheHits     int64   `json:"cache_hits"`
	ProviderCalls int64   `json:"provider_calls"`

	Platforms          int      `json:"platforms"`
	UnhealthyPlatforms []string `json:"unhealthy_platforms"`

	CollectedAt time.Time `json:"collected_at"`

	// Raw component stats, for metric exporters.
	Queue      queue.Stats      `json:"-"`
	Classifier classifier.Stats `json:"-"`
}

// QueueStatser reports queue statistics.
type QueueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// EngineMetrics reports cumulative engine counters.
type EngineMetrics interface {
	Metrics() engine.Metrics
}

// PlatformHealther reports discovery platform health.
type PlatformHealther interface {
	PlatformHealth(ctx context.Context) ([]model.PlatformHealth, error)
}

// Collector gathers metrics from the queue, engine and scheduler. Any
// source may be nil.
type Collector struct {
	queue     QueueStatser
	engine    EngineMetrics
	platforms PlatformHealther
	nowFunc   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(q QueueStatser, e EngineMetrics, p PlatformHealther) *Collector {
	return &Collector{queue: q, engine: e, platforms: p, nowFunc: time.Now}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: c.nowFunc().UTC()}

	if c.queue != nil {
		qs, err := c.queue.Stats(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue stats")
		}
		snap.Queue = qs
		snap.QueuePending = qs.Jobs[model.JobPending]
		snap.QueueProcessing = qs.Jobs[model.JobProcessing]
		snap.QueueCompleted = qs.Jobs[model.JobCompleted]
		snap.QueueFailed = qs.Jobs[model.JobFailed]
		if finished := snap.QueueCompleted + snap.QueueFailed; finished > 0 {
			snap.QueueFailRate = float64(snap.QueueFailed) / float64(finished)
		}
		snap.WorkerErrorRate = qs.ErrorRate
		snap.OpenCircuits = qs.OpenCircuits
	}

	if c.engine != nil {
		m := c.engine.Metrics()
		snap.RunsTotal = m.Runs
		snap.RunsFailed = m.Failed
		snap.HighValueFound = m.HighValueFound
		snap.RunCostUSD = m.TotalCost

		cs := m.Classifier
		snap.Classifier = cs
		snap.SpentTodayUSD = cs.SpentToday
		snap.RemainingUSD = cs.RemainingBudget
		if budget := cs.SpentToday + cs.RemainingBudget; budget > 0 {
			snap.BudgetBurn = cs.SpentToday / budget
		}
		snap.CacheHits = cs.CacheHits
		snap.ProviderCalls = cs.ProviderCalls
	}

	if c.platforms != nil {
		health, err := c.platforms.PlatformHealth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: platform health")
		}
		snap.Platforms = len(health)
		for _, h := range health {
			if !h.IsHealthy {
				snap.UnhealthyPlatforms = append(snap.UnhealthyPlatforms, h.PlatformID)
			}
		}
	}

	return snap, nil
}
