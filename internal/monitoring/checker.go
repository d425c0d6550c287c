package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker collects a snapshot on an interval, hands it to observers and
// sends whatever alerts it triggers.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	observers []func(*MetricsSnapshot)
	log       *zap.Logger
}

// NewChecker creates a Checker. A non-positive check interval means five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// OnSnapshot registers fn to receive every collected snapshot.
func (c *Checker) OnSnapshot(fn func(*MetricsSnapshot)) {
	c.observers = append(c.observers, fn)
}

// Run checks once immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting alert checker", zap.Duration("interval", c.interval))
	defer c.log.Info("alert checker stopped")

	if ctx.Err() != nil {
		return
	}
	c.Check(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collection and returns the alerts that fired. A failed
// collection is logged and yields no alerts.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}
	for _, fn := range c.observers {
		fn(snap)
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		c.log.Info("monitoring: alerts triggered",
			zap.Int("alerts", len(alerts)),
			zap.Int("sent", c.alerter.SendAlerts(ctx, alerts)),
		)
	}
	return alerts
}
