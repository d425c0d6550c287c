package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertQueueFailureRate AlertType = "queue_failure_rate"
	AlertBudgetBurn       AlertType = "budget_burn"
	AlertCircuitOpen      AlertType = "circuit_open"
	AlertPlatformsDown    AlertType = "platforms_down"
)

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookBody is the JSON posted to the alert webhook.
type webhookBody struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// Alerter evaluates snapshots against the monitoring thresholds and posts
// breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.MinFinishedJobs <= 0 {
		cfg.MinFinishedJobs = 5
	}
	return &Alerter{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

// Evaluate returns the alerts snap triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	rules := []func(*MetricsSnapshot) *Alert{
		a.queueFailures,
		a.budgetBurn,
		a.openCircuits,
		a.platformsDown,
	}
	var alerts []Alert
	for _, rule := range rules {
		if al := rule(snap); al != nil {
			al.Timestamp = snap.CollectedAt
			alerts = append(alerts, *al)
		}
	}
	return alerts
}

func (a *Alerter) queueFailures(s *MetricsSnapshot) *Alert {
	finished := s.QueueCompleted + s.QueueFailed
	if a.cfg.FailureRateThreshold <= 0 || finished < a.cfg.MinFinishedJobs || s.QueueFailRate <= a.cfg.FailureRateThreshold {
		return nil
	}
	return &Alert{
		Type:     AlertQueueFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Queue failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
			s.QueueFailRate*100, a.cfg.FailureRateThreshold*100, s.QueueFailed, finished),
		Details: map[string]any{
			"failure_rate": s.QueueFailRate,
			"threshold":    a.cfg.FailureRateThreshold,
			"failed":       s.QueueFailed,
			"finished":     finished,
		},
	}
}

func (a *Alerter) budgetBurn(s *MetricsSnapshot) *Alert {
	if a.cfg.BudgetBurnThreshold <= 0 || s.BudgetBurn < a.cfg.BudgetBurnThreshold {
		return nil
	}
	severity := "medium"
	if s.RemainingUSD <= 0 {
		severity = "high"
	}
	return &Alert{
		Type:     AlertBudgetBurn,
		Severity: severity,
		Message:  fmt.Sprintf("Classifier spent $%.2f today, %.0f%% of the daily budget", s.SpentTodayUSD, s.BudgetBurn*100),
		Details: map[string]any{
			"spent_today_usd": s.SpentTodayUSD,
			"remaining_usd":   s.RemainingUSD,
			"burn":            s.BudgetBurn,
			"threshold":       a.cfg.BudgetBurnThreshold,
		},
	}
}

func (a *Alerter) openCircuits(s *MetricsSnapshot) *Alert {
	if len(s.OpenCircuits) == 0 {
		return nil
	}
	return &Alert{
		Type:     AlertCircuitOpen,
		Severity: "high",
		Message:  fmt.Sprintf("%d job type circuit(s) open: %s", len(s.OpenCircuits), strings.Join(s.OpenCircuits, ", ")),
		Details:  map[string]any{"open_circuits": s.OpenCircuits},
	}
}

func (a *Alerter) platformsDown(s *MetricsSnapshot) *Alert {
	if s.Platforms == 0 || len(s.UnhealthyPlatforms) < s.Platforms {
		return nil
	}
	return &Alert{
		Type:     AlertPlatformsDown,
		Severity: "high",
		Message:  fmt.Sprintf("All %d discovery platforms are unhealthy", s.Platforms),
		Details:  map[string]any{"platforms": s.UnhealthyPlatforms},
	}
}

// SendAlerts posts alerts to the webhook in one request and returns how
// many were delivered. Without a webhook nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}
	if err := a.post(ctx, webhookBody{Source: "toolscout", Alerts: alerts}); err != nil {
		zap.L().Error("monitoring: alert webhook failed", zap.Int("alerts", len(alerts)), zap.Error(err))
		return 0
	}
	for _, al := range alerts {
		zap.L().Info("monitoring: alert sent", zap.String("type", string(al.Type)), zap.String("severity", al.Severity))
	}
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body webhookBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
