package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls Retry. Zero fields take the DefaultRetryConfig value.
type RetryConfig struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each delay by ±Jitter of itself.
	Jitter float64

	// Retryable decides whether err is worth another attempt. Default IsTransient.
	Retryable func(err error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig is three attempts from 500ms, doubling up to 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
	}
}

// FromRetryConfig builds a RetryConfig from flat config values. Non-positive
// values keep the default; a negative jitter keeps the default jitter.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitter float64) RetryConfig {
	c := RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Duration(initialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(maxBackoffMs) * time.Millisecond,
		Multiplier:     multiplier,
		Jitter:         -1,
	}
	if jitter >= 0 {
		c.Jitter = jitter
	}
	return c.withDefaults()
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = d.Jitter
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	return c
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out
// of attempts, or ctx is done. The last error is returned unchanged.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.Retryable(err) {
			return v, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		t := time.NewTimer(cfg.delay(attempt - 1))
		select {
		case <-ctx.Done():
			t.Stop()
			return v, err
		case <-t.C:
		}
	}
}

// delay is the jittered backoff before retry number attempt+1.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(Backoff(attempt, c.InitialBackoff, c.MaxBackoff, c.Multiplier))
	if c.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * c.Jitter
	}
	return time.Duration(max(d, 0))
}

// Backoff returns base·multiplier^attempt capped at maxDelay, without jitter.
// The queue uses it directly for job retries.
func Backoff(attempt int, base, maxDelay time.Duration, multiplier float64) time.Duration {
	d := float64(base) * math.Pow(multiplier, float64(max(attempt, 0)))
	if math.IsInf(d, 1) || d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// LogRetry returns an OnRetry hook that logs the attempt at warn level.
func LogRetry(component, target string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying",
			zap.String("component", component),
			zap.String("target", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
