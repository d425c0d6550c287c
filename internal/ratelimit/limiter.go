// Package ratelimit throttles calls to external collaborators with a
// concurrency cap, a minimum spacing between call starts, and a rolling
// per-window call cap. Waiters are admitted in FIFO order.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxConcurrent caps simultaneous invocations. Default: 2.
	MaxConcurrent int
	// MinSpacing is the minimum gap between two call starts. Zero disables spacing.
	MinSpacing time.Duration
	// MaxPerWindow caps call starts inside any rolling Window. Zero disables the cap.
	MaxPerWindow int
	// Window is the rolling window for MaxPerWindow. Default: 60s.
	Window time.Duration
}

// Stats reports the limiter's current load.
type Stats struct {
	Active        int64 `json:"active"`
	Queued        int64 `json:"queued"`
	CallsInWindow int   `json:"calls_in_window"`
	TotalCalls    int64 `json:"total_calls"`
}

// Limiter enforces the limits in Config. It never retries; errors from the
// wrapped function propagate unchanged.
type Limiter struct {
	cfg Config

	gate    *semaphore.Weighted // FIFO admission; held until a call starts
	slots   *semaphore.Weighted
	spacing *rate.Limiter

	mu     sync.Mutex
	starts []time.Time

	active atomic.Int64
	queued atomic.Int64
	total  atomic.Int64

	nowFunc func() time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		gate:    semaphore.NewWeighted(1),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		nowFunc: time.Now,
	}
	if cfg.MinSpacing > 0 {
		l.spacing = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	}
	return l
}

// Execute runs fn once the limiter admits it and returns fn's result.
func Execute[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.acquire(ctx); err != nil {
		return zero, err
	}
	defer l.release()
	return fn(ctx)
}

// Do is Execute for functions without a result value.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, l, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Stats returns the current load.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	inWindow := len(l.pruneLocked(l.nowFunc()))
	l.mu.Unlock()
	return Stats{
		Active:        l.active.Load(),
		Queued:        l.queued.Load(),
		CallsInWindow: inWindow,
		TotalCalls:    l.total.Load(),
	}
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.queued.Add(1)
	defer l.queued.Add(-1)

	if err := l.gate.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "ratelimit: wait for turn")
	}
	defer l.gate.Release(1)

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "ratelimit: wait for slot")
	}
	if err := l.waitWindow(ctx); err != nil {
		l.slots.Release(1)
		return err
	}
	if l.spacing != nil {
		if err := l.spacing.Wait(ctx); err != nil {
			l.slots.Release(1)
			return eris.Wrap(err, "ratelimit: wait for spacing")
		}
	}

	l.mu.Lock()
	l.starts = append(l.starts, l.nowFunc())
	l.mu.Unlock()

	l.active.Add(1)
	l.total.Add(1)
	return nil
}

func (l *Limiter) release() {
	l.active.Add(-1)
	l.slots.Release(1)
}

// waitWindow blocks until a call start fits inside the rolling window.
func (l *Limiter) waitWindow(ctx context.Context) error {
	if l.cfg.MaxPerWindow <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.nowFunc()
		starts := l.pruneLocked(now)
		if len(starts) < l.cfg.MaxPerWindow {
			l.mu.Unlock()
			return nil
		}
		wait := starts[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "ratelimit: wait for window")
		case <-timer.C:
		}
	}
}

// pruneLocked drops starts that fell out of the window. Caller holds mu.
func (l *Limiter) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
	return l.starts
}
