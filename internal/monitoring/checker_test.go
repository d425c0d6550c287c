package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&fakeQueue{}, nil, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(nil, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, defaultCheckInterval, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_RunChecksImmediately(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600}
	checker := NewChecker(NewCollector(&fakeQueue{}, nil, nil), NewAlerter(cfg), cfg)

	seen := make(chan struct{}, 1)
	checker.OnSnapshot(func(*MetricsSnapshot) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("first check did not run before the interval")
	}
}

func TestChecker_CheckFeedsObservers(t *testing.T) {
	q := &fakeQueue{stats: queue.Stats{
		Jobs:         map[model.JobStatus]int{model.JobCompleted: 2, model.JobFailed: 8},
		OpenCircuits: []string{"classify"},
	}}
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(q, nil, nil), NewAlerter(cfg), cfg)

	var seen []*MetricsSnapshot
	checker.OnSnapshot(func(s *MetricsSnapshot) { seen = append(seen, s) })

	alerts := checker.Check(context.Background())
	require.Len(t, seen, 1)
	assert.Equal(t, 8, seen[0].QueueFailed)
	types := alertTypes(alerts)
	assert.True(t, types[AlertQueueFailureRate])
	assert.True(t, types[AlertCircuitOpen])
}

func TestChecker_CheckCollectError(t *testing.T) {
	checker := NewChecker(
		NewCollector(&fakeQueue{err: errors.New("db down")}, nil, nil),
		NewAlerter(config.MonitoringConfig{}),
		config.MonitoringConfig{},
	)
	called := false
	checker.OnSnapshot(func(*MetricsSnapshot) { called = true })

	assert.Nil(t, checker.Check(context.Background()))
	assert.False(t, called)
}
