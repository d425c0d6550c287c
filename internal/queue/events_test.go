package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/toolscout/internal/model"
)

func TestDispatch_FansOutUntilClosed(t *testing.T) {
	events := make(chan Event, 3)
	events <- Event{Type: EventJobStarted, JobID: "a"}
	events <- Event{Type: EventJobCompleted, JobID: "a"}
	close(events)

	var first, second []EventType
	done := make(chan struct{})
	go func() {
		Dispatch(context.Background(), events,
			func(ev Event) { first = append(first, ev.Type) },
			func(ev Event) { second = append(second, ev.Type) },
		)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after close")
	}
	want := []EventType{EventJobStarted, EventJobCompleted}
	assert.Equal(t, want, first)
	assert.Equal(t, want, second)
}

func TestDispatch_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Dispatch(ctx, make(chan Event))
}

func TestLogEvent_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	retryAt := t0.Add(time.Minute)
	LogEvent(Event{Type: EventJobStarted, JobID: "j1", JobType: model.JobTypeClassify, Attempt: 1, At: t0})
	LogEvent(Event{Type: EventJobRetried, JobID: "j1", JobType: model.JobTypeClassify, RetryAt: &retryAt, Error: "boom", At: t0})
	LogEvent(Event{Type: EventCircuitClosed, JobType: model.JobTypeClassify, At: t0})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)

	fields := entries[1].ContextMap()
	assert.Equal(t, "job.retried", fields["event"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "classify", fields["job_type"])
}
