package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/model"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventJobStarted    EventType = "job.started"
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobRetried    EventType = "job.retried"
	EventJobDeferred   EventType = "job.deferred"
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"
	EventBackpressure  EventType = "backpressure"
)

// Event is published on the manager's event channel.
type Event struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"job_id,omitempty"`
	JobType  model.JobType `json:"job_type,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	// RetryAt is set for retried and deferred jobs.
	RetryAt *time.Time `json:"retry_at,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// emit publishes ev without blocking. Events that do not fit in the buffer
// are dropped and counted.
func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	select {
	case m.events <- ev:
	default:
		m.droppedEvents.Add(1)
	}
}

// Dispatch delivers every event to each sink in order until events is
// closed or ctx is done.
func Dispatch(ctx context.Context, events <-chan Event, sinks ...func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, sink := range sinks {
				sink(ev)
			}
		}
	}
}

// LogEvent writes ev to the global logger. Failures, deferrals and circuit
// trips log at warn; the rest at debug or info.
func LogEvent(ev Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.Time("at", ev.At),
	}
	if ev.JobID != "" {
		fields = append(fields, zap.String("job_id", ev.JobID))
	}
	if ev.JobType != "" {
		fields = append(fields, zap.String("job_type", string(ev.JobType)))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}
	if ev.RetryAt != nil {
		fields = append(fields, zap.Time("retry_at", *ev.RetryAt))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}

	log := zap.L().With(zap.String("component", "queue"))
	switch ev.Type {
	case EventJobStarted:
		log.Debug("queue: event", fields...)
	case EventJobFailed, EventJobRetried, EventJobDeferred, EventCircuitOpened, EventBackpressure:
		log.Warn("queue: event", fields...)
	default:
		log.Info("queue: event", fields...)
	}
}
