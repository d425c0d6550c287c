package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/engine"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(t, err)
	return r
}

func TestNewRecorder_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	assert.Error(t, err)
}

func TestObserveRun(t *testing.T) {
	r := newRecorder(t)
	var _ engine.RunObserver = r

	r.ObserveRun(&engine.RunResult{
		Term: "outreach.io", Scraped: 50, NewCompanies: 10, HighValueFound: 27, TotalCost: 0.08,
		ProcessingTimeMs: 1500,
		Insights:         []engine.Insight{{Kind: engine.InsightThreshold}},
	})
	r.ObserveRun(&engine.RunResult{Term: "outreach.io", Skipped: true})
	r.ObserveRun(&engine.RunResult{Term: "salesloft", Error: "boom", Scraped: 5})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("failed")))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.scraped), "failed runs add nothing")
	assert.Equal(t, 10.0, testutil.ToFloat64(r.newCompanies))
	assert.Equal(t, 27.0, testutil.ToFloat64(r.highValue))
	assert.InDelta(t, 0.08, testutil.ToFloat64(r.runCost), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.insights.WithLabelValues("threshold_adjusted")))
}

func TestObserveEvent(t *testing.T) {
	r := newRecorder(t)
	classify := model.JobTypeClassify

	r.ObserveEvent(queue.Event{Type: queue.EventJobStarted, JobType: classify})
	r.ObserveEvent(queue.Event{Type: queue.EventJobCompleted, JobType: classify, Duration: 2 * time.Second})
	r.ObserveEvent(queue.Event{Type: queue.EventJobRetried, JobType: classify, Duration: time.Second})
	r.ObserveEvent(queue.Event{Type: queue.EventJobFailed, JobType: model.JobTypeExport})
	r.ObserveEvent(queue.Event{Type: queue.EventJobDeferred, JobType: classify})
	r.ObserveEvent(queue.Event{Type: queue.EventCircuitOpened, JobType: classify})
	r.ObserveEvent(queue.Event{Type: queue.EventBackpressure, Reason: "error_rate"})

	for _, ev := range []string{"completed", "retried", "deferred"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("classify", ev)), ev)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("export", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.circuits.WithLabelValues("classify")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.backpressure.WithLabelValues("error_rate")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.jobDuration), "untimed failures are not observed")

	r.ObserveEvent(queue.Event{Type: queue.EventCircuitClosed, JobType: classify})
	assert.Equal(t, 0.0, testutil.ToFloat64(r.circuits.WithLabelValues("classify")))
}

func TestConsume_StopsWhenChannelCloses(t *testing.T) {
	r := newRecorder(t)
	events := make(chan queue.Event, 2)
	events <- queue.Event{Type: queue.EventJobCompleted, JobType: model.JobTypeExport, Duration: time.Millisecond}
	close(events)

	done := make(chan struct{})
	go func() {
		r.Consume(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("export", "completed")))
}

func TestObserveQueueAndClassifier(t *testing.T) {
	r := newRecorder(t)
	r.ObserveQueue(queue.Stats{Jobs: map[model.JobStatus]int{model.JobPending: 4}, InFlight: 2})
	r.ObserveClassifier(classifier.Stats{SpentToday: 1.25, RemainingBudget: 8.75, CacheHits: 12, ProviderCalls: 3})

	assert.Equal(t, 4.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsRunning))
	assert.Equal(t, 1.25, testutil.ToFloat64(r.classifierSpend))
	assert.Equal(t, 8.75, testutil.ToFloat64(r.classifierLeft))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.classifierHits))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.classifierCalls))
}

func TestMiddlewareAndHandler(t *testing.T) {
	r := newRecorder(t)
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", r.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "/v1/jobs/{id}", "404")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "toolscout_http_requests_total"))
}
