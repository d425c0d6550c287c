// Package metrics exports run, queue and classifier activity as Prometheus
// collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/engine"
	"github.com/sells-group/toolscout/internal/queue"
)

// Recorder owns every toolscout collector. It implements engine.RunObserver.
type Recorder struct {
	gatherer prometheus.Gatherer

	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	scraped         prometheus.Counter
	newCompanies    prometheus.Counter
	highValue       prometheus.Counter
	runCost         prometheus.Counter
	insights        *prometheus.CounterVec
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsRunning     prometheus.Gauge
	queueDepth      *prometheus.GaugeVec
	circuits        *prometheus.GaugeVec
	backpressure    *prometheus.CounterVec
	classifierSpend prometheus.Gauge
	classifierLeft  prometheus.Gauge
	classifierHits  prometheus.Gauge
	classifierCalls prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewRecorder registers the collectors with reg. A nil reg uses a fresh
// registry, which Handler then serves.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		gatherer: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolscout_runs_total",
			Help: "Orchestrate runs partitioned by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "toolscout_run_duration_seconds",
			Help:    "Wall time of completed runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		scraped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolscout_postings_scraped_total",
			Help: "Postings returned by discovery platforms.",
		}),
		newCompanies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolscout_new_companies_total",
			Help: "Companies seen for the first time.",
		}),
		highValue: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolscout_high_value_companies_total",
			Help: "Companies classified as using a sales engagement tool.",
		}),
		runCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolscout_classification_cost_usd_total",
			Help: "Classification spend attributed to runs.",
		}),
		insights: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolscout_insights_total",
			Help: "Insights generated after runs, by kind.",
		}, []string{"kind"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolscout_queue_jobs_total",
			Help: "Queue job outcomes by job type and event.",
		}, []string{"job_type", "event"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolscout_queue_job_duration_seconds",
			Help:    "Handler time per finished job.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"job_type"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscout_queue_jobs_running",
			Help: "Jobs currently being processed by this worker.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolscout_queue_jobs",
			Help: "Jobs in the queue by status.",
		}, []string{"status"}),
		circuits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "toolscout_circuit_open",
			Help: "1 while the breaker for a job type is open.",
		}, []string{"job_type"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolscout_queue_backpressure_total",
			Help: "Ticks skipped by backpressure, by reason.",
		}, []string{"reason"}),
		classifierSpend: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscout_classifier_spent_today_usd",
			Help: "Provider spend in the current budget day.",
		}),
		classifierLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscout_classifier_remaining_budget_usd",
			Help: "Provider budget left in the current day.",
		}),
		classifierHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscout_classifier_cache_hits",
			Help: "Classifications served from the result cache.",
		}),
		classifierCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolscout_classifier_provider_calls",
			Help: "Batched provider calls made.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolscout_http_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolscout_http_request_duration_seconds",
			Help:    "API request latency by method and route.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{
		r.runs, r.runDuration, r.scraped, r.newCompanies, r.highValue, r.runCost, r.insights,
		r.jobs, r.jobDuration, r.jobsRunning, r.queueDepth, r.circuits, r.backpressure,
		r.classifierSpend, r.classifierLeft, r.classifierHits, r.classifierCalls,
		r.httpRequests, r.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "metrics: register collector")
		}
	}
	return r, nil
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveRun records one orchestrate result.
func (r *Recorder) ObserveRun(res *engine.RunResult) {
	switch {
	case res.Error != "":
		r.runs.WithLabelValues("failed").Inc()
		return
	case res.Skipped:
		r.runs.WithLabelValues("skipped").Inc()
		return
	}
	r.runs.WithLabelValues("completed").Inc()
	r.runDuration.Observe(float64(res.ProcessingTimeMs) / 1000)
	r.scraped.Add(float64(res.Scraped))
	r.newCompanies.Add(float64(res.NewCompanies))
	r.highValue.Add(float64(res.HighValueFound))
	r.runCost.Add(res.TotalCost)
	for _, in := range res.Insights {
		r.insights.WithLabelValues(string(in.Kind)).Inc()
	}
}

// ObserveEvent records one queue event.
func (r *Recorder) ObserveEvent(ev queue.Event) {
	jt := string(ev.JobType)
	switch ev.Type {
	case queue.EventJobCompleted, queue.EventJobFailed, queue.EventJobRetried:
		r.jobs.WithLabelValues(jt, eventLabel(ev.Type)).Inc()
		if ev.Duration > 0 {
			r.jobDuration.WithLabelValues(jt).Observe(ev.Duration.Seconds())
		}
	case queue.EventJobDeferred:
		r.jobs.WithLabelValues(jt, eventLabel(ev.Type)).Inc()
	case queue.EventCircuitOpened:
		r.circuits.WithLabelValues(jt).Set(1)
	case queue.EventCircuitClosed:
		r.circuits.WithLabelValues(jt).Set(0)
	case queue.EventBackpressure:
		r.backpressure.WithLabelValues(ev.Reason).Inc()
	}
}

func eventLabel(t queue.EventType) string {
	switch t {
	case queue.EventJobCompleted:
		return "completed"
	case queue.EventJobFailed:
		return "failed"
	case queue.EventJobRetried:
		return "retried"
	default:
		return "deferred"
	}
}

// Consume records events until the channel closes or ctx is done.
func (r *Recorder) Consume(ctx context.Context, events <-chan queue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.ObserveEvent(ev)
		}
	}
}

// ObserveQueue copies queue depth and this worker's in-flight count.
func (r *Recorder) ObserveQueue(s queue.Stats) {
	for status, n := range s.Jobs {
		r.queueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	r.jobsRunning.Set(float64(s.InFlight))
}

// ObserveClassifier copies the classifier's spend and cache counters.
func (r *Recorder) ObserveClassifier(s classifier.Stats) {
	r.classifierSpend.Set(s.SpentToday)
	r.classifierLeft.Set(s.RemainingBudget)
	r.classifierHits.Set(float64(s.CacheHits))
	r.classifierCalls.Set(float64(s.ProviderCalls))
}

// Middleware is a chi middleware that records request counts and latency by
// route pattern.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, req)

		route := "unknown"
		if rc := chi.RouteContext(req.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(ww.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
