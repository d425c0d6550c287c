// Package api exposes the engine and the job queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/engine"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
	"github.com/sells-group/toolscout/internal/resilience"
)

// Engine is the part of the discovery engine the API drives.
type Engine interface {
	Orchestrate(ctx context.Context, term string, opts ...engine.RunOption) (*engine.RunResult, error)
	RunAll(ctx context.Context) ([]*engine.RunResult, error)
	Status() engine.Status
	Metrics() engine.Metrics
}

// Queue is the part of the job queue the API drives.
type Queue interface {
	AddJob(ctx context.Context, p model.Payload, opts queue.AddOptions) (*model.QueueJob, error)
	GetJob(ctx context.Context, id string) (*model.QueueJob, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
	CircuitStates() []resilience.BreakerSnapshot
}

// PlatformHealther reports discovery platform health.
type PlatformHealther interface {
	PlatformHealth(ctx context.Context) ([]model.PlatformHealth, error)
}

// Metrics serves Prometheus metrics and instruments requests.
type Metrics interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
}

// Deps are the server's collaborators. Platforms and Metrics may be nil.
type Deps struct {
	Engine    Engine
	Queue     Queue
	Platforms PlatformHealther
	Metrics   Metrics
}

// Server wires HTTP handlers to the engine and queue.
type Server struct {
	router    chi.Router
	engine    Engine
	queue     Queue
	platforms PlatformHealther
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	s := &Server{
		engine:    deps.Engine,
		queue:     deps.Queue,
		platforms: deps.Platforms,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		if cfg.RequestTimeout > 0 {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
		}
		r.Post("/terms/{term}/run", s.runTerm)
		r.Post("/runs", s.runAll)
		r.Get("/status", s.status)
		r.Get("/metrics", s.metrics)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.addJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runTerm runs one orchestration synchronously. ?force=true ignores the
// schedule; ?platforms=a,b pins the run.
func (s *Server) runTerm(w http.ResponseWriter, r *http.Request) {
	term, err := url.PathUnescape(chi.URLParam(r, "term"))
	if err != nil || strings.TrimSpace(term) == "" {
		writeError(w, http.StatusBadRequest, "invalid_term", "term is required")
		return
	}

	var opts []engine.RunOption
	if force := r.URL.Query().Get("force"); force == "true" || force == "1" {
		opts = append(opts, engine.WithForce())
	}
	if ps := r.URL.Query().Get("platforms"); ps != "" {
		opts = append(opts, engine.WithPlatforms(splitList(ps)...))
	}

	res, err := s.engine.Orchestrate(r.Context(), term, opts...)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.RunAll(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "results": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type statusResponse struct {
	Engine    engine.Status                `json:"engine"`
	Queue     queue.Stats                  `json:"queue"`
	Circuits  []resilience.BreakerSnapshot `json:"circuits"`
	Platforms []model.PlatformHealth       `json:"platforms,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	qs, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	resp := statusResponse{
		Engine:   s.engine.Status(),
		Queue:    qs,
		Circuits: s.queue.CircuitStates(),
	}
	if s.platforms != nil {
		if resp.Platforms, err = s.platforms.PlatformHealth(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

type addJobRequest struct {
	Type         model.JobType   `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	ID           string          `json:"id,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
}

func (s *Server) addJob(w http.ResponseWriter, r *http.Request) {
	var req addJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "payload is required")
		return
	}
	p, err := model.DecodePayload(req.Type, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	opts := queue.AddOptions{ID: req.ID, Priority: req.Priority, MaxRetries: req.MaxRetries}
	if req.ScheduledFor != nil {
		opts.ScheduledFor = *req.ScheduledFor
	}
	job, err := s.queue.AddJob(r.Context(), p, opts)
	if err != nil {
		var full *resilience.QueueFullError
		if errors.As(err, &full) {
			writeError(w, http.StatusTooManyRequests, full.Code(), err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.queue.CancelJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(model.JobCancelled)})
		return
	}

	job, err := s.queue.GetJob(r.Context(), id)
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	case job == nil:
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	default:
		writeError(w, http.StatusConflict, "not_cancellable", "job is "+string(job.Status))
	}
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		cfgErr  *resilience.ConfigurationError
		provErr *resilience.ProviderError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
