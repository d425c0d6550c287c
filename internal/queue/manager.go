// Package queue is a durable priority job queue with per-type circuit
// breakers, retry with backoff and backpressure. Jobs live in the store; any
// number of workers may poll the same store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/resilience"
	"github.com/sells-group/toolscout/internal/store"
)

// Handler processes one claimed job. The returned result is stored on the job.
type Handler func(ctx context.Context, job model.QueueJob, payload model.Payload) (json.RawMessage, error)

// Config tunes the queue manager.
type Config struct {
	// WorkerID identifies this worker's locks. Default: hostname plus a random suffix.
	WorkerID string

	MaxQueueSize int           // default 1000
	BatchSize    int           // default 5
	Concurrency  int           // default 5
	PollInterval time.Duration // default 5s
	LockTTL      time.Duration // default 5m
	// HeartbeatInterval extends held locks. Default: LockTTL / 3.
	HeartbeatInterval time.Duration

	MaxRetries      int           // default 3
	RetryBaseDelay  time.Duration // default 30s
	RetryMaxDelay   time.Duration // default 30m
	RetryMultiplier float64       // default 2

	BreakerThreshold int           // default 5
	BreakerCooldown  time.Duration // default 5m

	// MaxHeapBytes skips claim cycles while the heap is larger. 0 disables.
	MaxHeapBytes        uint64
	MaxErrorRate        float64 // default 0.5
	ErrorRateWindow     int     // default 50
	ErrorRateMinSamples int     // default 10
	// ErrorRateMaxAge drops outcomes older than this from the error rate.
	// Default: 10m.
	ErrorRateMaxAge time.Duration
	// MaxProcessing skips claim cycles while this many jobs are processing
	// across all workers. 0 disables.
	MaxProcessing int

	ShutdownTimeout time.Duration // default 30s
	EventBuffer     int           // default 256
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        1000,
		BatchSize:           5,
		Concurrency:         5,
		PollInterval:        5 * time.Second,
		LockTTL:             5 * time.Minute,
		MaxRetries:          3,
		RetryBaseDelay:      30 * time.Second,
		RetryMaxDelay:       30 * time.Minute,
		RetryMultiplier:     2,
		BreakerThreshold:    5,
		BreakerCooldown:     5 * time.Minute,
		MaxErrorRate:        0.5,
		ErrorRateWindow:     50,
		ErrorRateMinSamples: 10,
		ErrorRateMaxAge:     10 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		EventBuffer:         256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LockTTL / 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = d.RetryMultiplier
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = d.MaxErrorRate
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = d.ErrorRateWindow
	}
	if c.ErrorRateMinSamples <= 0 {
		c.ErrorRateMinSamples = d.ErrorRateMinSamples
	}
	if c.ErrorRateMaxAge <= 0 {
		c.ErrorRateMaxAge = d.ErrorRateMaxAge
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// AddOptions adjusts a job at enqueue.
type AddOptions struct {
	// Priority replaces the job type's base priority when set.
	Priority *int
	// ScheduledFor delays the job. Zero means now.
	ScheduledFor time.Time
	// MaxRetries overrides Config.MaxRetries when set.
	MaxRetries *int
	// ID makes the enqueue idempotent. Default: a random UUID.
	ID string
}

// TickResult summarizes one claim-and-process cycle.
type TickResult struct {
	Claimed      int    `json:"claimed"`
	Completed    int    `json:"completed"`
	Retried      int    `json:"retried"`
	Failed       int    `json:"failed"`
	Deferred     int    `json:"deferred"`
	Backpressure string `json:"backpressure,omitempty"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeDeferred
)

// Manager owns job enqueue, claiming and processing for one worker.
type Manager struct {
	cfg      Config
	store    store.JobStore
	breakers *resilience.Breakers
	handlers map[model.JobType]Handler
	events   chan Event

	mu       sync.Mutex
	outcomes *outcomeWindow
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	inFlight      atomic.Int64
	processed     atomic.Int64
	completed     atomic.Int64
	retried       atomic.Int64
	failed        atomic.Int64
	deferred      atomic.Int64
	skipped       atomic.Int64
	droppedEvents atomic.Int64

	nowFunc   func() time.Time
	heapAlloc func() uint64
}

// New creates a Manager backed by st.
func New(st store.JobStore, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		store:     st,
		handlers:  make(map[model.JobType]Handler),
		events:    make(chan Event, cfg.EventBuffer),
		outcomes:  newOutcomeWindow(cfg.ErrorRateWindow, cfg.ErrorRateMaxAge),
		nowFunc:   time.Now,
		heapAlloc: readHeapAlloc,
	}
	m.breakers = resilience.NewBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange:    m.onBreakerChange,
	})
	return m
}

// SetNowFunc overrides the clock of the manager and its breakers. Intended for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.nowFunc = now
	m.mu.Unlock()
	m.breakers.SetNowFunc(now)
}

// SetHeapFunc overrides the heap reading used for backpressure. Intended for tests.
func (m *Manager) SetHeapFunc(fn func() uint64) {
	m.heapAlloc = fn
}

// WorkerID returns the owner name used on claimed jobs.
func (m *Manager) WorkerID() string { return m.cfg.WorkerID }

// Events returns the event channel. Events are dropped when nobody reads.
func (m *Manager) Events() <-chan Event { return m.events }

// Register installs the handler for a job type.
func (m *Manager) Register(t model.JobType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

func (m *Manager) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFunc()
}

func (m *Manager) onBreakerChange(name string, from, to resilience.CircuitState) {
	log := zap.L().With(zap.String("job_type", name), zap.String("from", from.String()), zap.String("to", to.String()))
	switch to {
	case resilience.CircuitOpen:
		log.Warn("queue: circuit opened")
		m.emit(Event{Type: EventCircuitOpened, JobType: model.JobType(name)})
	case resilience.CircuitClosed:
		log.Info("queue: circuit closed")
		m.emit(Event{Type: EventCircuitClosed, JobType: model.JobType(name)})
	default:
		log.Info("queue: circuit half-open")
	}
}

var basePriority = map[model.JobType]int{
	model.JobTypeExport:     80,
	model.JobTypeClassify:   60,
	model.JobTypeDiscover:   50,
	model.JobTypeRevalidate: 20,
}

// Priority computes a job's priority in [0,100]: the type base (or the
// override), +15 for a new company, +10 for a senior title and +20 when urgent.
func Priority(p model.Payload, override *int) int {
	prio := basePriority[p.JobType()]
	if override != nil {
		prio = *override
	}
	var c *model.ClassifyPayload
	switch v := p.(type) {
	case model.ClassifyPayload:
		c = &v
	case *model.ClassifyPayload:
		c = v
	}
	if c != nil {
		if c.IsNewCompany {
			prio += 15
		}
		if c.IsSeniorTitle() {
			prio += 10
		}
	}
	if p.IsUrgent() {
		prio += 20
	}
	return max(0, min(prio, 100))
}

// AddJob validates and enqueues a job. It fails with a QueueFullError when
// the pending count has reached MaxQueueSize.
func (m *Manager) AddJob(ctx context.Context, p model.Payload, opts AddOptions) (*model.QueueJob, error) {
	if err := p.Validate(); err != nil {
		return nil, eris.Wrap(err, "queue: invalid payload")
	}
	pending, err := m.store.CountJobs(ctx, model.JobPending)
	if err != nil {
		return nil, eris.Wrap(err, "queue: count pending jobs")
	}
	if pending >= m.cfg.MaxQueueSize {
		return nil, &resilience.QueueFullError{Pending: pending, Max: m.cfg.MaxQueueSize}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "queue: encode payload")
	}
	now := m.now()
	job := &model.QueueJob{
		ID:           opts.ID,
		Type:         p.JobType(),
		Status:       model.JobPending,
		Priority:     Priority(p, opts.Priority),
		ScheduledFor: now,
		Payload:      raw,
		MaxRetries:   m.cfg.MaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !opts.ScheduledFor.IsZero() {
		job.ScheduledFor = opts.ScheduledFor
	}
	if opts.MaxRetries != nil {
		job.MaxRetries = max(0, *opts.MaxRetries)
	}
	if err := m.store.InsertJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "queue: insert job")
	}
	zap.L().Debug("queue: job added",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// IsCircuitOpen evaluates the breaker for t. An open breaker whose cooldown
// has elapsed moves to half-open and reports false.
func (m *Manager) IsCircuitOpen(t model.JobType) bool {
	return m.breakers.Get(string(t)).IsOpen()
}

// GetNextJobs claims up to n due jobs for this worker. Job types whose
// breaker is open are skipped; a half-open type gets at most one job per
// free trial slot.
func (m *Manager) GetNextJobs(ctx context.Context, n int) ([]model.QueueJob, error) {
	if n <= 0 {
		return nil, nil
	}
	var exclude []model.JobType
	trials := make(map[model.JobType]int)
	for _, t := range model.AllJobTypes {
		c := m.breakers.Get(string(t)).Capacity()
		if c < 0 {
			continue
		}
		exclude = append(exclude, t)
		if c > 0 {
			trials[t] = c
		}
	}

	now := m.now()
	jobs, err := m.store.ClaimJobs(ctx, store.ClaimParams{
		Owner:        m.cfg.WorkerID,
		Limit:        n,
		LockTTL:      m.cfg.LockTTL,
		Now:          now,
		ExcludeTypes: exclude,
	})
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim jobs")
	}

	for _, t := range model.AllJobTypes {
		limit := min(trials[t], n-len(jobs))
		if limit <= 0 {
			continue
		}
		more, err := m.store.ClaimJobs(ctx, store.ClaimParams{
			Owner:     m.cfg.WorkerID,
			Limit:     limit,
			LockTTL:   m.cfg.LockTTL,
			Now:       now,
			OnlyTypes: []model.JobType{t},
		})
		if err != nil {
			return jobs, eris.Wrapf(err, "queue: claim half-open %s jobs", t)
		}
		jobs = append(jobs, more...)
	}
	return jobs, nil
}

// Tick runs one cycle: check backpressure, claim a batch, process it
// concurrently and wait for every job. Handlers run detached from ctx's
// cancellation so a stop never interrupts a job mid-flight.
func (m *Manager) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	reason, err := m.backpressure(ctx)
	if err != nil {
		return res, err
	}
	if reason != "" {
		m.skipped.Add(1)
		res.Backpressure = reason
		zap.L().Warn("queue: backpressure, skipping claim", zap.String("reason", reason))
		m.emit(Event{Type: EventBackpressure, Reason: reason})
		return res, nil
	}

	jobs, err := m.GetNextJobs(ctx, min(m.cfg.BatchSize, m.cfg.Concurrency))
	if err != nil {
		return res, err
	}
	res.Claimed = len(jobs)
	if len(jobs) == 0 {
		return res, nil
	}

	outcomes := make([]outcome, len(jobs))
	jobCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for i := range jobs {
		g.Go(func() error {
			outcomes[i] = m.process(jobCtx, jobs[i])
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeCompleted:
			res.Completed++
		case outcomeRetried:
			res.Retried++
		case outcomeFailed:
			res.Failed++
		case outcomeDeferred:
			res.Deferred++
		}
	}
	return res, nil
}

// process runs one claimed job to a terminal or requeued state.
func (m *Manager) process(ctx context.Context, job model.QueueJob) outcome {
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)))

	m.mu.Lock()
	h := m.handlers[job.Type]
	m.mu.Unlock()
	if h == nil {
		return m.fail(ctx, job, eris.Errorf("queue: no handler for %s", job.Type), log)
	}
	payload, err := model.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return m.fail(ctx, job, err, log)
	}

	// Every path past Allow ends in Record or Release.
	breaker := m.breakers.Get(string(job.Type))
	if err := breaker.Allow(); err != nil {
		var coe *resilience.CircuitOpenError
		retryAt := m.now()
		if errors.As(err, &coe) && coe.CooldownUntil.After(retryAt) {
			retryAt = coe.CooldownUntil
		}
		return m.deferJob(ctx, job, err, retryAt, log)
	}

	m.emit(Event{Type: EventJobStarted, JobID: job.ID, JobType: job.Type, Attempt: job.RetryCount + 1})
	start := m.now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go m.heartbeat(hbCtx, job.ID)
	result, err := h(ctx, job, payload)
	stopHeartbeat()
	m.processed.Add(1)

	if err != nil && errors.Is(err, resilience.ErrCircuitOpen) {
		breaker.Release()
		return m.deferJob(ctx, job, err, m.now().Add(m.cfg.BreakerCooldown), log)
	}
	breaker.Record(err)
	now := m.now()
	m.mu.Lock()
	m.outcomes.add(now, err != nil)
	m.mu.Unlock()

	if err == nil {
		if cerr := m.store.CompleteJob(ctx, job.ID, m.cfg.WorkerID, result, now); cerr != nil {
			log.Error("queue: complete job", zap.Error(cerr))
		}
		m.completed.Add(1)
		m.emit(Event{Type: EventJobCompleted, JobID: job.ID, JobType: job.Type, Attempt: job.RetryCount + 1, Duration: m.now().Sub(start)})
		return outcomeCompleted
	}

	if job.RetryCount < job.MaxRetries {
		delay := resilience.Backoff(job.RetryCount, m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay, m.cfg.RetryMultiplier)
		retryAt := now.Add(delay)
		if rerr := m.store.RequeueJob(ctx, job.ID, m.cfg.WorkerID, err.Error(), retryAt, true, now); rerr != nil {
			log.Error("queue: requeue job", zap.Error(rerr))
		}
		m.retried.Add(1)
		log.Warn("queue: job failed, retrying",
			zap.Int("retry", job.RetryCount+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		m.emit(Event{Type: EventJobRetried, JobID: job.ID, JobType: job.Type, Attempt: job.RetryCount + 1, RetryAt: &retryAt, Error: err.Error()})
		return outcomeRetried
	}
	return m.fail(ctx, job, err, log)
}

func (m *Manager) fail(ctx context.Context, job model.QueueJob, cause error, log *zap.Logger) outcome {
	if ferr := m.store.FailJob(ctx, job.ID, m.cfg.WorkerID, cause.Error(), m.now()); ferr != nil {
		log.Error("queue: fail job", zap.Error(ferr))
	}
	m.failed.Add(1)
	log.Error("queue: job failed permanently", zap.Int("retries", job.RetryCount), zap.Error(cause))
	m.emit(Event{Type: EventJobFailed, JobID: job.ID, JobType: job.Type, Attempt: job.RetryCount + 1, Error: cause.Error()})
	return outcomeFailed
}

// deferJob requeues a job without spending a retry.
func (m *Manager) deferJob(ctx context.Context, job model.QueueJob, cause error, retryAt time.Time, log *zap.Logger) outcome {
	if err := m.store.RequeueJob(ctx, job.ID, m.cfg.WorkerID, cause.Error(), retryAt, false, m.now()); err != nil {
		log.Error("queue: defer job", zap.Error(err))
	}
	m.deferred.Add(1)
	log.Info("queue: job deferred", zap.Time("retry_at", retryAt), zap.Error(cause))
	m.emit(Event{Type: EventJobDeferred, JobID: job.ID, JobType: job.Type, RetryAt: &retryAt, Error: cause.Error()})
	return outcomeDeferred
}

// heartbeat extends the job's lock until ctx is cancelled.
func (m *Manager) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := m.now().Add(m.cfg.LockTTL)
			if err := m.store.ExtendLock(ctx, jobID, m.cfg.WorkerID, until); err != nil {
				var lost *store.ErrLockLost
				if errors.As(err, &lost) {
					zap.L().Warn("queue: lock lost", zap.String("job_id", jobID))
					return
				}
				zap.L().Warn("queue: extend lock", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// Start polls the queue every PollInterval until ctx is cancelled or Stop is
// called. It blocks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return eris.New("queue: manager already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	log := zap.L().With(zap.String("worker", m.cfg.WorkerID))
	log.Info("queue: worker started", zap.Duration("poll_interval", m.cfg.PollInterval))

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Tick(loopCtx); err != nil && loopCtx.Err() == nil {
			log.Error("queue: tick failed", zap.Error(err))
		}
		select {
		case <-loopCtx.Done():
			log.Info("queue: worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop halts polling, waits up to ShutdownTimeout (or ctx) for in-flight
// jobs, then returns every job still locked by this worker to pending.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		timer := time.NewTimer(m.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			zap.L().Warn("queue: shutdown timeout, releasing locks", zap.Int64("in_flight", m.inFlight.Load()))
		case <-ctx.Done():
		}
	}

	released, err := m.store.ReleaseLocks(context.WithoutCancel(ctx), m.cfg.WorkerID)
	if err != nil {
		return eris.Wrap(err, "queue: release locks")
	}
	if released > 0 {
		zap.L().Info("queue: released locks", zap.Int("jobs", released))
	}
	return nil
}

// CancelJob cancels a pending job. It reports false when the job is missing
// or already past pending.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.CancelJob(ctx, id)
	if err != nil {
		return false, eris.Wrapf(err, "queue: cancel job %s", id)
	}
	return ok, nil
}

// GetJob returns a job by id, or nil when missing.
func (m *Manager) GetJob(ctx context.Context, id string) (*model.QueueJob, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: get job %s", id)
	}
	return job, nil
}

// Stats is a point-in-time view of the queue and this worker.
type Stats struct {
	WorkerID          string                  `json:"worker_id"`
	Jobs              map[model.JobStatus]int `json:"jobs"`
	InFlight          int64                   `json:"in_flight"`
	Processed         int64                   `json:"processed"`
	Completed         int64                   `json:"completed"`
	Retried           int64                   `json:"retried"`
	Failed            int64                   `json:"failed"`
	Deferred          int64                   `json:"deferred"`
	BackpressureSkips int64                   `json:"backpressure_skips"`
	DroppedEvents     int64                   `json:"dropped_events"`
	ErrorRate         float64                 `json:"error_rate"`
	OpenCircuits      []string                `json:"open_circuits"`
}

// Stats returns job counts by status and this worker's counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, eris.Wrap(err, "queue: count jobs")
	}
	now := m.now()
	m.mu.Lock()
	rate, _ := m.outcomes.rate(now)
	m.mu.Unlock()
	return Stats{
		WorkerID:          m.cfg.WorkerID,
		Jobs:              counts,
		InFlight:          m.inFlight.Load(),
		Processed:         m.processed.Load(),
		Completed:         m.completed.Load(),
		Retried:           m.retried.Load(),
		Failed:            m.failed.Load(),
		Deferred:          m.deferred.Load(),
		BackpressureSkips: m.skipped.Load(),
		DroppedEvents:     m.droppedEvents.Load(),
		ErrorRate:         rate,
		OpenCircuits:      m.breakers.Open(),
	}, nil
}

// CircuitStates returns the breaker state of every job type.
func (m *Manager) CircuitStates() []resilience.BreakerSnapshot {
	for _, t := range model.AllJobTypes {
		m.breakers.Get(string(t))
	}
	return m.breakers.Snapshots()
}
