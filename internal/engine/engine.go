// Package engine orchestrates one discovery run per search term: gate,
// scrape, deduplicate, classify, record, then learn from the outcome.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/dedup"
	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/scheduler"
	"github.com/sells-group/toolscout/internal/store"
)

// Config tunes the engine's adaptive thresholds and insights.
type Config struct {
	// InitialConfidenceThreshold seeds the classifier acceptance threshold. Default: 0.9.
	InitialConfidenceThreshold float64
	MinConfidenceThreshold     float64 // default 0.6
	MaxConfidenceThreshold     float64 // default 0.95
	ThresholdStep              float64 // default 0.05

	// CostWeight is the weight of the newest cost-per-valuable observation. Default: 0.2.
	CostWeight float64
	// YieldWeight is the weight of the newest run yield in the engine's yield EMA. Default: 0.2.
	YieldWeight float64

	DuplicateRateAlert float64 // default 0.7
	InsightBuffer      int     // default 50

	// RevalidateMaxItems caps postings fetched when re-verifying a company. Default: 10.
	RevalidateMaxItems int
	// RevalidateDecay scales the signal of a company with no fresh postings. Default: 0.8.
	RevalidateDecay float64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		InitialConfidenceThreshold: 0.9,
		MinConfidenceThreshold:     0.6,
		MaxConfidenceThreshold:     0.95,
		ThresholdStep:              0.05,
		CostWeight:                 0.2,
		YieldWeight:                0.2,
		DuplicateRateAlert:         0.7,
		InsightBuffer:              50,
		RevalidateMaxItems:         10,
		RevalidateDecay:            0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConfidenceThreshold <= 0 {
		c.MinConfidenceThreshold = d.MinConfidenceThreshold
	}
	if c.MaxConfidenceThreshold <= 0 || c.MaxConfidenceThreshold > 1 {
		c.MaxConfidenceThreshold = d.MaxConfidenceThreshold
	}
	if c.InitialConfidenceThreshold <= 0 {
		c.InitialConfidenceThreshold = d.InitialConfidenceThreshold
	}
	if c.ThresholdStep <= 0 {
		c.ThresholdStep = d.ThresholdStep
	}
	if c.CostWeight <= 0 || c.CostWeight > 1 {
		c.CostWeight = d.CostWeight
	}
	if c.YieldWeight <= 0 || c.YieldWeight > 1 {
		c.YieldWeight = d.YieldWeight
	}
	if c.DuplicateRateAlert <= 0 {
		c.DuplicateRateAlert = d.DuplicateRateAlert
	}
	if c.InsightBuffer <= 0 {
		c.InsightBuffer = d.InsightBuffer
	}
	if c.RevalidateMaxItems <= 0 {
		c.RevalidateMaxItems = d.RevalidateMaxItems
	}
	if c.RevalidateDecay <= 0 || c.RevalidateDecay > 1 {
		c.RevalidateDecay = d.RevalidateDecay
	}
	return c
}

// RunObserver is notified after every orchestrate run.
type RunObserver interface {
	ObserveRun(res *RunResult)
}

// Deps are the engine's collaborators.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Classifier *classifier.Classifier
	Dedup      *dedup.Deduplicator
	Ledger     store.Ledger
	// Discovery is used to re-verify ledger companies.
	Discovery discovery.Provider
}

// RunResult is the outcome of one Orchestrate call.
type RunResult struct {
	Term             string    `json:"term"`
	Skipped          bool      `json:"skipped"`
	Reason           string    `json:"reason,omitempty"`
	Scraped          int       `json:"scraped"`
	Deduplicated     int       `json:"deduplicated"`
	NewCompanies     int       `json:"new_companies"`
	Classified       int       `json:"classified"`
	HighValueFound   int       `json:"high_value_found"`
	TotalCost        float64   `json:"total_cost"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	Insights         []Insight `json:"insights,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// RunOption adjusts a single Orchestrate call.
type RunOption func(*runOptions)

type runOptions struct {
	force     bool
	platforms []string
}

// WithForce runs the term even if it is not due.
func WithForce() RunOption {
	return func(o *runOptions) { o.force = true }
}

// WithPlatforms pins the run to the given platforms.
func WithPlatforms(platforms ...string) RunOption {
	return func(o *runOptions) { o.platforms = platforms }
}

// Engine is safe for concurrent use, but runs for the same term should not overlap.
type Engine struct {
	cfg        Config
	sched      *scheduler.Scheduler
	classifier *classifier.Classifier
	dedup      *dedup.Deduplicator
	ledger     store.Ledger
	discovery  discovery.Provider
	exporters  map[model.ExportFormat]Exporter
	observer   RunObserver

	mu       sync.Mutex
	learn    learningState
	insights *insightRing
	totals   Metrics
	current  string
	lastRun  *time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	cont     bool

	nowFunc func() time.Time
}

// New creates an Engine and pushes the initial confidence threshold to the classifier.
func New(deps Deps, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		sched:      deps.Scheduler,
		classifier: deps.Classifier,
		dedup:      deps.Dedup,
		ledger:     deps.Ledger,
		discovery:  deps.Discovery,
		exporters:  make(map[model.ExportFormat]Exporter),
		insights:   newInsightRing(cfg.InsightBuffer),
		stopCh:     make(chan struct{}),
		nowFunc:    time.Now,
	}
	e.learn.confidenceThreshold = clamp(cfg.InitialConfidenceThreshold, cfg.MinConfidenceThreshold, cfg.MaxConfidenceThreshold)
	e.classifier.SetAcceptanceThreshold(e.learn.confidenceThreshold)
	return e
}

// SetNowFunc overrides the clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	e.nowFunc = now
	e.mu.Unlock()
}

// SetObserver installs a run observer, such as the Prometheus recorder.
func (e *Engine) SetObserver(o RunObserver) { e.observer = o }

func (e *Engine) now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nowFunc()
}

// Orchestrate runs the full pipeline for term. Steps run strictly in
// sequence; an error aborts only this run.
func (e *Engine) Orchestrate(ctx context.Context, term string, opts ...RunOption) (*RunResult, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, eris.New("engine: empty search term")
	}

	start := e.now()
	res := &RunResult{Term: term}
	log := zap.L().With(zap.String("component", "engine"), zap.String("term", term))

	err := e.orchestrate(ctx, term, o, res, log)
	res.ProcessingTimeMs = e.now().Sub(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
	}
	e.finish(res, err)
	if err != nil {
		log.Error("engine: run failed", zap.Error(err))
		return res, err
	}
	return res, nil
}

func (e *Engine) orchestrate(ctx context.Context, term string, o runOptions, res *RunResult, log *zap.Logger) error {
	// 1. Gate.
	st, err := e.sched.EnsureStrategy(ctx, term)
	if err != nil {
		return err
	}
	if !o.force && !e.sched.ShouldScrape(st, e.now()) {
		res.Skipped = true
		res.Reason = "not due"
		if !st.Active {
			res.Reason = "inactive"
		}
		log.Debug("engine: term skipped", zap.String("reason", res.Reason))
		return nil
	}

	e.mu.Lock()
	e.current = term
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = ""
		e.mu.Unlock()
	}()

	// 2. Scrape.
	scrape, err := e.sched.ScrapeWithStrategy(ctx, term, o.platforms...)
	if err != nil {
		return eris.Wrap(err, "engine: scrape")
	}
	res.Scraped = scrape.Scraped
	res.NewCompanies = scrape.NewCompanies

	// 3. Unique candidates by normalized name.
	companies := groupCandidates(scrape.Candidates)
	res.Deduplicated = len(companies)

	// 4. Classify.
	reqs := make([]classifier.Request, len(companies))
	for i, c := range companies {
		reqs[i] = c.request()
	}
	results := e.classifier.AnalyzeBatch(ctx, reqs)
	res.Classified = len(results)

	// 5. Record.
	now := e.now()
	for i, r := range results {
		res.TotalCost += r.Cost
		if r.Tool == model.ToolNone {
			continue
		}
		res.HighValueFound++
		rec := companies[i].record(r, now)
		if err := e.ledger.UpsertCompany(ctx, &rec); err != nil {
			return eris.Wrapf(err, "engine: record %q", rec.CanonicalName)
		}
		e.dedup.Observe(rec)
	}
	if err := e.sched.RecordOutcome(ctx, term, res.NewCompanies, res.HighValueFound); err != nil {
		return err
	}

	// 6-7. Learn.
	known := res.Deduplicated - countNew(companies)
	res.Insights = e.learnFrom(res, known)

	log.Info("engine: run complete",
		zap.Int("scraped", res.Scraped),
		zap.Int("deduplicated", res.Deduplicated),
		zap.Int("new_companies", res.NewCompanies),
		zap.Int("high_value", res.HighValueFound),
		zap.Float64("cost", res.TotalCost),
		zap.Int("insights", len(res.Insights)),
	)
	return nil
}

func (e *Engine) finish(res *RunResult, err error) {
	e.mu.Lock()
	now := e.nowFunc()
	e.lastRun = &now
	e.totals.Runs++
	switch {
	case err != nil:
		e.totals.Failed++
	case res.Skipped:
		e.totals.Skipped++
	default:
		e.totals.Completed++
		e.totals.Scraped += res.Scraped
		e.totals.Classified += res.Classified
		e.totals.HighValueFound += res.HighValueFound
		e.totals.TotalCost += res.TotalCost
		e.totals.processingMs += res.ProcessingTimeMs
	}
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObserveRun(res)
	}
}

// companyCandidate is every unique posting of one company within a run.
type companyCandidate struct {
	normalized string
	canonical  string
	title      string
	known      bool
	match      *dedup.Match
	texts      []string
}

func (c *companyCandidate) request() classifier.Request {
	return classifier.Request{
		Company:     c.canonical,
		Title:       c.title,
		Description: strings.Join(c.texts, "\n\n"),
	}
}

// record builds the ledger row for a tool-using company. Known companies are
// keyed on the matched ledger row so fuzzy matches merge instead of forking.
func (c *companyCandidate) record(r classifier.Result, now time.Time) model.CompanyRecord {
	rec := model.CompanyRecord{
		CanonicalName:   c.canonical,
		NormalizedName:  c.normalized,
		Tools:           model.FlagsFor(r.Tool),
		ConfidenceLevel: model.LevelFor(r.Confidence),
		SignalStrength:  r.Confidence,
		LastVerifiedAt:  &now,
		UpdatedAt:       now,
	}
	if c.match != nil {
		rec.CanonicalName = c.match.Record.CanonicalName
		rec.NormalizedName = c.match.Record.NormalizedName
	}
	return rec
}

func groupCandidates(cands []scheduler.Candidate) []*companyCandidate {
	byName := make(map[string]*companyCandidate)
	var order []*companyCandidate
	for _, c := range cands {
		cc, ok := byName[c.NormalizedName]
		if !ok {
			cc = &companyCandidate{
				normalized: c.NormalizedName,
				canonical:  strings.TrimSpace(c.Posting.Company),
				title:      c.Posting.Title,
				known:      c.Known,
				match:      c.Match,
			}
			byName[c.NormalizedName] = cc
			order = append(order, cc)
		}
		text := strings.TrimSpace(c.Posting.Description)
		if text == "" {
			text = c.Posting.Title
		}
		cc.texts = append(cc.texts, text)
	}
	return order
}

func countNew(cs []*companyCandidate) int {
	n := 0
	for _, c := range cs {
		if !c.known {
			n++
		}
	}
	return n
}

// RunAll orchestrates every due term in score order. A failed term does not
// stop the others; its error is carried on its result.
func (e *Engine) RunAll(ctx context.Context) ([]*RunResult, error) {
	due, err := e.sched.DueStrategies(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list due terms")
	}
	out := make([]*RunResult, 0, len(due))
	for _, st := range due {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, _ := e.Orchestrate(ctx, st.Term)
		out = append(out, res)
	}
	return out, nil
}

// ContinuousMode runs the next due term every interval until ctx is
// cancelled or Stop is called.
func (e *Engine) ContinuousMode(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("engine: continuous interval must be positive")
	}
	e.mu.Lock()
	e.cont = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cont = false
		e.mu.Unlock()
	}()

	log := zap.L().With(zap.String("component", "engine"))
	log.Info("engine: continuous mode started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.runNext(ctx); err != nil && ctx.Err() == nil {
			log.Warn("engine: continuous run", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("engine: continuous mode stopped")
			return nil
		case <-e.stopCh:
			log.Info("engine: continuous mode stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) runNext(ctx context.Context) error {
	next, err := e.sched.NextSearchTerm(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	_, err = e.Orchestrate(ctx, next.Term)
	return err
}

// Stop ends ContinuousMode. It is safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Status is a summary of the engine's current state.
type Status struct {
	Continuous          bool       `json:"continuous"`
	CurrentTerm         string     `json:"current_term,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	ConfidenceThreshold float64    `json:"confidence_threshold"`
	CostThreshold       float64    `json:"cost_threshold"`
	YieldEMA            float64    `json:"yield_ema"`
	RecentInsights      []Insight  `json:"recent_insights"`
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Continuous:          e.cont,
		CurrentTerm:         e.current,
		LastRunAt:           e.lastRun,
		ConfidenceThreshold: e.learn.confidenceThreshold,
		CostThreshold:       e.learn.costThreshold,
		YieldEMA:            e.learn.yieldEMA,
		RecentInsights:      e.insights.list(),
	}
}

// Metrics are cumulative run counters.
type Metrics struct {
	Runs             int64            `json:"runs"`
	Completed        int64            `json:"completed"`
	Skipped          int64            `json:"skipped"`
	Failed           int64            `json:"failed"`
	Scraped          int              `json:"scraped"`
	Classified       int              `json:"classified"`
	HighValueFound   int              `json:"high_value_found"`
	TotalCost        float64          `json:"total_cost"`
	AvgProcessingMs  float64          `json:"avg_processing_ms"`
	CostPerHighValue float64          `json:"cost_per_high_value"`
	Classifier       classifier.Stats `json:"classifier"`

	processingMs int64
}

// Metrics returns cumulative counters and the classifier's stats.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	m := e.totals
	e.mu.Unlock()
	if m.Completed > 0 {
		m.AvgProcessingMs = float64(m.processingMs) / float64(m.Completed)
	}
	if m.HighValueFound > 0 {
		m.CostPerHighValue = m.TotalCost / float64(m.HighValueFound)
	}
	m.Classifier = e.classifier.Stats()
	return m
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
