// Package scheduler decides what to scrape, when and where. It keeps an
// adaptive strategy per search term (yield, refresh interval, success rate)
// and a health record per discovery platform.
package scheduler

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/dedup"
	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/ratelimit"
	"github.com/sells-group/toolscout/internal/store"
)

// Config tunes the scheduler.
type Config struct {
	// Platforms lists the discovery platforms in preference order.
	Platforms []string

	MinIntervalMinutes     int // default 60
	MaxIntervalMinutes     int // default 10080 (one week)
	DefaultIntervalMinutes int // default 1440
	DefaultPriority        int // default 50

	HighYieldThreshold float64 // default 0.3
	LowYieldThreshold  float64 // default 0.1
	// YieldWeight is the weight of the newest observation in the yield EMA. Default: 0.3.
	YieldWeight float64

	// HealthDecay is the EMA factor applied to success rates. Default: 0.9.
	HealthDecay      float64
	FailureThreshold int           // default 3
	UnhealthyRate    float64       // default 0.3
	Cooldown         time.Duration // default 30m

	// PlatformDelay separates consecutive platform scrapes. Default: 2s.
	PlatformDelay time.Duration
	// MaxItemsPerPlatform caps postings requested per platform. Default: 50.
	MaxItemsPerPlatform int

	// BoostTerms get BoostFactor applied to their score.
	BoostTerms  []string
	BoostFactor float64 // default 1.5
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MinIntervalMinutes:     60,
		MaxIntervalMinutes:     10080,
		DefaultIntervalMinutes: 1440,
		DefaultPriority:        50,
		HighYieldThreshold:     0.3,
		LowYieldThreshold:      0.1,
		YieldWeight:            0.3,
		HealthDecay:            0.9,
		FailureThreshold:       3,
		UnhealthyRate:          0.3,
		Cooldown:               30 * time.Minute,
		PlatformDelay:          2 * time.Second,
		MaxItemsPerPlatform:    50,
		BoostFactor:            1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinIntervalMinutes <= 0 {
		c.MinIntervalMinutes = d.MinIntervalMinutes
	}
	if c.MaxIntervalMinutes <= 0 {
		c.MaxIntervalMinutes = d.MaxIntervalMinutes
	}
	if c.DefaultIntervalMinutes <= 0 {
		c.DefaultIntervalMinutes = d.DefaultIntervalMinutes
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = d.DefaultPriority
	}
	if c.HighYieldThreshold <= 0 {
		c.HighYieldThreshold = d.HighYieldThreshold
	}
	if c.LowYieldThreshold <= 0 {
		c.LowYieldThreshold = d.LowYieldThreshold
	}
	if c.YieldWeight <= 0 || c.YieldWeight > 1 {
		c.YieldWeight = d.YieldWeight
	}
	if c.HealthDecay <= 0 || c.HealthDecay >= 1 {
		c.HealthDecay = d.HealthDecay
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.UnhealthyRate <= 0 {
		c.UnhealthyRate = d.UnhealthyRate
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.PlatformDelay < 0 {
		c.PlatformDelay = 0
	}
	if c.MaxItemsPerPlatform <= 0 {
		c.MaxItemsPerPlatform = d.MaxItemsPerPlatform
	}
	if c.BoostFactor <= 0 {
		c.BoostFactor = d.BoostFactor
	}
	return c
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg      Config
	store    store.StrategyStore
	provider discovery.Provider
	limiter  *ratelimit.Limiter
	dedup    *dedup.Deduplicator
	boost    map[string]bool

	mu     sync.Mutex
	health map[string]*model.PlatformHealth

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Scheduler. limiter may be nil.
func New(st store.StrategyStore, provider discovery.Provider, limiter *ratelimit.Limiter, dd *dedup.Deduplicator, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	boost := make(map[string]bool, len(cfg.BoostTerms))
	for _, t := range cfg.BoostTerms {
		boost[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		provider: provider,
		limiter:  limiter,
		dedup:    dd,
		boost:    boost,
		health:   make(map[string]*model.PlatformHealth),
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.nowFunc = now
	s.mu.Unlock()
}

// SetSleepFunc overrides the inter-platform delay. Intended for tests.
func (s *Scheduler) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// Platforms returns the configured platforms.
func (s *Scheduler) Platforms() []string {
	return append([]string(nil), s.cfg.Platforms...)
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFunc()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureStrategy returns the strategy for term, creating it with defaults on
// first encounter.
func (s *Scheduler) EnsureStrategy(ctx context.Context, term string) (*model.SearchTermStrategy, error) {
	st, err := s.store.GetStrategy(ctx, term)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: get strategy %q", term)
	}
	if st != nil {
		return st, nil
	}
	st = &model.SearchTermStrategy{
		Term:                   term,
		Priority:               s.cfg.DefaultPriority,
		RefreshIntervalMinutes: s.cfg.DefaultIntervalMinutes,
		SuccessRate:            1.0,
		Active:                 true,
	}
	if err := s.store.UpsertStrategy(ctx, st); err != nil {
		return nil, eris.Wrapf(err, "scheduler: create strategy %q", term)
	}
	return st, nil
}

// dueFactor widens the refresh interval of low-yield terms and narrows it
// for high-yield terms.
func (s *Scheduler) dueFactor(st *model.SearchTermStrategy) float64 {
	switch {
	case st.YieldRate < s.cfg.LowYieldThreshold:
		return 1.5
	case st.YieldRate > s.cfg.HighYieldThreshold:
		return 0.7
	default:
		return 1
	}
}

// ShouldScrape reports whether st is due at now. A term never run is always due.
func (s *Scheduler) ShouldScrape(st *model.SearchTermStrategy, now time.Time) bool {
	if !st.Active {
		return false
	}
	if st.LastRunAt == nil {
		return true
	}
	interval := time.Duration(float64(st.RefreshIntervalMinutes)*s.dueFactor(st)) * time.Minute
	return !now.Before(st.LastRunAt.Add(interval))
}

// Score ranks a due strategy: priority, plus up to 40 points of staleness,
// plus yield, scaled by success rate and the allow-list boost.
func (s *Scheduler) Score(st *model.SearchTermStrategy, now time.Time) float64 {
	staleness := 2.0
	if st.LastRunAt != nil && st.RefreshIntervalMinutes > 0 {
		staleness = math.Min(now.Sub(*st.LastRunAt).Minutes()/float64(st.RefreshIntervalMinutes), 2)
	}
	score := float64(st.Priority) + staleness*20 + st.YieldRate*100
	score *= st.SuccessRate
	if s.boost[strings.ToLower(st.Term)] {
		score *= s.cfg.BoostFactor
	}
	return score
}

// NextSearchTerm returns the due strategy with the highest score, or nil
// when nothing is due.
func (s *Scheduler) NextSearchTerm(ctx context.Context) (*model.SearchTermStrategy, error) {
	due, err := s.DueStrategies(ctx)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}
	return &due[0], nil
}

// DueStrategies returns every due active strategy, best score first.
func (s *Scheduler) DueStrategies(ctx context.Context) ([]model.SearchTermStrategy, error) {
	all, err := s.store.ListStrategies(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list strategies")
	}
	now := s.now()
	type scored struct {
		st    model.SearchTermStrategy
		score float64
	}
	var due []scored
	for i := range all {
		if s.ShouldScrape(&all[i], now) {
			due = append(due, scored{st: all[i], score: s.Score(&all[i], now)})
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score > due[j].score
		}
		return due[i].st.Term < due[j].st.Term
	})
	out := make([]model.SearchTermStrategy, len(due))
	for i := range due {
		out[i] = due[i].st
	}
	return out, nil
}

// RunResult is the outcome of one scrape of a term.
type RunResult struct {
	// Yield is new companies per platform attempted, clamped to [0,1].
	Yield   float64
	Success bool
}

// UpdateStrategy folds a run outcome into the term's strategy: the yield
// EMA, the refresh interval, the next due time and the success rate.
func (s *Scheduler) UpdateStrategy(ctx context.Context, term string, res RunResult) (*model.SearchTermStrategy, error) {
	st, err := s.EnsureStrategy(ctx, term)
	if err != nil {
		return nil, err
	}
	now := s.now()

	w := s.cfg.YieldWeight
	st.YieldRate = clamp01((1-w)*st.YieldRate + w*clamp01(res.Yield))

	interval := float64(st.RefreshIntervalMinutes)
	if interval <= 0 {
		interval = float64(s.cfg.DefaultIntervalMinutes)
	}
	switch {
	case st.YieldRate > s.cfg.HighYieldThreshold:
		interval = math.Max(interval*0.75, float64(s.cfg.MinIntervalMinutes))
	case st.YieldRate < s.cfg.LowYieldThreshold:
		interval = math.Min(interval*1.5, float64(s.cfg.MaxIntervalMinutes))
	}
	st.RefreshIntervalMinutes = int(math.Round(interval))

	success := 0.0
	if res.Success {
		success = 1
	}
	st.SuccessRate = clamp01(s.cfg.HealthDecay*st.SuccessRate + (1-s.cfg.HealthDecay)*success)

	next := now.Add(time.Duration(st.RefreshIntervalMinutes) * time.Minute)
	st.LastRunAt = &now
	st.NextDueAt = &next
	st.TotalRuns++

	if err := s.store.UpsertStrategy(ctx, st); err != nil {
		return nil, eris.Wrapf(err, "scheduler: update strategy %q", term)
	}
	return st, nil
}

// RecordOutcome adds the companies found by a run to the term's counters.
func (s *Scheduler) RecordOutcome(ctx context.Context, term string, companiesFound, highValue int) error {
	st, err := s.EnsureStrategy(ctx, term)
	if err != nil {
		return err
	}
	st.TotalCompaniesFound += companiesFound
	st.TotalHighValue += highValue
	if err := s.store.UpsertStrategy(ctx, st); err != nil {
		return eris.Wrapf(err, "scheduler: record outcome for %q", term)
	}
	return nil
}

// PlatformOutcome is the result of scraping one platform.
type PlatformOutcome struct {
	Platform string `json:"platform"`
	Postings int    `json:"postings"`
	Error    string `json:"error,omitempty"`
}

// Candidate is a unique posting after cross-platform and ledger deduplication.
type Candidate struct {
	Posting        model.Posting `json:"posting"`
	NormalizedName string        `json:"normalized_name"`
	Known          bool          `json:"known"`
	ShouldRecheck  bool          `json:"should_recheck"`
	Match          *dedup.Match  `json:"match,omitempty"`
}

// ScrapeResult is the outcome of ScrapeWithStrategy.
type ScrapeResult struct {
	Term         string                    `json:"term"`
	Platforms    []PlatformOutcome         `json:"platforms"`
	Scraped      int                       `json:"scraped"`
	Candidates   []Candidate               `json:"candidates"`
	NewCompanies int                       `json:"new_companies"`
	Yield        float64                   `json:"yield"`
	Strategy     *model.SearchTermStrategy `json:"strategy,omitempty"`
}

// ScrapeWithStrategy scrapes term on the selected platforms one after the
// other, records platform health, deduplicates the postings and updates the
// term's strategy with the observed yield. When only is given, the run is
// pinned to those configured platforms regardless of health.
func (s *Scheduler) ScrapeWithStrategy(ctx context.Context, term string, only ...string) (*ScrapeResult, error) {
	st, err := s.EnsureStrategy(ctx, term)
	if err != nil {
		return nil, err
	}
	var platforms []string
	if len(only) > 0 {
		platforms = s.pinned(only)
	} else if platforms, err = s.SelectPlatforms(ctx, st); err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		return nil, eris.Errorf("scheduler: no platforms to scrape for %q", term)
	}

	log := zap.L().With(zap.String("component", "scheduler"), zap.String("term", term))
	res := &ScrapeResult{Term: term}
	var postings []model.Posting
	succeeded := 0
	for i, p := range platforms {
		if i > 0 {
			if err := s.sleep(ctx, s.cfg.PlatformDelay); err != nil {
				return nil, eris.Wrap(err, "scheduler: platform delay")
			}
		}
		got, err := s.search(ctx, term, p)
		out := PlatformOutcome{Platform: p, Postings: len(got)}
		if err != nil {
			out.Error = err.Error()
			log.Warn("scheduler: platform scrape failed", zap.String("platform", p), zap.Error(err))
			if herr := s.RecordFailure(ctx, p, err); herr != nil {
				return nil, herr
			}
		} else {
			succeeded++
			postings = append(postings, got...)
			if herr := s.RecordSuccess(ctx, p); herr != nil {
				return nil, herr
			}
		}
		res.Platforms = append(res.Platforms, out)
	}
	res.Scraped = len(postings)

	if err := s.dedupe(ctx, postings, res); err != nil {
		return nil, err
	}
	res.Yield = clamp01(float64(res.NewCompanies) / float64(len(platforms)))

	updated, err := s.UpdateStrategy(ctx, term, RunResult{Yield: res.Yield, Success: succeeded > 0})
	if err != nil {
		return nil, err
	}
	res.Strategy = updated

	log.Info("scheduler: scrape complete",
		zap.Int("platforms", len(platforms)),
		zap.Int("scraped", res.Scraped),
		zap.Int("unique", len(res.Candidates)),
		zap.Int("new_companies", res.NewCompanies),
		zap.Float64("yield", res.Yield),
	)
	return res, nil
}

func (s *Scheduler) pinned(only []string) []string {
	want := make(map[string]bool, len(only))
	for _, p := range only {
		want[p] = true
	}
	var out []string
	for _, p := range s.cfg.Platforms {
		if want[p] {
			out = append(out, p)
		}
	}
	return out
}

func (s *Scheduler) search(ctx context.Context, term, platform string) ([]model.Posting, error) {
	call := func(ctx context.Context) ([]model.Posting, error) {
		return s.provider.Search(ctx, term, platform, s.cfg.MaxItemsPerPlatform)
	}
	if s.limiter == nil {
		return call(ctx)
	}
	return ratelimit.Execute(ctx, s.limiter, call)
}

// dedupe drops cross-platform repeats of the same posting, then checks each
// remaining company against the ledger. A company counts as new once, however
// many postings it has.
func (s *Scheduler) dedupe(ctx context.Context, postings []model.Posting, res *ScrapeResult) error {
	seenSig := make(map[string]bool, len(postings))
	verdicts := make(map[string]dedup.Result)
	for _, p := range postings {
		normalized := s.dedup.Normalize(p.Company)
		if normalized == "" {
			continue
		}
		sig := normalized + "|" + strings.ToLower(strings.Join(strings.Fields(p.Title), " "))
		if seenSig[sig] {
			continue
		}
		seenSig[sig] = true

		v, ok := verdicts[normalized]
		if !ok {
			var err error
			v, err = s.dedup.Deduplicate(ctx, p.Company)
			if err != nil {
				return eris.Wrapf(err, "scheduler: deduplicate %q", p.Company)
			}
			verdicts[normalized] = v
			if !v.IsKnown {
				res.NewCompanies++
			}
		}
		res.Candidates = append(res.Candidates, Candidate{
			Posting:        p,
			NormalizedName: normalized,
			Known:          v.IsKnown,
			ShouldRecheck:  v.ShouldRecheck,
			Match:          v.Match,
		})
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
