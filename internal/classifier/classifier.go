// Package classifier decides which sales-engagement tools a job posting
// relies on. Rule-based pre-filtering resolves the obvious postings for free;
// the rest go to a Provider in fixed-size batches under a daily budget.
// Results are cached per (company, description).
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/cache"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/ratelimit"
	"github.com/sells-group/toolscout/internal/resilience"
)

// Request is one posting to classify.
type Request struct {
	Company     string `json:"company"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
}

// Source records how a Result was produced.
type Source string

const (
	SourceCache     Source = "cache"
	SourcePreFilter Source = "prefilter"
	SourceProvider  Source = "provider"
	// SourceFallback means the provider failed or omitted the item and the
	// pre-filter verdict was used instead.
	SourceFallback Source = "fallback"
	// SourceBudget means the batch was skipped by the budget guard.
	SourceBudget Source = "budget"
)

// Result is the classification of one Request.
type Result struct {
	Company           string             `json:"company"`
	NormalizedCompany string             `json:"normalized_company"`
	Tool              model.ToolDetected `json:"tool"`
	Confidence        float64            `json:"confidence"`
	Signals           []string           `json:"signals,omitempty"`
	Keywords          []string           `json:"keywords,omitempty"`
	Source            Source             `json:"source"`
	Cached            bool               `json:"cached"`
	Cost              float64            `json:"cost"`
	// Degraded results are never cached.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Item is a posting as sent to a Provider. Index is its position in the batch.
type Item struct {
	Index       int    `json:"index"`
	Company     string `json:"company"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
}

// ProviderResult is a Provider's verdict for the item at Index.
type ProviderResult struct {
	Index      int                `json:"index"`
	Tool       model.ToolDetected `json:"tool"`
	Confidence float64            `json:"confidence"`
	Signals    []string           `json:"signals,omitempty"`
	Keywords   []string           `json:"keywords,omitempty"`
}

// Provider classifies a batch of postings in one external call and reports
// the call's cost. A *resilience.ParseError means the call was made but its
// response could not be read.
type Provider interface {
	ClassifyBatch(ctx context.Context, items []Item) ([]ProviderResult, float64, error)
}

// Estimator is implemented by providers that can price a batch up front.
type Estimator interface {
	EstimateBatch(items int) float64
}

// Normalizer maps a company name to its cache identity.
type Normalizer interface {
	Normalize(name string) string
}

// Config tunes the classifier.
type Config struct {
	// AcceptanceThreshold is the pre-filter confidence at which the rule
	// verdict is accepted without a provider call. Default: 0.9.
	AcceptanceThreshold float64
	// BatchSize is the number of items per provider call. Default: 10.
	BatchSize int
	// CacheTTL is how long results are reused. Default: 7 days.
	CacheTTL time.Duration
	// CacheSize bounds the result cache. Default: 50000.
	CacheSize int
	// DailyBudget caps provider spend per local day in USD. Zero disables the guard.
	DailyBudget float64
	// BatchCostEstimate prices a batch when the provider is not an Estimator.
	BatchCostEstimate float64
	// Location defines the day boundary of the budget. Default: time.Local.
	Location *time.Location
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		AcceptanceThreshold: 0.9,
		BatchSize:           10,
		CacheTTL:            7 * 24 * time.Hour,
		CacheSize:           50000,
		DailyBudget:         10,
		BatchCostEstimate:   0.02,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AcceptanceThreshold <= 0 {
		c.AcceptanceThreshold = d.AcceptanceThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.BatchCostEstimate <= 0 {
		c.BatchCostEstimate = d.BatchCostEstimate
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Stats summarizes classifier activity.
type Stats struct {
	Requests            int64       `json:"requests"`
	CacheHits           int64       `json:"cache_hits"`
	PreFilterResolved   int64       `json:"prefilter_resolved"`
	ProviderCalls       int64       `json:"provider_calls"`
	ProviderItems       int64       `json:"provider_items"`
	Fallbacks           int64       `json:"fallbacks"`
	BudgetSkips         int64       `json:"budget_skips"`
	ParseErrors         int64       `json:"parse_errors"`
	SpentToday          float64     `json:"spent_today"`
	RemainingBudget     float64     `json:"remaining_budget"`
	TotalSpent          float64     `json:"total_spent"`
	AcceptanceThreshold float64     `json:"acceptance_threshold"`
	Cache               cache.Stats `json:"cache"`
}

// Classifier is safe for concurrent use.
type Classifier struct {
	provider Provider
	cfg      Config
	norm     Normalizer
	limiter  *ratelimit.Limiter
	cache    *cache.Cache[string, Result]
	log      *zap.Logger

	mu         sync.Mutex
	threshold  float64
	day        string
	spentToday float64
	stats      Stats

	nowFunc func() time.Time
}

// New creates a Classifier backed by provider.
func New(provider Provider, cfg Config) *Classifier {
	cfg = cfg.withDefaults()
	return &Classifier{
		provider:  provider,
		cfg:       cfg,
		cache:     cache.New[string, Result](cfg.CacheSize, cfg.CacheTTL),
		log:       zap.L().With(zap.String("component", "classifier")),
		threshold: cfg.AcceptanceThreshold,
		nowFunc:   time.Now,
	}
}

// SetNormalizer sets the company-name normalizer used for cache keys.
func (c *Classifier) SetNormalizer(n Normalizer) { c.norm = n }

// SetLimiter routes provider calls through l.
func (c *Classifier) SetLimiter(l *ratelimit.Limiter) { c.limiter = l }

// SetNowFunc replaces the clock used for the budget and the cache.
func (c *Classifier) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	c.nowFunc = now
	c.mu.Unlock()
	c.cache.WithClock(now)
}

// AcceptanceThreshold returns the current pre-filter acceptance threshold.
func (c *Classifier) AcceptanceThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// SetAcceptanceThreshold updates the pre-filter acceptance threshold.
func (c *Classifier) SetAcceptanceThreshold(v float64) {
	c.mu.Lock()
	c.threshold = v
	c.mu.Unlock()
}

// Sweep drops expired cache entries.
func (c *Classifier) Sweep() int {
	return c.cache.Sweep()
}

// AnalyzeBatch classifies reqs. It never fails: every request gets a Result,
// degraded to the pre-filter verdict when the provider cannot be used.
// Results are returned in request order.
func (c *Classifier) AnalyzeBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	verdicts := make([]PreFilterResult, len(reqs))
	keys := make([]string, len(reqs))
	threshold := c.AcceptanceThreshold()

	var pending []int
	for i, r := range reqs {
		norm := c.normalize(r.Company)
		keys[i] = cacheKey(norm, r.Description)

		if hit, ok := c.cache.Get(keys[i]); ok {
			hit.Company = r.Company
			hit.Source = SourceCache
			hit.Cached = true
			hit.Cost = 0
			results[i] = hit
			c.count(func(s *Stats) { s.CacheHits++ })
			continue
		}

		verdicts[i] = PreFilter(r.Title + "\n" + r.Description)
		if verdicts[i].Confidence >= threshold {
			res := fromPreFilter(r, norm, verdicts[i], SourcePreFilter)
			c.cache.Set(keys[i], res)
			results[i] = res
			c.count(func(s *Stats) { s.PreFilterResolved++ })
			continue
		}
		pending = append(pending, i)
	}
	c.count(func(s *Stats) { s.Requests += int64(len(reqs)) })

	for start := 0; start < len(pending); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(pending))
		c.runBatch(ctx, reqs, pending[start:end], keys, verdicts, results)
	}
	return results
}

type batchOutcome struct {
	results []ProviderResult
	cost    float64
}

func (c *Classifier) runBatch(ctx context.Context, reqs []Request, idx []int, keys []string, verdicts []PreFilterResult, results []Result) {
	estimate := c.estimate(len(idx))
	if err := c.checkBudget(estimate); err != nil {
		for _, i := range idx {
			results[i] = degraded(reqs[i], c.normalize(reqs[i].Company), verdicts[i], SourceBudget, err)
		}
		c.count(func(s *Stats) { s.BudgetSkips++ })
		c.log.Warn("classifier: budget guard skipped provider call",
			zap.Int("items", len(idx)),
			zap.Float64("estimated_cost", estimate),
			zap.Error(err),
		)
		return
	}

	items := make([]Item, len(idx))
	for j, i := range idx {
		items[j] = Item{Index: j, Company: reqs[i].Company, Title: reqs[i].Title, Description: reqs[i].Description}
	}

	call := func(ctx context.Context) (batchOutcome, error) {
		res, cost, err := c.provider.ClassifyBatch(ctx, items)
		return batchOutcome{results: res, cost: cost}, err
	}
	var (
		out batchOutcome
		err error
	)
	if c.limiter != nil {
		out, err = ratelimit.Execute(ctx, c.limiter, call)
	} else {
		out, err = call(ctx)
	}

	cost := out.cost
	if err == nil && cost <= 0 {
		cost = estimate
	}
	c.recordSpend(cost, len(items))
	share := cost / float64(len(idx))

	var parseErr *resilience.ParseError
	switch {
	case errors.As(err, &parseErr):
		c.count(func(s *Stats) { s.ParseErrors++ })
		c.log.Warn("classifier: unreadable provider response, treating batch as no signal", zap.Error(err))
		for _, i := range idx {
			results[i] = Result{
				Company:           reqs[i].Company,
				NormalizedCompany: c.normalize(reqs[i].Company),
				Tool:              model.ToolNone,
				Source:            SourceProvider,
				Cost:              share,
				Degraded:          true,
				Error:             err.Error(),
			}
		}
		return
	case err != nil:
		c.count(func(s *Stats) { s.Fallbacks += int64(len(idx)) })
		c.log.Warn("classifier: provider call failed, using pre-filter results",
			zap.Int("items", len(idx)),
			zap.String("kind", resilience.ErrorKind(err)),
			zap.Error(err),
		)
		for _, i := range idx {
			res := degraded(reqs[i], c.normalize(reqs[i].Company), verdicts[i], SourceFallback, err)
			res.Cost = share
			results[i] = res
		}
		return
	}

	byIndex := make(map[int]ProviderResult, len(out.results))
	for _, pr := range out.results {
		byIndex[pr.Index] = pr
	}
	for j, i := range idx {
		norm := c.normalize(reqs[i].Company)
		pr, ok := byIndex[j]
		if !ok {
			res := degraded(reqs[i], norm, verdicts[i], SourceFallback, errors.New("classifier: item missing from provider response"))
			res.Cost = share
			results[i] = res
			c.count(func(s *Stats) { s.Fallbacks++ })
			continue
		}
		tool := pr.Tool
		if !tool.Valid() {
			tool = model.ToolNone
		}
		res := Result{
			Company:           reqs[i].Company,
			NormalizedCompany: norm,
			Tool:              tool,
			Confidence:        clamp01(pr.Confidence),
			Signals:           pr.Signals,
			Keywords:          pr.Keywords,
			Source:            SourceProvider,
			Cost:              share,
		}
		c.cache.Set(keys[i], res)
		results[i] = res
	}
}

// Stats returns a snapshot of classifier activity and budget.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	c.rolloverLocked()
	s := c.stats
	s.SpentToday = c.spentToday
	s.RemainingBudget = c.remainingLocked()
	s.AcceptanceThreshold = c.threshold
	c.mu.Unlock()
	s.Cache = c.cache.Stats()
	return s
}

func (c *Classifier) estimate(items int) float64 {
	if e, ok := c.provider.(Estimator); ok {
		if v := e.EstimateBatch(items); v > 0 {
			return v
		}
	}
	return c.cfg.BatchCostEstimate
}

func (c *Classifier) checkBudget(estimate float64) error {
	if c.cfg.DailyBudget <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	remaining := c.remainingLocked()
	if estimate > remaining {
		return &resilience.BudgetExceededError{Estimated: estimate, Remaining: remaining}
	}
	return nil
}

func (c *Classifier) recordSpend(cost float64, items int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	c.spentToday += cost
	c.stats.TotalSpent += cost
	c.stats.ProviderCalls++
	c.stats.ProviderItems += int64(items)
}

// rolloverLocked resets the daily spend when the local day changes.
func (c *Classifier) rolloverLocked() {
	day := c.nowFunc().In(c.cfg.Location).Format(time.DateOnly)
	if day != c.day {
		c.day = day
		c.spentToday = 0
	}
}

func (c *Classifier) remainingLocked() float64 {
	if c.cfg.DailyBudget <= 0 {
		return 0
	}
	return max(c.cfg.DailyBudget-c.spentToday, 0)
}

func (c *Classifier) count(fn func(s *Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *Classifier) normalize(name string) string {
	if c.norm != nil {
		return c.norm.Normalize(name)
	}
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func cacheKey(normalizedCompany, description string) string {
	sum := sha256.Sum256([]byte(description))
	return normalizedCompany + "|" + hex.EncodeToString(sum[:])
}

func fromPreFilter(r Request, norm string, pf PreFilterResult, src Source) Result {
	return Result{
		Company:           r.Company,
		NormalizedCompany: norm,
		Tool:              pf.Tool,
		Confidence:        pf.Confidence,
		Signals:           pf.Signals,
		Keywords:          pf.Keywords,
		Source:            src,
	}
}

func degraded(r Request, norm string, pf PreFilterResult, src Source, err error) Result {
	res := fromPreFilter(r, norm, pf, src)
	res.Degraded = true
	if err != nil {
		res.Error = err.Error()
	}
	return res
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
