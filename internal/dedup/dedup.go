// Package dedup matches candidate company names against the ledger of known
// companies using exact, fuzzy and domain-token lookups.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/cache"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/store"
)

// MatchSource names the lookup stage that produced a match.
type MatchSource string

const (
	SourceCacheExact  MatchSource = "cache_exact"
	SourceLedgerExact MatchSource = "ledger_exact"
	SourceCacheFuzzy  MatchSource = "cache_fuzzy"
	SourceStoreFuzzy  MatchSource = "store_fuzzy"
	SourceDomain      MatchSource = "domain"
)

// Match is a ledger company similar to a queried name.
type Match struct {
	Record     model.CompanyRecord `json:"record"`
	Confidence float64             `json:"confidence"`
	Source     MatchSource         `json:"source"`
}

// Result is the outcome of Deduplicate.
type Result struct {
	NormalizedName string `json:"normalized_name"`
	IsKnown        bool   `json:"is_known"`
	ShouldRecheck  bool   `json:"should_recheck"`
	Match          *Match `json:"match,omitempty"`
	Reason         string `json:"reason"`
}

// Config tunes the deduplicator.
type Config struct {
	Threshold          float64       `yaml:"threshold" mapstructure:"threshold"`
	CacheSize          int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheRefresh       time.Duration `yaml:"cache_refresh" mapstructure:"cache_refresh"`
	NormalizeCacheSize int           `yaml:"normalize_cache_size" mapstructure:"normalize_cache_size"`
	SearchLimit        int           `yaml:"search_limit" mapstructure:"search_limit"`
	DomainConfidence   float64       `yaml:"domain_confidence" mapstructure:"domain_confidence"`
	// MinDomainToken is the shortest name token tried against domains.
	MinDomainToken int `yaml:"min_domain_token" mapstructure:"min_domain_token"`
}

// DefaultConfig returns the default deduplication settings.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.7,
		CacheSize:          10000,
		CacheRefresh:       30 * time.Minute,
		NormalizeCacheSize: 50000,
		SearchLimit:        20,
		DomainConfidence:   0.8,
		MinDomainToken:     4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.CacheRefresh <= 0 {
		c.CacheRefresh = d.CacheRefresh
	}
	if c.NormalizeCacheSize <= 0 {
		c.NormalizeCacheSize = d.NormalizeCacheSize
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = d.SearchLimit
	}
	if c.DomainConfidence <= 0 {
		c.DomainConfidence = d.DomainConfidence
	}
	if c.MinDomainToken <= 0 {
		c.MinDomainToken = d.MinDomainToken
	}
	return c
}

// Deduplicator matches names against the ledger through an in-process cache
// of recently updated companies.
type Deduplicator struct {
	cfg        Config
	ledger     store.Ledger
	normalizer *Normalizer
	known      *cache.Cache[string, model.CompanyRecord]

	mu          sync.Mutex
	lastRefresh time.Time

	nowFunc func() time.Time
}

// New creates a Deduplicator backed by ledger.
func New(ledger store.Ledger, cfg Config) *Deduplicator {
	cfg = cfg.withDefaults()
	return &Deduplicator{
		cfg:        cfg,
		ledger:     ledger,
		normalizer: NewNormalizer(cfg.NormalizeCacheSize),
		known:      cache.New[string, model.CompanyRecord](cfg.CacheSize, 0),
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (d *Deduplicator) SetNowFunc(now func() time.Time) {
	d.nowFunc = now
}

// Normalize canonicalizes a company name.
func (d *Deduplicator) Normalize(name string) string {
	return d.normalizer.Normalize(name)
}

// Threshold returns the default fuzzy-match threshold.
func (d *Deduplicator) Threshold() float64 {
	return d.cfg.Threshold
}

// Observe adds or replaces rec in the in-process cache, typically after an
// upsert.
func (d *Deduplicator) Observe(rec model.CompanyRecord) {
	if rec.NormalizedName == "" {
		return
	}
	d.known.Set(rec.NormalizedName, rec)
}

// RefreshCache reloads the most recently updated ledger companies.
func (d *Deduplicator) RefreshCache(ctx context.Context) error {
	recs, err := d.ledger.ListCompanies(ctx, store.CompanyFilter{Limit: d.cfg.CacheSize})
	if err != nil {
		return eris.Wrap(err, "dedup: refresh cache")
	}
	d.known.Purge()
	// Oldest first so the most recently updated end up most recently used.
	for i := len(recs) - 1; i >= 0; i-- {
		d.known.Set(recs[i].NormalizedName, recs[i])
	}

	d.mu.Lock()
	d.lastRefresh = d.nowFunc()
	d.mu.Unlock()

	zap.L().Debug("dedup: cache refreshed", zap.Int("companies", len(recs)))
	return nil
}

func (d *Deduplicator) refreshIfStale(ctx context.Context) error {
	d.mu.Lock()
	stale := d.lastRefresh.IsZero() || d.nowFunc().Sub(d.lastRefresh) > d.cfg.CacheRefresh
	d.mu.Unlock()
	if !stale {
		return nil
	}
	return d.RefreshCache(ctx)
}

// FindSimilar returns ledger companies resembling name, best first. Lookup
// stages run in order and the first stage with matches wins: cache exact,
// ledger exact, cache fuzzy, store fuzzy, domain token. A threshold <= 0
// uses the configured default.
func (d *Deduplicator) FindSimilar(ctx context.Context, name string, threshold float64) ([]Match, error) {
	if threshold <= 0 {
		threshold = d.cfg.Threshold
	}
	normalized := d.Normalize(name)
	if normalized == "" {
		return nil, nil
	}

	if rec, ok := d.known.Get(normalized); ok {
		return []Match{{Record: rec, Confidence: 1, Source: SourceCacheExact}}, nil
	}

	rec, err := d.ledger.GetCompanyByNormalizedName(ctx, normalized)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: exact lookup")
	}
	if rec != nil {
		d.Observe(*rec)
		return []Match{{Record: *rec, Confidence: 1, Source: SourceLedgerExact}}, nil
	}

	var matches []Match
	d.known.Range(func(key string, rec model.CompanyRecord) bool {
		if sim := Similarity(normalized, key); sim >= threshold {
			matches = append(matches, Match{Record: rec, Confidence: sim, Source: SourceCacheFuzzy})
		}
		return true
	})
	if len(matches) > 0 {
		return sortMatches(matches), nil
	}

	candidates, err := d.ledger.SearchCompanies(ctx, normalized, d.cfg.SearchLimit)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: fuzzy search")
	}
	for _, c := range candidates {
		if sim := Similarity(normalized, c.NormalizedName); sim >= threshold {
			matches = append(matches, Match{Record: c, Confidence: sim, Source: SourceStoreFuzzy})
		}
	}
	if len(matches) > 0 {
		return sortMatches(matches), nil
	}

	token := strings.ReplaceAll(normalized, " ", "")
	if len([]rune(token)) < d.cfg.MinDomainToken {
		return nil, nil
	}
	byDomain, err := d.ledger.FindCompaniesByDomainToken(ctx, token, 5)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: domain lookup")
	}
	for _, c := range byDomain {
		matches = append(matches, Match{Record: c, Confidence: d.cfg.DomainConfidence, Source: SourceDomain})
	}
	return sortMatches(matches), nil
}

func sortMatches(m []Match) []Match {
	sort.SliceStable(m, func(i, j int) bool {
		return m[i].Confidence > m[j].Confidence
	})
	return m
}

// Deduplicate reports whether name is already in the ledger and, if so,
// whether the matched company is due for re-verification.
func (d *Deduplicator) Deduplicate(ctx context.Context, name string) (Result, error) {
	if err := d.refreshIfStale(ctx); err != nil {
		// A stale cache only slows matching down.
		zap.L().Warn("dedup: cache refresh failed", zap.Error(err))
	}

	normalized := d.Normalize(name)
	res := Result{NormalizedName: normalized}
	if normalized == "" {
		res.Reason = "empty name"
		return res, nil
	}

	matches, err := d.FindSimilar(ctx, name, d.cfg.Threshold)
	if err != nil {
		return res, err
	}
	if len(matches) == 0 {
		res.Reason = "no match"
		return res, nil
	}

	best := matches[0]
	res.IsKnown = true
	res.Match = &best
	res.ShouldRecheck = ShouldRecheck(best.Record, d.nowFunc())
	res.Reason = fmt.Sprintf("%s match %q (%.2f)", best.Source, best.Record.NormalizedName, best.Confidence)
	return res, nil
}

// MergeDuplicates folds dupIDs into keepID atomically and drops the cache so
// the next lookup reloads merged state.
func (d *Deduplicator) MergeDuplicates(ctx context.Context, keepID int64, dupIDs []int64) error {
	if err := d.ledger.MergeCompanies(ctx, keepID, dupIDs); err != nil {
		return eris.Wrapf(err, "dedup: merge into %d", keepID)
	}
	d.known.Purge()
	d.mu.Lock()
	d.lastRefresh = time.Time{}
	d.mu.Unlock()

	zap.L().Info("dedup: merged duplicates",
		zap.Int64("keep_id", keepID),
		zap.Int64s("dup_ids", dupIDs),
	)
	return nil
}

// Stats reports cache activity for the known-company cache and the
// normalization memo.
type Stats struct {
	Known     cache.Stats `json:"known"`
	Normalize cache.Stats `json:"normalize"`
}

// Stats returns current cache statistics.
func (d *Deduplicator) Stats() Stats {
	return Stats{Known: d.known.Stats(), Normalize: d.normalizer.Stats()}
}
