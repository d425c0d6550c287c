package scheduler

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/toolscout/internal/model"
)

// Catalog is the YAML list of search terms to track.
//
//	terms:
//	  - term: "outreach.io"
//	    priority: 80
//	    refresh_interval_minutes: 720
//	    platforms: {greenhouse: false}
type Catalog struct {
	Terms []CatalogTerm `yaml:"terms"`
}

// CatalogTerm is one search term with optional overrides.
type CatalogTerm struct {
	Term                   string          `yaml:"term"`
	Priority               int             `yaml:"priority"`
	RefreshIntervalMinutes int             `yaml:"refresh_interval_minutes"`
	Platforms              map[string]bool `yaml:"platforms"`
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML. Blank terms are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "scheduler: parse catalog")
	}
	for i, t := range c.Terms {
		if strings.TrimSpace(t.Term) == "" {
			return nil, eris.Errorf("scheduler: catalog entry %d has no term", i)
		}
		if t.Priority < 0 || t.Priority > 100 {
			return nil, eris.Errorf("scheduler: catalog term %q: priority %d out of range", t.Term, t.Priority)
		}
	}
	return &c, nil
}

// SeedTerms creates strategies for catalog terms not stored yet and returns
// how many were created. Existing strategies keep their learned state.
func (s *Scheduler) SeedTerms(ctx context.Context, c *Catalog) (int, error) {
	strategies := make([]model.SearchTermStrategy, 0, len(c.Terms))
	for _, t := range c.Terms {
		st := model.SearchTermStrategy{
			Term:                   strings.TrimSpace(t.Term),
			Priority:               t.Priority,
			RefreshIntervalMinutes: t.RefreshIntervalMinutes,
			SuccessRate:            1.0,
			PlatformEligibility:    t.Platforms,
			Active:                 true,
		}
		if st.Priority == 0 {
			st.Priority = s.cfg.DefaultPriority
		}
		if st.RefreshIntervalMinutes <= 0 {
			st.RefreshIntervalMinutes = s.cfg.DefaultIntervalMinutes
		}
		st.RefreshIntervalMinutes = max(s.cfg.MinIntervalMinutes, min(st.RefreshIntervalMinutes, s.cfg.MaxIntervalMinutes))
		strategies = append(strategies, st)
	}
	n, err := s.store.SeedStrategies(ctx, strategies)
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: seed terms")
	}
	return n, nil
}
