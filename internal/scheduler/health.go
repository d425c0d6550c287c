package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/model"
)

// healthLocked returns the cached health for platform, loading it from the
// store on first use. Caller holds s.mu.
func (s *Scheduler) healthLocked(ctx context.Context, platform string) (*model.PlatformHealth, error) {
	if h, ok := s.health[platform]; ok {
		return h, nil
	}
	h, err := s.store.GetPlatformHealth(ctx, platform)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: load health for %s", platform)
	}
	if h == nil {
		h = model.NewPlatformHealth(platform)
	}
	s.health[platform] = h
	return h, nil
}

// RecordSuccess marks a successful scrape on platform.
func (s *Scheduler) RecordSuccess(ctx context.Context, platform string) error {
	s.mu.Lock()
	h, err := s.healthLocked(ctx, platform)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.nowFunc()
	wasHealthy := h.IsHealthy
	h.ConsecutiveFailures = 0
	h.SuccessRate = clamp01(s.cfg.HealthDecay*h.SuccessRate + (1 - s.cfg.HealthDecay))
	h.IsHealthy = true
	h.CooldownUntil = nil
	h.LastCheckedAt = &now
	snapshot := *h
	s.mu.Unlock()

	if !wasHealthy {
		zap.L().Info("scheduler: platform recovered", zap.String("platform", platform))
	}
	return s.persistHealth(ctx, &snapshot)
}

// RecordFailure marks a failed scrape on platform. The platform turns
// unhealthy with a cooldown once it fails FailureThreshold times in a row or
// its success rate drops below UnhealthyRate.
func (s *Scheduler) RecordFailure(ctx context.Context, platform string, cause error) error {
	s.mu.Lock()
	h, err := s.healthLocked(ctx, platform)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	now := s.nowFunc()
	h.ConsecutiveFailures++
	h.SuccessRate = clamp01(s.cfg.HealthDecay * h.SuccessRate)
	h.LastCheckedAt = &now
	tripped := false
	if h.ConsecutiveFailures >= s.cfg.FailureThreshold || h.SuccessRate < s.cfg.UnhealthyRate {
		until := now.Add(s.cfg.Cooldown)
		tripped = h.IsHealthy || h.CooldownUntil == nil || !now.Before(*h.CooldownUntil)
		h.IsHealthy = false
		h.CooldownUntil = &until
	}
	snapshot := *h
	s.mu.Unlock()

	if tripped {
		zap.L().Warn("scheduler: platform marked unhealthy",
			zap.String("platform", platform),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.Float64("success_rate", snapshot.SuccessRate),
			zap.Timep("cooldown_until", snapshot.CooldownUntil),
			zap.Error(cause),
		)
	}
	return s.persistHealth(ctx, &snapshot)
}

func (s *Scheduler) persistHealth(ctx context.Context, h *model.PlatformHealth) error {
	if err := s.store.UpsertPlatformHealth(ctx, h); err != nil {
		return eris.Wrapf(err, "scheduler: save health for %s", h.PlatformID)
	}
	return nil
}

// available reports whether h may be scraped now: healthy, or unhealthy with
// an elapsed cooldown (a trial run).
func available(h *model.PlatformHealth, now time.Time) bool {
	if h.IsHealthy {
		return true
	}
	return h.CooldownUntil != nil && !now.Before(*h.CooldownUntil)
}

// PlatformHealth returns the health of every configured platform.
func (s *Scheduler) PlatformHealth(ctx context.Context) ([]model.PlatformHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PlatformHealth, 0, len(s.cfg.Platforms))
	for _, p := range s.cfg.Platforms {
		h, err := s.healthLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID < out[j].PlatformID })
	return out, nil
}

// SelectPlatforms returns the platforms to scrape for st: every available
// platform enabled for the term. When none qualifies it falls back to the
// single eligible platform with the best success rate, so the result is
// never empty while platforms are configured.
func (s *Scheduler) SelectPlatforms(ctx context.Context, st *model.SearchTermStrategy) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()

	var (
		selected []string
		best     string
		bestRate = -1.0
	)
	for _, p := range s.cfg.Platforms {
		if !st.EligibleFor(p) {
			continue
		}
		h, err := s.healthLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		if available(h, now) {
			selected = append(selected, p)
		}
		if h.SuccessRate > bestRate {
			best, bestRate = p, h.SuccessRate
		}
	}
	if len(selected) > 0 {
		return selected, nil
	}
	if best != "" {
		return []string{best}, nil
	}
	// Nothing is enabled for the term; any configured platform beats none.
	for _, p := range s.cfg.Platforms {
		h, err := s.healthLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		if h.SuccessRate > bestRate {
			best, bestRate = p, h.SuccessRate
		}
	}
	if best == "" {
		return nil, nil
	}
	return []string{best}, nil
}

// HealthiestPlatform returns the available platform with the best success
// rate, or "" when none is configured.
func (s *Scheduler) HealthiestPlatform(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	var (
		best     string
		bestRate = -1.0
		bestOK   bool
	)
	for _, p := range s.cfg.Platforms {
		h, err := s.healthLocked(ctx, p)
		if err != nil {
			return "", err
		}
		ok := available(h, now)
		if (ok && !bestOK) || (ok == bestOK && h.SuccessRate > bestRate) {
			best, bestRate, bestOK = p, h.SuccessRate, ok
		}
	}
	return best, nil
}
