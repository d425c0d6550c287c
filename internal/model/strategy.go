package model

import "time"

// SearchTermStrategy tracks scheduling state and observed yield for one search term.
type SearchTermStrategy struct {
	Term                   string          `json:"term" db:"term"`
	Priority               int             `json:"priority" db:"priority"`
	LastRunAt              *time.Time      `json:"last_run_at,omitempty" db:"last_run_at"`
	NextDueAt              *time.Time      `json:"next_due_at,omitempty" db:"next_due_at"`
	RefreshIntervalMinutes int             `json:"refresh_interval_minutes" db:"refresh_interval_minutes"`
	YieldRate              float64         `json:"yield_rate" db:"yield_rate"`
	SuccessRate            float64         `json:"success_rate" db:"success_rate"`
	TotalRuns              int             `json:"total_runs" db:"total_runs"`
	TotalCompaniesFound    int             `json:"total_companies_found" db:"total_companies_found"`
	TotalHighValue         int             `json:"total_high_value" db:"total_high_value"`
	PlatformEligibility    map[string]bool `json:"platform_eligibility,omitempty" db:"platform_eligibility"`
	Active                 bool            `json:"active" db:"active"`
	CreatedAt              time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

// EligibleFor reports whether the term may be scraped on platform.
// Platforms absent from the eligibility map are eligible.
func (s *SearchTermStrategy) EligibleFor(platform string) bool {
	if s.PlatformEligibility == nil {
		return true
	}
	enabled, ok := s.PlatformEligibility[platform]
	return !ok || enabled
}

// PlatformHealth is the rolling health of a discovery platform.
type PlatformHealth struct {
	PlatformID          string     `json:"platform_id" db:"platform_id"`
	IsHealthy           bool       `json:"is_healthy" db:"is_healthy"`
	SuccessRate         float64    `json:"success_rate" db:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty" db:"last_checked_at"`
}

// NewPlatformHealth returns the initial, fully healthy state for a platform.
func NewPlatformHealth(platformID string) *PlatformHealth {
	return &PlatformHealth{
		PlatformID:  platformID,
		IsHealthy:   true,
		SuccessRate: 1.0,
	}
}
