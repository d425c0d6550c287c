package model

import (
	"time"
)

// ToolDetected is the classification outcome for a company.
type ToolDetected string

const (
	ToolNone      ToolDetected = "none"
	ToolOutreach  ToolDetected = "outreach"
	ToolSalesloft ToolDetected = "salesloft"
	ToolBoth      ToolDetected = "both"
)

// Valid reports whether t is one of the known classification outcomes.
func (t ToolDetected) Valid() bool {
	switch t {
	case ToolNone, ToolOutreach, ToolSalesloft, ToolBoth:
		return true
	default:
		return false
	}
}

// ToolFlags records which tracked tools a company uses.
type ToolFlags struct {
	Outreach  bool `json:"outreach" db:"uses_outreach"`
	Salesloft bool `json:"salesloft" db:"uses_salesloft"`
}

// Any reports whether at least one tool is flagged.
func (f ToolFlags) Any() bool {
	return f.Outreach || f.Salesloft
}

// Merge ORs the flags from other into a copy of f.
func (f ToolFlags) Merge(other ToolFlags) ToolFlags {
	return ToolFlags{
		Outreach:  f.Outreach || other.Outreach,
		Salesloft: f.Salesloft || other.Salesloft,
	}
}

// Detected collapses the flags into a single ToolDetected value.
func (f ToolFlags) Detected() ToolDetected {
	switch {
	case f.Outreach && f.Salesloft:
		return ToolBoth
	case f.Outreach:
		return ToolOutreach
	case f.Salesloft:
		return ToolSalesloft
	default:
		return ToolNone
	}
}

// FlagsFor expands a ToolDetected value into flags.
func FlagsFor(t ToolDetected) ToolFlags {
	switch t {
	case ToolBoth:
		return ToolFlags{Outreach: true, Salesloft: true}
	case ToolOutreach:
		return ToolFlags{Outreach: true}
	case ToolSalesloft:
		return ToolFlags{Salesloft: true}
	default:
		return ToolFlags{}
	}
}

// ConfidenceLevel is the coarse confidence bucket stored on the ledger.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// LevelFor buckets a [0,1] confidence score.
func LevelFor(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= 0.8:
		return ConfidenceHigh
	case confidence >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// CompanyRecord is a row in the ledger of known companies.
type CompanyRecord struct { //nolint:revive // stutters but widely used across codebase
	ID              int64           `json:"id" db:"id"`
	CanonicalName   string          `json:"canonical_name" db:"canonical_name"`
	NormalizedName  string          `json:"normalized_name" db:"normalized_name"`
	Domain          string          `json:"domain,omitempty" db:"domain"`
	Tools           ToolFlags       `json:"tools"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level" db:"confidence_level"`
	SignalStrength  float64         `json:"signal_strength" db:"signal_strength"`
	LastVerifiedAt  *time.Time      `json:"last_verified_at,omitempty" db:"last_verified_at"`
	TimesSeen       int             `json:"times_seen" db:"times_seen"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Posting is a single job posting returned by a discovery provider.
type Posting struct {
	Company     string `json:"company"`
	Title       string `json:"title"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	Platform    string `json:"platform"`
}
