package dedup

import (
	"time"

	"github.com/sells-group/toolscout/internal/model"
)

const (
	weakSignal   = 0.4
	strongSignal = 0.7
)

// RecheckWindow returns how long a verification of rec stays fresh.
func RecheckWindow(rec model.CompanyRecord) time.Duration {
	const day = 24 * time.Hour
	switch {
	case rec.ConfidenceLevel == model.ConfidenceLow || rec.SignalStrength < weakSignal:
		return 7 * day
	case rec.ConfidenceLevel == model.ConfidenceMedium:
		return 30 * day
	case rec.ConfidenceLevel == model.ConfidenceHigh && rec.SignalStrength >= strongSignal:
		return 90 * day
	default:
		return 30 * day
	}
}

// ShouldRecheck reports whether rec is due for re-verification at now.
// Companies that were never verified are always due.
func ShouldRecheck(rec model.CompanyRecord, now time.Time) bool {
	if rec.LastVerifiedAt == nil {
		return true
	}
	return now.Sub(*rec.LastVerifiedAt) >= RecheckWindow(rec)
}
