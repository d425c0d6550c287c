package store

import (
	"github.com/sells-group/toolscout/internal/model"
)

var confidenceRank = map[model.ConfidenceLevel]int{
	model.ConfidenceLow:    0,
	model.ConfidenceMedium: 1,
	model.ConfidenceHigh:   2,
}

// mergeRecords folds dups into keep: tool flags are OR-ed, sightings are
// summed, the strongest signal and confidence win, and the most recent
// verification is kept. keep's identity (id, names) is preserved; a missing
// domain is filled from the first duplicate that has one.
func mergeRecords(keep model.CompanyRecord, dups []model.CompanyRecord) model.CompanyRecord {
	out := keep
	for _, d := range dups {
		out.Tools = out.Tools.Merge(d.Tools)
		out.TimesSeen += d.TimesSeen
		if d.SignalStrength > out.SignalStrength {
			out.SignalStrength = d.SignalStrength
		}
		if confidenceRank[d.ConfidenceLevel] > confidenceRank[out.ConfidenceLevel] {
			out.ConfidenceLevel = d.ConfidenceLevel
		}
		if d.LastVerifiedAt != nil && (out.LastVerifiedAt == nil || d.LastVerifiedAt.After(*out.LastVerifiedAt)) {
			t := *d.LastVerifiedAt
			out.LastVerifiedAt = &t
		}
		if out.Domain == "" && d.Domain != "" {
			out.Domain = d.Domain
		}
		if d.CreatedAt.Before(out.CreatedAt) {
			out.CreatedAt = d.CreatedAt
		}
	}
	return out
}

// splitMergeSet separates the kept record from its duplicates. ok is false
// when keepID is not among records.
func splitMergeSet(records []model.CompanyRecord, keepID int64) (keep model.CompanyRecord, dups []model.CompanyRecord, ok bool) {
	for _, r := range records {
		if r.ID == keepID {
			keep = r
			ok = true
			continue
		}
		dups = append(dups, r)
	}
	return keep, dups, ok
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
