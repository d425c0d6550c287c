package engine

import (
	"fmt"
	"time"
)

// InsightKind classifies an Insight.
type InsightKind string

const (
	InsightYieldDrop     InsightKind = "yield_drop"
	InsightYieldSpike    InsightKind = "yield_spike"
	InsightCostAnomaly   InsightKind = "cost_anomaly"
	InsightDuplicateRate InsightKind = "high_duplicate_rate"
	InsightThreshold     InsightKind = "threshold_adjusted"
)

// Insight is an observation made after a run.
type Insight struct {
	Kind     InsightKind `json:"kind"`
	Term     string      `json:"term"`
	Message  string      `json:"message"`
	Value    float64     `json:"value"`
	Baseline float64     `json:"baseline"`
	At       time.Time   `json:"at"`
}

// insightRing keeps the most recent insights.
type insightRing struct {
	buf   []Insight
	next  int
	count int
}

func newInsightRing(size int) *insightRing {
	return &insightRing{buf: make([]Insight, size)}
}

func (r *insightRing) add(in Insight) {
	r.buf[r.next] = in
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// list returns the buffered insights, oldest first.
func (r *insightRing) list() []Insight {
	out := make([]Insight, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// learningState is what the engine has learned across runs.
type learningState struct {
	runs                int
	yieldEMA            float64
	costThreshold       float64
	confidenceThreshold float64
}

// learnFrom generates insights for a completed run and adapts the
// thresholds. known is how many unique companies were already in the ledger.
func (e *Engine) learnFrom(res *RunResult, known int) []Insight {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.nowFunc()
	l := &e.learn
	var out []Insight
	add := func(kind InsightKind, value, baseline float64, format string, args ...any) {
		in := Insight{Kind: kind, Term: res.Term, Message: fmt.Sprintf(format, args...), Value: value, Baseline: baseline, At: now}
		out = append(out, in)
		e.insights.add(in)
	}

	// Yield anomalies against the running average.
	yield := 0.0
	if res.Deduplicated > 0 {
		yield = float64(res.HighValueFound) / float64(res.Deduplicated)
	}
	if l.runs > 0 && l.yieldEMA > 0 {
		switch {
		case yield < 0.5*l.yieldEMA:
			add(InsightYieldDrop, yield, l.yieldEMA, "yield %.2f is under half the average %.2f", yield, l.yieldEMA)
		case yield > 2*l.yieldEMA:
			add(InsightYieldSpike, yield, l.yieldEMA, "yield %.2f is over twice the average %.2f", yield, l.yieldEMA)
		}
	}
	if l.runs == 0 {
		l.yieldEMA = yield
	} else {
		l.yieldEMA = (1-e.cfg.YieldWeight)*l.yieldEMA + e.cfg.YieldWeight*yield
	}
	l.runs++

	// Cost per valuable company.
	if res.TotalCost > 0 {
		costPer := res.TotalCost
		if res.HighValueFound > 0 {
			costPer = res.TotalCost / float64(res.HighValueFound)
		}
		if l.costThreshold > 0 && costPer > 2*l.costThreshold {
			add(InsightCostAnomaly, costPer, l.costThreshold, "cost per valuable company $%.4f is over twice the usual $%.4f", costPer, l.costThreshold)
		}

		// Expensive runs lean on the free pre-filter; cheap ones buy accuracy.
		prev := l.confidenceThreshold
		efficient := res.HighValueFound > 0 && (l.costThreshold == 0 || costPer <= l.costThreshold)
		if efficient {
			l.confidenceThreshold += e.cfg.ThresholdStep
		} else {
			l.confidenceThreshold -= e.cfg.ThresholdStep
		}
		l.confidenceThreshold = clamp(l.confidenceThreshold, e.cfg.MinConfidenceThreshold, e.cfg.MaxConfidenceThreshold)
		if l.confidenceThreshold != prev {
			add(InsightThreshold, l.confidenceThreshold, prev, "confidence threshold %.2f -> %.2f", prev, l.confidenceThreshold)
			e.classifier.SetAcceptanceThreshold(l.confidenceThreshold)
		}

		if res.HighValueFound > 0 {
			if l.costThreshold == 0 {
				l.costThreshold = costPer
			} else {
				l.costThreshold = (1-e.cfg.CostWeight)*l.costThreshold + e.cfg.CostWeight*costPer
			}
		}
	}

	if res.Deduplicated > 0 {
		dupRate := float64(known) / float64(res.Deduplicated)
		if dupRate > e.cfg.DuplicateRateAlert {
			add(InsightDuplicateRate, dupRate, e.cfg.DuplicateRateAlert, "%.0f%% of companies were already known", dupRate*100)
		}
	}
	return out
}
