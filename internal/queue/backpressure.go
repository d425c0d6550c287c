package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/model"
)

// outcomeWindow is a fixed-size ring of recent job outcomes. Outcomes older
// than maxAge no longer count, so a worker that stopped claiming because of
// past failures resumes once those failures expire.
type outcomeWindow struct {
	buf    []outcomeSample
	maxAge time.Duration
	next   int
	filled int
}

type outcomeSample struct {
	at     time.Time
	failed bool
}

func newOutcomeWindow(size int, maxAge time.Duration) *outcomeWindow {
	return &outcomeWindow{buf: make([]outcomeSample, size), maxAge: maxAge}
}

func (w *outcomeWindow) add(at time.Time, failed bool) {
	w.buf[w.next] = outcomeSample{at: at, failed: failed}
	w.next = (w.next + 1) % len(w.buf)
	if w.filled < len(w.buf) {
		w.filled++
	}
}

// rate returns the failure fraction and the number of samples recorded
// within maxAge of now.
func (w *outcomeWindow) rate(now time.Time) (float64, int) {
	cutoff := now.Add(-w.maxAge)
	samples, failed := 0, 0
	for i := 0; i < w.filled; i++ {
		o := w.buf[i]
		if w.maxAge > 0 && o.at.Before(cutoff) {
			continue
		}
		samples++
		if o.failed {
			failed++
		}
	}
	if samples == 0 {
		return 0, 0
	}
	return float64(failed) / float64(samples), samples
}

func readHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// backpressure returns a non-empty reason when the next claim cycle should
// be skipped.
func (m *Manager) backpressure(ctx context.Context) (string, error) {
	if m.cfg.MaxHeapBytes > 0 {
		if heap := m.heapAlloc(); heap > m.cfg.MaxHeapBytes {
			return fmt.Sprintf("heap %d bytes over limit %d", heap, m.cfg.MaxHeapBytes), nil
		}
	}

	now := m.now()
	m.mu.Lock()
	rate, samples := m.outcomes.rate(now)
	m.mu.Unlock()
	if samples >= m.cfg.ErrorRateMinSamples && rate > m.cfg.MaxErrorRate {
		return fmt.Sprintf("error rate %.2f over limit %.2f", rate, m.cfg.MaxErrorRate), nil
	}

	if m.cfg.MaxProcessing > 0 {
		processing, err := m.store.CountJobs(ctx, model.JobProcessing)
		if err != nil {
			return "", eris.Wrap(err, "queue: count processing jobs")
		}
		if processing >= m.cfg.MaxProcessing {
			return fmt.Sprintf("%d jobs processing (max %d)", processing, m.cfg.MaxProcessing), nil
		}
	}
	return "", nil
}
