package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/classifier"
	"github.com/sells-group/toolscout/internal/dedup"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
	"github.com/sells-group/toolscout/internal/resilience"
	"github.com/sells-group/toolscout/internal/store"
)

// Exporter writes ledger companies to an external destination and returns
// how many were written.
type Exporter interface {
	Export(ctx context.Context, p model.ExportPayload, companies []model.CompanyRecord) (int, error)
}

// SetExporter installs the exporter for a format.
func (e *Engine) SetExporter(format model.ExportFormat, x Exporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exporters[format] = x
}

// RegisterHandlers installs a queue handler for every job type.
func (e *Engine) RegisterHandlers(m *queue.Manager) {
	m.Register(model.JobTypeDiscover, e.handleDiscover)
	m.Register(model.JobTypeClassify, e.handleClassify)
	m.Register(model.JobTypeRevalidate, e.handleRevalidate)
	m.Register(model.JobTypeExport, e.handleExport)
}

func encodeResult(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "engine: encode job result")
	}
	return raw, nil
}

// handleDiscover orchestrates the job's term. Urgent jobs run even when the
// term is not due.
func (e *Engine) handleDiscover(ctx context.Context, _ model.QueueJob, payload model.Payload) (json.RawMessage, error) {
	p, ok := payload.(model.DiscoverPayload)
	if !ok {
		return nil, eris.Errorf("engine: discover job has %T payload", payload)
	}
	var opts []RunOption
	if p.Urgent {
		opts = append(opts, WithForce())
	}
	if len(p.Platforms) > 0 {
		opts = append(opts, WithPlatforms(p.Platforms...))
	}
	res, err := e.Orchestrate(ctx, p.SearchTerm, opts...)
	if err != nil {
		return nil, err
	}
	return encodeResult(res)
}

// ClassifyResult is the stored result of a classify job.
type ClassifyResult struct {
	Result   classifier.Result `json:"result"`
	Recorded bool              `json:"recorded"`
}

// handleClassify classifies one posting and records a tool-using company.
func (e *Engine) handleClassify(ctx context.Context, _ model.QueueJob, payload model.Payload) (json.RawMessage, error) {
	p, ok := payload.(model.ClassifyPayload)
	if !ok {
		return nil, eris.Errorf("engine: classify job has %T payload", payload)
	}
	results := e.classifier.AnalyzeBatch(ctx, []classifier.Request{{
		Company: p.Company, Title: p.Title, Description: p.Description,
	}})
	r := results[0]
	out := ClassifyResult{Result: r}
	if r.Tool != model.ToolNone {
		v, err := e.dedup.Deduplicate(ctx, p.Company)
		if err != nil {
			return nil, eris.Wrap(err, "engine: classify dedup")
		}
		c := &companyCandidate{normalized: v.NormalizedName, canonical: strings.TrimSpace(p.Company), match: v.Match}
		rec := c.record(r, e.now())
		if err := e.ledger.UpsertCompany(ctx, &rec); err != nil {
			return nil, eris.Wrapf(err, "engine: record %q", rec.CanonicalName)
		}
		e.dedup.Observe(rec)
		out.Recorded = true
	}
	return encodeResult(out)
}

// RevalidateResult is the stored result of a revalidate job.
type RevalidateResult struct {
	CompanyID  int64                 `json:"company_id"`
	Platform   string                `json:"platform,omitempty"`
	Postings   int                   `json:"postings"`
	Tools      model.ToolFlags       `json:"tools"`
	Confidence model.ConfidenceLevel `json:"confidence_level"`
	Signal     float64               `json:"signal_strength"`
	Decayed    bool                  `json:"decayed"`
	Source     classifier.Source     `json:"source,omitempty"`
}

// handleRevalidate re-verifies a ledger company from fresh postings on the
// healthiest platform. With no fresh postings the stored signal decays.
func (e *Engine) handleRevalidate(ctx context.Context, _ model.QueueJob, payload model.Payload) (json.RawMessage, error) {
	p, ok := payload.(model.RevalidatePayload)
	if !ok {
		return nil, eris.Errorf("engine: revalidate job has %T payload", payload)
	}
	res, err := e.Revalidate(ctx, p.CompanyID, p.CompanyName)
	if err != nil {
		return nil, err
	}
	return encodeResult(res)
}

// Revalidate re-verifies one ledger company.
func (e *Engine) Revalidate(ctx context.Context, id int64, name string) (*RevalidateResult, error) {
	rec, err := e.ledger.GetCompany(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: load company %d", id)
	}
	if rec == nil {
		return nil, eris.Errorf("engine: company %d not found", id)
	}
	if strings.TrimSpace(name) == "" {
		name = rec.CanonicalName
	}

	out := &RevalidateResult{CompanyID: id}
	var texts []string
	platform, err := e.sched.HealthiestPlatform(ctx)
	if err != nil {
		return nil, err
	}
	if platform != "" && e.discovery != nil {
		out.Platform = platform
		postings, serr := e.discovery.Search(ctx, name, platform, e.cfg.RevalidateMaxItems)
		if serr != nil {
			if herr := e.sched.RecordFailure(ctx, platform, serr); herr != nil {
				return nil, herr
			}
			return nil, eris.Wrapf(serr, "engine: revalidate search %q", name)
		}
		if herr := e.sched.RecordSuccess(ctx, platform); herr != nil {
			return nil, herr
		}
		for _, post := range postings {
			if e.sameCompany(rec, post.Company) {
				texts = append(texts, post.Description)
			}
		}
	}
	out.Postings = len(texts)

	now := e.now()
	v := store.Verification{
		Tools:          rec.Tools,
		SignalStrength: rec.SignalStrength,
		VerifiedAt:     now,
	}
	var r classifier.Result
	if len(texts) > 0 {
		r = e.classifier.AnalyzeBatch(ctx, []classifier.Request{{
			Company: rec.CanonicalName, Description: strings.Join(texts, "\n\n"),
		}})[0]
		out.Source = r.Source
	}
	if r.Tool != "" && r.Tool != model.ToolNone {
		v.Tools = model.FlagsFor(r.Tool)
		v.SignalStrength = r.Confidence
	} else {
		v.SignalStrength = rec.SignalStrength * e.cfg.RevalidateDecay
		out.Decayed = true
	}
	v.ConfidenceLevel = model.LevelFor(v.SignalStrength)

	if err := e.ledger.UpdateVerification(ctx, id, v); err != nil {
		return nil, eris.Wrapf(err, "engine: update verification %d", id)
	}
	out.Tools, out.Confidence, out.Signal = v.Tools, v.ConfidenceLevel, v.SignalStrength
	zap.L().Info("engine: company revalidated",
		zap.Int64("company_id", id),
		zap.Int("postings", out.Postings),
		zap.Bool("decayed", out.Decayed),
		zap.Float64("signal", v.SignalStrength),
	)
	return out, nil
}

func (e *Engine) sameCompany(rec *model.CompanyRecord, name string) bool {
	n := e.dedup.Normalize(name)
	if n == "" {
		return false
	}
	return n == rec.NormalizedName || dedup.Similarity(n, rec.NormalizedName) >= e.dedup.Threshold()
}

// ExportResult is the stored result of an export job.
type ExportResult struct {
	Format   model.ExportFormat `json:"format"`
	Exported int                `json:"exported"`
}

func (e *Engine) handleExport(ctx context.Context, _ model.QueueJob, payload model.Payload) (json.RawMessage, error) {
	p, ok := payload.(model.ExportPayload)
	if !ok {
		return nil, eris.Errorf("engine: export job has %T payload", payload)
	}
	n, err := e.Export(ctx, p)
	if err != nil {
		return nil, err
	}
	return encodeResult(ExportResult{Format: p.Format, Exported: n})
}

// Export writes the tool-using companies (optionally one tool only) with
// the exporter registered for the payload's format.
func (e *Engine) Export(ctx context.Context, p model.ExportPayload) (int, error) {
	e.mu.Lock()
	x := e.exporters[p.Format]
	e.mu.Unlock()
	if x == nil {
		return 0, &resilience.ConfigurationError{Key: "export." + string(p.Format), Reason: "no exporter configured"}
	}

	filter := store.CompanyFilter{AnyTool: true}
	if p.Tool != "" {
		filter = store.CompanyFilter{Tool: p.Tool}
	}
	var companies []model.CompanyRecord
	err := e.eachCompany(ctx, filter, func(c model.CompanyRecord) (bool, error) {
		companies = append(companies, c)
		return true, nil
	})
	if err != nil {
		return 0, eris.Wrap(err, "engine: list companies for export")
	}
	n, err := x.Export(ctx, p, companies)
	if err != nil {
		return n, eris.Wrapf(err, "engine: export %s", p.Format)
	}
	return n, nil
}

// eachCompany pages through the ledger companies matching filter, calling fn
// for each until fn reports false or fails.
func (e *Engine) eachCompany(ctx context.Context, filter store.CompanyFilter, fn func(model.CompanyRecord) (bool, error)) error {
	filter.Limit = store.DefaultCompanyPage
	for {
		page, err := e.ledger.ListCompanies(ctx, filter)
		if err != nil {
			return err
		}
		for _, c := range page {
			more, err := fn(c)
			if err != nil || !more {
				return err
			}
		}
		if len(page) < filter.Limit {
			return nil
		}
		filter.Offset += len(page)
	}
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	AddJob(ctx context.Context, p model.Payload, opts queue.AddOptions) (*model.QueueJob, error)
	GetJob(ctx context.Context, id string) (*model.QueueJob, error)
}

// RevalidateJobID is the job id of company id's recheck on day. One recheck
// per company per day is enqueued however often the sweep runs.
func RevalidateJobID(id int64, day time.Time) string {
	return fmt.Sprintf("revalidate-%d-%s", id, day.UTC().Format("2006-01-02"))
}

// ScheduleRevalidation enqueues a revalidate job for every tool-using ledger
// company due for re-verification, least recently verified first, up to
// limit (0 means no limit). Companies already queued today are skipped. It
// stops early without error when the queue is full.
func (e *Engine) ScheduleRevalidation(ctx context.Context, q Enqueuer, limit int) (int, error) {
	now := e.now()
	queued := 0
	filter := store.CompanyFilter{AnyTool: true, Order: store.OrderLeastRecentlyVerified}
	err := e.eachCompany(ctx, filter, func(c model.CompanyRecord) (bool, error) {
		if limit > 0 && queued >= limit {
			return false, nil
		}
		if !dedup.ShouldRecheck(c, now) {
			return true, nil
		}
		id := RevalidateJobID(c.ID, now)
		existing, err := q.GetJob(ctx, id)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return true, nil
		}
		_, err = q.AddJob(ctx, model.RevalidatePayload{CompanyID: c.ID, CompanyName: c.CanonicalName}, queue.AddOptions{ID: id})
		if err != nil {
			var full *resilience.QueueFullError
			if errors.As(err, &full) {
				zap.L().Warn("engine: queue full, recheck sweep stopped early", zap.Int("queued", queued))
				return false, nil
			}
			return false, eris.Wrapf(err, "engine: enqueue revalidate %d", c.ID)
		}
		queued++
		return true, nil
	})
	if err != nil {
		return queued, eris.Wrap(err, "engine: recheck sweep")
	}
	return queued, nil
}
