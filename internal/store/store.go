// Package store persists the company ledger, search-term strategies,
// platform health and the job queue. Postgres (pgx) and SQLite (modernc)
// implementations share the Store interface.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/toolscout/internal/model"
)

// CompanyFilter specifies criteria for listing ledger companies.
type CompanyFilter struct {
	// Tool restricts results to companies using the tool. ToolBoth means
	// both flags set; ToolNone means neither.
	Tool model.ToolDetected `json:"tool,omitempty"`
	// AnyTool restricts results to companies with at least one tool flag.
	AnyTool bool `json:"any_tool,omitempty"`
	// UpdatedSince restricts results to companies updated at or after the time.
	UpdatedSince *time.Time `json:"updated_since,omitempty"`
	// Order picks the sort. Default: most recently updated first.
	Order  CompanyOrder `json:"order,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// CompanyOrder is the sort applied by ListCompanies. Every order breaks ties
// by id so Offset paging is stable.
type CompanyOrder string

const (
	// OrderRecentlyUpdated sorts by updated_at descending.
	OrderRecentlyUpdated CompanyOrder = ""
	// OrderLeastRecentlyVerified sorts never-verified companies first, then
	// by last_verified_at ascending.
	OrderLeastRecentlyVerified CompanyOrder = "least_recently_verified"
)

// DefaultCompanyPage is the page size ListCompanies applies when Limit is unset.
const DefaultCompanyPage = 1000

// Verification is the outcome of re-verifying a ledger company.
type Verification struct {
	Tools           model.ToolFlags       `json:"tools"`
	ConfidenceLevel model.ConfidenceLevel `json:"confidence_level"`
	SignalStrength  float64               `json:"signal_strength"`
	VerifiedAt      time.Time             `json:"verified_at"`
}

// ClaimParams controls an atomic queue claim.
type ClaimParams struct {
	Owner        string
	Limit        int
	LockTTL      time.Duration
	Now          time.Time
	ExcludeTypes []model.JobType
	// OnlyTypes restricts the claim to these types when non-empty.
	OnlyTypes []model.JobType
}

// Ledger is the durable, deduplicated table of known companies.
type Ledger interface {
	GetCompany(ctx context.Context, id int64) (*model.CompanyRecord, error)
	GetCompanyByNormalizedName(ctx context.Context, normalized string) (*model.CompanyRecord, error)
	// SearchCompanies returns fuzzy candidates for a normalized name
	// (trigram similarity on Postgres, LIKE patterns on SQLite).
	SearchCompanies(ctx context.Context, normalized string, limit int) ([]model.CompanyRecord, error)
	// FindCompaniesByDomainToken returns companies whose domain contains token.
	FindCompaniesByDomainToken(ctx context.Context, token string, limit int) ([]model.CompanyRecord, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.CompanyRecord, error)
	CountCompanies(ctx context.Context) (int, error)
	// UpsertCompany inserts rec or merges it into the row with the same
	// normalized name. Tool flags are OR-ed, times_seen is incremented and the
	// stronger signal wins. rec is updated with the stored row.
	UpsertCompany(ctx context.Context, rec *model.CompanyRecord) error
	UpdateVerification(ctx context.Context, id int64, v Verification) error
	// MergeCompanies folds dupIDs into keepID and deletes the duplicates in
	// a single transaction.
	MergeCompanies(ctx context.Context, keepID int64, dupIDs []int64) error
}

// StrategyStore persists per-term strategies and per-platform health.
type StrategyStore interface {
	GetStrategy(ctx context.Context, term string) (*model.SearchTermStrategy, error)
	ListStrategies(ctx context.Context, activeOnly bool) ([]model.SearchTermStrategy, error)
	UpsertStrategy(ctx context.Context, s *model.SearchTermStrategy) error
	// SeedStrategies inserts strategies whose term is not stored yet and
	// returns how many were inserted.
	SeedStrategies(ctx context.Context, strategies []model.SearchTermStrategy) (int, error)
	SetStrategyActive(ctx context.Context, term string, active bool) error

	GetPlatformHealth(ctx context.Context, platformID string) (*model.PlatformHealth, error)
	ListPlatformHealth(ctx context.Context) ([]model.PlatformHealth, error)
	UpsertPlatformHealth(ctx context.Context, h *model.PlatformHealth) error
}

// JobStore is the durable backing of the priority queue.
type JobStore interface {
	InsertJob(ctx context.Context, job *model.QueueJob) error
	GetJob(ctx context.Context, id string) (*model.QueueJob, error)
	CountJobs(ctx context.Context, status model.JobStatus) (int, error)
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	// ClaimJobs atomically locks up to p.Limit due pending jobs (and
	// processing jobs whose lock expired) for p.Owner, ordered by priority
	// DESC then created_at ASC.
	ClaimJobs(ctx context.Context, p ClaimParams) ([]model.QueueJob, error)
	// CompleteJob, RequeueJob and FailJob stamp the row with at (zero means
	// now) so timestamps follow the caller's clock.
	CompleteJob(ctx context.Context, id, owner string, result json.RawMessage, at time.Time) error
	// RequeueJob returns a job owned by owner to pending at scheduledFor.
	// When countRetry is set, retry_count is incremented.
	RequeueJob(ctx context.Context, id, owner, errMsg string, scheduledFor time.Time, countRetry bool, at time.Time) error
	FailJob(ctx context.Context, id, owner, errMsg string, at time.Time) error
	ExtendLock(ctx context.Context, id, owner string, until time.Time) error
	// ReleaseLocks returns every job still locked by owner to pending.
	ReleaseLocks(ctx context.Context, owner string) (int, error)
	// CancelJob cancels a pending job. It reports false when the job is
	// missing or no longer pending.
	CancelJob(ctx context.Context, id string) (bool, error)
}

// Store is the full persistence interface.
type Store interface {
	Ledger
	StrategyStore
	JobStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// ErrLockLost is returned when a job update is attempted by a worker that
// no longer owns the job's lock.
type ErrLockLost struct {
	JobID string
	Owner string
}

func (e *ErrLockLost) Error() string {
	return "store: lock on job " + e.JobID + " not held by " + e.Owner
}

// stamp returns t in UTC, or the current time when t is zero.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeEligibility(m map[string]bool) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeEligibility(raw []byte) (map[string]bool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
