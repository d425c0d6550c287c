package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/toolscout/internal/model"
)

var _ Store = (*SQLiteStore)(nil)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newJob(id string, typ model.JobType, priority int, created time.Time) *model.QueueJob {
	return &model.QueueJob{
		ID:           id,
		Type:         typ,
		Status:       model.JobPending,
		Priority:     priority,
		ScheduledFor: created,
		Payload:      json.RawMessage(`{}`),
		MaxRetries:   3,
		CreatedAt:    created,
	}
}

// --- Ledger ---

func TestSQLite_UpsertCompany_InsertThenMerge(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &model.CompanyRecord{
		CanonicalName: "Acme Inc", NormalizedName: "acme", Domain: "acme.com",
		Tools: model.ToolFlags{Outreach: true}, ConfidenceLevel: model.ConfidenceMedium, SignalStrength: 0.6,
	}
	require.NoError(t, st.UpsertCompany(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.Equal(t, 1, rec.TimesSeen)
	firstID := rec.ID

	again := &model.CompanyRecord{
		CanonicalName: "ACME", NormalizedName: "acme",
		Tools: model.ToolFlags{Salesloft: true}, ConfidenceLevel: model.ConfidenceLow, SignalStrength: 0.2,
	}
	require.NoError(t, st.UpsertCompany(ctx, again))
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, 2, again.TimesSeen)
	assert.Equal(t, model.ToolFlags{Outreach: true, Salesloft: true}, again.Tools)
	assert.InDelta(t, 0.6, again.SignalStrength, 1e-9, "stronger signal wins")
	assert.Equal(t, model.ConfidenceMedium, again.ConfidenceLevel)
	assert.Equal(t, "acme.com", again.Domain)
	assert.Equal(t, "Acme Inc", again.CanonicalName)

	n, err := st.CountCompanies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_GetCompany_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	c, err := st.GetCompany(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = st.GetCompanyByNormalizedName(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSQLite_SearchCompanies_LikeFallback(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, name := range []string{"acme", "acme robotics", "globex", "initech"} {
		require.NoError(t, st.UpsertCompany(ctx, &model.CompanyRecord{
			CanonicalName: name, NormalizedName: name, ConfidenceLevel: model.ConfidenceLow,
		}))
	}

	out, err := st.SearchCompanies(ctx, "acme robotic", 10)
	require.NoError(t, err)
	names := make([]string, 0, len(out))
	for _, c := range out {
		names = append(names, c.NormalizedName)
	}
	assert.ElementsMatch(t, []string{"acme", "acme robotics"}, names)

	out, err = st.SearchCompanies(ctx, "the initech group", 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "initech", out[0].NormalizedName)
}

func TestSQLite_FindCompaniesByDomainToken(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertCompany(ctx, &model.CompanyRecord{
		CanonicalName: "Globex", NormalizedName: "globex corporation", Domain: "globex.com", ConfidenceLevel: model.ConfidenceLow,
	}))

	out, err := st.FindCompaniesByDomainToken(ctx, "globex", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "globex.com", out[0].Domain)

	out, err = st.FindCompaniesByDomainToken(ctx, "", 5)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSQLite_ListCompanies_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seed := []struct {
		name  string
		tools model.ToolFlags
	}{
		{"a", model.ToolFlags{Outreach: true}},
		{"b", model.ToolFlags{Salesloft: true}},
		{"c", model.ToolFlags{Outreach: true, Salesloft: true}},
		{"d", model.ToolFlags{}},
	}
	for _, s := range seed {
		require.NoError(t, st.UpsertCompany(ctx, &model.CompanyRecord{
			CanonicalName: s.name, NormalizedName: s.name, Tools: s.tools, ConfidenceLevel: model.ConfidenceLow,
		}))
	}

	tests := []struct {
		filter CompanyFilter
		want   int
	}{
		{CompanyFilter{}, 4},
		{CompanyFilter{AnyTool: true}, 3},
		{CompanyFilter{Tool: model.ToolOutreach}, 2},
		{CompanyFilter{Tool: model.ToolSalesloft}, 2},
		{CompanyFilter{Tool: model.ToolBoth}, 1},
		{CompanyFilter{Tool: model.ToolNone}, 1},
		{CompanyFilter{Limit: 2}, 2},
		{CompanyFilter{Limit: 10, Offset: 3}, 1},
	}
	for _, tt := range tests {
		out, err := st.ListCompanies(ctx, tt.filter)
		require.NoError(t, err)
		assert.Len(t, out, tt.want, "filter %+v", tt.filter)
	}
}

func TestSQLite_ListCompanies_LeastRecentlyVerifiedPages(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := now.Add(-90 * 24 * time.Hour)
	recent := now.Add(-time.Hour)
	seed := []struct {
		name     string
		verified *time.Time
	}{
		{"recent", &recent},
		{"never", nil},
		{"old", &old},
	}
	for _, s := range seed {
		require.NoError(t, st.UpsertCompany(ctx, &model.CompanyRecord{
			CanonicalName: s.name, NormalizedName: s.name, Tools: model.ToolFlags{Outreach: true},
			ConfidenceLevel: model.ConfidenceLow, LastVerifiedAt: s.verified, UpdatedAt: now,
		}))
	}

	var names []string
	for offset := 0; ; offset += 2 {
		page, err := st.ListCompanies(ctx, CompanyFilter{AnyTool: true, Order: OrderLeastRecentlyVerified, Limit: 2, Offset: offset})
		require.NoError(t, err)
		for _, c := range page {
			names = append(names, c.NormalizedName)
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []string{"never", "old", "recent"}, names)
}

func TestSQLite_UpsertCompany_StampsCallerTime(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	rec := &model.CompanyRecord{CanonicalName: "Acme", NormalizedName: "acme", ConfidenceLevel: model.ConfidenceLow, UpdatedAt: at}
	require.NoError(t, st.UpsertCompany(ctx, rec))
	assert.True(t, rec.UpdatedAt.Equal(at), "updated_at %v", rec.UpdatedAt)
	assert.True(t, rec.CreatedAt.Equal(at))
}

func TestSQLite_UpdateVerification(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &model.CompanyRecord{CanonicalName: "Acme", NormalizedName: "acme", ConfidenceLevel: model.ConfidenceLow}
	require.NoError(t, st.UpsertCompany(ctx, rec))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateVerification(ctx, rec.ID, Verification{
		Tools: model.ToolFlags{Salesloft: true}, ConfidenceLevel: model.ConfidenceHigh, SignalStrength: 0.95, VerifiedAt: at,
	}))

	got, err := st.GetCompany(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastVerifiedAt)
	assert.True(t, at.Equal(*got.LastVerifiedAt))
	assert.Equal(t, model.ConfidenceHigh, got.ConfidenceLevel)
	assert.True(t, got.Tools.Salesloft)

	err = st.UpdateVerification(ctx, 999, Verification{VerifiedAt: at})
	assert.Error(t, err)
}

func TestSQLite_MergeCompanies(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	keep := &model.CompanyRecord{CanonicalName: "Acme", NormalizedName: "acme", Tools: model.ToolFlags{Outreach: true}, ConfidenceLevel: model.ConfidenceLow, SignalStrength: 0.3}
	dup := &model.CompanyRecord{CanonicalName: "Acme Corp", NormalizedName: "acme corp", Domain: "acme.com", Tools: model.ToolFlags{Salesloft: true}, ConfidenceLevel: model.ConfidenceHigh, SignalStrength: 0.9}
	require.NoError(t, st.UpsertCompany(ctx, keep))
	require.NoError(t, st.UpsertCompany(ctx, dup))

	require.NoError(t, st.MergeCompanies(ctx, keep.ID, []int64{dup.ID}))

	got, err := st.GetCompany(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolFlags{Outreach: true, Salesloft: true}, got.Tools)
	assert.Equal(t, 2, got.TimesSeen)
	assert.Equal(t, "acme.com", got.Domain)
	assert.Equal(t, model.ConfidenceHigh, got.ConfidenceLevel)

	gone, err := st.GetCompany(ctx, dup.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	err = st.MergeCompanies(ctx, 12345, []int64{keep.ID})
	assert.Error(t, err)
	n, _ := st.CountCompanies(ctx)
	assert.Equal(t, 1, n, "failed merge leaves the ledger untouched")
}

// --- Strategies & platform health ---

func TestSQLite_Strategies_SeedUpsertList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.SeedStrategies(ctx, []model.SearchTermStrategy{
		{Term: "outreach sdr", Priority: 60, RefreshIntervalMinutes: 1440, SuccessRate: 1, Active: true,
			PlatformEligibility: map[string]bool{"indeed": false}},
		{Term: "salesloft ae", Priority: 50, RefreshIntervalMinutes: 1440, SuccessRate: 1, Active: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.SeedStrategies(ctx, []model.SearchTermStrategy{{Term: "outreach sdr", Priority: 10, Active: true, SuccessRate: 1, RefreshIntervalMinutes: 60}})
	require.NoError(t, err)
	assert.Zero(t, n, "existing terms are not overwritten")

	s, err := st.GetStrategy(ctx, "outreach sdr")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 60, s.Priority)
	assert.False(t, s.EligibleFor("indeed"))
	assert.Nil(t, s.LastRunAt)

	now := time.Now().UTC().Truncate(time.Millisecond)
	due := now.Add(2 * time.Hour)
	s.LastRunAt = &now
	s.NextDueAt = &due
	s.YieldRate = 0.4
	s.TotalRuns = 1
	require.NoError(t, st.UpsertStrategy(ctx, s))

	s2, err := st.GetStrategy(ctx, "outreach sdr")
	require.NoError(t, err)
	require.NotNil(t, s2.LastRunAt)
	assert.True(t, now.Equal(*s2.LastRunAt))
	assert.InDelta(t, 0.4, s2.YieldRate, 1e-9)

	require.NoError(t, st.SetStrategyActive(ctx, "salesloft ae", false))
	active, err := st.ListStrategies(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "outreach sdr", active[0].Term)

	all, err := st.ListStrategies(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.Error(t, st.SetStrategyActive(ctx, "missing", true))
}

func TestSQLite_PlatformHealth(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	h, err := st.GetPlatformHealth(ctx, "indeed")
	require.NoError(t, err)
	assert.Nil(t, h)

	cool := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Millisecond)
	require.NoError(t, st.UpsertPlatformHealth(ctx, &model.PlatformHealth{
		PlatformID: "indeed", IsHealthy: false, SuccessRate: 0.4, ConsecutiveFailures: 3, CooldownUntil: &cool,
	}))
	require.NoError(t, st.UpsertPlatformHealth(ctx, model.NewPlatformHealth("linkedin")))

	h, err = st.GetPlatformHealth(ctx, "indeed")
	require.NoError(t, err)
	assert.False(t, h.IsHealthy)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.True(t, cool.Equal(*h.CooldownUntil))

	all, err := st.ListPlatformHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "indeed", all[0].PlatformID)
	assert.True(t, all[1].IsHealthy)
}

// --- Queue ---

func TestSQLite_ClaimJobs_OrderAndExclusion(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()

	require.NoError(t, st.InsertJob(ctx, newJob("low", model.JobTypeRevalidate, 20, base)))
	require.NoError(t, st.InsertJob(ctx, newJob("hi-old", model.JobTypeExport, 80, base)))
	require.NoError(t, st.InsertJob(ctx, newJob("hi-new", model.JobTypeExport, 80, base.Add(time.Second))))
	require.NoError(t, st.InsertJob(ctx, newJob("disc", model.JobTypeDiscover, 50, base)))
	future := newJob("later", model.JobTypeClassify, 100, base)
	future.ScheduledFor = time.Now().Add(time.Hour)
	require.NoError(t, st.InsertJob(ctx, future))

	jobs, err := st.ClaimJobs(ctx, ClaimParams{
		Owner: "w1", Limit: 10, LockTTL: time.Minute, Now: time.Now(),
		ExcludeTypes: []model.JobType{model.JobTypeDiscover},
	})
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
		assert.Equal(t, "w1", j.LockOwner)
		assert.Equal(t, model.JobProcessing, j.Status)
		require.NotNil(t, j.LockExpiresAt)
	}
	assert.Equal(t, []string{"hi-old", "hi-new", "low"}, ids)

	pending, err := st.CountJobs(ctx, model.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestSQLite_ClaimJobs_OnlyTypes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()

	require.NoError(t, st.InsertJob(ctx, newJob("exp", model.JobTypeExport, 80, base)))
	require.NoError(t, st.InsertJob(ctx, newJob("c1", model.JobTypeClassify, 60, base)))
	require.NoError(t, st.InsertJob(ctx, newJob("c2", model.JobTypeClassify, 60, base.Add(time.Second))))

	jobs, err := st.ClaimJobs(ctx, ClaimParams{
		Owner: "w1", Limit: 1, LockTTL: time.Minute, Now: time.Now(),
		OnlyTypes: []model.JobType{model.JobTypeClassify},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "c1", jobs[0].ID)

	pending, err := st.CountJobs(ctx, model.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestSQLite_ClaimJobs_ReclaimsExpiredLock(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.InsertJob(ctx, newJob("j1", model.JobTypeClassify, 60, now.Add(-time.Minute))))

	jobs, err := st.ClaimJobs(ctx, ClaimParams{Owner: "crashed", Limit: 1, LockTTL: time.Second, Now: now})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = st.ClaimJobs(ctx, ClaimParams{Owner: "w2", Limit: 1, LockTTL: time.Minute, Now: now})
	require.NoError(t, err)
	assert.Empty(t, jobs, "live lock is not stolen")

	jobs, err = st.ClaimJobs(ctx, ClaimParams{Owner: "w2", Limit: 1, LockTTL: time.Minute, Now: now.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "w2", jobs[0].LockOwner)

	err = st.CompleteJob(ctx, "j1", "crashed", nil, now)
	var lost *ErrLockLost
	assert.True(t, errors.As(err, &lost))
}

func TestSQLite_ClaimJobs_NoDoubleClaimAcrossWorkers(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).UTC()

	const total = 40
	for i := range total {
		require.NoError(t, st.InsertJob(ctx, newJob(fmt.Sprintf("job-%02d", i), model.JobTypeClassify, 50, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
		errs    = make(chan error, 2)
	)
	for _, owner := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				jobs, err := st.ClaimJobs(ctx, ClaimParams{Owner: owner, Limit: 3, LockTTL: time.Minute, Now: time.Now()})
				if err != nil {
					errs <- err
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					if prev, dup := claimed[j.ID]; dup {
						mu.Unlock()
						errs <- fmt.Errorf("job %s claimed by %s and %s", j.ID, prev, owner)
						return
					}
					claimed[j.ID] = owner
				}
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, claimed, total)
}

func TestSQLite_JobLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.InsertJob(ctx, newJob("j1", model.JobTypeExport, 80, now.Add(-time.Second))))
	// Duplicate insert is ignored.
	require.NoError(t, st.InsertJob(ctx, newJob("j1", model.JobTypeExport, 10, now)))

	jobs, err := st.ClaimJobs(ctx, ClaimParams{Owner: "w1", Limit: 1, LockTTL: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 80, jobs[0].Priority)

	until := now.Add(5 * time.Minute)
	require.NoError(t, st.ExtendLock(ctx, "j1", "w1", until))
	assert.Error(t, st.ExtendLock(ctx, "j1", "other", until))

	retryAt := now.Add(-time.Millisecond)
	require.NoError(t, st.RequeueJob(ctx, "j1", "w1", "transient", retryAt, true, now))
	j, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)
	assert.WithinDuration(t, now, j.UpdatedAt, time.Millisecond)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, "transient", j.Error)
	assert.Empty(t, j.LockOwner)

	jobs, err = st.ClaimJobs(ctx, ClaimParams{Owner: "w1", Limit: 1, LockTTL: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, st.RequeueJob(ctx, "j1", "w1", "circuit open", retryAt, false, now))
	j, _ = st.GetJob(ctx, "j1")
	assert.Equal(t, 1, j.RetryCount, "deferral does not spend a retry")

	_, err = st.ClaimJobs(ctx, ClaimParams{Owner: "w1", Limit: 1, LockTTL: time.Minute, Now: now})
	require.NoError(t, err)
	doneAt := now.Add(-24 * time.Hour)
	require.NoError(t, st.CompleteJob(ctx, "j1", "w1", json.RawMessage(`{"rows":3}`), doneAt))

	j, err = st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, j.Status)
	assert.JSONEq(t, `{"rows":3}`, string(j.Result))
	assert.Empty(t, j.Error)
	require.NotNil(t, j.CompletedAt)
	assert.WithinDuration(t, doneAt, *j.CompletedAt, time.Millisecond, "completion follows the caller's clock")
	assert.WithinDuration(t, doneAt, j.UpdatedAt, time.Millisecond)
	assert.Nil(t, j.LockExpiresAt)
}

func TestSQLite_FailReleaseCancel(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.InsertJob(ctx, newJob(id, model.JobTypeClassify, 60, now.Add(-time.Second))))
	}
	ok, err := st.CancelJob(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.CancelJob(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok, "only pending jobs are cancellable")

	jobs, err := st.ClaimJobs(ctx, ClaimParams{Owner: "w1", Limit: 5, LockTTL: time.Minute, Now: now})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, st.FailJob(ctx, "a", "w1", "permanent", now))
	n, err := st.ReleaseLocks(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := st.CountJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.JobStatus]int{
		model.JobFailed:    1,
		model.JobPending:   1,
		model.JobCancelled: 1,
	}, counts)

	missing, err := st.GetJob(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNewSQLite_Memory(t *testing.T) {
	st, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}
