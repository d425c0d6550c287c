package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/discovery"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
	"github.com/sells-group/toolscout/internal/resilience"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(t.TempDir(), "toolscout.db")
	return c
}

func TestInitStore_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := initStore(ctx, sqliteConfig(t))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Ping(ctx))
	n, err := st.CountCompanies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInitStore_UnknownDriver(t *testing.T) {
	c := sqliteConfig(t)
	c.Store.Driver = "mysql"

	_, err := initStore(context.Background(), c)
	var ce *resilience.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "store.driver", ce.Key)
}

func TestQueueConfig(t *testing.T) {
	qc := queueConfig(config.QueueConfig{
		WorkerID:        "w-1",
		MaxQueueSize:    50,
		MaxHeapMB:       512,
		ShutdownTimeout: 10 * time.Second,
	})
	assert.Equal(t, "w-1", qc.WorkerID)
	assert.Equal(t, 50, qc.MaxQueueSize)
	assert.Equal(t, uint64(512)<<20, qc.MaxHeapBytes)
	assert.Equal(t, 10*time.Second, qc.ShutdownTimeout)

	assert.Zero(t, queueConfig(config.QueueConfig{MaxHeapMB: -1}).MaxHeapBytes)
}

func TestSchedulerConfig_UsesPlatformIDs(t *testing.T) {
	c := &config.Config{}
	c.Discovery.Platforms = []discovery.PlatformConfig{{ID: "greenhouse"}, {ID: "lever"}}
	c.Scheduler.MinIntervalMinutes = 30
	c.Scheduler.BoostTerms = []string{"salesloft"}

	sc := schedulerConfig(c)
	assert.Equal(t, []string{"greenhouse", "lever"}, sc.Platforms)
	assert.Equal(t, 30, sc.MinIntervalMinutes)
	assert.Equal(t, []string{"salesloft"}, sc.BoostTerms)
}

func TestEngineConfig(t *testing.T) {
	ec := engineConfig(config.EngineConfig{
		InitialConfidenceThreshold: 0.8,
		MinConfidenceThreshold:     0.6,
		MaxConfidenceThreshold:     0.95,
		RevalidateMaxItems:         25,
	})
	assert.InDelta(t, 0.8, ec.InitialConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.6, ec.MinConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.95, ec.MaxConfidenceThreshold, 1e-9)
	assert.Equal(t, 25, ec.RevalidateMaxItems)
}

func TestInitEnv_RequiresClassifierKey(t *testing.T) {
	c := sqliteConfig(t)
	c.Discovery.Platforms = []discovery.PlatformConfig{{ID: "greenhouse", BaseURL: "https://example.com"}}
	c.Engine.MinConfidenceThreshold = 0.6
	c.Engine.MaxConfidenceThreshold = 0.95

	_, err := initEnv(context.Background(), c)
	var ce *resilience.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "anthropic.key", ce.Key)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"queued": 3}))
	assert.JSONEq(t, `{"queued": 3}`, buf.String())
	assert.Contains(t, buf.String(), "\n  ")
}

func TestCollectStatus(t *testing.T) {
	ctx := context.Background()
	st, err := initStore(ctx, sqliteConfig(t))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	require.NoError(t, st.UpsertCompany(ctx, &model.CompanyRecord{
		CanonicalName: "Acme", NormalizedName: "acme", ConfidenceLevel: model.ConfidenceHigh,
	}))
	_, err = st.SeedStrategies(ctx, []model.SearchTermStrategy{
		{Term: "outreach.io", Priority: 80, RefreshIntervalMinutes: 60, Active: true},
		{Term: "cadence tool", Priority: 10, RefreshIntervalMinutes: 60},
	})
	require.NoError(t, err)
	require.NoError(t, st.UpsertStrategy(ctx, &model.SearchTermStrategy{
		Term: "salesloft", Priority: 50, RefreshIntervalMinutes: 60, Active: true, NextDueAt: &later,
	}))
	_, err = queue.New(st, queue.Config{}).AddJob(ctx, model.DiscoverPayload{SearchTerm: "outreach.io"}, queue.AddOptions{})
	require.NoError(t, err)

	s, err := collectStatus(ctx, st, now, false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Companies)
	assert.Equal(t, 3, s.Terms)
	assert.Equal(t, 1, s.ActiveDue, "inactive and not-yet-due terms are excluded")
	assert.Equal(t, 1, s.Jobs[model.JobPending])
	assert.Empty(t, s.Strategies)

	s, err = collectStatus(ctx, st, now, true)
	require.NoError(t, err)
	assert.Len(t, s.Strategies, 3)
}
