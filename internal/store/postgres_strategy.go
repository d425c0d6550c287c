package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/db"
	"github.com/sells-group/toolscout/internal/model"
)

const strategyColumns = `term, priority, last_run_at, next_due_at, refresh_interval_minutes, yield_rate,
	success_rate, total_runs, total_companies_found, total_high_value, platform_eligibility, active,
	created_at, updated_at`

func scanPgStrategy(row pgx.Row) (*model.SearchTermStrategy, error) {
	var (
		s   model.SearchTermStrategy
		elg []byte
	)
	if err := row.Scan(
		&s.Term, &s.Priority, &s.LastRunAt, &s.NextDueAt, &s.RefreshIntervalMinutes, &s.YieldRate,
		&s.SuccessRate, &s.TotalRuns, &s.TotalCompaniesFound, &s.TotalHighValue, &elg, &s.Active,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m, err := decodeEligibility(elg)
	if err != nil {
		return nil, eris.Wrapf(err, "decode eligibility for %q", s.Term)
	}
	s.PlatformEligibility = m
	return &s, nil
}

// GetStrategy fetches the strategy for term. It returns nil when not found.
func (s *PostgresStore) GetStrategy(ctx context.Context, term string) (*model.SearchTermStrategy, error) {
	st, err := scanPgStrategy(s.pool.QueryRow(ctx, `SELECT `+strategyColumns+` FROM search_term_strategies WHERE term = $1`, term))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get strategy %q", term)
	}
	return st, nil
}

// ListStrategies returns strategies ordered by term.
func (s *PostgresStore) ListStrategies(ctx context.Context, activeOnly bool) ([]model.SearchTermStrategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM search_term_strategies`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY term`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list strategies")
	}
	defer rows.Close()

	var out []model.SearchTermStrategy
	for rows.Next() {
		st, err := scanPgStrategy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan strategy")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate strategies")
}

// UpsertStrategy writes the full strategy row keyed by term.
func (s *PostgresStore) UpsertStrategy(ctx context.Context, st *model.SearchTermStrategy) error {
	elg, err := encodeEligibility(st.PlatformEligibility)
	if err != nil {
		return eris.Wrap(err, "postgres: encode eligibility")
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO search_term_strategies (`+strategyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)
		ON CONFLICT (term) DO UPDATE SET
			priority = EXCLUDED.priority,
			last_run_at = EXCLUDED.last_run_at,
			next_due_at = EXCLUDED.next_due_at,
			refresh_interval_minutes = EXCLUDED.refresh_interval_minutes,
			yield_rate = EXCLUDED.yield_rate,
			success_rate = EXCLUDED.success_rate,
			total_runs = EXCLUDED.total_runs,
			total_companies_found = EXCLUDED.total_companies_found,
			total_high_value = EXCLUDED.total_high_value,
			platform_eligibility = EXCLUDED.platform_eligibility,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		st.Term, st.Priority, st.LastRunAt, st.NextDueAt, st.RefreshIntervalMinutes, st.YieldRate,
		st.SuccessRate, st.TotalRuns, st.TotalCompaniesFound, st.TotalHighValue, string(elg), st.Active,
		st.CreatedAt, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert strategy %q", st.Term)
}

// SeedStrategies bulk-inserts strategies, leaving existing terms untouched.
func (s *PostgresStore) SeedStrategies(ctx context.Context, strategies []model.SearchTermStrategy) (int, error) {
	if len(strategies) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(strategies))
	for _, st := range strategies {
		elg, err := encodeEligibility(st.PlatformEligibility)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: encode eligibility")
		}
		rows = append(rows, []any{
			st.Term, st.Priority, st.RefreshIntervalMinutes, st.YieldRate, st.SuccessRate,
			string(elg), st.Active, now, now,
		})
	}

	n, err := db.InsertMissing(ctx, s.pool, db.Staged{
		Table: "search_term_strategies",
		Columns: []string{
			"term", "priority", "refresh_interval_minutes", "yield_rate", "success_rate",
			"platform_eligibility", "active", "created_at", "updated_at",
		},
		Key: []string{"term"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: seed strategies")
	}
	return int(n), nil
}

// SetStrategyActive toggles whether term is scheduled.
func (s *PostgresStore) SetStrategyActive(ctx context.Context, term string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE search_term_strategies SET active = $2, updated_at = now() WHERE term = $1`, term, active)
	if err != nil {
		return eris.Wrapf(err, "postgres: set strategy active %q", term)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("strategy not found: %s", term)
	}
	return nil
}

const healthColumns = `platform_id, is_healthy, success_rate, consecutive_failures, cooldown_until, last_checked_at`

func scanPgHealth(row pgx.Row) (*model.PlatformHealth, error) {
	var h model.PlatformHealth
	if err := row.Scan(&h.PlatformID, &h.IsHealthy, &h.SuccessRate, &h.ConsecutiveFailures, &h.CooldownUntil, &h.LastCheckedAt); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetPlatformHealth fetches health for platformID. It returns nil when not found.
func (s *PostgresStore) GetPlatformHealth(ctx context.Context, platformID string) (*model.PlatformHealth, error) {
	h, err := scanPgHealth(s.pool.QueryRow(ctx, `SELECT `+healthColumns+` FROM platform_health WHERE platform_id = $1`, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get platform health %q", platformID)
	}
	return h, nil
}

// ListPlatformHealth returns every recorded platform ordered by id.
func (s *PostgresStore) ListPlatformHealth(ctx context.Context) ([]model.PlatformHealth, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+healthColumns+` FROM platform_health ORDER BY platform_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list platform health")
	}
	defer rows.Close()

	var out []model.PlatformHealth
	for rows.Next() {
		h, err := scanPgHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan platform health")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate platform health")
}

// UpsertPlatformHealth writes the health row keyed by platform id.
func (s *PostgresStore) UpsertPlatformHealth(ctx context.Context, h *model.PlatformHealth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO platform_health (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform_id) DO UPDATE SET
			is_healthy = EXCLUDED.is_healthy,
			success_rate = EXCLUDED.success_rate,
			consecutive_failures = EXCLUDED.consecutive_failures,
			cooldown_until = EXCLUDED.cooldown_until,
			last_checked_at = EXCLUDED.last_checked_at`,
		h.PlatformID, h.IsHealthy, h.SuccessRate, h.ConsecutiveFailures, h.CooldownUntil, h.LastCheckedAt,
	)
	return eris.Wrapf(err, "postgres: upsert platform health %q", h.PlatformID)
}
