package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/model"
)

func scanSQLiteStrategy(row rowScanner) (*model.SearchTermStrategy, error) {
	var (
		st                   model.SearchTermStrategy
		lastRun, nextDue     sql.NullInt64
		elg                  string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&st.Term, &st.Priority, &lastRun, &nextDue, &st.RefreshIntervalMinutes, &st.YieldRate,
		&st.SuccessRate, &st.TotalRuns, &st.TotalCompaniesFound, &st.TotalHighValue, &elg, &st.Active,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	m, err := decodeEligibility([]byte(elg))
	if err != nil {
		return nil, eris.Wrapf(err, "decode eligibility for %q", st.Term)
	}
	st.PlatformEligibility = m
	st.LastRunAt = fromNullMillis(lastRun)
	st.NextDueAt = fromNullMillis(nextDue)
	st.CreatedAt = fromMillis(createdAt)
	st.UpdatedAt = fromMillis(updatedAt)
	return &st, nil
}

// GetStrategy fetches the strategy for term. It returns nil when not found.
func (s *SQLiteStore) GetStrategy(ctx context.Context, term string) (*model.SearchTermStrategy, error) {
	st, err := scanSQLiteStrategy(s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM search_term_strategies WHERE term = ?`, term))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get strategy %q", term)
	}
	return st, nil
}

// ListStrategies returns strategies ordered by term.
func (s *SQLiteStore) ListStrategies(ctx context.Context, activeOnly bool) ([]model.SearchTermStrategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM search_term_strategies`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY term`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list strategies")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SearchTermStrategy
	for rows.Next() {
		st, err := scanSQLiteStrategy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan strategy")
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate strategies")
}

// UpsertStrategy writes the full strategy row keyed by term.
func (s *SQLiteStore) UpsertStrategy(ctx context.Context, st *model.SearchTermStrategy) error {
	elg, err := encodeEligibility(st.PlatformEligibility)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode eligibility")
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_term_strategies (`+strategyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (term) DO UPDATE SET
			priority = excluded.priority,
			last_run_at = excluded.last_run_at,
			next_due_at = excluded.next_due_at,
			refresh_interval_minutes = excluded.refresh_interval_minutes,
			yield_rate = excluded.yield_rate,
			success_rate = excluded.success_rate,
			total_runs = excluded.total_runs,
			total_companies_found = excluded.total_companies_found,
			total_high_value = excluded.total_high_value,
			platform_eligibility = excluded.platform_eligibility,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		st.Term, st.Priority, toNullMillis(st.LastRunAt), toNullMillis(st.NextDueAt), st.RefreshIntervalMinutes,
		st.YieldRate, st.SuccessRate, st.TotalRuns, st.TotalCompaniesFound, st.TotalHighValue, string(elg),
		st.Active, toMillis(st.CreatedAt), toMillis(st.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert strategy %q", st.Term)
}

// SeedStrategies inserts strategies whose term is not stored yet.
func (s *SQLiteStore) SeedStrategies(ctx context.Context, strategies []model.SearchTermStrategy) (int, error) {
	if len(strategies) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO search_term_strategies (
			term, priority, refresh_interval_minutes, yield_rate, success_rate,
			platform_eligibility, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (term) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := toMillis(time.Now())
	inserted := 0
	for _, st := range strategies {
		elg, err := encodeEligibility(st.PlatformEligibility)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: encode eligibility")
		}
		res, err := stmt.ExecContext(ctx,
			st.Term, st.Priority, st.RefreshIntervalMinutes, st.YieldRate, st.SuccessRate,
			string(elg), st.Active, now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed strategy %q", st.Term)
		}
		if ok, _ := checkRowsAffected(res); ok {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: seed: commit")
	}
	return inserted, nil
}

// SetStrategyActive toggles whether term is scheduled.
func (s *SQLiteStore) SetStrategyActive(ctx context.Context, term string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_term_strategies SET active = ?, updated_at = ? WHERE term = ?`,
		active, toMillis(time.Now()), term,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set strategy active %q", term)
	}
	if ok, _ := checkRowsAffected(res); !ok {
		return eris.Errorf("strategy not found: %s", term)
	}
	return nil
}

func scanSQLiteHealth(row rowScanner) (*model.PlatformHealth, error) {
	var (
		h                 model.PlatformHealth
		cooldown, checked sql.NullInt64
	)
	if err := row.Scan(&h.PlatformID, &h.IsHealthy, &h.SuccessRate, &h.ConsecutiveFailures, &cooldown, &checked); err != nil {
		return nil, err
	}
	h.CooldownUntil = fromNullMillis(cooldown)
	h.LastCheckedAt = fromNullMillis(checked)
	return &h, nil
}

// GetPlatformHealth fetches health for platformID. It returns nil when not found.
func (s *SQLiteStore) GetPlatformHealth(ctx context.Context, platformID string) (*model.PlatformHealth, error) {
	h, err := scanSQLiteHealth(s.db.QueryRowContext(ctx, `SELECT `+healthColumns+` FROM platform_health WHERE platform_id = ?`, platformID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get platform health %q", platformID)
	}
	return h, nil
}

// ListPlatformHealth returns every recorded platform ordered by id.
func (s *SQLiteStore) ListPlatformHealth(ctx context.Context) ([]model.PlatformHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+healthColumns+` FROM platform_health ORDER BY platform_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list platform health")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PlatformHealth
	for rows.Next() {
		h, err := scanSQLiteHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan platform health")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate platform health")
}

// UpsertPlatformHealth writes the health row keyed by platform id.
func (s *SQLiteStore) UpsertPlatformHealth(ctx context.Context, h *model.PlatformHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_health (`+healthColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id) DO UPDATE SET
			is_healthy = excluded.is_healthy,
			success_rate = excluded.success_rate,
			consecutive_failures = excluded.consecutive_failures,
			cooldown_until = excluded.cooldown_until,
			last_checked_at = excluded.last_checked_at`,
		h.PlatformID, h.IsHealthy, h.SuccessRate, h.ConsecutiveFailures,
		toNullMillis(h.CooldownUntil), toNullMillis(h.LastCheckedAt),
	)
	return eris.Wrapf(err, "sqlite: upsert platform health %q", h.PlatformID)
}
