package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership of it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS companies (
	id               BIGSERIAL PRIMARY KEY,
	canonical_name   TEXT NOT NULL,
	normalized_name  TEXT NOT NULL UNIQUE,
	domain           TEXT,
	uses_outreach    BOOLEAN NOT NULL DEFAULT false,
	uses_salesloft   BOOLEAN NOT NULL DEFAULT false,
	confidence_level TEXT NOT NULL DEFAULT 'low',
	signal_strength  DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (signal_strength BETWEEN 0 AND 1),
	last_verified_at TIMESTAMPTZ,
	times_seen       INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_companies_normalized_trgm ON companies USING gin (normalized_name gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_companies_domain ON companies(domain);
CREATE INDEX IF NOT EXISTS idx_companies_tools ON companies(uses_outreach, uses_salesloft);

CREATE TABLE IF NOT EXISTS search_term_strategies (
	term                     TEXT PRIMARY KEY,
	priority                 INTEGER NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
	last_run_at              TIMESTAMPTZ,
	next_due_at              TIMESTAMPTZ,
	refresh_interval_minutes INTEGER NOT NULL DEFAULT 1440,
	yield_rate               DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (yield_rate BETWEEN 0 AND 1),
	success_rate             DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (success_rate BETWEEN 0 AND 1),
	total_runs               INTEGER NOT NULL DEFAULT 0,
	total_companies_found    INTEGER NOT NULL DEFAULT 0,
	total_high_value         INTEGER NOT NULL DEFAULT 0,
	platform_eligibility     JSONB NOT NULL DEFAULT '{}',
	active                   BOOLEAN NOT NULL DEFAULT true,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS platform_health (
	platform_id          TEXT PRIMARY KEY,
	is_healthy           BOOLEAN NOT NULL DEFAULT true,
	success_rate         DOUBLE PRECISION NOT NULL DEFAULT 1 CHECK (success_rate BETWEEN 0 AND 1),
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	cooldown_until       TIMESTAMPTZ,
	last_checked_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INTEGER NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
	scheduled_for   TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload         JSONB NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	lock_owner      TEXT,
	lock_expires_at TIMESTAMPTZ,
	result          JSONB,
	error           TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(status, priority DESC, created_at)
	WHERE status IN ('pending', 'processing');
CREATE INDEX IF NOT EXISTS idx_queue_jobs_lock_owner ON queue_jobs(lock_owner);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
