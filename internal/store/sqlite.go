package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored as
// unix milliseconds so range predicates compare integers.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection. _txlock=immediate
// takes the write lock at BEGIN so read-then-write transactions never fail
// with SQLITE_BUSY on upgrade.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// NewSQLite opens a SQLite database at path. ":memory:" opens a private
// in-memory database pinned to one connection.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqlitePragmas
	} else {
		dsn += "?" + sqlitePragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	canonical_name   TEXT NOT NULL,
	normalized_name  TEXT NOT NULL UNIQUE,
	domain           TEXT,
	uses_outreach    INTEGER NOT NULL DEFAULT 0,
	uses_salesloft   INTEGER NOT NULL DEFAULT 0,
	confidence_level TEXT NOT NULL DEFAULT 'low',
	signal_strength  REAL NOT NULL DEFAULT 0 CHECK (signal_strength BETWEEN 0 AND 1),
	last_verified_at INTEGER,
	times_seen       INTEGER NOT NULL DEFAULT 1,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_companies_domain ON companies(domain);
CREATE INDEX IF NOT EXISTS idx_companies_updated ON companies(updated_at);

CREATE TABLE IF NOT EXISTS search_term_strategies (
	term                     TEXT PRIMARY KEY,
	priority                 INTEGER NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
	last_run_at              INTEGER,
	next_due_at              INTEGER,
	refresh_interval_minutes INTEGER NOT NULL DEFAULT 1440,
	yield_rate               REAL NOT NULL DEFAULT 0 CHECK (yield_rate BETWEEN 0 AND 1),
	success_rate             REAL NOT NULL DEFAULT 1 CHECK (success_rate BETWEEN 0 AND 1),
	total_runs               INTEGER NOT NULL DEFAULT 0,
	total_companies_found    INTEGER NOT NULL DEFAULT 0,
	total_high_value         INTEGER NOT NULL DEFAULT 0,
	platform_eligibility     TEXT NOT NULL DEFAULT '{}',
	active                   INTEGER NOT NULL DEFAULT 1,
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS platform_health (
	platform_id          TEXT PRIMARY KEY,
	is_healthy           INTEGER NOT NULL DEFAULT 1,
	success_rate         REAL NOT NULL DEFAULT 1 CHECK (success_rate BETWEEN 0 AND 1),
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	cooldown_until       INTEGER,
	last_checked_at      INTEGER
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INTEGER NOT NULL DEFAULT 50 CHECK (priority BETWEEN 0 AND 100),
	scheduled_for   INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	lock_owner      TEXT,
	lock_expires_at INTEGER,
	result          TEXT,
	error           TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	completed_at    INTEGER
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_lock_owner ON queue_jobs(lock_owner);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkRowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
