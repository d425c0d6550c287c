package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCompany(row rowScanner) (*model.CompanyRecord, error) {
	var (
		c                    model.CompanyRecord
		domain               sql.NullString
		level                string
		verified             sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&c.ID, &c.CanonicalName, &c.NormalizedName, &domain, &c.Tools.Outreach, &c.Tools.Salesloft,
		&level, &c.SignalStrength, &verified, &c.TimesSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	c.Domain = domain.String
	c.ConfidenceLevel = model.ConfidenceLevel(level)
	c.LastVerifiedAt = fromNullMillis(verified)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func collectSQLiteCompanies(rows *sql.Rows) ([]model.CompanyRecord, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.CompanyRecord
	for rows.Next() {
		c, err := scanSQLiteCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getCompanyWhere(ctx context.Context, where string, arg any) (*model.CompanyRecord, error) {
	c, err := scanSQLiteCompany(s.db.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetCompany fetches a company by ID. It returns nil when not found.
func (s *SQLiteStore) GetCompany(ctx context.Context, id int64) (*model.CompanyRecord, error) {
	c, err := s.getCompanyWhere(ctx, `id = ?`, id)
	return c, eris.Wrapf(err, "sqlite: get company %d", id)
}

// GetCompanyByNormalizedName fetches a company by its unique normalized name.
func (s *SQLiteStore) GetCompanyByNormalizedName(ctx context.Context, normalized string) (*model.CompanyRecord, error) {
	c, err := s.getCompanyWhere(ctx, `normalized_name = ?`, normalized)
	return c, eris.Wrapf(err, "sqlite: get company %q", normalized)
}

// SearchCompanies approximates trigram search with LIKE patterns: names
// sharing the first token, names containing the query, and names contained
// in the query. Callers re-score the candidates.
func (s *SQLiteStore) SearchCompanies(ctx context.Context, normalized string, limit int) ([]model.CompanyRecord, error) {
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	first := normalized
	if i := strings.IndexByte(normalized, ' '); i > 0 {
		first = normalized[:i]
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+companyColumns+`
		FROM companies
		WHERE normalized_name LIKE ? OR normalized_name LIKE ? OR ? LIKE '%' || normalized_name || '%'
		ORDER BY times_seen DESC, id
		LIMIT ?`,
		first+"%", "%"+normalized+"%", normalized, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search companies")
	}
	out, err := collectSQLiteCompanies(rows)
	return out, eris.Wrap(err, "sqlite: scan companies")
}

// FindCompaniesByDomainToken returns companies whose domain contains token.
func (s *SQLiteStore) FindCompaniesByDomainToken(ctx context.Context, token string, limit int) ([]model.CompanyRecord, error) {
	if token == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+companyColumns+`
		FROM companies
		WHERE domain IS NOT NULL AND instr(domain, ?) > 0
		ORDER BY times_seen DESC
		LIMIT ?`, token, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find companies by domain")
	}
	out, err := collectSQLiteCompanies(rows)
	return out, eris.Wrap(err, "sqlite: scan companies")
}

// ListCompanies lists one page of ledger companies matching filter.
func (s *SQLiteStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.CompanyRecord, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE 1=1` + toolClause(filter)
	var args []any
	if filter.UpdatedSince != nil {
		query += ` AND updated_at >= ?`
		args = append(args, toMillis(*filter.UpdatedSince))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultCompanyPage
	}
	// SQLite already sorts NULL before any value in ascending order.
	query += orderClause(filter.Order, "") + ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	out, err := collectSQLiteCompanies(rows)
	return out, eris.Wrap(err, "sqlite: scan companies")
}

// CountCompanies returns the ledger size.
func (s *SQLiteStore) CountCompanies(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM companies`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count companies")
	}
	return n, nil
}

// UpsertCompany inserts rec or merges it into the existing row with the same
// normalized name. rec.UpdatedAt stamps the row; zero means now.
func (s *SQLiteStore) UpsertCompany(ctx context.Context, rec *model.CompanyRecord) error {
	now := toMillis(stamp(rec.UpdatedAt))
	stored, err := scanSQLiteCompany(s.db.QueryRowContext(ctx, `
		INSERT INTO companies (
			canonical_name, normalized_name, domain, uses_outreach, uses_salesloft,
			confidence_level, signal_strength, last_verified_at, times_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (normalized_name) DO UPDATE SET
			domain = COALESCE(companies.domain, excluded.domain),
			uses_outreach = companies.uses_outreach OR excluded.uses_outreach,
			uses_salesloft = companies.uses_salesloft OR excluded.uses_salesloft,
			confidence_level = CASE WHEN excluded.signal_strength >= companies.signal_strength
				THEN excluded.confidence_level ELSE companies.confidence_level END,
			signal_strength = MAX(companies.signal_strength, excluded.signal_strength),
			last_verified_at = COALESCE(excluded.last_verified_at, companies.last_verified_at),
			times_seen = companies.times_seen + 1,
			updated_at = excluded.updated_at
		RETURNING `+companyColumns,
		rec.CanonicalName, rec.NormalizedName, nullString(rec.Domain), rec.Tools.Outreach, rec.Tools.Salesloft,
		string(rec.ConfidenceLevel), rec.SignalStrength, toNullMillis(rec.LastVerifiedAt), now, now,
	))
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert company %q", rec.NormalizedName)
	}
	*rec = *stored
	return nil
}

// UpdateVerification records a re-verification outcome.
func (s *SQLiteStore) UpdateVerification(ctx context.Context, id int64, v Verification) error {
	at := toMillis(v.VerifiedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE companies SET
			uses_outreach = ?, uses_salesloft = ?, confidence_level = ?,
			signal_strength = ?, last_verified_at = ?, updated_at = ?
		WHERE id = ?`,
		v.Tools.Outreach, v.Tools.Salesloft, string(v.ConfidenceLevel), v.SignalStrength, at, at, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update verification %d", id)
	}
	ok, err := checkRowsAffected(res)
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if !ok {
		return eris.Errorf("company not found: %d", id)
	}
	return nil
}

// MergeCompanies folds dupIDs into keepID within one transaction.
func (s *SQLiteStore) MergeCompanies(ctx context.Context, keepID int64, dupIDs []int64) error {
	if len(dupIDs) == 0 {
		return nil
	}
	ids := append([]int64{keepID}, dupIDs...)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: merge: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: merge: load companies")
	}
	records, err := collectSQLiteCompanies(rows)
	if err != nil {
		return eris.Wrap(err, "sqlite: merge: scan companies")
	}

	keep, dups, ok := splitMergeSet(records, keepID)
	if !ok {
		return eris.Errorf("company not found: %d", keepID)
	}
	if len(dups) == 0 {
		return nil
	}
	merged := mergeRecords(keep, dups)

	dupArgs := make([]any, len(dups))
	for i, d := range dups {
		dupArgs[i] = d.ID
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM companies WHERE id IN (`+placeholders(len(dups))+`)`, dupArgs...); err != nil {
		return eris.Wrap(err, "sqlite: merge: delete duplicates")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE companies SET
			domain = ?, uses_outreach = ?, uses_salesloft = ?, confidence_level = ?,
			signal_strength = ?, last_verified_at = ?, times_seen = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(merged.Domain), merged.Tools.Outreach, merged.Tools.Salesloft, string(merged.ConfidenceLevel),
		merged.SignalStrength, toNullMillis(merged.LastVerifiedAt), merged.TimesSeen,
		toMillis(merged.CreatedAt), toMillis(time.Now()), merged.ID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: merge: update company %d", keepID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: merge: commit")
}
