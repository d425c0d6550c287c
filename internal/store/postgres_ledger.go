package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/toolscout/internal/db"
	"github.com/sells-group/toolscout/internal/model"
)

const companyColumns = `id, canonical_name, normalized_name, domain, uses_outreach, uses_salesloft,
	confidence_level, signal_strength, last_verified_at, times_seen, created_at, updated_at`

func scanPgCompany(row pgx.Row) (*model.CompanyRecord, error) {
	var (
		c      model.CompanyRecord
		domain *string
		level  string
	)
	if err := row.Scan(
		&c.ID, &c.CanonicalName, &c.NormalizedName, &domain, &c.Tools.Outreach, &c.Tools.Salesloft,
		&level, &c.SignalStrength, &c.LastVerifiedAt, &c.TimesSeen, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Domain = derefString(domain)
	c.ConfidenceLevel = model.ConfidenceLevel(level)
	return &c, nil
}

func collectPgCompanies(rows pgx.Rows) ([]model.CompanyRecord, error) {
	defer rows.Close()
	var out []model.CompanyRecord
	for rows.Next() {
		c, err := scanPgCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetCompany fetches a company by ID. It returns nil when not found.
func (s *PostgresStore) GetCompany(ctx context.Context, id int64) (*model.CompanyRecord, error) {
	c, err := scanPgCompany(s.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get company %d", id)
	}
	return c, nil
}

// GetCompanyByNormalizedName fetches a company by its unique normalized name.
func (s *PostgresStore) GetCompanyByNormalizedName(ctx context.Context, normalized string) (*model.CompanyRecord, error) {
	c, err := scanPgCompany(s.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE normalized_name = $1`, normalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get company %q", normalized)
	}
	return c, nil
}

// SearchCompanies finds companies by trigram similarity on normalized name.
func (s *PostgresStore) SearchCompanies(ctx context.Context, normalized string, limit int) ([]model.CompanyRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+companyColumns+`
		FROM companies
		WHERE normalized_name % $1
		ORDER BY similarity(normalized_name, $1) DESC
		LIMIT $2`, normalized, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search companies")
	}
	out, err := collectPgCompanies(rows)
	return out, eris.Wrap(err, "postgres: scan companies")
}

// FindCompaniesByDomainToken returns companies whose domain contains token.
func (s *PostgresStore) FindCompaniesByDomainToken(ctx context.Context, token string, limit int) ([]model.CompanyRecord, error) {
	if token == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+companyColumns+`
		FROM companies
		WHERE domain IS NOT NULL AND position($1 in domain) > 0
		ORDER BY times_seen DESC
		LIMIT $2`, token, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find companies by domain")
	}
	out, err := collectPgCompanies(rows)
	return out, eris.Wrap(err, "postgres: scan companies")
}

// ListCompanies lists one page of ledger companies matching filter.
func (s *PostgresStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.CompanyRecord, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE true`
	args := []any{}
	argIdx := 1

	query += toolClause(filter)
	if filter.UpdatedSince != nil {
		query += fmt.Sprintf(` AND updated_at >= $%d`, argIdx)
		args = append(args, *filter.UpdatedSince)
		argIdx++
	}
	query += orderClause(filter.Order, "NULLS FIRST")

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultCompanyPage
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	out, err := collectPgCompanies(rows)
	return out, eris.Wrap(err, "postgres: scan companies")
}

// orderClause renders the ORDER BY for o. nullsFirst is the backend's
// spelling of "never verified sorts first".
func orderClause(o CompanyOrder, nullsFirst string) string {
	if o == OrderLeastRecentlyVerified {
		if nullsFirst != "" {
			nullsFirst = " " + nullsFirst
		}
		return ` ORDER BY last_verified_at ASC` + nullsFirst + `, id`
	}
	return ` ORDER BY updated_at DESC, id`
}

// toolClause renders the tool filter. Both backends store flags as booleans
// that compare equal to true/false literals.
func toolClause(filter CompanyFilter) string {
	switch filter.Tool {
	case model.ToolOutreach:
		return ` AND uses_outreach`
	case model.ToolSalesloft:
		return ` AND uses_salesloft`
	case model.ToolBoth:
		return ` AND uses_outreach AND uses_salesloft`
	case model.ToolNone:
		return ` AND NOT uses_outreach AND NOT uses_salesloft`
	}
	if filter.AnyTool {
		return ` AND (uses_outreach OR uses_salesloft)`
	}
	return ""
}

// CountCompanies returns the ledger size.
func (s *PostgresStore) CountCompanies(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM companies`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count companies")
	}
	return n, nil
}

// UpsertCompany inserts rec or merges it into the existing row with the same
// normalized name in a single ON CONFLICT statement. rec.UpdatedAt stamps
// the row; zero means now.
func (s *PostgresStore) UpsertCompany(ctx context.Context, rec *model.CompanyRecord) error {
	now := stamp(rec.UpdatedAt)
	stored, err := scanPgCompany(s.pool.QueryRow(ctx, `
		INSERT INTO companies (
			canonical_name, normalized_name, domain, uses_outreach, uses_salesloft,
			confidence_level, signal_strength, last_verified_at, times_seen, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		ON CONFLICT (normalized_name) DO UPDATE SET
			domain = COALESCE(companies.domain, EXCLUDED.domain),
			uses_outreach = companies.uses_outreach OR EXCLUDED.uses_outreach,
			uses_salesloft = companies.uses_salesloft OR EXCLUDED.uses_salesloft,
			confidence_level = CASE WHEN EXCLUDED.signal_strength >= companies.signal_strength
				THEN EXCLUDED.confidence_level ELSE companies.confidence_level END,
			signal_strength = GREATEST(companies.signal_strength, EXCLUDED.signal_strength),
			last_verified_at = COALESCE(EXCLUDED.last_verified_at, companies.last_verified_at),
			times_seen = companies.times_seen + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING `+companyColumns,
		rec.CanonicalName, rec.NormalizedName, nilIfEmpty(rec.Domain), rec.Tools.Outreach, rec.Tools.Salesloft,
		string(rec.ConfidenceLevel), rec.SignalStrength, rec.LastVerifiedAt, now,
	))
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert company %q", rec.NormalizedName)
	}
	*rec = *stored
	return nil
}

// UpdateVerification records a re-verification outcome.
func (s *PostgresStore) UpdateVerification(ctx context.Context, id int64, v Verification) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE companies SET
			uses_outreach = $2, uses_salesloft = $3, confidence_level = $4,
			signal_strength = $5, last_verified_at = $6, updated_at = $6
		WHERE id = $1`,
		id, v.Tools.Outreach, v.Tools.Salesloft, string(v.ConfidenceLevel), v.SignalStrength, v.VerifiedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update verification %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %d", id)
	}
	return nil
}

// MergeCompanies folds dupIDs into keepID within one transaction.
func (s *PostgresStore) MergeCompanies(ctx context.Context, keepID int64, dupIDs []int64) error {
	if len(dupIDs) == 0 {
		return nil
	}
	ids := append([]int64{keepID}, dupIDs...)

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return eris.Wrap(err, "postgres: merge: lock companies")
		}
		records, err := collectPgCompanies(rows)
		if err != nil {
			return eris.Wrap(err, "postgres: merge: scan companies")
		}

		keep, dups, ok := splitMergeSet(records, keepID)
		if !ok {
			return eris.Errorf("company not found: %d", keepID)
		}
		if len(dups) == 0 {
			return nil
		}
		merged := mergeRecords(keep, dups)

		dupList := make([]int64, len(dups))
		for i, d := range dups {
			dupList[i] = d.ID
		}
		if _, err := tx.Exec(ctx, `DELETE FROM companies WHERE id = ANY($1)`, dupList); err != nil {
			return eris.Wrap(err, "postgres: merge: delete duplicates")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE companies SET
				domain = $2, uses_outreach = $3, uses_salesloft = $4, confidence_level = $5,
				signal_strength = $6, last_verified_at = $7, times_seen = $8, created_at = $9, updated_at = $10
			WHERE id = $1`,
			merged.ID, nilIfEmpty(merged.Domain), merged.Tools.Outreach, merged.Tools.Salesloft,
			string(merged.ConfidenceLevel), merged.SignalStrength, merged.LastVerifiedAt, merged.TimesSeen,
			merged.CreatedAt, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: merge: update company %d", keepID)
		}
		return nil
	})
}
