package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Staged describes rows bulk-loaded into Table through a staging table.
type Staged struct {
	Table   string
	Columns []string
	// Key is the unique constraint; rows whose key already exists are skipped.
	Key []string
}

// InsertMissing COPYs rows into a transaction-scoped staging table shaped
// like s.Table and inserts those whose key is not present yet. It returns
// how many rows were inserted.
func InsertMissing(ctx context.Context, pool Pool, s Staged, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(s.Columns) == 0 || len(s.Key) == 0 {
		return 0, eris.Errorf("db: insert into %s: columns and key are required", s.Table)
	}

	stage := s.stageName()
	var inserted int64
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
			pgx.Identifier{stage}.Sanitize(), identifier(s.Table),
		)); err != nil {
			return eris.Wrapf(err, "db: stage %s", s.Table)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, s.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: copy into stage for %s", s.Table)
		}
		tag, err := tx.Exec(ctx, s.insertSQL())
		if err != nil {
			return eris.Wrapf(err, "db: insert staged rows into %s", s.Table)
		}
		inserted = tag.RowsAffected()
		return nil
	})
	return inserted, err
}

func (s Staged) stageName() string {
	return "_stage_" + strings.ReplaceAll(s.Table, ".", "_")
}

func (s Staged) insertSQL() string {
	cols := columnList(s.Columns)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		identifier(s.Table), cols, cols, pgx.Identifier{s.stageName()}.Sanitize(), columnList(s.Key),
	)
}

// identifier quotes a table name, splitting an optional schema prefix.
func identifier(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
