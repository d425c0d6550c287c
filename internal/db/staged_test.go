package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strategies = Staged{
	Table:   "search_term_strategies",
	Columns: []string{"term", "priority"},
	Key:     []string{"term"},
}

func TestInsertMissing_NoRows(t *testing.T) {
	n, err := InsertMissing(context.Background(), nil, strategies, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertMissing_RequiresColumnsAndKey(t *testing.T) {
	_, err := InsertMissing(context.Background(), nil, Staged{Table: "t", Key: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "columns and key are required")

	_, err = InsertMissing(context.Background(), nil, Staged{Table: "t", Columns: []string{"id"}}, [][]any{{1}})
	assert.ErrorContains(t, err, "columns and key are required")
}

func TestInsertMissing(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_search_term_strategies" \(LIKE "search_term_strategies"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_search_term_strategies"}, []string{"term", "priority"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("term"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := InsertMissing(context.Background(), mock, strategies, [][]any{{"sdr", 50}, {"bdr", 40}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMissing_RollsBackOnCopyError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_search_term_strategies"}, []string{"term", "priority"}).
		WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = InsertMissing(context.Background(), mock, strategies, [][]any{{"sdr", 50}})
	assert.ErrorContains(t, err, "copy into stage")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSQL_SchemaQualified(t *testing.T) {
	s := Staged{Table: "public.companies", Columns: []string{"normalized_name", "canonical_name"}, Key: []string{"normalized_name"}}
	assert.Equal(t,
		`INSERT INTO "public"."companies" ("normalized_name", "canonical_name") SELECT "normalized_name", "canonical_name" FROM "_stage_public_companies" ON CONFLICT ("normalized_name") DO NOTHING`,
		s.insertSQL())
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, WithTx(context.Background(), mock, func(pgx.Tx) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	sentinel := errors.New("fail")
	assert.Same(t, sentinel, WithTx(context.Background(), mock, func(pgx.Tx) error { return sentinel }))

	assert.NoError(t, mock.ExpectationsWereMet())
}
