package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_EmptyRows(t *testing.T) {
	n, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:        "documents",
		Columns:      []string{"id", "path"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestUpsert_NoColumns(t *testing.T) {
	_, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:        "documents",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestUpsert_NoConflictKeys(t *testing.T) {
	_, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:   "documents",
		Columns: []string{"id", "path"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestUpsert_RowWidthMismatch(t *testing.T) {
	_, err := Upsert(context.Background(), nil, UpsertConfig{
		Table:        "documents",
		Columns:      []string{"id", "path"},
		ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values")
}

func TestBuildUpsert(t *testing.T) {
	sql, args, err := buildUpsert(UpsertConfig{
		Table:        "documents",
		Columns:      []string{"sku_id", "path", "content_hash"},
		ConflictKeys: []string{"sku_id", "path"},
	}, [][]any{{"s1", "a.pdf", "h1"}, {"s1", "b.pdf", "h2"}})
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "documents" ("sku_id", "path", "content_hash") VALUES ($1, $2, $3), ($4, $5, $6) `+
			`ON CONFLICT ("sku_id", "path") DO UPDATE SET "content_hash" = EXCLUDED."content_hash"`,
		sql)
	assert.Len(t, args, 6)
}

func TestUpsert_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "documents"`).
		WithArgs("s1", "a.pdf").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	n, err := Upsert(context.Background(), mock, UpsertConfig{
		Table:        "documents",
		Columns:      []string{"sku_id", "path"},
		ConflictKeys: []string{"sku_id"},
	}, [][]any{{"s1", "a.pdf"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
