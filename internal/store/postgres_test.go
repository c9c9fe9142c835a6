package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ncm-audit/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T, schema string) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s, err := NewPostgres(mock, schema)
	require.NoError(t, err)
	return s, mock
}

func TestPostgres_Interfaces(t *testing.T) {
	var _ TenantStore = (*PostgresStore)(nil)
	var _ GoldenStore = (*PostgresStore)(nil)
}

func TestNewPostgres_InvalidSchema(t *testing.T) {
	for _, schema := range []string{"", "Tenant", "1abc", "a-b", `x"; drop`} {
		_, err := NewPostgres(nil, schema)
		assert.Error(t, err, schema)
	}
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "tenant_a"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tenant_a"\."products"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tenant_a"\."stage_results"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tenant_a"\."batch_runs"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tenant_a"\."golden_set"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Migrate_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	mock.ExpectExec(`CREATE SCHEMA`).WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate schema tenant_a")
}

func TestPostgres_SaveProduct_SchemaQualified(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_b")

	p := model.NewProduct("t2", "run-9", model.ProductInput{ID: "P7", Description: "Cerveja"})
	mock.ExpectExec(`INSERT INTO "tenant_b"\."products" .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("P7", "run-9", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveProduct(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetProduct(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	p := model.NewProduct("t1", "run-1", model.ProductInput{ID: "P1", Description: "Cafe"})
	p.State = model.StateCompleted
	data, err := json.Marshal(p)
	require.NoError(t, err)
	attempt, err := json.Marshal(model.StageResult{Stage: model.StageNCM, Attempt: 1, Outcome: model.OutcomeSuccess})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM "tenant_a"\."products" WHERE id = \$1`).
		WithArgs("P1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))
	mock.ExpectQuery(`SELECT data FROM "tenant_a"\."stage_results" WHERE product_id = \$1 ORDER BY seq`).
		WithArgs("P1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(attempt))

	got, err := s.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, got.State)
	require.Len(t, got.Trail, 1)
	assert.Equal(t, model.StageNCM, got.Trail[0].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetProduct_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	mock.ExpectQuery(`SELECT data FROM "tenant_a"\."products"`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProduct(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendStageResults(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	results := []model.StageResult{
		{Stage: model.StageNCM, Attempt: 1, Outcome: model.OutcomeError, ErrorKind: model.KindTimeout},
		{Stage: model.StageNCM, Attempt: 2, Outcome: model.OutcomeSuccess},
	}
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tenant_a"\."stage_results"`).
		WithArgs("P1", "ncm", 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO "tenant_a"\."stage_results"`).
		WithArgs("P1", "ncm", 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendStageResults(context.Background(), "P1", results))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AppendStageResults_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "tenant_a"\."stage_results"`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.AppendStageResults(context.Background(), "P1", []model.StageResult{{Stage: model.StageCEST, Attempt: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert stage result for P1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BatchRun_RoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")

	run := &model.BatchRun{ID: "run-1", TenantID: "t1", Total: 3, Processed: 3, Succeeded: 2, Errored: 1, Finalized: true}
	data, err := json.Marshal(run)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO "tenant_a"\."batch_runs"`).
		WithArgs("run-1", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT data FROM "tenant_a"\."batch_runs" WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	ctx := context.Background()
	require.NoError(t, s.SaveBatchRun(ctx, run))
	got, err := s.GetBatchRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Succeeded)
	assert.True(t, got.Finalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertGolden(t *testing.T) {
	s, mock := newMockPostgresStore(t, "public")

	e := model.GoldenSetEntry{Description: "cafe torrado", NCM: "09012100", Active: true}
	mock.ExpectExec(`INSERT INTO "public"\."golden_set" .* ON CONFLICT \(description, ncm, cest\) DO NOTHING`).
		WithArgs("cafe torrado", "09012100", "", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO "public"\."golden_set"`).
		WithArgs("cafe torrado", "09012100", "", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ctx := context.Background()
	created, err := s.InsertGolden(ctx, e)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.InsertGolden(ctx, e)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListGolden(t *testing.T) {
	s, mock := newMockPostgresStore(t, "public")

	a, _ := json.Marshal(model.GoldenSetEntry{Description: "a", NCM: "1", Active: true})
	b, _ := json.Marshal(model.GoldenSetEntry{Description: "b", NCM: "2", Active: true})
	mock.ExpectQuery(`SELECT data FROM "public"\."golden_set" WHERE active ORDER BY id`).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(a).AddRow(b))

	entries, err := s.ListGolden(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Description)
	assert.Equal(t, "2", entries[1].NCM)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CloseLeavesSharedPool(t *testing.T) {
	s, mock := newMockPostgresStore(t, "tenant_a")
	require.NoError(t, s.Close())

	// The shared pool is still usable after a tenant store closes.
	mock.ExpectExec(`INSERT INTO "tenant_a"\."batch_runs"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveBatchRun(context.Background(), &model.BatchRun{ID: "r"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
