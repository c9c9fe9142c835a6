package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ncm-audit/internal/db"
	"github.com/sells-group/ncm-audit/internal/model"
)

// PostgresStore implements TenantStore and GoldenStore on one Postgres schema.
// Every statement is schema-qualified, so stores for different tenants can
// share a single pool without seeing each other's rows.
type PostgresStore struct {
	pool    db.Pool
	schema  string
	closeFn func()
}

// NewPostgres binds a store to schema on an existing pool. Closing the store
// does not close the shared pool.
func NewPostgres(pool db.Pool, schema string) (*PostgresStore, error) {
	if !db.ValidIdentifier(schema) {
		return nil, eris.Errorf("postgres: invalid schema %q", schema)
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// OpenPostgres creates a dedicated pool and binds a store to schema. The pool
// is closed with the store.
func OpenPostgres(ctx context.Context, connString, schema string, cfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	s, err := NewPostgres(pool, schema)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.closeFn = pool.Close
	return s, nil
}

// table returns the sanitized, schema-qualified name of a table.
func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *PostgresStore) Namespace() string {
	return s.schema
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			state      TEXT NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table("products")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq        BIGSERIAL PRIMARY KEY,
			product_id TEXT NOT NULL,
			stage      TEXT NOT NULL,
			attempt    INT NOT NULL,
			data       JSONB NOT NULL
		)`, s.table("stage_results")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			finalized  BOOLEAN NOT NULL DEFAULT false,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table("batch_runs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			description TEXT NOT NULL,
			ncm         TEXT NOT NULL,
			cest        TEXT NOT NULL DEFAULT '',
			active      BOOLEAN NOT NULL DEFAULT true,
			data        JSONB NOT NULL,
			UNIQUE (description, ncm, cest)
		)`, s.table("golden_set")),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrapf(err, "postgres: migrate schema %s", s.schema)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveProduct(ctx context.Context, p *model.Product) error {
	data, err := marshalProduct(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, run_id, state, data, updated_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (id) DO UPDATE SET run_id = EXCLUDED.run_id, state = EXCLUDED.state,
		 data = EXCLUDED.data, updated_at = now()`, s.table("products")),
		p.ID, p.RunID, string(p.State), data,
	)
	return eris.Wrapf(err, "postgres: save product %s", p.ID)
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.table("products")), productID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: product %s", productID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get product %s", productID)
	}

	var p model.Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal product")
	}
	trail, err := s.ListStageResults(ctx, productID)
	if err != nil {
		return nil, err
	}
	p.Trail = trail
	return &p, nil
}

func (s *PostgresStore) AppendStageResults(ctx context.Context, productID string, results []model.StageResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append stage results")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`INSERT INTO %s (product_id, stage, attempt, data) VALUES ($1, $2, $3, $4)`,
		s.table("stage_results"))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage result")
		}
		if _, err := tx.Exec(ctx, query, productID, string(r.Stage), r.Attempt, data); err != nil {
			return eris.Wrapf(err, "postgres: insert stage result for %s", productID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit stage results")
}

func (s *PostgresStore) ListStageResults(ctx context.Context, productID string) ([]model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE product_id = $1 ORDER BY seq`, s.table("stage_results")),
		productID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stage results %s", productID)
	}
	defer rows.Close()

	var out []model.StageResult
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		var r model.StageResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stage result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage results iterate")
}

func (s *PostgresStore) SaveBatchRun(ctx context.Context, run *model.BatchRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch run")
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, finalized, data, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET finalized = EXCLUDED.finalized, data = EXCLUDED.data,
		 updated_at = now()`, s.table("batch_runs")),
		run.ID, run.Finalized, data,
	)
	return eris.Wrapf(err, "postgres: save batch run %s", run.ID)
}

func (s *PostgresStore) GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, s.table("batch_runs")), runID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch run %s", runID)
	}

	var run model.BatchRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal batch run")
	}
	return &run, nil
}

func (s *PostgresStore) ListGolden(ctx context.Context) ([]model.GoldenSetEntry, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE active ORDER BY id`, s.table("golden_set")))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list golden set")
	}
	defer rows.Close()

	var out []model.GoldenSetEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan golden entry")
		}
		var e model.GoldenSetEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal golden entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list golden set iterate")
}

func (s *PostgresStore) InsertGolden(ctx context.Context, e model.GoldenSetEntry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal golden entry")
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (description, ncm, cest, active, data) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (description, ncm, cest) DO NOTHING`, s.table("golden_set")),
		e.Description, e.NCM, e.CEST, e.Active, data,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert golden entry")
	}
	return tag.RowsAffected() > 0, nil
}
