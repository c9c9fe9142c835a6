package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ncm-audit/internal/model"
)

// SQLiteStore implements TenantStore and GoldenStore using modernc.org/sqlite.
// Tenant isolation comes from giving every tenant its own database file.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn, namespace string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, namespace: namespace}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS products (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	state      TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_results (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id         TEXT PRIMARY KEY,
	finalized  INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS golden_set (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	description TEXT NOT NULL,
	ncm         TEXT NOT NULL,
	cest        TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 1,
	data        TEXT NOT NULL,
	UNIQUE (description, ncm, cest)
);

CREATE INDEX IF NOT EXISTS idx_products_run_id ON products(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_product ON stage_results(product_id, seq);
CREATE INDEX IF NOT EXISTS idx_golden_set_active ON golden_set(active);
`

func (s *SQLiteStore) Namespace() string {
	return s.namespace
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveProduct(ctx context.Context, p *model.Product) error {
	data, err := marshalProduct(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO products (id, run_id, state, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET run_id = excluded.run_id, state = excluded.state,
		 data = excluded.data, updated_at = excluded.updated_at`,
		p.ID, p.RunID, string(p.State), string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrapf(err, "sqlite: save product %s", p.ID)
}

func (s *SQLiteStore) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM products WHERE id = ?`, productID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: product %s", productID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get product %s", productID)
	}

	var p model.Product
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal product")
	}
	trail, err := s.ListStageResults(ctx, productID)
	if err != nil {
		return nil, err
	}
	p.Trail = trail
	return &p, nil
}

func (s *SQLiteStore) AppendStageResults(ctx context.Context, productID string, results []model.StageResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append stage results")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage result")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_results (product_id, stage, attempt, data) VALUES (?, ?, ?, ?)`,
			productID, string(r.Stage), r.Attempt, string(data),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert stage result for %s", productID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit stage results")
}

func (s *SQLiteStore) ListStageResults(ctx context.Context, productID string) ([]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM stage_results WHERE product_id = ? ORDER BY seq`, productID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stage results %s", productID)
	}
	defer rows.Close()

	var out []model.StageResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage result")
		}
		var r model.StageResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stage results iterate")
}

func (s *SQLiteStore) SaveBatchRun(ctx context.Context, run *model.BatchRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch run")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, finalized, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET finalized = excluded.finalized, data = excluded.data,
		 updated_at = excluded.updated_at`,
		run.ID, run.Finalized, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return eris.Wrapf(err, "sqlite: save batch run %s", run.ID)
}

func (s *SQLiteStore) GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM batch_runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch run %s", runID)
	}

	var run model.BatchRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal batch run")
	}
	return &run, nil
}

func (s *SQLiteStore) ListGolden(ctx context.Context) ([]model.GoldenSetEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM golden_set WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list golden set")
	}
	defer rows.Close()

	var out []model.GoldenSetEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan golden entry")
		}
		var e model.GoldenSetEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal golden entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list golden set iterate")
}

func (s *SQLiteStore) InsertGolden(ctx context.Context, e model.GoldenSetEntry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal golden entry")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO golden_set (description, ncm, cest, active, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(description, ncm, cest) DO NOTHING`,
		e.Description, e.NCM, e.CEST, e.Active, string(data),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert golden entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// marshalProduct serializes a product without its trail, which lives in
// stage_results.
func marshalProduct(p *model.Product) ([]byte, error) {
	cp := *p
	cp.Trail = nil
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal product")
	}
	return data, nil
}
