// Package db holds the pgx connection abstractions shared by the Postgres stores.
package db

import (
	"context"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool used by the stores. pgxmock's
// PgxPoolIface satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s is safe to use as an unquoted schema or
// file name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// NewPool creates a pgxpool with sizing defaults. Tenant stores share one pool
// and qualify every table with their schema.
func NewPool(ctx context.Context, connString string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns

	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}
	return pool, nil
}
