package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/classifier"
	"github.com/sells-group/ncm-audit/internal/db"
	"github.com/sells-group/ncm-audit/internal/goldenset"
	"github.com/sells-group/ncm-audit/internal/pipeline"
	"github.com/sells-group/ncm-audit/internal/resilience"
	"github.com/sells-group/ncm-audit/internal/store"
	"github.com/sells-group/ncm-audit/internal/tenant"
	anthropicpkg "github.com/sells-group/ncm-audit/pkg/anthropic"
)

// goldenSchema is the Postgres schema holding the shared golden set.
const goldenSchema = "golden"

// auditEnv holds the stores, registry and orchestrator needed by the
// classify, audit and serve commands.
type auditEnv struct {
	Golden       store.GoldenStore
	Index        *goldenset.Index
	Registry     *tenant.Registry
	Orchestrator *pipeline.Orchestrator
	Meter        *anthropicpkg.Meter
	pool         db.Pool
}

// Close stops the orchestrator and releases every store.
func (e *auditEnv) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Close()
	}
	if e.Registry != nil {
		if err := e.Registry.Close(); err != nil {
			zap.L().Warn("close tenant registry", zap.Error(err))
		}
	}
	if e.Golden != nil {
		_ = e.Golden.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// initGolden opens and migrates the shared golden-set store.
func initGolden(ctx context.Context) (store.GoldenStore, error) {
	var (
		gs  store.GoldenStore
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "golden.db"
		}
		gs, err = store.NewSQLite(dsn, goldenSchema)
	case "postgres":
		gs, err = store.OpenPostgres(ctx, cfg.Store.DatabaseURL, goldenSchema, db.PoolConfig{MaxConns: 4})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open golden store")
	}
	if err := gs.Migrate(ctx); err != nil {
		_ = gs.Close()
		return nil, eris.Wrap(err, "migrate golden store")
	}
	return gs, nil
}

// initRegistry builds the tenant registry from the registry file. The
// returned pool is non-nil for the postgres driver and is owned by the caller.
func initRegistry(ctx context.Context) (*tenant.Registry, db.Pool, error) {
	var (
		open tenant.Opener
		pool db.Pool
	)
	switch cfg.Tenants.Driver {
	case "sqlite":
		open = tenant.SQLiteOpener(cfg.Tenants.SQLiteDir)
	case "postgres":
		p, err := db.NewPool(ctx, cfg.Tenants.DatabaseURL, db.PoolConfig{MaxConns: cfg.Tenants.MaxConns})
		if err != nil {
			return nil, nil, eris.Wrap(err, "open tenant pool")
		}
		pool = p
		open = tenant.PostgresOpener(p)
	default:
		return nil, nil, eris.Errorf("unsupported tenants driver: %s", cfg.Tenants.Driver)
	}

	reg := tenant.NewRegistry(open)
	if err := tenant.LoadFile(reg, cfg.Tenants.File, cfg.Tenants.Defaults); err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}
	zap.L().Info("tenant registry loaded",
		zap.String("file", cfg.Tenants.File),
		zap.Int("tenants", len(reg.List())),
	)
	return reg, pool, nil
}

func retryBackoff() resilience.Backoff {
	b := resilience.DefaultBackoff()
	b.Initial = time.Duration(cfg.Pipeline.RetryBackoffMs) * time.Millisecond
	b.Max = time.Duration(cfg.Pipeline.RetryMaxBackoffMs) * time.Millisecond
	return b
}

// initEnv wires the full classification stack. Callers should defer
// env.Close().
func initEnv(ctx context.Context) (*auditEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key is required (NCMAUDIT_ANTHROPIC_KEY)")
	}

	env := &auditEnv{}

	gs, err := initGolden(ctx)
	if err != nil {
		return nil, err
	}
	env.Golden = gs

	env.Index = goldenset.NewIndex(gs, cfg.Pipeline.GoldenSimilarityFloor)
	if err := env.Index.Load(ctx); err != nil {
		env.Close()
		return nil, err
	}

	reg, pool, err := initRegistry(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry = reg
	env.pool = pool

	env.Meter = anthropicpkg.NewMeter()
	cls := classifier.NewClaude(anthropicpkg.NewClient(cfg.Anthropic.Key), classifier.ClaudeConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		RPS:       cfg.Anthropic.RPS,
		Meter:     env.Meter,
	})
	backoff := retryBackoff()
	exec := pipeline.NewExecutor(cls, env.Index, nil, pipeline.ExecutorConfig{
		Weights:             pipeline.Weights{NCM: cfg.Pipeline.NCMWeight, CEST: cfg.Pipeline.CESTWeight},
		Backoff:             backoff,
		GoldenLookupTimeout: cfg.Pipeline.GoldenLookupTimeout,
	})
	env.Orchestrator = pipeline.NewOrchestrator(reg, pipeline.NewProductPipeline(exec, backoff), backoff)

	return env, nil
}
