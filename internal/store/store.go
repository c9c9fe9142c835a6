// Package store persists tenant pipeline data and the shared golden set.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ncm-audit/internal/model"
)

// TenantStore is the tenant-isolated data store. Every implementation is bound
// to exactly one tenant namespace at construction time.
type TenantStore interface {
	// Products
	SaveProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, productID string) (*model.Product, error)

	// Audit trail
	AppendStageResults(ctx context.Context, productID string, results []model.StageResult) error
	ListStageResults(ctx context.Context, productID string) ([]model.StageResult, error)

	// Batch runs
	SaveBatchRun(ctx context.Context, run *model.BatchRun) error
	GetBatchRun(ctx context.Context, runID string) (*model.BatchRun, error)

	// Lifecycle
	Namespace() string
	Migrate(ctx context.Context) error
	Close() error
}

// GoldenStore persists the shared golden set. It is never tenant-scoped.
type GoldenStore interface {
	ListGolden(ctx context.Context) ([]model.GoldenSetEntry, error)
	// InsertGolden adds an entry and reports whether it was new; an existing
	// (description, NCM, CEST) triple is left unchanged.
	InsertGolden(ctx context.Context, e model.GoldenSetEntry) (bool, error)
	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when a product or batch run does not exist in the
// tenant's namespace.
var ErrNotFound = eris.New("store: not found")
