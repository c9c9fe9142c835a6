// Package tenant resolves tenant identifiers to isolated store handles and
// per-tenant classification policy.
package tenant

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/db"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/store"
)

// Registry lookup errors. Both are fatal to a batch submission.
var (
	ErrUnknownTenant   = eris.New("tenant: unknown tenant")
	ErrTenantSuspended = eris.New("tenant: tenant suspended")
)

// Tenant is one registered client organization.
type Tenant struct {
	ID        string             `json:"id" yaml:"id"`
	Name      string             `json:"name" yaml:"name"`
	Namespace string             `json:"namespace" yaml:"namespace"`
	Active    bool               `json:"active" yaml:"active"`
	Config    model.TenantConfig `json:"config" yaml:"-"`
}

// Opener opens the store for one physical namespace. The registry is the only
// caller; no other component builds a store from a tenant identifier.
type Opener func(ctx context.Context, namespace string) (store.TenantStore, error)

type entry struct {
	tenant Tenant
	mu     sync.Mutex
	store  store.TenantStore
}

// Registry maps tenant IDs to their policy and lazily opened stores.
type Registry struct {
	mu         sync.RWMutex
	tenants    map[string]*entry
	namespaces map[string]string // namespace -> tenant ID
	open       Opener
}

// NewRegistry creates an empty registry that opens stores with open.
func NewRegistry(open Opener) *Registry {
	return &Registry{
		tenants:    make(map[string]*entry),
		namespaces: make(map[string]string),
		open:       open,
	}
}

// Register adds a tenant. The namespace must be a valid identifier and must
// not already belong to another tenant.
func (r *Registry) Register(t Tenant) error {
	if t.ID == "" {
		return eris.New("tenant: id is required")
	}
	if !db.ValidIdentifier(t.Namespace) {
		return eris.Errorf("tenant: invalid namespace %q for %s", t.Namespace, t.ID)
	}
	if err := t.Config.Validate(); err != nil {
		return eris.Wrapf(err, "tenant: %s", t.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; ok {
		return eris.Errorf("tenant: %s already registered", t.ID)
	}
	if owner, ok := r.namespaces[t.Namespace]; ok {
		return eris.Errorf("tenant: namespace %q already used by %s", t.Namespace, owner)
	}
	r.tenants[t.ID] = &entry{tenant: t}
	r.namespaces[t.Namespace] = t.ID
	return nil
}

// Resolve returns a handle on the tenant's isolated store plus a snapshot of
// its policy. The store is opened and migrated on first use.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.tenants[tenantID]
	var t Tenant
	if ok {
		t = e.tenant
	}
	r.mu.RUnlock()

	if !ok {
		return nil, eris.Wrapf(ErrUnknownTenant, "tenant: resolve %q", tenantID)
	}
	if !t.Active {
		return nil, eris.Wrapf(ErrTenantSuspended, "tenant: resolve %q", tenantID)
	}

	st, err := r.checkout(ctx, e)
	if err != nil {
		return nil, err
	}
	return &Handle{
		tenantID:  t.ID,
		namespace: t.Namespace,
		config:    t.Config,
		store:     st,
	}, nil
}

func (r *Registry) checkout(ctx context.Context, e *entry) (store.TenantStore, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store != nil {
		return e.store, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "tenant: checkout")
	}

	st, err := r.open(ctx, e.tenant.Namespace)
	if err != nil {
		return nil, eris.Wrapf(model.ErrStoreUnavailable, "tenant: open store for %s: %v", e.tenant.ID, err)
	}
	if st.Namespace() != e.tenant.Namespace {
		st.Close() //nolint:errcheck
		return nil, eris.Errorf("tenant: store namespace %q does not match %q", st.Namespace(), e.tenant.Namespace)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrapf(model.ErrStoreUnavailable, "tenant: migrate store for %s: %v", e.tenant.ID, err)
	}

	zap.L().Info("tenant: store opened",
		zap.String("tenant_id", e.tenant.ID),
		zap.String("namespace", e.tenant.Namespace),
	)
	e.store = st
	return st, nil
}

// List returns all registered tenants sorted by ID.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tenant, 0, len(r.tenants))
	for _, e := range r.tenants {
		out = append(out, e.tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Suspend deactivates a tenant. Later Resolve calls fail with
// ErrTenantSuspended; batches already running keep their handle.
func (r *Registry) Suspend(tenantID string) error {
	return r.setActive(tenantID, false)
}

// Activate re-enables a suspended tenant.
func (r *Registry) Activate(tenantID string) error {
	return r.setActive(tenantID, true)
}

func (r *Registry) setActive(tenantID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return eris.Wrapf(ErrUnknownTenant, "tenant: %q", tenantID)
	}
	e.tenant.Active = active
	return nil
}

// UpdateConfig replaces a tenant's policy. Handles already resolved keep the
// policy they were given, so running batches are unaffected.
func (r *Registry) UpdateConfig(tenantID string, cfg model.TenantConfig) error {
	if err := cfg.Validate(); err != nil {
		return eris.Wrapf(err, "tenant: %s", tenantID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tenants[tenantID]
	if !ok {
		return eris.Wrapf(ErrUnknownTenant, "tenant: %q", tenantID)
	}
	e.tenant.Config = cfg
	return nil
}

// Close closes every store the registry opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, e := range r.tenants {
		e.mu.Lock()
		if e.store != nil {
			if err := e.store.Close(); err != nil && firstErr == nil {
				firstErr = eris.Wrapf(err, "tenant: close store for %s", e.tenant.ID)
			}
			e.store = nil
		}
		e.mu.Unlock()
	}
	return firstErr
}
