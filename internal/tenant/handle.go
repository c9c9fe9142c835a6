package tenant

import (
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/store"
)

// Handle is the opaque result of Registry.Resolve. Its fields are unexported
// so a handle can only be obtained through the registry.
type Handle struct {
	tenantID  string
	namespace string
	config    model.TenantConfig
	store     store.TenantStore
}

func (h *Handle) TenantID() string { return h.tenantID }

func (h *Handle) Namespace() string { return h.namespace }

// Config is the policy snapshot taken at resolve time.
func (h *Handle) Config() model.TenantConfig { return h.config }

func (h *Handle) Store() store.TenantStore { return h.store }
