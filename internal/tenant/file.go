package tenant

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ncm-audit/internal/db"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/store"
)

// fileTenant is the on-disk form of a tenant. Policy fields are pointers so an
// omitted field falls back to the configured defaults.
type fileTenant struct {
	ID        string      `yaml:"id"`
	Name      string      `yaml:"name"`
	Namespace string      `yaml:"namespace"`
	Active    *bool       `yaml:"active"`
	Policy    *filePolicy `yaml:"policy"`
}

type filePolicy struct {
	AutoApproveThreshold  *float64 `yaml:"auto_approve_threshold"`
	ReviewThreshold       *float64 `yaml:"review_threshold"`
	MaxRetries            *int     `yaml:"max_retries"`
	StageTimeout          *string  `yaml:"stage_timeout"`
	MaxConcurrentProducts *int     `yaml:"max_concurrent_products"`
}

type registryFile struct {
	Tenants []fileTenant `yaml:"tenants"`
}

// ParseFile decodes a YAML tenant list, merging each tenant's policy over
// defaults. Tenants are active unless the file says otherwise.
func ParseFile(data []byte, defaults model.TenantConfig) ([]Tenant, error) {
	var rf registryFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, eris.Wrap(err, "tenant: parse registry file")
	}

	out := make([]Tenant, 0, len(rf.Tenants))
	for _, ft := range rf.Tenants {
		cfg, err := mergePolicy(defaults, ft.Policy)
		if err != nil {
			return nil, eris.Wrapf(err, "tenant: %s", ft.ID)
		}
		t := Tenant{
			ID:        ft.ID,
			Name:      ft.Name,
			Namespace: ft.Namespace,
			Active:    ft.Active == nil || *ft.Active,
			Config:    cfg,
		}
		if t.Namespace == "" {
			t.Namespace = ft.ID
		}
		out = append(out, t)
	}
	return out, nil
}

func mergePolicy(cfg model.TenantConfig, p *filePolicy) (model.TenantConfig, error) {
	if p == nil {
		return cfg, nil
	}
	if p.AutoApproveThreshold != nil {
		cfg.AutoApproveThreshold = *p.AutoApproveThreshold
	}
	if p.ReviewThreshold != nil {
		cfg.ReviewThreshold = *p.ReviewThreshold
	}
	if p.MaxRetries != nil {
		cfg.MaxRetries = *p.MaxRetries
	}
	if p.StageTimeout != nil {
		d, err := time.ParseDuration(*p.StageTimeout)
		if err != nil {
			return cfg, eris.Wrapf(err, "stage_timeout %q", *p.StageTimeout)
		}
		cfg.StageTimeout = d
	}
	if p.MaxConcurrentProducts != nil {
		cfg.MaxConcurrentProducts = *p.MaxConcurrentProducts
	}
	return cfg, nil
}

// LoadFile reads the registry file at path and registers every tenant in it.
func LoadFile(r *Registry, path string, defaults model.TenantConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "tenant: read %s", path)
	}
	tenants, err := ParseFile(data, defaults)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// SQLiteOpener opens one SQLite database file per namespace under dir.
func SQLiteOpener(dir string) Opener {
	return func(_ context.Context, namespace string) (store.TenantStore, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "tenant: create %s", dir)
		}
		return store.NewSQLite(filepath.Join(dir, namespace+".db"), namespace)
	}
}

// PostgresOpener binds one schema per namespace on a shared pool.
func PostgresOpener(pool db.Pool) Opener {
	return func(_ context.Context, namespace string) (store.TenantStore, error) {
		return store.NewPostgres(pool, namespace)
	}
}
