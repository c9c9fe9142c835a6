package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TenantConfig is the per-tenant classification policy. It is read once at
// batch start and never mutated while the batch runs.
type TenantConfig struct {
	AutoApproveThreshold  float64       `json:"auto_approve_threshold" yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	ReviewThreshold       float64       `json:"review_threshold" yaml:"review_threshold" mapstructure:"review_threshold"`
	MaxRetries            int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	StageTimeout          time.Duration `json:"stage_timeout" yaml:"stage_timeout" mapstructure:"stage_timeout"`
	MaxConcurrentProducts int           `json:"max_concurrent_products" yaml:"max_concurrent_products" mapstructure:"max_concurrent_products"`
}

// DefaultTenantConfig returns the policy applied when a tenant sets nothing.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		AutoApproveThreshold:  0.9,
		ReviewThreshold:       0.6,
		MaxRetries:            2,
		StageTimeout:          30 * time.Second,
		MaxConcurrentProducts: 5,
	}
}

// Validate checks the policy invariants.
func (c TenantConfig) Validate() error {
	if c.AutoApproveThreshold < 0 || c.AutoApproveThreshold > 1 {
		return eris.Errorf("tenant config: auto_approve_threshold %v outside [0,1]", c.AutoApproveThreshold)
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return eris.Errorf("tenant config: review_threshold %v outside [0,1]", c.ReviewThreshold)
	}
	if c.ReviewThreshold > c.AutoApproveThreshold {
		return eris.Errorf("tenant config: review_threshold %v above auto_approve_threshold %v",
			c.ReviewThreshold, c.AutoApproveThreshold)
	}
	if c.MaxRetries < 0 {
		return eris.Errorf("tenant config: max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.StageTimeout <= 0 {
		return eris.New("tenant config: stage_timeout must be positive")
	}
	if c.MaxConcurrentProducts < 1 {
		return eris.Errorf("tenant config: max_concurrent_products must be at least 1, got %d", c.MaxConcurrentProducts)
	}
	return nil
}
