package model

import "time"

// ProductState is the position of a product in the classification pipeline.
type ProductState string

const (
	StatePending         ProductState = "pending"
	StateEnriching       ProductState = "enriching"
	StateEnriched        ProductState = "enriched"
	StateClassifyingNCM  ProductState = "classifying_ncm"
	StateNCMClassified   ProductState = "ncm_classified"
	StateClassifyingCEST ProductState = "classifying_cest"
	StateCESTClassified  ProductState = "cest_classified"
	StateReconciling     ProductState = "reconciling"
	StateCompleted       ProductState = "completed"
	StateNeedsReview     ProductState = "needs_review"
	StateFailed          ProductState = "failed"
)

// Terminal reports whether no further stage may run for a product in this state.
func (s ProductState) Terminal() bool {
	switch s {
	case StateCompleted, StateNeedsReview, StateFailed:
		return true
	default:
		return false
	}
}

// ProductInput is one raw record submitted for classification.
type ProductInput struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	NCM         string `json:"ncm,omitempty"`
	CEST        string `json:"cest,omitempty"`
}

// Product is one item moving through a tenant's pipeline run. Classification
// fields are nil until the stage that produces them succeeds.
type Product struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	RunID       string `json:"run_id"`
	Description string `json:"description"`

	// Codes the tenant already had on file before the audit.
	CurrentNCM  string `json:"current_ncm,omitempty"`
	CurrentCEST string `json:"current_cest,omitempty"`

	NormalizedDescription string   `json:"normalized_description,omitempty"`
	ContextSnippets       []string `json:"context_snippets,omitempty"`

	SuggestedNCM      *string  `json:"suggested_ncm,omitempty"`
	SuggestedCEST     *string  `json:"suggested_cest,omitempty"`
	NCMConfidence     *float64 `json:"ncm_confidence,omitempty"`
	CESTConfidence    *float64 `json:"cest_confidence,omitempty"`
	OverallConfidence *float64 `json:"overall_confidence,omitempty"`
	LowConfidence     bool     `json:"low_confidence"`
	Justification     string   `json:"justification,omitempty"`

	State     ProductState  `json:"state"`
	Trail     []StageResult `json:"trail,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewProduct builds a pending product from raw input.
func NewProduct(tenantID, runID string, in ProductInput) *Product {
	return &Product{
		ID:          in.ID,
		TenantID:    tenantID,
		RunID:       runID,
		Description: in.Description,
		CurrentNCM:  in.NCM,
		CurrentCEST: in.CEST,
		State:       StatePending,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Changed reports whether the suggested codes differ from the ones on file.
func (p *Product) Changed() bool {
	if p.SuggestedNCM != nil && *p.SuggestedNCM != p.CurrentNCM {
		return true
	}
	return p.SuggestedCEST != nil && *p.SuggestedCEST != p.CurrentCEST
}
