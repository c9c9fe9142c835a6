package model

import "time"

// BatchRun is one invocation of the batch orchestrator for one tenant.
// Counters are only authoritative once Finalized is true.
type BatchRun struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	ProductIDs  []string      `json:"product_ids"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Errored     int           `json:"errored"`
	NeedsReview int           `json:"needs_review"`
	Cancelled   bool          `json:"cancelled"`
	Finalized   bool          `json:"finalized"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Snapshot returns a deep copy safe to hand to pollers.
func (b BatchRun) Snapshot() BatchRun {
	out := b
	out.ProductIDs = append([]string(nil), b.ProductIDs...)
	if b.EndedAt != nil {
		t := *b.EndedAt
		out.EndedAt = &t
	}
	return out
}

// Record folds one terminal product state into the counters.
func (b *BatchRun) Record(state ProductState) {
	switch state {
	case StateCompleted:
		b.Succeeded++
	case StateNeedsReview:
		b.NeedsReview++
	default:
		b.Errored++
	}
	b.Processed++
}
