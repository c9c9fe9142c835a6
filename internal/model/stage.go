package model

import "time"

// StageKind names one discrete step of the classification pipeline.
type StageKind string

const (
	StageEnrichment     StageKind = "enrichment"
	StageNCM            StageKind = "ncm"
	StageCEST           StageKind = "cest"
	StageReconciliation StageKind = "reconciliation"

	// StagePersist is not a pipeline stage; it records tenant store failures
	// in the trail without counting against a stage's attempts.
	StagePersist StageKind = "persist"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StageKind{StageEnrichment, StageNCM, StageCEST, StageReconciliation}

// Classifies reports whether the stage produces a fiscal code.
func (k StageKind) Classifies() bool {
	return k == StageNCM || k == StageCEST
}

// StageOutcome is the result of one stage attempt.
type StageOutcome string

const (
	OutcomeSuccess StageOutcome = "success"
	OutcomeError   StageOutcome = "error"
)

// Result sources recorded on a StageResult.
const (
	SourceGoldenSet  = "golden_set"
	SourceClassifier = "classifier"
	SourceEnrichment = "enrichment"
	SourceDecision   = "decision"
	SourceStore      = "store"
)

// StageResult is the immutable record of one stage attempt for one product.
type StageResult struct {
	Stage         StageKind     `json:"stage"`
	Attempt       int           `json:"attempt"`
	RetryCount    int           `json:"retry_count"`
	Outcome       StageOutcome  `json:"outcome"`
	Source        string        `json:"source,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
	Value         string        `json:"value,omitempty"`
	Justification string        `json:"justification,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	ErrorKind     ErrorKind     `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Succeeded reports whether the attempt ended in Success.
func (r StageResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Float returns a pointer to v, for optional confidence fields.
func Float(v float64) *float64 {
	return &v
}

// String returns a pointer to s, for optional code fields.
func String(s string) *string {
	return &s
}
