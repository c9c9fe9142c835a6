// Package classifier defines the external classification capability consumed
// by the pipeline and its Claude-backed implementation.
package classifier

import (
	"context"

	"github.com/sells-group/ncm-audit/internal/model"
)

// Hint keys passed to Classify.
const (
	HintNCM        = "ncm"         // NCM chosen by the NCM stage, sent to the CEST stage
	HintCurrent    = "current"     // code the tenant already has on file
	HintGoldenCode = "golden_code" // near-miss golden-set code below the auto-approve bar
)

// Request asks for one code for one product description.
type Request struct {
	Description string
	Stage       model.StageKind
	Context     []string
	Hints       map[string]string
}

// Result is a raw classification guess. Confidence is not validated here.
type Result struct {
	Code          string  `json:"code"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// Classifier produces a candidate code with a confidence score. Failures
// should wrap model.ErrTimeout or model.ErrProvider.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// ContextProvider supplies supporting snippets for a description. The
// pipeline passes them through to the Classifier untouched.
type ContextProvider interface {
	Snippets(ctx context.Context, description string) ([]string, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
