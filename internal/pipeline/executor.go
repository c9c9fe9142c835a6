// Package pipeline drives products through the classification stages and
// fans batches out across a bounded worker pool.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/classifier"
	"github.com/sells-group/ncm-audit/internal/goldenset"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/resilience"
)

// GoldenLookup is the read side of the golden set used by the executor.
type GoldenLookup interface {
	Lookup(ctx context.Context, description string) (*goldenset.Match, error)
}

// ExecutorConfig holds the settings shared by every tenant.
type ExecutorConfig struct {
	Weights             Weights
	Backoff             resilience.Backoff
	GoldenLookupTimeout time.Duration
}

// Executor runs exactly one stage for exactly one product with a bounded
// number of attempts. Every attempt produces its own StageResult.
type Executor struct {
	classifier classifier.Classifier
	golden     GoldenLookup
	snippets   classifier.ContextProvider
	cfg        ExecutorConfig
}

// NewExecutor builds an executor. golden and snippets may be nil.
func NewExecutor(cls classifier.Classifier, golden GoldenLookup, snippets classifier.ContextProvider, cfg ExecutorConfig) *Executor {
	if cfg.GoldenLookupTimeout <= 0 {
		cfg.GoldenLookupTimeout = 2 * time.Second
	}
	return &Executor{classifier: cls, golden: golden, snippets: snippets, cfg: cfg}
}

// attemptOutput is what a successful attempt contributes to its StageResult.
type attemptOutput struct {
	source        string
	value         string
	confidence    *float64
	justification string
	low           bool
	snippets      []string
}

// Execute runs stage against p under the tenant policy, applies a successful
// outcome to p and appends every attempt to p.Trail. It returns the attempts
// in order; the last one is the stage outcome.
func (e *Executor) Execute(ctx context.Context, stage model.StageKind, p *model.Product, cfg model.TenantConfig) []model.StageResult {
	log := zap.L().With(
		zap.String("tenant_id", p.TenantID),
		zap.String("product_id", p.ID),
		zap.String("stage", string(stage)),
	)

	var results []model.StageResult
	record := func(attempt int, start time.Time, out attemptOutput, err error) {
		r := model.StageResult{
			Stage:         stage,
			Attempt:       attempt,
			RetryCount:    attempt - 1,
			Outcome:       model.OutcomeSuccess,
			Source:        out.source,
			Confidence:    out.confidence,
			Value:         out.value,
			Justification: out.justification,
			Elapsed:       time.Since(start),
			CreatedAt:     time.Now().UTC(),
		}
		if err != nil {
			r.Outcome = model.OutcomeError
			r.ErrorKind = model.KindOf(err)
			r.Error = err.Error()
			r.Confidence = nil
			r.Value = ""
		}
		log.Debug("pipeline: stage attempt",
			zap.Int("attempt", attempt),
			zap.String("outcome", string(r.Outcome)),
			zap.String("error_kind", string(r.ErrorKind)),
			zap.Int64("duration_ms", r.Elapsed.Milliseconds()),
		)
		results = append(results, r)
	}

	// Empty input fails fast without consuming an attempt budget.
	if stage != model.StageReconciliation && goldenset.Normalize(p.Description) == "" {
		record(1, time.Now(), attemptOutput{}, eris.Wrapf(model.ErrEmptyInput, "pipeline: product %s has no description", p.ID))
		p.Trail = append(p.Trail, results...)
		return results
	}

	policy := resilience.ForTenant(cfg, e.cfg.Backoff)
	policy.OnRetry = resilience.RetryLogger(log, "stage "+string(stage))
	if stage == model.StageReconciliation {
		policy.MaxRetries = 0
	}

	out, err := resilience.DoVal(ctx, policy, func(ctx context.Context, attempt int) (attemptOutput, error) {
		start := time.Now()
		out, err := e.attempt(ctx, stage, p, cfg)
		record(attempt, start, out, err)
		return out, err
	})
	if err == nil {
		e.apply(stage, p, out)
	}

	p.Trail = append(p.Trail, results...)
	return results
}

func (e *Executor) attempt(ctx context.Context, stage model.StageKind, p *model.Product, cfg model.TenantConfig) (attemptOutput, error) {
	switch {
	case stage.Classifies():
		return e.classify(ctx, stage, p, cfg)
	case stage == model.StageEnrichment:
		return e.enrich(ctx, p)
	case stage == model.StageReconciliation:
		return e.reconcile(p, cfg)
	default:
		return attemptOutput{}, eris.Errorf("pipeline: unknown stage %q", stage)
	}
}

// enrich normalizes the description and gathers supporting snippets.
func (e *Executor) enrich(ctx context.Context, p *model.Product) (attemptOutput, error) {
	out := attemptOutput{source: model.SourceEnrichment, value: goldenset.Normalize(p.Description)}
	if e.snippets == nil {
		return out, nil
	}
	snippets, err := e.snippets.Snippets(ctx, p.Description)
	if err != nil {
		if ctx.Err() != nil {
			return out, eris.Wrapf(ctx.Err(), "pipeline: context snippets: %v", err)
		}
		return out, eris.Wrapf(model.ErrProvider, "pipeline: context snippets: %v", err)
	}
	out.justification = fmt.Sprintf("%d context snippets", len(snippets))
	out.snippets = snippets
	return out, nil
}

func (e *Executor) classify(ctx context.Context, stage model.StageKind, p *model.Product, cfg model.TenantConfig) (attemptOutput, error) {
	hints := make(map[string]string)

	match, err := e.lookupGolden(ctx, p.Description)
	if err != nil {
		return attemptOutput{}, err
	}
	if match != nil {
		code := match.Entry.NCM
		if stage == model.StageCEST {
			code = match.Entry.CEST
		}
		conf := match.Confidence()
		if conf+epsilon >= cfg.AutoApproveThreshold {
			just := "golden-set match"
			if !match.Exact {
				just = fmt.Sprintf("golden-set match (similarity %.2f)", match.Similarity)
			}
			return attemptOutput{
				source:        model.SourceGoldenSet,
				value:         code,
				confidence:    model.Float(conf),
				justification: just,
			}, nil
		}
		if code != "" {
			hints[classifier.HintGoldenCode] = code
		}
	}

	req := classifier.Request{Description: p.Description, Stage: stage, Context: p.ContextSnippets, Hints: hints}
	switch stage {
	case model.StageNCM:
		if p.CurrentNCM != "" {
			hints[classifier.HintCurrent] = p.CurrentNCM
		}
	case model.StageCEST:
		if p.SuggestedNCM != nil {
			hints[classifier.HintNCM] = *p.SuggestedNCM
		}
		if p.CurrentCEST != "" {
			hints[classifier.HintCurrent] = p.CurrentCEST
		}
	}

	res, err := e.callClassifier(ctx, req)
	if err != nil {
		return attemptOutput{}, err
	}
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return attemptOutput{}, eris.Wrapf(model.ErrInvalidConfidence, "pipeline: %s confidence %v outside [0,1]", stage, res.Confidence)
	}
	if stage == model.StageNCM && res.Code == "" {
		return attemptOutput{}, eris.Wrap(model.ErrProvider, "pipeline: classifier returned no NCM code")
	}
	return attemptOutput{
		source:        model.SourceClassifier,
		value:         res.Code,
		confidence:    model.Float(res.Confidence),
		justification: res.Justification,
	}, nil
}

// callClassifier bounds the call by ctx even if the classifier ignores it.
func (e *Executor) callClassifier(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	type reply struct {
		res classifier.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := e.classifier.Classify(ctx, req)
		ch <- reply{res, err}
	}()

	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return classifier.Result{}, eris.Wrapf(model.ErrTimeout, "pipeline: %s classifier call", req.Stage)
		}
		return classifier.Result{}, eris.Wrapf(ctx.Err(), "pipeline: %s classifier call", req.Stage)
	}
}

func (e *Executor) lookupGolden(ctx context.Context, description string) (*goldenset.Match, error) {
	if e.golden == nil {
		return nil, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, e.cfg.GoldenLookupTimeout)
	defer cancel()

	match, err := e.golden.Lookup(lookupCtx, description)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "pipeline: golden lookup: %v", err)
		}
		return nil, eris.Wrapf(model.ErrStoreUnavailable, "pipeline: golden lookup: %v", err)
	}
	return match, nil
}

func (e *Executor) reconcile(p *model.Product, cfg model.TenantConfig) (attemptOutput, error) {
	if p.NCMConfidence == nil || p.CESTConfidence == nil {
		return attemptOutput{}, eris.Errorf("pipeline: product %s reached reconciliation without both confidences", p.ID)
	}
	d := Decide(*p.NCMConfidence, *p.CESTConfidence, e.cfg.Weights, cfg)
	just := fmt.Sprintf("overall %.4f (auto %.2f, review %.2f)", d.Overall, cfg.AutoApproveThreshold, cfg.ReviewThreshold)
	if d.LowConfidence {
		just += ", low confidence"
	}
	return attemptOutput{
		source:        model.SourceDecision,
		value:         string(d.State),
		confidence:    model.Float(d.Overall),
		justification: just,
		low:           d.LowConfidence,
	}, nil
}

// apply copies a successful stage outcome onto the product.
func (e *Executor) apply(stage model.StageKind, p *model.Product, out attemptOutput) {
	switch stage {
	case model.StageEnrichment:
		p.NormalizedDescription = out.value
		p.ContextSnippets = out.snippets
	case model.StageNCM:
		p.SuggestedNCM = model.String(out.value)
		p.NCMConfidence = out.confidence
		p.Justification = out.justification
	case model.StageCEST:
		p.SuggestedCEST = model.String(out.value)
		p.CESTConfidence = out.confidence
		if out.justification != "" {
			p.Justification += "\nCEST: " + out.justification
		}
	case model.StageReconciliation:
		p.OverallConfidence = out.confidence
		p.LowConfidence = out.low
	}
	p.UpdatedAt = time.Now().UTC()
}
