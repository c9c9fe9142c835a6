package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/resilience"
	"github.com/sells-group/ncm-audit/internal/store"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

// step pairs a stage with the states a product holds while it runs and
// after it succeeds.
type step struct {
	stage   model.StageKind
	running model.ProductState
	done    model.ProductState
}

// stageStates maps each stage to its running and done states.
// Reconciliation has no done state: its decision picks the terminal state.
var stageStates = map[model.StageKind][2]model.ProductState{
	model.StageEnrichment:     {model.StateEnriching, model.StateEnriched},
	model.StageNCM:            {model.StateClassifyingNCM, model.StateNCMClassified},
	model.StageCEST:           {model.StateClassifyingCEST, model.StateCESTClassified},
	model.StageReconciliation: {model.StateReconciling, ""},
}

// steps follows model.Stages.
var steps = buildSteps(model.Stages)

func buildSteps(stages []model.StageKind) []step {
	out := make([]step, 0, len(stages))
	for _, k := range stages {
		st, ok := stageStates[k]
		if !ok {
			panic("pipeline: no states for stage " + string(k))
		}
		out = append(out, step{stage: k, running: st[0], done: st[1]})
	}
	return out
}

// finalPersistTimeout bounds the last save of a product whose context is
// already done.
const finalPersistTimeout = 10 * time.Second

// ProductPipeline drives a single product through the ordered stages.
type ProductPipeline struct {
	exec    *Executor
	backoff resilience.Backoff
}

// NewProductPipeline creates a ProductPipeline on top of exec. backoff is
// used when persisting to the tenant store.
func NewProductPipeline(exec *Executor, backoff resilience.Backoff) *ProductPipeline {
	return &ProductPipeline{exec: exec, backoff: backoff}
}

// Run takes p from Pending to exactly one terminal state, persisting the
// product and every stage attempt to the tenant's store as it goes. An error
// before reconciliation fails the product; later stages never run.
func (pp *ProductPipeline) Run(ctx context.Context, h *tenant.Handle, p *model.Product) {
	cfg := h.Config()
	st := h.Store()
	log := zap.L().With(
		zap.String("tenant_id", h.TenantID()),
		zap.String("run_id", p.RunID),
		zap.String("product_id", p.ID),
	)
	start := time.Now()

	if p.State != model.StatePending {
		log.Error("pipeline: product not pending", zap.String("state", string(p.State)))
		return
	}
	if _, err := pp.persist(ctx, st, cfg, p, nil); err != nil {
		pp.fail(ctx, st, p, model.StagePersist, err, nil, log)
		return
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			pp.fail(ctx, st, p, s.stage, eris.Wrapf(err, "pipeline: before %s", s.stage), nil, log)
			return
		}

		p.State = s.running
		stageStart := time.Now()
		results := pp.exec.Execute(ctx, s.stage, p, cfg)
		last := results[len(results)-1]

		if !last.Succeeded() {
			p.State = model.StateFailed
			log.Warn("pipeline: stage failed",
				zap.String("stage", string(s.stage)),
				zap.Int("attempts", len(results)),
				zap.String("error_kind", string(last.ErrorKind)),
				zap.String("error", last.Error),
			)
		} else if s.done != "" {
			p.State = s.done
		} else {
			p.State = model.ProductState(last.Value)
		}

		if unsaved, err := pp.persist(ctx, st, cfg, p, results); err != nil {
			pp.fail(ctx, st, p, model.StagePersist, err, unsaved, log)
			return
		}
		log.Debug("pipeline: stage complete",
			zap.String("stage", string(s.stage)),
			zap.String("state", string(p.State)),
			zap.Int64("duration_ms", time.Since(stageStart).Milliseconds()),
		)
		if p.State.Terminal() {
			break
		}
	}

	fields := []zap.Field{
		zap.String("state", string(p.State)),
		zap.Int("stage_results", len(p.Trail)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if p.OverallConfidence != nil {
		fields = append(fields, zap.Float64("overall_confidence", *p.OverallConfidence))
	}
	log.Info("pipeline: product complete", fields...)
}

// persist appends results and saves p, retrying under the stage policy. It
// runs detached from ctx cancellation so a shutdown still leaves the audit
// trail behind. On failure it returns the results that were not appended.
func (pp *ProductPipeline) persist(ctx context.Context, st store.TenantStore, cfg model.TenantConfig, p *model.Product, results []model.StageResult) ([]model.StageResult, error) {
	policy := resilience.ForTenant(cfg, pp.backoff)
	policy.ShouldRetry = func(error) bool { return true }
	policy.OnRetry = resilience.RetryLogger(zap.L(), "persist product "+p.ID)

	// Results are appended once even if the product save has to be retried.
	unsaved := results
	err := resilience.Do(context.WithoutCancel(ctx), policy, func(ctx context.Context, _ int) error {
		if len(unsaved) > 0 {
			if err := st.AppendStageResults(ctx, p.ID, unsaved); err != nil {
				return err
			}
			unsaved = nil
		}
		return st.SaveProduct(ctx, p)
	})
	if err != nil {
		return unsaved, eris.Wrapf(model.ErrStoreUnavailable, "pipeline: persist product %s: %v", p.ID, err)
	}
	return nil, nil
}

// fail records err against stage, marks p Failed and makes one last attempt
// to save it together with any unsaved results, detached from ctx.
func (pp *ProductPipeline) fail(ctx context.Context, st store.TenantStore, p *model.Product, stage model.StageKind, err error, unsaved []model.StageResult, log *zap.Logger) {
	r := model.StageResult{
		Stage:     stage,
		Attempt:   1,
		Outcome:   model.OutcomeError,
		ErrorKind: model.KindOf(err),
		Error:     err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if stage == model.StagePersist {
		r.Source = model.SourceStore
	}
	p.Trail = append(p.Trail, r)
	p.State = model.StateFailed
	p.UpdatedAt = r.CreatedAt

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalPersistTimeout)
	defer cancel()
	if appendErr := st.AppendStageResults(saveCtx, p.ID, append(unsaved, r)); appendErr != nil {
		log.Error("pipeline: record failure", zap.Error(appendErr))
	}
	if saveErr := st.SaveProduct(saveCtx, p); saveErr != nil {
		log.Error("pipeline: save failed product", zap.Error(saveErr))
	}
	log.Warn("pipeline: product failed",
		zap.String("stage", string(stage)),
		zap.String("error_kind", string(r.ErrorKind)),
		zap.Error(err),
	)
}
