package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/resilience"
	"github.com/sells-group/ncm-audit/internal/store"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

// Orchestrator errors.
var (
	ErrUnknownRun      = eris.New("orchestrator: unknown run")
	ErrUnknownProduct  = eris.New("orchestrator: unknown product")
	ErrInvalidBatch    = eris.New("orchestrator: invalid batch")
	ErrProductTerminal = eris.New("orchestrator: product already terminal")
	ErrClosed          = eris.New("orchestrator: closed")
)

// Handle identifies a submitted batch run.
type Handle struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
}

// batch is the in-memory state of one run. run is written only by the
// aggregation goroutine and by finish.
type batch struct {
	mu  sync.Mutex
	run model.BatchRun

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (b *batch) stopRequested() bool {
	select {
	case <-b.cancel:
		return true
	default:
		return false
	}
}

// finish finalizes the run. A run is cancelled only when some product never
// reported, so a cancel that lands after the last product is ignored.
func (b *batch) finish(now time.Time) model.BatchRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.run.EndedAt = &now
	b.run.Elapsed = now.Sub(b.run.StartedAt)
	b.run.Cancelled = b.run.Processed < b.run.Total
	b.run.Finalized = true
	return b.run.Snapshot()
}

func (b *batch) snapshot() model.BatchRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run.Snapshot()
}

// Orchestrator fans batches of products out over a per-batch worker pool
// sized by the tenant's max_concurrent_products. Batches of different tenants
// run independently.
type Orchestrator struct {
	registry *tenant.Registry
	pipeline *ProductPipeline
	backoff  resilience.Backoff

	// ctx is the lifetime of the hosting process. Product pipelines run under
	// it rather than under the submitter's context.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*batch
	active map[string]struct{} // tenant + product ID of every dispatching batch
}

// NewOrchestrator creates an Orchestrator. backoff is used when persisting
// batch runs.
func NewOrchestrator(registry *tenant.Registry, pipeline *ProductPipeline, backoff resilience.Backoff) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: registry,
		pipeline: pipeline,
		backoff:  backoff,
		ctx:      ctx,
		stop:     stop,
		runs:     make(map[string]*batch),
		active:   make(map[string]struct{}),
	}
}

// Submit starts a batch for tenantID and returns immediately. Unknown or
// suspended tenants are rejected before any work starts, as are product IDs
// that another batch is running or that the tenant's store already holds.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, inputs []model.ProductInput) (Handle, error) {
	if o.ctx.Err() != nil {
		return Handle{}, ErrClosed
	}
	h, err := o.registry.Resolve(ctx, tenantID)
	if err != nil {
		return Handle{}, err
	}

	ids := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for i, in := range inputs {
		if in.ID == "" {
			return Handle{}, eris.Wrapf(ErrInvalidBatch, "orchestrator: product %d has no id", i+1)
		}
		if _, dup := seen[in.ID]; dup {
			return Handle{}, eris.Wrapf(ErrInvalidBatch, "orchestrator: duplicate product id %q", in.ID)
		}
		seen[in.ID] = struct{}{}
		ids = append(ids, in.ID)
	}

	if err := o.reserve(tenantID, ids); err != nil {
		return Handle{}, err
	}
	if err := o.checkUnclassified(ctx, h, ids); err != nil {
		o.release(tenantID, ids)
		return Handle{}, err
	}

	b := &batch{
		run: model.BatchRun{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			ProductIDs: ids,
			Total:      len(inputs),
			StartedAt:  time.Now().UTC(),
		},
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	start := b.run.Snapshot()
	if err := o.saveRun(ctx, h, &start); err != nil {
		o.release(tenantID, ids)
		return Handle{}, err
	}

	o.mu.Lock()
	o.runs[b.run.ID] = b
	o.mu.Unlock()

	zap.L().Info("orchestrator: batch submitted",
		zap.String("tenant_id", tenantID),
		zap.String("run_id", b.run.ID),
		zap.Int("total", b.run.Total),
		zap.Int("concurrency", h.Config().MaxConcurrentProducts),
	)

	o.wg.Add(1)
	go o.execute(h, b, inputs)

	return Handle{RunID: b.run.ID, TenantID: tenantID}, nil
}

func activeKey(tenantID, productID string) string {
	return tenantID + "\x00" + productID
}

// reserve claims ids for one batch, all or nothing.
func (o *Orchestrator) reserve(tenantID string, ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		if _, busy := o.active[activeKey(tenantID, id)]; busy {
			return eris.Wrapf(ErrInvalidBatch, "orchestrator: product %q is already running", id)
		}
	}
	for _, id := range ids {
		o.active[activeKey(tenantID, id)] = struct{}{}
	}
	return nil
}

func (o *Orchestrator) release(tenantID string, ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range ids {
		delete(o.active, activeKey(tenantID, id))
	}
}

// checkUnclassified rejects ids the tenant's store already holds. Terminal
// products are immutable; a stored non-terminal product belongs to a batch
// that was interrupted or runs in another process.
func (o *Orchestrator) checkUnclassified(ctx context.Context, h *tenant.Handle, ids []string) error {
	for _, id := range ids {
		p, err := h.Store().GetProduct(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			return eris.Wrapf(model.ErrStoreUnavailable, "orchestrator: load product %s: %v", id, err)
		case p.State.Terminal():
			return eris.Wrapf(ErrProductTerminal, "orchestrator: product %q is %s", id, p.State)
		default:
			return eris.Wrapf(ErrInvalidBatch, "orchestrator: product %q is already %s", id, p.State)
		}
	}
	return nil
}

// execute runs every product of b and finalizes the run once all started
// products have reported.
func (o *Orchestrator) execute(h *tenant.Handle, b *batch, inputs []model.ProductInput) {
	defer o.wg.Done()
	defer close(b.done)

	log := zap.L().With(zap.String("tenant_id", h.TenantID()), zap.String("run_id", b.run.ID))

	// Single aggregation writer.
	outcomes := make(chan model.ProductState)
	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		for state := range outcomes {
			b.mu.Lock()
			b.run.Record(state)
			b.mu.Unlock()
		}
	}()

	var g errgroup.Group
	g.SetLimit(h.Config().MaxConcurrentProducts)

	for _, in := range inputs {
		if b.stopRequested() || o.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up after the batch was cancelled.
			if b.stopRequested() || o.ctx.Err() != nil {
				return nil
			}
			p := model.NewProduct(h.TenantID(), b.run.ID, in)
			o.pipeline.Run(o.ctx, h, p)
			outcomes <- p.State
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	<-aggregated

	final := b.finish(time.Now().UTC())
	o.release(h.TenantID(), final.ProductIDs)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), finalPersistTimeout)
	defer cancel()
	if err := o.saveRun(saveCtx, h, &final); err != nil {
		log.Error("orchestrator: persist finalized run", zap.Error(err))
	}

	log.Info("orchestrator: batch finalized",
		zap.Int("total", final.Total),
		zap.Int("processed", final.Processed),
		zap.Int("succeeded", final.Succeeded),
		zap.Int("needs_review", final.NeedsReview),
		zap.Int("errored", final.Errored),
		zap.Bool("cancelled", final.Cancelled),
		zap.Int64("duration_ms", final.Elapsed.Milliseconds()),
	)
}

func (o *Orchestrator) saveRun(ctx context.Context, h *tenant.Handle, run *model.BatchRun) error {
	policy := resilience.ForTenant(h.Config(), o.backoff)
	policy.ShouldRetry = func(error) bool { return true }
	policy.OnRetry = resilience.RetryLogger(zap.L(), "persist batch run "+run.ID)

	err := resilience.Do(ctx, policy, func(ctx context.Context, _ int) error {
		return h.Store().SaveBatchRun(ctx, run)
	})
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "orchestrator: persist batch run %s", run.ID)
		}
		return eris.Wrapf(model.ErrStoreUnavailable, "orchestrator: persist batch run %s: %v", run.ID, err)
	}
	return nil
}

func (o *Orchestrator) lookup(handle Handle) *batch {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b := o.runs[handle.RunID]
	if b == nil || b.run.TenantID != handle.TenantID {
		return nil
	}
	return b
}

// Status returns a snapshot of the run. Runs no longer held in memory are
// read back from the tenant's store. A stored run whose process exited before
// finalizing keeps Finalized false and reads as in flight; its products stay
// in their last persisted state.
func (o *Orchestrator) Status(ctx context.Context, handle Handle) (model.BatchRun, error) {
	if b := o.lookup(handle); b != nil {
		return b.snapshot(), nil
	}

	h, err := o.registry.Resolve(ctx, handle.TenantID)
	if err != nil {
		return model.BatchRun{}, err
	}
	run, err := h.Store().GetBatchRun(ctx, handle.RunID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.BatchRun{}, eris.Wrapf(ErrUnknownRun, "orchestrator: run %s", handle.RunID)
		}
		return model.BatchRun{}, eris.Wrapf(model.ErrStoreUnavailable, "orchestrator: load run %s: %v", handle.RunID, err)
	}
	return run.Snapshot(), nil
}

// Cancel stops the batch from starting further products. Products already
// running finish normally. Cancelling a finished run is a no-op.
func (o *Orchestrator) Cancel(handle Handle) error {
	b := o.lookup(handle)
	if b == nil {
		return eris.Wrapf(ErrUnknownRun, "orchestrator: run %s", handle.RunID)
	}
	b.mu.Lock()
	if !b.run.Finalized {
		b.cancelOnce.Do(func() { close(b.cancel) })
	}
	b.mu.Unlock()
	zap.L().Info("orchestrator: batch cancel requested",
		zap.String("tenant_id", handle.TenantID),
		zap.String("run_id", handle.RunID),
	)
	return nil
}

// Wait blocks until the run is finalized or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, handle Handle) (model.BatchRun, error) {
	b := o.lookup(handle)
	if b == nil {
		return o.Status(ctx, handle)
	}
	select {
	case <-b.done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return b.snapshot(), eris.Wrap(ctx.Err(), "orchestrator: wait")
	}
}

// Run submits a batch and waits for it. If ctx is done first the batch is
// cancelled and Run still waits for the in-flight products to finish.
func (o *Orchestrator) Run(ctx context.Context, tenantID string, inputs []model.ProductInput) (model.BatchRun, error) {
	handle, err := o.Submit(ctx, tenantID, inputs)
	if err != nil {
		return model.BatchRun{}, err
	}
	run, err := o.Wait(ctx, handle)
	if err == nil {
		return run, nil
	}
	if cerr := o.Cancel(handle); cerr != nil {
		return run, cerr
	}
	return o.Wait(context.WithoutCancel(ctx), handle)
}

// AuditTrail returns every recorded stage attempt for one product of one
// tenant, ordered by stage then attempt.
func (o *Orchestrator) AuditTrail(ctx context.Context, tenantID, productID string) ([]model.StageResult, error) {
	h, err := o.registry.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	p, err := h.Store().GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrUnknownProduct, "orchestrator: product %s", productID)
		}
		return nil, eris.Wrapf(model.ErrStoreUnavailable, "orchestrator: load product %s: %v", productID, err)
	}
	return p.Trail, nil
}

// Close stops dispatching for every batch and waits for running products to
// reach a terminal state. Products interrupted mid-stage end Failed with
// kind Canceled.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}
