package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ncm-audit/internal/classifier"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/pipeline"
	"github.com/sells-group/ncm-audit/internal/resilience"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

type fakeService struct {
	err       error
	submitted []model.ProductInput
	cancelled pipeline.Handle
}

func (f *fakeService) Submit(_ context.Context, tenantID string, inputs []model.ProductInput) (pipeline.Handle, error) {
	f.submitted = inputs
	if f.err != nil {
		return pipeline.Handle{}, f.err
	}
	return pipeline.Handle{RunID: "run-1", TenantID: tenantID}, nil
}

func (f *fakeService) Status(_ context.Context, h pipeline.Handle) (model.BatchRun, error) {
	if f.err != nil {
		return model.BatchRun{}, f.err
	}
	return model.BatchRun{ID: h.RunID, TenantID: h.TenantID, Total: 2, Processed: 1}, nil
}

func (f *fakeService) Cancel(h pipeline.Handle) error {
	f.cancelled = h
	return f.err
}

func (f *fakeService) AuditTrail(context.Context, string, string) ([]model.StageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, NewRouter(&fakeService{}, Options{}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmit(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, NewRouter(svc, Options{}), http.MethodPost, "/tenants/acme/batches", SubmitRequest{
		Products: []model.ProductInput{{ID: "p1", Description: "cafe"}},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "acme", resp.TenantID)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "/tenants/acme/batches/run-1", resp.StatusURL)
	assert.Len(t, svc.submitted, 1)
}

func TestSubmit_BadBody(t *testing.T) {
	h := NewRouter(&fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodPost, "/tenants/acme/batches", bytes.NewBufferString(`{"items":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, NewRouter(svc, Options{}), http.MethodDelete, "/tenants/acme/batches/run-9", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, pipeline.Handle{RunID: "run-9", TenantID: "acme"}, svc.cancelled)
}

func TestAudit_EmptyTrailIsArray(t *testing.T) {
	rec := do(t, NewRouter(&fakeService{}, Options{}), http.MethodGet, "/tenants/acme/products/p1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenant_id":"acme","product_id":"p1","trail":[]}`, rec.Body.String())
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown tenant", eris.Wrap(tenant.ErrUnknownTenant, "tenant: resolve"), http.StatusNotFound},
		{"suspended", eris.Wrap(tenant.ErrTenantSuspended, "tenant: resolve"), http.StatusForbidden},
		{"invalid batch", eris.Wrap(pipeline.ErrInvalidBatch, "duplicate"), http.StatusBadRequest},
		{"terminal product", eris.Wrap(pipeline.ErrProductTerminal, "p1 is completed"), http.StatusConflict},
		{"unknown run", pipeline.ErrUnknownRun, http.StatusNotFound},
		{"store down", eris.Wrap(model.ErrStoreUnavailable, "open"), http.StatusServiceUnavailable},
		{"other", eris.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewRouter(&fakeService{err: tt.err}, Options{}), http.MethodGet, "/tenants/acme/batches/run-1", nil)
			assert.Equal(t, tt.want, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewRouter(&fakeService{}, Options{AllowedOrigins: []string{"https://audit.example.com"}})
	req := httptest.NewRequest(http.MethodOptions, "/tenants/acme/batches", nil)
	req.Header.Set("Origin", "https://audit.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://audit.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEndToEnd(t *testing.T) {
	reg := tenant.NewRegistry(tenant.SQLiteOpener(t.TempDir()))
	t.Cleanup(func() { reg.Close() }) //nolint:errcheck
	require.NoError(t, reg.Register(tenant.Tenant{
		ID: "acme", Name: "Acme", Namespace: "tenant_acme", Active: true, Config: model.DefaultTenantConfig(),
	}))

	cls := classifier.Func(func(context.Context, classifier.Request) (classifier.Result, error) {
		return classifier.Result{Code: "73181500", Confidence: 0.95}, nil
	})
	exec := pipeline.NewExecutor(cls, nil, nil, pipeline.ExecutorConfig{Weights: pipeline.DefaultWeights()})
	orch := pipeline.NewOrchestrator(reg, pipeline.NewProductPipeline(exec, resilience.Backoff{}), resilience.Backoff{})
	t.Cleanup(orch.Close)

	h := NewRouter(orch, Options{})
	rec := do(t, h, http.MethodPost, "/tenants/acme/batches", SubmitRequest{
		Products: []model.ProductInput{{ID: "p1", Description: "parafuso"}, {ID: "p2", Description: "porca"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var sub SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))

	var run model.BatchRun
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, sub.StatusURL, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
			return false
		}
		return run.Finalized
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, run.Succeeded)

	rec = do(t, h, http.MethodGet, "/tenants/acme/products/p1/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Len(t, audit.Trail, 4)

	rec = do(t, h, http.MethodPost, "/tenants/ghost/batches", SubmitRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
