//go:build !integration

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ncm-audit/internal/config"
	"github.com/sells-group/ncm-audit/internal/goldenset"
	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

func TestFormatBatchRun(t *testing.T) {
	run := model.BatchRun{
		ID:        "run-1",
		TenantID:  "acme",
		Total:     3,
		Processed: 3,
		Succeeded: 2,
		Errored:   1,
		Cancelled: true,
		Finalized: true,
		Elapsed:   1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	formatBatchRun(&buf, run)

	out := buf.String()
	assert.Contains(t, out, "Run run-1 (tenant acme)")
	assert.Contains(t, out, "succeeded:    2")
	assert.Contains(t, out, "errored:      1")
	assert.Contains(t, out, "cancelled:    yes")
	assert.Contains(t, out, "1.5s")
}

func TestFormatProducts(t *testing.T) {
	p := model.NewProduct("acme", "run-1", model.ProductInput{ID: "p1", Description: "Café torrado em grão", NCM: "09011100"})
	p.SuggestedNCM = model.String("09012100")
	p.SuggestedCEST = model.String("")
	p.OverallConfidence = model.Float(0.72)
	p.LowConfidence = true
	p.State = model.StateNeedsReview

	var buf bytes.Buffer
	formatProducts(&buf, []*model.Product{p})

	out := buf.String()
	assert.Contains(t, out, "needs_review")
	assert.Contains(t, out, "09012100")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "0.720 (low)")
	assert.Contains(t, out, "yes")
}

func TestFormatTrail(t *testing.T) {
	at := time.Date(2026, 3, 2, 14, 5, 0, 0, time.UTC)
	trail := []model.StageResult{
		{Stage: model.StageNCM, Attempt: 1, Outcome: model.OutcomeError, ErrorKind: model.KindTimeout, CreatedAt: at},
		{Stage: model.StageNCM, Attempt: 2, Outcome: model.OutcomeSuccess, Source: model.SourceClassifier, Value: "09012100", Confidence: model.Float(0.95), CreatedAt: at},
	}

	var buf bytes.Buffer
	formatTrail(&buf, trail)

	out := buf.String()
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, string(model.KindTimeout))
	assert.Contains(t, out, "0.950")
	assert.Contains(t, out, "2026-03-02 14:05:00")
}

func TestFormatTenants(t *testing.T) {
	tenants := []tenant.Tenant{
		{ID: "acme", Name: "Acme", Namespace: "acme", Active: true, Config: model.DefaultTenantConfig()},
		{ID: "beta", Name: "Beta", Namespace: "beta_ns", Active: false, Config: model.DefaultTenantConfig()},
	}

	var buf bytes.Buffer
	formatTenants(&buf, tenants)

	out := buf.String()
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "beta_ns")
	assert.Contains(t, out, "suspended")
	assert.Contains(t, out, "0.90")
	assert.Contains(t, out, "30s")
}

func TestDerefAndTruncate(t *testing.T) {
	assert.Equal(t, "-", deref(nil))
	assert.Equal(t, "n/a", deref(model.String("")))
	assert.Equal(t, "1709600", deref(model.String("1709600")))

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tenantsFile := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(tenantsFile, []byte(`
tenants:
  - id: acme
    name: Acme
    policy:
      auto_approve_threshold: 0.95
  - id: beta
    name: Beta
    active: false
`), 0o600))

	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "golden.db")},
		Tenants: config.TenantsConfig{
			File:      tenantsFile,
			Driver:    "sqlite",
			SQLiteDir: filepath.Join(dir, "tenants"),
			Defaults:  model.DefaultTenantConfig(),
		},
		Pipeline: config.PipelineConfig{GoldenSimilarityFloor: 0.85},
	}
}

func TestInitRegistry_SQLite(t *testing.T) {
	cfg = testCfg(t)

	reg, pool, err := initRegistry(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pool)
	defer reg.Close() //nolint:errcheck

	tenants := reg.List()
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].ID)
	assert.InDelta(t, 0.95, tenants[0].Config.AutoApproveThreshold, 1e-9)
	assert.False(t, tenants[1].Active)
}

func TestInitRegistry_UnsupportedDriver(t *testing.T) {
	cfg = testCfg(t)
	cfg.Tenants.Driver = "mysql"

	_, _, err := initRegistry(context.Background())
	assert.ErrorContains(t, err, "unsupported tenants driver")
}

func TestImportGolden(t *testing.T) {
	cfg = testCfg(t)
	ctx := context.Background()

	gs, err := initGolden(ctx)
	require.NoError(t, err)
	defer gs.Close() //nolint:errcheck

	idx := goldenset.NewIndex(gs, cfg.Pipeline.GoldenSimilarityFloor)
	require.NoError(t, idx.Load(ctx))

	entries := []model.GoldenSetEntry{
		{Description: "Café torrado em grão", NCM: "09012100", CEST: "1709600", Approver: "ana"},
		{Description: "Café torrado em grão", NCM: "09012100", CEST: "1709600", Approver: "ana"},
		{Description: "Açúcar cristal", NCM: "17019900", Approver: "ana"},
	}
	n, err := importGolden(ctx, idx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, idx.Len())

	_, err = importGolden(ctx, idx, []model.GoldenSetEntry{{Description: "", NCM: "1"}})
	assert.ErrorContains(t, err, "row 2")
}
