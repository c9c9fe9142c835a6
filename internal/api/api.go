// Package api exposes the batch classification service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/model"
	"github.com/sells-group/ncm-audit/internal/pipeline"
	"github.com/sells-group/ncm-audit/internal/tenant"
)

// Service is the batch interface served over HTTP.
type Service interface {
	Submit(ctx context.Context, tenantID string, inputs []model.ProductInput) (pipeline.Handle, error)
	Status(ctx context.Context, handle pipeline.Handle) (model.BatchRun, error)
	Cancel(handle pipeline.Handle) error
	AuditTrail(ctx context.Context, tenantID, productID string) ([]model.StageResult, error)
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
}

// SubmitRequest is the body of POST /tenants/{tenant}/batches.
type SubmitRequest struct {
	Products []model.ProductInput `json:"products"`
}

// SubmitResponse acknowledges an accepted batch.
type SubmitResponse struct {
	pipeline.Handle
	Total     int    `json:"total"`
	StatusURL string `json:"status_url"`
}

// AuditResponse is the audit trail of one product.
type AuditResponse struct {
	TenantID  string              `json:"tenant_id"`
	ProductID string              `json:"product_id"`
	Trail     []model.StageResult `json:"trail"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type handler struct {
	svc Service
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, opts Options) http.Handler {
	h := &handler{svc: svc, log: zap.L().With(zap.String("component", "api"))}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/batches", h.submit)
		r.Get("/batches/{run}", h.status)
		r.Delete("/batches/{run}", h.cancel)
		r.Get("/products/{product}/audit", h.audit)
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("api: request",
				zap.String("method", r.Method),
				zap.String("uri", r.URL.RequestURI()),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")

	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	handle, err := h.svc.Submit(r.Context(), tenantID, req.Products)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, SubmitResponse{
		Handle:    handle,
		Total:     len(req.Products),
		StatusURL: "/tenants/" + tenantID + "/batches/" + handle.RunID,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	handle := pipeline.Handle{TenantID: chi.URLParam(r, "tenant"), RunID: chi.URLParam(r, "run")}
	run, err := h.svc.Status(r.Context(), handle)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	handle := pipeline.Handle{TenantID: chi.URLParam(r, "tenant"), RunID: chi.URLParam(r, "run")}
	if err := h.svc.Cancel(handle); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": handle.RunID})
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	productID := chi.URLParam(r, "product")
	trail, err := h.svc.AuditTrail(r.Context(), tenantID, productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if trail == nil {
		trail = []model.StageResult{}
	}
	respondJSON(w, http.StatusOK, AuditResponse{TenantID: tenantID, ProductID: productID, Trail: trail})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tenant.ErrUnknownTenant),
		errors.Is(err, pipeline.ErrUnknownRun),
		errors.Is(err, pipeline.ErrUnknownProduct):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrTenantSuspended):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrInvalidBatch):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrProductTerminal):
		return http.StatusConflict
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, pipeline.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("api: request failed", zap.Int("status", status), zap.Error(err))
	}
	resp := errorResponse{Error: err.Error()}
	if errors.Is(err, model.ErrStoreUnavailable) {
		resp.Kind = string(model.KindStoreUnavailable)
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
