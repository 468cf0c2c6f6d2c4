package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// MaxBatchSize caps the number of transactions accepted by POST /analyze/batch.
const MaxBatchSize = 100

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *service.Service
	version string
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		version: version,
		logger:  logger,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"traceId,omitempty"`
}

// AnalyzeResponse wraps an analysis result with request metadata.
type AnalyzeResponse struct {
	*domain.EnhancedResult
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata is attached to analysis responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// BatchRequest is the request body for POST /analyze/batch.
type BatchRequest struct {
	Transactions []*domain.TransactionRequest `json:"transactions"`
}

// ToggleRequest is the request body for POST /rules/{id}/toggle.
type ToggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// Analyze handles POST /analyze: traditional scoring blended with the AI
// oracle.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.Analyze(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, r, result, start)
}

// AnalyzeTraditional handles POST /analyze/traditional.
func (h *Handler) AnalyzeTraditional(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.svc.AnalyzeTraditionalOnly(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, r, result, start)
}

// AnalyzeBatch handles POST /analyze/batch. Per-item failures are reported
// inline; the response status is 200 whenever the body was valid.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "transactions are required"})
		return
	}
	if len(req.Transactions) > MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "too many transactions in batch"})
		return
	}

	results := h.svc.BatchAnalyze(r.Context(), req.Transactions)
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}

// OracleBatch handles POST /oracle/batch: AI opinions only, nothing recorded.
func (h *Handler) OracleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "transactions are required"})
		return
	}
	if len(req.Transactions) > MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "too many transactions in batch"})
		return
	}

	results := h.svc.OracleBatch(r.Context(), req.Transactions)
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"failed":  failed,
	})
}

// Score handles POST /score. Nothing is recorded.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	score, err := h.svc.Score(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

// SubmitTransaction handles POST /transactions: the transaction is queued
// for the ingestion worker.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": id,
		"status":        "queued",
	})
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.svc.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// GetStatistics handles GET /merchants/{id}/statistics?start=&end=. Both
// bounds are optional RFC3339 timestamps.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be an RFC3339 timestamp"})
			return
		}
		*dst = ts
	}

	result, err := h.svc.GetStatistics(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// OracleStatus reports whether the AI oracle is configured and reachable.
func (h *Handler) OracleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.OracleStatus(r.Context()))
}

// ListRules returns every registered rule.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list := h.svc.ListRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.svc.GetRule(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule registers a custom rule. The id is generated when omitted.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.FraudRule
	if !h.decode(w, r, &rule) {
		return
	}

	added, err := h.svc.AddRule(rule)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// UpdateRule merges a partial rule into an existing one.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch domain.RulePatch
	if !h.decode(w, r, &patch) {
		return
	}

	ok, err := h.svc.UpdateRule(id, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
		return
	}
	rule, _ := h.svc.GetRule(id)
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.svc.RemoveRule(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleRule enables or disables a rule.
func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ToggleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "enabled is required"})
		return
	}

	if !h.svc.ToggleRule(id, *req.Enabled) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "rule not found"})
		return
	}
	rule, _ := h.svc.GetRule(id)
	writeJSON(w, http.StatusOK, rule)
}

// Health returns server health status. A failing dependency degrades the
// status but never the HTTP code.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	for _, err := range h.svc.Ready(r.Context()) {
		if err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns 503 until every backing store answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true
	for name, err := range h.svc.Ready(r.Context()) {
		if err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result *domain.EnhancedResult, start time.Time) {
	writeJSON(w, http.StatusOK, AnalyzeResponse{
		EnhancedResult: result,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(r.Context()),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// writeError maps service errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), TraceID: GetTraceID(r.Context())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, stats.ErrInvalidRange), errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoBus):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
