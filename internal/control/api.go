// Package control exposes the validation and admin HTTP API.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rampart/internal/pipeline"
	"rampart/internal/policy"
)

const maxBodyBytes = 4 << 20 // request bodies carry full prompts

// Handler handles validation and admin API requests
type Handler struct {
	pipeline *pipeline.Pipeline
	policies *policy.Engine
	mux      *http.ServeMux
}

// New creates the API handler and wires its routes
func New(p *pipeline.Pipeline, policies *policy.Engine) *Handler {
	h := &Handler{
		pipeline: p,
		policies: policies,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/v1/validate", h.handleValidate)
	h.mux.HandleFunc("/v1/validate/batch", h.handleBatchValidate)
	h.mux.HandleFunc("/v1/reload", h.handleReload)
	h.mux.HandleFunc("/v1/policies", h.handlePolicies)
	h.mux.HandleFunc("/v1/policies/", h.handlePolicy)
	h.mux.HandleFunc("/v1/patterns", h.handleAddPattern)
	h.mux.HandleFunc("/v1/patterns/", h.handleRemovePattern)
	h.mux.HandleFunc("/v1/semantic/threshold", h.handleThreshold)
	h.mux.HandleFunc("/v1/stats", h.handleStats)
	h.mux.HandleFunc("/v1/detections/recent", h.handleRecentDetections)

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	h.mux.ServeHTTP(w, r)
}

// handleHealth handles GET /healthz
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "0.1.0",
	})
}

// handleValidate handles POST /v1/validate
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "Prompt is required", http.StatusBadRequest)
		return
	}

	result := h.pipeline.Validate(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

// handleBatchValidate handles POST /v1/validate/batch
func (h *Handler) handleBatchValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Prompts) == 0 {
		http.Error(w, "At least one prompt is required", http.StatusBadRequest)
		return
	}

	results := h.pipeline.BatchValidate(r.Context(), req.Prompts)
	writeJSON(w, http.StatusOK, BatchResponse{
		Total:   len(results),
		Results: results,
	})
}

// handleReload handles POST /v1/reload
func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.pipeline.Reload(); err != nil {
		slog.Error("configuration reload failed", "error", err)
		http.Error(w, "Reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handlePolicies handles GET /v1/policies
func (h *Handler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids := h.policies.List()
	resp := PoliciesResponse{
		Default:  h.policies.DefaultID(),
		Policies: make([]policy.Info, 0, len(ids)),
	}
	for _, id := range ids {
		info, err := h.policies.Info(id)
		if err != nil {
			continue
		}
		resp.Policies = append(resp.Policies, info)
	}
	resp.Total = len(resp.Policies)

	writeJSON(w, http.StatusOK, resp)
}

// handlePolicy handles GET /v1/policies/{id}
func (h *Handler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Policy ID required", http.StatusBadRequest)
		return
	}

	info, err := h.policies.Info(id)
	if err != nil {
		http.Error(w, "Policy not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleAddPattern handles POST /v1/patterns
func (h *Handler) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	semantic := h.pipeline.Semantic()
	if semantic == nil {
		http.Error(w, "Semantic detection is disabled", http.StatusConflict)
		return
	}

	var req AddPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "Pattern text is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := semantic.AddPattern(r.Context(), req.ID, req.Text, req.Category, req.Severity, req.Metadata); err != nil {
		slog.Error("failed to add pattern", "pattern_id", req.ID, "error", err)
		http.Error(w, "Failed to store pattern", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status":     "created",
		"pattern_id": req.ID,
	})
}

// handleRemovePattern handles DELETE /v1/patterns/{id}
func (h *Handler) handleRemovePattern(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	semantic := h.pipeline.Semantic()
	if semantic == nil {
		http.Error(w, "Semantic detection is disabled", http.StatusConflict)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/patterns/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Pattern ID required", http.StatusBadRequest)
		return
	}

	if err := semantic.RemovePattern(r.Context(), id); err != nil {
		slog.Error("failed to remove pattern", "pattern_id", id, "error", err)
		http.Error(w, "Failed to remove pattern", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "removed",
		"pattern_id": id,
	})
}

// handleThreshold handles PUT /v1/semantic/threshold
func (h *Handler) handleThreshold(w http.ResponseWriter, r *http.Request) {
	semantic := h.pipeline.Semantic()

	switch r.Method {
	case http.MethodGet:
		if semantic == nil {
			http.Error(w, "Semantic detection is disabled", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, ThresholdRequest{Threshold: semantic.Threshold()})
	case http.MethodPut:
		if semantic == nil {
			http.Error(w, "Semantic detection is disabled", http.StatusConflict)
			return
		}
		var req ThresholdRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := semantic.SetThreshold(req.Threshold); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, ThresholdRequest{Threshold: semantic.Threshold()})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStats handles GET /v1/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.pipeline.Stats(r.Context()))
}

// handleRecentDetections handles GET /v1/detections/recent
func (h *Handler) handleRecentDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records := h.pipeline.Recent(limit)
	writeJSON(w, http.StatusOK, RecentDetectionsResponse{
		Total:   len(records),
		Records: records,
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// BatchRequest carries multiple prompts to validate in one call
type BatchRequest struct {
	Prompts []pipeline.Request `json:"prompts"`
}

// BatchResponse carries one result per prompt, in request order
type BatchResponse struct {
	Total   int               `json:"total"`
	Results []pipeline.Result `json:"results"`
}

// PoliciesResponse lists the configured policies
type PoliciesResponse struct {
	Total    int           `json:"total"`
	Default  string        `json:"default"`
	Policies []policy.Info `json:"policies"`
}

// AddPatternRequest adds an entry to the semantic corpus. An empty ID
// is assigned a generated UUID.
type AddPatternRequest struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ThresholdRequest carries the semantic similarity threshold
type ThresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

// RecentDetectionsResponse lists recent flagged validations
type RecentDetectionsResponse struct {
	Total   int               `json:"total"`
	Records []pipeline.Record `json:"records"`
}
