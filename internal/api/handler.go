// Package api serves the jobs HTTP API: submitting documents, querying jobs
// and triggering a polling pass.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"sentimental/internal/apperrors"
	"sentimental/internal/health"
	"sentimental/internal/job"
	"sentimental/internal/poller"
)

// maxRequestBodySize bounds a submission. 25k documents with comments fit.
const maxRequestBodySize = 64 << 20

// PassRunner runs one polling pass.
type PassRunner interface {
	Run(ctx context.Context) (poller.Summary, error)
}

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc    *job.Service
	poller PassRunner
	health *health.Checker

	pollDeadline time.Duration
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, p PassRunner, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:    svc,
		poller: p,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, created)
}

// ListJobs handles GET /v1/jobs, optionally filtered by ?status=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var status job.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := job.ParseStatus(raw)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		status = parsed
	}

	resp, err := h.svc.List(r.Context(), status)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// Poll handles POST /v1/poll. The pass runs under the request's context,
// capped by the configured pass deadline.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pollDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.pollDeadline)
		defer cancel()
	}

	summary, err := h.poller.Run(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// Livez handles GET /livez. It never checks dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz and answers 503 while the job store, document
// store or sink is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
