package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/summaryq/internal/controller"
	"github.com/ChuLiYu/summaryq/internal/scheduler"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ClientIDHeader identifies the submitting client for rate limiting.
const ClientIDHeader = "X-Client-ID"

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	Type        string          `json:"type" validate:"required,oneof=single collection batch"`
	Params      json.RawMessage `json:"params" validate:"required"`
	Priority    string          `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
}

// SubmitJobResponse is returned with 202 Accepted.
type SubmitJobResponse struct {
	ID     types.JobID     `json:"id"`
	Status types.JobStatus `json:"status"`
}

// CancelJobResponse is returned by DELETE /api/jobs/{id}.
type CancelJobResponse struct {
	ID      types.JobID             `json:"id"`
	Outcome scheduler.CancelOutcome `json:"outcome"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubmitJob handles POST /api/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req SubmitJobRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, sanitizeValidationError(err))
		return
	}

	params, err := types.DecodeParams(types.JobType(req.Type), req.Params)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.svc.SubmitJob(r.Context(), controller.SubmitRequest{
		Params:      params,
		Priority:    priority,
		ClientID:    clientID(r),
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrRateLimited) {
			w.Header().Set("Retry-After", "1")
		}
		h.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+string(id))
	respondJSON(w, http.StatusAccepted, SubmitJobResponse{ID: id, Status: types.StatusPending})
}

// GetJob handles GET /api/jobs/{id}. It is also the re-poll path for
// clients that lost their event stream.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJobStatus(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /api/jobs/{id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	outcome, err := h.svc.CancelJob(id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if outcome == scheduler.CancelOutcomeRequested {
		status = http.StatusAccepted
	}
	respondJSON(w, status, CancelJobResponse{ID: id, Outcome: outcome})
}

// GetStats handles GET /api/stats.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Stats())
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	if !h.svc.Healthy() {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// clientID is the X-Client-ID header, or the remote IP without port.
func clientID(r *http.Request) string {
	if id := r.Header.Get(ClientIDHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
