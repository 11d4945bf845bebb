package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/summaryq/internal/jobmanager"
	"github.com/ChuLiYu/summaryq/internal/scheduler"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.log.Debug("sending error response",
		"status_code", status,
		"message", message,
		"path", r.URL.Path,
		"method", r.Method,
		"request_id", requestID(r))
	respondJSON(w, status, ErrorResponse{Error: message, Code: status, RequestID: requestID(r)})
}

// respondServiceError maps a service error to a status code and a message
// that does not leak internals.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	msg := safeErrorMessage(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID(r))
	}
	h.respondError(w, r, status, msg)
}

// MapErrorToStatusCode maps service errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func safeErrorMessage(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidParams):
		return err.Error()
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, scheduler.ErrRateLimited):
		return "Rate limit exceeded, retry later"
	case errors.Is(err, scheduler.ErrQueueFull):
		return "Queue is full, retry later"
	case errors.Is(err, scheduler.ErrClosed):
		return "Service is shutting down"
	default:
		return "An unexpected error occurred"
	}
}

// sanitizeValidationError turns validator output into "field: rule" pairs.
func sanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return "Invalid request: " + strings.Join(parts, "; ")
}
