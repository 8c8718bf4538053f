package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/panjf2000/ants/v2"

	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/registry"
	"github.com/flexinfer/mentatlab/services/taskgraph-go/internal/runstore"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
	ErrCodeUpstream       = "upstream_error"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	case http.StatusBadGateway:
		return ErrCodeUpstream
	default:
		return ErrCodeInternalError
	}
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, runstore.ErrRunNotFound),
		errors.Is(err, runstore.ErrNodeNotFound),
		errors.Is(err, registry.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, runstore.ErrRunExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrSessionBusy),
		errors.Is(err, ants.ErrPoolOverload),
		errors.Is(err, ants.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrNoAgent),
		errors.Is(err, orchestrator.ErrSummaryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
