package response

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/rezkam/botfleet/internal/domain"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BadRequest sends a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// NotFound sends a 404 Not Found error.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Conflict sends a 409 Conflict error.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "CONFLICT", message, http.StatusConflict)
}

// InternalError sends a 500 Internal Server Error. The actual error is logged
// server-side; the client gets a generic message.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

// Error sends a generic error response.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// FromDomainError maps domain errors to HTTP responses.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	// Validation errors (400)
	case errors.Is(err, domain.ErrInvalidJob):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrInvalidSchedule):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrInvalidRobot):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrInvalidID):
		BadRequest(w, "invalid ID format")

	// Not found errors (404)
	case errors.Is(err, domain.ErrRobotNotFound):
		NotFound(w, "robot")
	case errors.Is(err, domain.ErrScheduleNotFound):
		NotFound(w, "schedule")
	case errors.Is(err, domain.ErrCheckpointNotFound):
		NotFound(w, "checkpoint")
	case errors.Is(err, domain.ErrDeadLetterNotFound):
		NotFound(w, "dead letter entry")
	case errors.Is(err, domain.ErrEscalationNotFound):
		NotFound(w, "escalation")
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, "resource")

	// State conflicts (409)
	case errors.Is(err, domain.ErrDuplicateJob):
		Conflict(w, "an identical job is already queued")
	case errors.Is(err, domain.ErrJobNotCancellable):
		Conflict(w, "job already reached a terminal state")
	case errors.Is(err, domain.ErrJobNotRetryable):
		Conflict(w, "job is not failed or cancelled")
	case errors.Is(err, domain.ErrPreconditionFailed):
		Conflict(w, "resource state changed, re-read and retry")
	case errors.Is(err, domain.ErrCapacityExceeded):
		Conflict(w, "robot is at capacity")

	// Unknown errors (500)
	default:
		InternalError(w, r, err)
	}
}
