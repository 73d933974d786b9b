package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/homegate/internal/fault"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes. Fault kinds use their own wire names as codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeInternal     = "internal_error"
	ErrCodeRateLimited  = "rate_limited"
)

// StatusClientClosedRequest is the non-standard status used when the caller
// went away before the command finished.
const StatusClientClosedRequest = 499

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// statusForKind maps a fault kind to its HTTP status.
func statusForKind(k fault.Kind) int {
	switch k {
	case fault.NotFound:
		return http.StatusNotFound
	case fault.AlreadyExists:
		return http.StatusConflict
	case fault.InvalidArgument:
		return http.StatusBadRequest
	case fault.Unavailable:
		return http.StatusServiceUnavailable
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.ResourceExhausted:
		return http.StatusInsufficientStorage
	case fault.Cancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeFault writes err classified by its fault kind. Internal errors keep
// their detail out of the response body.
func writeFault(w http.ResponseWriter, err error) {
	k := fault.KindOf(err)
	if k == fault.Internal {
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, statusForKind(k), k.String(), err.Error())
}

// registrationFailed writes a registration error. Running out of ids is
// also reported to the OnExhausted hook.
func (s *Server) registrationFailed(w http.ResponseWriter, err error) {
	if fault.Is(err, fault.ResourceExhausted) {
		s.logger.Error("id space exhausted", "error", err)
		if s.exhausted != nil {
			s.exhausted(err)
		}
	}
	writeFault(w, err)
}
