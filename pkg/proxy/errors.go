package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ValidationError is a malformed inbound request, rejected before any
// account selection side effects beyond what already happened.
type ValidationError struct {
	// Field is the offending request field.
	Field string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Message)
}

// ErrorResponse is the OpenAI-compatible error envelope returned to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner error object.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// writeError writes an ErrorResponse with the given status. Internal detail
// never leaks; callers pass client-safe messages only.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{Message: message, Type: errType},
	})
}
