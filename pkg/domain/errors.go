package domain

import "errors"

// Common domain errors
var (
	ErrAPINotFound       = errors.New("api not found")
	ErrInvalidDefinition = errors.New("invalid definition")
)

// ErrorResponse defines the standard JSON error model returned by the gateway and admin APIs.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error key (e.g., GATEWAY_PLAN_UNRESOLVABLE)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
