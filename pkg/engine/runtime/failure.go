package runtime

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrExit signals a deliberate early end of the exchange. It is not a failure:
// the response already set on the context is returned to the client.
var ErrExit = errors.New("exchange exited")

// Failure keys used by the core.
const (
	KeyPlanUnresolvable    = "GATEWAY_PLAN_UNRESOLVABLE"
	KeyUnauthorized        = "GATEWAY_UNAUTHORIZED"
	KeyInvalidSubscription = "GATEWAY_INVALID_SUBSCRIPTION"
	KeyPolicyError         = "GATEWAY_POLICY_ERROR"
	KeyUpstreamError       = "GATEWAY_UPSTREAM_ERROR"
	KeyRateLimited         = "RATE_LIMIT_TOO_MANY_REQUESTS"
	KeyForbidden           = "GATEWAY_FORBIDDEN"
)

// ExecutionFailure interrupts an exchange with an error response.
type ExecutionFailure struct {
	StatusCode int
	Key        string
	Message    string
	Cause      error
}

// Fail builds an ExecutionFailure.
func Fail(status int, key, message string) *ExecutionFailure {
	return &ExecutionFailure{StatusCode: status, Key: key, Message: message}
}

func (f *ExecutionFailure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", f.Key, f.StatusCode, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s (%d): %s", f.Key, f.StatusCode, f.Message)
}

func (f *ExecutionFailure) Unwrap() error { return f.Cause }

// WithCause returns a copy of f carrying cause.
func (f *ExecutionFailure) WithCause(cause error) *ExecutionFailure {
	cp := *f
	cp.Cause = cause
	return &cp
}

// AsFailure converts any error into an ExecutionFailure, defaulting to 500.
func AsFailure(err error) *ExecutionFailure {
	if err == nil {
		return nil
	}
	var f *ExecutionFailure
	if errors.As(err, &f) {
		return f
	}
	return &ExecutionFailure{
		StatusCode: http.StatusInternalServerError,
		Key:        KeyPolicyError,
		Message:    "policy execution failed",
		Cause:      err,
	}
}
