package governance

import (
	"context"
	"net/http"
	"time"
)

// IdempotentMethods lists HTTP methods that are safe to repeat.
var IdempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// IsIdempotent returns true if the HTTP method is safe to repeat.
func IsIdempotent(method string) bool {
	return IdempotentMethods[method]
}

// TimeoutConfig defines timeout behavior for upstream calls.
type TimeoutConfig struct {
	// RequestTimeout bounds a complete upstream exchange.
	RequestTimeout time.Duration
	// ConnectTimeout bounds dialing the upstream.
	ConnectTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// TimeoutManager enforces timeout policies on requests.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	def := DefaultTimeoutConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// WithRequestTimeout creates a context with request timeout.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.config.RequestTimeout)
}
