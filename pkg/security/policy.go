package security

import (
	"context"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// AuthenticationPolicy authenticates the caller of a plan.
type AuthenticationPolicy interface {
	// Name identifies the mechanism (key-less, api-key, jwt).
	Name() string
	// Order ranks the policy in the chain; lower runs first.
	Order() int
	// RequireSubscription reports whether a valid subscription must back the caller.
	RequireSubscription() bool
	// Supports reports whether the request carries what this policy authenticates.
	Supports(ctx context.Context, ec *runtime.ExecutionContext) (bool, error)
	// OnRequest authenticates an HTTP request.
	OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error
	// OnMessageRequest authenticates a message API request.
	OnMessageRequest(ctx context.Context, ec *runtime.ExecutionContext) error
	// OnInvalidSubscription is invoked when no valid subscription backs the caller.
	OnInvalidSubscription(ctx context.Context, ec *runtime.ExecutionContext) error
}
