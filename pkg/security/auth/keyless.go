package auth

import (
	"context"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// Keyless admits every caller as the unknown application. The remote address
// stands in for the subscription id so rate limits still key per caller.
type Keyless struct{}

// NewKeyless creates a key-less policy.
func NewKeyless() *Keyless { return &Keyless{} }

func (*Keyless) Name() string              { return "key-less" }
func (*Keyless) Order() int                { return OrderKeyless }
func (*Keyless) RequireSubscription() bool { return false }

func (*Keyless) Supports(context.Context, *runtime.ExecutionContext) (bool, error) {
	return true, nil
}

func (*Keyless) OnRequest(_ context.Context, ec *runtime.ExecutionContext) error {
	ec.SetAttribute(runtime.AttrApplication, runtime.UnknownApplication)
	ec.SetAttribute(runtime.AttrSubscriptionID, ec.Request.RemoteAddr)
	return nil
}

func (k *Keyless) OnMessageRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return k.OnRequest(ctx, ec)
}

func (*Keyless) OnInvalidSubscription(context.Context, *runtime.ExecutionContext) error {
	return nil
}
