package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownPolicy is returned when a step names a policy no factory is registered for.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrInvalidConfiguration is returned when a step configuration cannot be decoded or is incomplete.
	ErrInvalidConfiguration = errors.New("invalid policy configuration")
)

// Configuration is the raw configuration of a flow step.
type Configuration map[string]any

// Decode fills out from the configuration using its yaml tags.
func (c Configuration) Decode(out any) error {
	if len(c) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// Policy is the implementation of one flow step. It additionally implements
// any of RequestPolicy, ResponsePolicy and BodyPolicy.
type Policy interface {
	Name() string
}

// RequestPolicy acts on the request before it is sent upstream.
type RequestPolicy interface {
	OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error
}

// ResponsePolicy acts on the response before it is returned to the client.
type ResponsePolicy interface {
	OnResponse(ctx context.Context, ec *runtime.ExecutionContext) error
}

// BodyPolicy transforms a streamed body. NewTransformer is called once per
// request and phase; a nil transformer relays the body unchanged.
type BodyPolicy interface {
	NewTransformer(ctx context.Context, ec *runtime.ExecutionContext, phase runtime.Phase) (BodyTransformer, error)
}

// BodyTransformer holds the per-request state of a body transformation.
type BodyTransformer interface {
	Transform(ctx context.Context, chunk []byte, emit func([]byte) error) error
	Flush(ctx context.Context, emit func([]byte) error) error
}

// SupportsPhase reports whether p has anything to do in phase.
func SupportsPhase(p Policy, phase runtime.Phase) bool {
	if _, ok := p.(BodyPolicy); ok {
		return true
	}
	switch phase {
	case runtime.PhaseRequest, runtime.PhaseMessageRequest:
		_, ok := p.(RequestPolicy)
		return ok
	case runtime.PhaseResponse, runtime.PhaseMessageResponse:
		_, ok := p.(ResponsePolicy)
		return ok
	}
	return false
}

func isRequestPhase(phase runtime.Phase) bool {
	return phase == runtime.PhaseRequest || phase == runtime.PhaseMessageRequest
}
