package policy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

const RegoPolicyName = "rego"

type regoConfig struct {
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
	CacheSize  int    `yaml:"cache_size"`
	// Headers lists the request headers exposed to the policy as input.request.headers.
	Headers []string `yaml:"headers"`
}

// Rego authorizes requests against an embedded Rego policy. A denial ends
// the exchange with 403.
type Rego struct {
	cfg    regoConfig
	engine *Engine
}

// NewRego is the Factory of the rego policy.
func NewRego(cfg Configuration, deps Dependencies) (Policy, error) {
	var c regoConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Module == "" {
		return nil, fmt.Errorf("%w: module is required", ErrInvalidConfiguration)
	}
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint:      c.Entrypoint,
		Modules:         map[string]string{"policy.rego": c.Module},
		CacheMaxEntries: c.CacheSize,
		Logger:          deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &Rego{cfg: c, engine: engine}, nil
}

func (*Rego) Name() string { return RegoPolicyName }

func (r *Rego) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	headers := make(map[string]string, len(r.cfg.Headers))
	for _, name := range r.cfg.Headers {
		if v := ec.Request.Headers.Get(name); v != "" {
			headers[http.CanonicalHeaderKey(name)] = v
		}
	}

	decision, err := r.engine.Evaluate(ctx, Input{
		Method:  ec.Request.Method,
		Path:    ec.Request.PathInfo,
		Host:    ec.Request.Host,
		Headers: headers,
		Identity: Identity{
			API:          ec.AttributeString(runtime.AttrAPI),
			Plan:         ec.AttributeString(runtime.AttrPlan),
			Application:  ec.AttributeString(runtime.AttrApplication),
			Subscription: ec.AttributeString(runtime.AttrSubscriptionID),
			User:         ec.AttributeString(runtime.AttrUser),
			ClientID:     ec.AttributeString(runtime.AttrClientID),
		},
	})
	if err != nil {
		return err
	}
	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), RegoPolicyName, decision.Allow, decision.Reason, decision.Metadata)
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "request denied by policy"
		}
		return runtime.Fail(http.StatusForbidden, runtime.KeyForbidden, reason)
	}
	return nil
}
