package engine

import (
	"context"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/flow"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/polisai/polis-gateway/pkg/security"
)

// Scope orders of the two phases. The response phase unwinds the request
// phase: plan and API flows run before the platform flows.
var (
	requestScopes  = []flow.Scope{flow.ScopePlatform, flow.ScopePlan, flow.ScopeAPI}
	responseScopes = []flow.Scope{flow.ScopePlan, flow.ScopeAPI, flow.ScopePlatform}
)

// Deployment is one API ready to serve requests.
type Deployment struct {
	API       *domain.API
	Security  *security.Chain
	resolvers map[flow.Scope]*flow.Resolver
	filter    *flow.ConditionFilter
	factory   *Factory
	message   bool
}

// Phases returns the request and response phases of the API type.
func (d *Deployment) Phases() (request, response runtime.Phase) {
	if d.message {
		return runtime.PhaseMessageRequest, runtime.PhaseMessageResponse
	}
	return runtime.PhaseRequest, runtime.PhaseResponse
}

// Flows returns the flows of scope for this request. The first call per scope
// resolves and records the answer in the context; later calls, including the
// response phase, reuse it.
func (d *Deployment) Flows(ctx context.Context, ec *runtime.ExecutionContext, scope flow.Scope) []*domain.Flow {
	memo := resolvedFlows(ec)
	if flows, ok := memo[scope]; ok {
		return flows
	}
	flows := d.resolvers[scope].ResolveAll(ctx, ec)
	memo[scope] = flows
	d.factory.metrics.FlowsResolved(d.API.ID, scope, len(flows))
	return flows
}

// RequestProcessors returns the request-phase processors of every resolved flow.
func (d *Deployment) RequestProcessors(ctx context.Context, ec *runtime.ExecutionContext) []processor.StreamableProcessor {
	return d.processors(ctx, ec, requestScopes, true)
}

// ResponseProcessors returns the response-phase processors of every resolved flow.
func (d *Deployment) ResponseProcessors(ctx context.Context, ec *runtime.ExecutionContext) []processor.StreamableProcessor {
	return d.processors(ctx, ec, responseScopes, false)
}

func (d *Deployment) processors(ctx context.Context, ec *runtime.ExecutionContext, scopes []flow.Scope, request bool) []processor.StreamableProcessor {
	var out []processor.StreamableProcessor
	for _, scope := range scopes {
		for _, fl := range d.Flows(ctx, ec, scope) {
			cf, err := d.factory.compile(fl, d.message)
			if err != nil {
				// Only organization flows replaced after CompileFlows can get here.
				d.factory.logger.Error("flow cannot be compiled, flow skipped",
					slog.String("api_id", d.API.ID),
					slog.String("flow", flowName(fl)),
					slog.Any("error", err))
				continue
			}
			if request {
				out = append(out, cf.request...)
			} else {
				out = append(out, cf.response...)
			}
		}
	}
	return out
}

// retire drops the caches held for the flows of this deployment.
func (d *Deployment) retire() {
	flows := apiFlows(d.API)
	d.filter.Forget(flows...)
	d.factory.Forget(flows...)
}

func resolvedFlows(ec *runtime.ExecutionContext) map[flow.Scope][]*domain.Flow {
	if v, ok := ec.InternalAttribute(runtime.InternalResolvedFlows); ok {
		if memo, ok := v.(map[flow.Scope][]*domain.Flow); ok {
			return memo
		}
	}
	memo := make(map[flow.Scope][]*domain.Flow, len(requestScopes))
	ec.SetInternalAttribute(runtime.InternalResolvedFlows, memo)
	return memo
}
