package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/flow"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/polisai/polis-gateway/pkg/security"
	"github.com/polisai/polis-gateway/pkg/security/auth"
)

// FactoryConfig holds dependencies for creating a Factory.
type FactoryConfig struct {
	Policies      *policy.Registry
	Limiter       *governance.RateLimiter
	Organizations flow.OrganizationSource
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Factory turns API definitions into deployments: security chains, flow
// resolvers and the step processors of every flow.
//
// Step processors are compiled once per flow instance and shared by every
// request; a redefinition produces new flow instances and therefore new
// processors.
type Factory struct {
	policies *policy.Registry
	deps     policy.Dependencies
	orgs     flow.OrganizationSource
	metrics  *Metrics
	logger   *slog.Logger

	seq      atomic.Uint64
	compiled sync.Map // flowKey -> *compiledFlow
}

type flowKey struct {
	flow    *domain.Flow
	message bool
}

// compiledFlow holds the processors of one flow for both phases.
type compiledFlow struct {
	request  []processor.StreamableProcessor
	response []processor.StreamableProcessor
}

// NewFactory creates a deployment factory.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = policy.NewDefaultRegistry()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = governance.NewRateLimiter()
	}
	return &Factory{
		policies: policies,
		deps:     policy.Dependencies{Logger: logger, Limiter: limiter},
		orgs:     cfg.Organizations,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

// Build validates api and creates its deployment. Nothing is registered on failure.
func (f *Factory) Build(api *domain.API) (*Deployment, error) {
	if err := validateAPI(api); err != nil {
		return nil, err
	}

	plans := make([]*security.Plan, 0, len(api.Plans)+len(api.ProductPlans))
	for _, p := range api.SecurityPlans() {
		authPolicy, err := auth.New(p, f.logger)
		if err != nil {
			return nil, fmt.Errorf("api %q: %w", api.ID, err)
		}
		plans = append(plans, security.NewPlan(p.ID, authPolicy, p.SelectionRule, f.logger))
	}

	message := api.Type == domain.APITypeMessage
	for _, fl := range apiFlows(api) {
		if _, err := f.compile(fl, message); err != nil {
			return nil, fmt.Errorf("api %q: %w", api.ID, err)
		}
	}

	filter := flow.NewConditionFilter(f.logger)
	d := &Deployment{
		API:      api,
		Security: security.NewChain(api.ID, plans, f.logger, f.metrics),
		filter:   filter,
		factory:  f,
		message:  message,
		resolvers: map[flow.Scope]*flow.Resolver{
			flow.ScopePlatform: flow.NewResolver(flow.NewPlatformProvider(api, f.orgs, f.metrics), filter),
			flow.ScopePlan:     flow.NewResolver(flow.NewPlanProvider(api, f.metrics), filter),
			flow.ScopeAPI:      flow.NewResolver(flow.NewAPIProvider(api), filter),
		},
	}
	return d, nil
}

// CompileFlows prepares the processors of flows that are shared between
// APIs, such as organization flows, so configuration errors surface before
// they are deployed.
func (f *Factory) CompileFlows(flows []*domain.Flow) error {
	for _, fl := range domain.EnabledFlows(flows) {
		for _, message := range []bool{false, true} {
			if _, err := f.compile(fl, message); err != nil {
				return err
			}
		}
	}
	return nil
}

// Forget drops the compiled processors of flows.
func (f *Factory) Forget(flows ...*domain.Flow) {
	for _, fl := range flows {
		f.compiled.Delete(flowKey{flow: fl})
		f.compiled.Delete(flowKey{flow: fl, message: true})
	}
}

func (f *Factory) compile(fl *domain.Flow, message bool) (*compiledFlow, error) {
	key := flowKey{flow: fl, message: message}
	if v, ok := f.compiled.Load(key); ok {
		return v.(*compiledFlow), nil
	}

	reqPhase, respPhase := runtime.PhaseRequest, runtime.PhaseResponse
	if message {
		reqPhase, respPhase = runtime.PhaseMessageRequest, runtime.PhaseMessageResponse
	}

	prefix := fmt.Sprintf("%d:%s", f.seq.Add(1), flowName(fl))
	request, err := f.steps(prefix, fl.Request, reqPhase)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", flowName(fl), err)
	}
	response, err := f.steps(prefix, fl.Response, respPhase)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", flowName(fl), err)
	}

	v, _ := f.compiled.LoadOrStore(key, &compiledFlow{request: request, response: response})
	return v.(*compiledFlow), nil
}

func (f *Factory) steps(prefix string, steps []domain.Step, phase runtime.Phase) ([]processor.StreamableProcessor, error) {
	out := make([]processor.StreamableProcessor, 0, len(steps))
	for i := range steps {
		step := &steps[i]
		if !step.Enabled {
			continue
		}
		p, err := f.policies.Build(step, f.deps)
		if err != nil {
			return nil, err
		}
		if !policy.SupportsPhase(p, phase) {
			f.logger.Debug("policy does not run in phase, step ignored",
				slog.String("step", step.Name),
				slog.String("policy", step.Policy),
				slog.String("phase", string(phase)))
			continue
		}
		id := fmt.Sprintf("%s/%s/%d:%s", prefix, strings.ToLower(string(phase)), i, step.Policy)
		sp, err := policy.NewStepProcessor(id, step, p, phase, f.logger)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func flowName(fl *domain.Flow) string {
	switch {
	case fl.ID != "":
		return fl.ID
	case fl.Name != "":
		return fl.Name
	default:
		return "flow"
	}
}

// apiFlows lists the enabled API-level and plan-level flows of api.
func apiFlows(api *domain.API) []*domain.Flow {
	flows := domain.EnabledFlows(api.Flows)
	for _, p := range api.Plans {
		flows = append(flows, domain.EnabledFlows(p.Flows)...)
	}
	return flows
}

func validateAPI(api *domain.API) error {
	switch {
	case api == nil:
		return fmt.Errorf("%w: nil api", domain.ErrInvalidDefinition)
	case api.ID == "":
		return fmt.Errorf("%w: api id is required", domain.ErrInvalidDefinition)
	case !strings.HasPrefix(api.ContextPath, "/"):
		return fmt.Errorf("%w: api %q: context path %q must start with /", domain.ErrInvalidDefinition, api.ID, api.ContextPath)
	case len(api.Plans) == 0:
		return fmt.Errorf("%w: api %q: at least one plan is required", domain.ErrInvalidDefinition, api.ID)
	}
	seen := make(map[string]bool, len(api.Plans)+len(api.ProductPlans))
	for i, p := range api.SecurityPlans() {
		if p == nil || p.ID == "" {
			return fmt.Errorf("%w: api %q plan[%d]: id is required", domain.ErrInvalidDefinition, api.ID, i)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: api %q: duplicate plan id %q", domain.ErrInvalidDefinition, api.ID, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}
