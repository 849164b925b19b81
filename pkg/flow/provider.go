package flow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// Scope names the level a provider supplies flows for.
type Scope string

const (
	ScopePlatform Scope = "platform"
	ScopeAPI      Scope = "api"
	ScopePlan     Scope = "plan"
)

// Provider supplies the raw, enabled flows of one scope. Disabled flows are
// dropped when the provider is built.
type Provider interface {
	Scope() Scope
	Provide(ctx context.Context, ec *runtime.ExecutionContext) []*domain.Flow
}

// Observer receives cache events from providers.
type Observer interface {
	PlanCacheLookup(apiID string, hit bool)
	PlatformSnapshotRebuilt(apiID, organizationID string)
}

type noopObserver struct{}

func (noopObserver) PlanCacheLookup(string, bool)           {}
func (noopObserver) PlatformSnapshotRebuilt(string, string) {}

// APIProvider supplies the API-level flows.
type APIProvider struct {
	flows []*domain.Flow
	mode  domain.FlowMode
}

// NewAPIProvider builds the provider for api.
func NewAPIProvider(api *domain.API) *APIProvider {
	return &APIProvider{flows: domain.EnabledFlows(api.Flows), mode: api.FlowMode}
}

func (p *APIProvider) Scope() Scope { return ScopeAPI }

func (p *APIProvider) Provide(context.Context, *runtime.ExecutionContext) []*domain.Flow {
	return p.flows
}

// FlowMode implements ModeSource.
func (p *APIProvider) FlowMode() domain.FlowMode { return p.mode }

// PlanProvider supplies the flows of the plan bound to the request.
//
// When the bound plan is not one of the API's own plans and the bound
// subscription targets an API product, every plan-level flow of the API is a
// candidate. The answer for such foreign plan ids is memoized per plan id.
type PlanProvider struct {
	apiID    string
	mode     domain.FlowMode
	byPlan   map[string][]*domain.Flow
	all      []*domain.Flow
	foreign  sync.Map // plan id -> []*domain.Flow
	observer Observer
}

// NewPlanProvider builds the provider for the plans of api.
func NewPlanProvider(api *domain.API, observer Observer) *PlanProvider {
	if observer == nil {
		observer = noopObserver{}
	}
	p := &PlanProvider{
		apiID:    api.ID,
		mode:     api.FlowMode,
		byPlan:   make(map[string][]*domain.Flow, len(api.Plans)),
		observer: observer,
	}
	for _, plan := range api.Plans {
		flows := domain.EnabledFlows(plan.Flows)
		p.byPlan[plan.ID] = flows
		p.all = append(p.all, flows...)
	}
	return p
}

func (p *PlanProvider) Scope() Scope { return ScopePlan }

// FlowMode implements ModeSource.
func (p *PlanProvider) FlowMode() domain.FlowMode { return p.mode }

func (p *PlanProvider) Provide(_ context.Context, ec *runtime.ExecutionContext) []*domain.Flow {
	planID := ec.AttributeString(runtime.AttrPlan)
	if planID == "" {
		return nil
	}
	if flows, ok := p.byPlan[planID]; ok {
		return flows
	}

	if cached, ok := p.foreign.Load(planID); ok {
		p.observer.PlanCacheLookup(p.apiID, true)
		return cached.([]*domain.Flow)
	}
	p.observer.PlanCacheLookup(p.apiID, false)

	v, _ := ec.InternalAttribute(runtime.InternalSubscription)
	sub, _ := v.(*domain.Subscription)
	if sub == nil {
		// Nothing to decide on yet; a later request with a bound subscription will.
		return nil
	}

	var flows []*domain.Flow
	if sub.IsProduct() {
		flows = p.all
	}
	actual, _ := p.foreign.LoadOrStore(planID, flows)
	return actual.([]*domain.Flow)
}

// OrganizationSource returns the organization currently deployed on the gateway.
type OrganizationSource interface {
	CurrentOrganization() *domain.Organization
}

// platformSnapshot binds a flow set to the organization instance it was computed from.
type platformSnapshot struct {
	org   *domain.Organization
	flows []*domain.Flow
	mode  domain.FlowMode
}

// PlatformProvider supplies the organization-level flows for one API. The flow
// set is cached against the organization instance and recomputed when the
// source returns a different instance. Concurrent recomputes are last-writer-wins;
// readers always see one whole snapshot.
type PlatformProvider struct {
	apiID          string
	organizationID string
	source         OrganizationSource
	snapshot       atomic.Pointer[platformSnapshot]
	observer       Observer
}

// NewPlatformProvider builds the platform provider of api.
func NewPlatformProvider(api *domain.API, source OrganizationSource, observer Observer) *PlatformProvider {
	if observer == nil {
		observer = noopObserver{}
	}
	return &PlatformProvider{
		apiID:          api.ID,
		organizationID: api.OrganizationID,
		source:         source,
		observer:       observer,
	}
}

func (p *PlatformProvider) Scope() Scope { return ScopePlatform }

func (p *PlatformProvider) Provide(context.Context, *runtime.ExecutionContext) []*domain.Flow {
	return p.current().flows
}

// ProvideSnapshot implements SnapshotProvider.
func (p *PlatformProvider) ProvideSnapshot(context.Context, *runtime.ExecutionContext) ([]*domain.Flow, domain.FlowMode) {
	snap := p.current()
	return snap.flows, snap.mode
}

// FlowMode implements ModeSource with the mode of the current organization.
func (p *PlatformProvider) FlowMode() domain.FlowMode { return p.current().mode }

func (p *PlatformProvider) current() *platformSnapshot {
	var org *domain.Organization
	if p.source != nil {
		org = p.source.CurrentOrganization()
	}
	if snap := p.snapshot.Load(); snap != nil && snap.org == org {
		return snap
	}

	snap := &platformSnapshot{org: org, mode: domain.FlowModeDefault}
	if org != nil && org.ID == p.organizationID {
		snap.flows = domain.EnabledFlows(org.Flows)
		snap.mode = org.FlowMode
	}
	p.snapshot.Store(snap)

	orgID := ""
	if org != nil {
		orgID = org.ID
	}
	p.observer.PlatformSnapshotRebuilt(p.apiID, orgID)
	return snap
}
