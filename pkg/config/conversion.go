package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"gopkg.in/yaml.v3"
)

// LoadDefinitions reads and converts a definitions file.
func LoadDefinitions(path string) (*domain.Snapshot, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	snap, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("definitions %s: %w", path, err)
	}
	return snap, nil
}

// ParseDefinitions decodes a YAML (or JSON) definitions document.
func ParseDefinitions(data []byte) (*domain.Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	return s.ToDomain()
}

// ToDomain validates the document and converts it. Every call returns new
// domain instances.
func (s Snapshot) ToDomain() (*domain.Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	out := &domain.Snapshot{Generation: s.Generation}
	for _, org := range s.Organizations {
		out.Organizations = append(out.Organizations, &domain.Organization{
			ID:       org.ID,
			Name:     org.Name,
			FlowMode: domain.ParseFlowMode(org.FlowMode),
			Flows:    flowsToDomain(org.Flows),
		})
	}
	for _, api := range s.APIs {
		out.APIs = append(out.APIs, api.ToDomain())
	}
	for _, sub := range s.Subscriptions {
		out.Subscriptions = append(out.Subscriptions, sub.ToDomain())
	}
	for _, key := range s.APIKeys {
		out.APIKeys = append(out.APIKeys, key.ToDomain())
	}
	return out, nil
}

// ToDomain converts APISpec to domain.API
func (a APISpec) ToDomain() *domain.API {
	apiType := domain.APIType(strings.ToLower(a.Type))
	if apiType == "" {
		apiType = domain.APITypeProxy
	}
	api := &domain.API{
		ID:             a.ID,
		Name:           a.Name,
		Version:        a.Version,
		OrganizationID: a.Organization,
		ContextPath:    a.ContextPath,
		Endpoint:       a.Endpoint,
		Type:           apiType,
		FlowMode:       domain.ParseFlowMode(a.FlowMode),
		Flows:          flowsToDomain(a.Flows),
	}
	if api.Name == "" {
		api.Name = api.ID
	}
	for _, p := range a.Plans {
		api.Plans = append(api.Plans, p.ToDomain())
	}
	for _, p := range a.ProductPlans {
		plan := p.ToDomain()
		plan.Flows = nil
		api.ProductPlans = append(api.ProductPlans, plan)
	}
	return api
}

// ToDomain converts PlanSpec to domain.Plan
func (p PlanSpec) ToDomain() *domain.Plan {
	security := domain.SecurityType(strings.ToUpper(p.Security))
	if security == "" {
		security = domain.SecurityKeyless
	}
	return &domain.Plan{
		ID:                    p.ID,
		Name:                  p.Name,
		Order:                 p.Order,
		Security:              security,
		SecurityConfiguration: p.SecurityConf,
		SelectionRule:         p.SelectionRule,
		FlowMode:              domain.ParseFlowMode(p.FlowMode),
		Flows:                 flowsToDomain(p.Flows),
	}
}

func flowsToDomain(specs []FlowSpec) []*domain.Flow {
	flows := make([]*domain.Flow, 0, len(specs))
	for i, f := range specs {
		fl := &domain.Flow{
			ID:       f.ID,
			Name:     f.Name,
			Enabled:  enabled(f.Enabled),
			Request:  stepsToDomain(f.Request),
			Response: stepsToDomain(f.Response),
		}
		if fl.Name == "" {
			fl.Name = fmt.Sprintf("flow-%d", i)
		}
		for _, sel := range f.Selectors {
			fl.Selectors = append(fl.Selectors, domain.Selector{
				Kind:      domain.SelectorKind(strings.ToLower(sel.Type)),
				Path:      sel.Path,
				Operator:  domain.ParseOperator(sel.Operator),
				Methods:   upper(sel.Methods),
				Channel:   sel.Channel,
				Condition: sel.Condition,
			})
		}
		flows = append(flows, fl)
	}
	return flows
}

func stepsToDomain(specs []StepSpec) []domain.Step {
	steps := make([]domain.Step, 0, len(specs))
	for _, s := range specs {
		name := s.Name
		if name == "" {
			name = s.Policy
		}
		steps = append(steps, domain.Step{
			Name:          name,
			Policy:        s.Policy,
			Description:   s.Description,
			Enabled:       enabled(s.Enabled),
			Condition:     s.Condition,
			Configuration: s.Configuration,
		})
	}
	return steps
}

// ToDomain converts SubscriptionSpec to domain.Subscription
func (s SubscriptionSpec) ToDomain() *domain.Subscription {
	status := domain.SubscriptionStatus(strings.ToUpper(s.Status))
	if status == "" {
		status = domain.SubscriptionAccepted
	}
	return &domain.Subscription{
		ID:          s.ID,
		API:         s.API,
		Plan:        s.Plan,
		ClientID:    s.ClientID,
		Application: s.Application,
		StartingAt:  s.StartingAt,
		EndingAt:    s.EndingAt,
		Status:      status,
		Metadata:    s.Metadata,
	}
}

// ToDomain converts APIKeySpec to domain.APIKey
func (k APIKeySpec) ToDomain() *domain.APIKey {
	return &domain.APIKey{
		Key:          k.Key,
		API:          k.API,
		Plan:         k.Plan,
		Subscription: k.Subscription,
		Application:  k.Application,
		Revoked:      k.Revoked,
		ExpireAt:     k.ExpireAt,
	}
}

func enabled(v *bool) bool { return v == nil || *v }

func upper(methods []string) []string {
	if len(methods) == 0 {
		return nil
	}
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return out
}
