package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrInvalidDefinitions wraps every structural problem found in a definitions document.
var ErrInvalidDefinitions = errors.New("invalid gateway definitions")

// Validate checks the structure of the definitions. Every problem is reported,
// not only the first one.
func (s *Snapshot) Validate() error {
	v := &validator{}

	orgs := make(map[string]bool, len(s.Organizations))
	for i, org := range s.Organizations {
		at := fmt.Sprintf("organizations[%d]", i)
		if strings.TrimSpace(org.ID) == "" {
			v.add(at, "id is required")
		} else if orgs[org.ID] {
			v.add(at, "duplicate organization id %q", org.ID)
		}
		orgs[org.ID] = true
		v.flowMode(at, org.FlowMode)
		v.flows(at, org.Flows)
	}

	apis := make(map[string]bool, len(s.APIs))
	for i, api := range s.APIs {
		at := fmt.Sprintf("apis[%d]", i)
		if strings.TrimSpace(api.ID) == "" {
			v.add(at, "id is required")
		} else {
			at = fmt.Sprintf("api %q", api.ID)
			if apis[api.ID] {
				v.add(at, "duplicate api id")
			}
		}
		apis[api.ID] = true
		if !strings.HasPrefix(api.ContextPath, "/") {
			v.add(at, "context_path %q must start with /", api.ContextPath)
		}
		switch domain.APIType(strings.ToLower(api.Type)) {
		case "", domain.APITypeProxy, domain.APITypeMessage:
		default:
			v.add(at, "unknown type %q", api.Type)
		}
		if api.Organization != "" && len(orgs) > 0 && !orgs[api.Organization] {
			v.add(at, "unknown organization %q", api.Organization)
		}
		v.flowMode(at, api.FlowMode)
		v.flows(at, api.Flows)

		if len(api.Plans) == 0 {
			v.add(at, "at least one plan is required")
		}
		plans := make(map[string]bool, len(api.Plans)+len(api.ProductPlans))
		for j, plan := range api.Plans {
			pat := fmt.Sprintf("%s plans[%d]", at, j)
			v.plan(pat, plan, plans)
			v.flowMode(pat, plan.FlowMode)
			v.flows(pat, plan.Flows)
		}
		for j, plan := range api.ProductPlans {
			pat := fmt.Sprintf("%s product_plans[%d]", at, j)
			v.plan(pat, plan, plans)
			if len(plan.Flows) > 0 {
				v.add(pat, "product plans carry no flows")
			}
		}
	}

	for i, sub := range s.Subscriptions {
		at := fmt.Sprintf("subscriptions[%d]", i)
		if sub.ID == "" || sub.API == "" || sub.Plan == "" {
			v.add(at, "id, api and plan are required")
		}
		switch domain.SubscriptionStatus(strings.ToUpper(sub.Status)) {
		case "", domain.SubscriptionAccepted, domain.SubscriptionPaused, domain.SubscriptionClosed:
		default:
			v.add(at, "unknown status %q", sub.Status)
		}
		if !sub.StartingAt.IsZero() && !sub.EndingAt.IsZero() && sub.EndingAt.Before(sub.StartingAt) {
			v.add(at, "ending_at is before starting_at")
		}
	}
	for i, key := range s.APIKeys {
		if key.Key == "" || key.API == "" || key.Subscription == "" {
			v.add(fmt.Sprintf("api_keys[%d]", i), "key, api and subscription are required")
		}
	}

	return v.err()
}

type validator struct {
	problems []error
}

// plan checks the identity and security of one plan; seen collects ids across
// the API's own and product plans.
func (v *validator) plan(at string, plan PlanSpec, seen map[string]bool) {
	if strings.TrimSpace(plan.ID) == "" {
		v.add(at, "id is required")
	} else if seen[plan.ID] {
		v.add(at, "duplicate plan id %q", plan.ID)
	}
	seen[plan.ID] = true
	switch domain.SecurityType(strings.ToUpper(plan.Security)) {
	case "", domain.SecurityKeyless, domain.SecurityAPIKey, domain.SecurityJWT:
	default:
		v.add(at, "unknown security type %q", plan.Security)
	}
}

func (v *validator) add(at, format string, args ...any) {
	v.problems = append(v.problems, fmt.Errorf("%s: %s", at, fmt.Sprintf(format, args...)))
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDefinitions, errors.Join(v.problems...))
}

func (v *validator) flowMode(at, mode string) {
	switch domain.FlowMode(strings.ToUpper(strings.TrimSpace(mode))) {
	case "", domain.FlowModeDefault, domain.FlowModeBestMatch:
	default:
		v.add(at, "unknown flow_mode %q", mode)
	}
}

func (v *validator) operator(at, op string) {
	switch domain.Operator(strings.ToUpper(strings.TrimSpace(op))) {
	case "", domain.OperatorEquals, domain.OperatorStartsWith:
	default:
		v.add(at, "unknown operator %q", op)
	}
}

func (v *validator) flows(at string, flows []FlowSpec) {
	for i, fl := range flows {
		fat := fmt.Sprintf("%s flows[%d]", at, i)
		for j, sel := range fl.Selectors {
			sat := fmt.Sprintf("%s selectors[%d]", fat, j)
			switch domain.SelectorKind(strings.ToLower(sel.Type)) {
			case domain.SelectorHTTP:
				v.operator(sat, sel.Operator)
			case domain.SelectorChannel:
				v.operator(sat, sel.Operator)
			case domain.SelectorCondition:
				if strings.TrimSpace(sel.Condition) == "" {
					v.add(sat, "condition is required")
				}
			default:
				v.add(sat, "unknown selector type %q", sel.Type)
			}
		}
		for j, st := range fl.Request {
			if strings.TrimSpace(st.Policy) == "" {
				v.add(fmt.Sprintf("%s request[%d]", fat, j), "policy is required")
			}
		}
		for j, st := range fl.Response {
			if strings.TrimSpace(st.Policy) == "" {
				v.add(fmt.Sprintf("%s response[%d]", fat, j), "policy is required")
			}
		}
	}
}
