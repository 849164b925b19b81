package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/storage"
)

var (
	// ErrUnsupportedPhase is returned when a plan is executed outside the request phases.
	ErrUnsupportedPhase = errors.New("security plan: unsupported execution phase")
	// ErrNoSubscriptionService is recorded when the context cannot reach a subscription service.
	ErrNoSubscriptionService = errors.New("subscription service unavailable")
	// errNoLookupKey is recorded when the context carries neither a subscription id nor a client id.
	errNoLookupKey = errors.New("no subscription id or client id bound")
)

// Plan binds one consumer plan to its authentication policy.
type Plan struct {
	id            string
	policy        AuthenticationPolicy
	selectionRule string
	logger        *slog.Logger
}

// NewPlan creates a security plan. A selection rule starting with '#' is read
// as the template form `{#...}`; any other form is used as is.
func NewPlan(id string, policy AuthenticationPolicy, selectionRule string, logger *slog.Logger) *Plan {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plan{
		id:            id,
		policy:        policy,
		selectionRule: normalizeSelectionRule(selectionRule),
		logger:        logger,
	}
}

func normalizeSelectionRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if strings.HasPrefix(rule, "#") {
		return "{" + rule + "}"
	}
	return rule
}

// ID returns the plan identifier.
func (p *Plan) ID() string { return p.id }

// Order returns the order declared by the wrapped policy.
func (p *Plan) Order() int { return p.policy.Order() }

// Policy returns the wrapped authentication policy.
func (p *Plan) Policy() AuthenticationPolicy { return p.policy }

// SelectionRule returns the normalized selection rule.
func (p *Plan) SelectionRule() string { return p.selectionRule }

// CanExecute reports whether the policy supports the request and the selection
// rule, if any, evaluates to true. Evaluation errors count as false.
func (p *Plan) CanExecute(ctx context.Context, ec *runtime.ExecutionContext) bool {
	ok, err := p.policy.Supports(ctx, ec)
	if err != nil {
		p.logger.Warn("security policy support check failed",
			slog.String("plan_id", p.id),
			slog.String("policy", p.policy.Name()),
			slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	if p.selectionRule == "" {
		return true
	}

	ok, err = ec.EvalBool(ctx, p.selectionRule)
	if err != nil {
		p.logger.Warn("plan selection rule evaluation failed",
			slog.String("plan_id", p.id),
			slog.String("selection_rule", p.selectionRule),
			slog.Any("error", err))
		return false
	}
	return ok
}

// Execute runs the policy hook of phase, binds the plan id, then validates the
// subscription when the policy requires one.
func (p *Plan) Execute(ctx context.Context, ec *runtime.ExecutionContext, phase runtime.Phase) error {
	var hook func(context.Context, *runtime.ExecutionContext) error
	switch phase {
	case runtime.PhaseRequest:
		hook = p.policy.OnRequest
	case runtime.PhaseMessageRequest:
		hook = p.policy.OnMessageRequest
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPhase, phase)
	}

	if err := hook(ctx, ec); err != nil {
		return err
	}

	ec.SetAttribute(runtime.AttrPlan, p.id)
	if !p.policy.RequireSubscription() {
		return nil
	}
	return p.validateSubscription(ctx, ec)
}

func (p *Plan) validateSubscription(ctx context.Context, ec *runtime.ExecutionContext) error {
	sub, err := p.lookupSubscription(ctx, ec)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errNoLookupKey):
		p.logger.Debug("subscription not found",
			slog.String("plan_id", p.id),
			slog.Any("error", err))
		return p.policy.OnInvalidSubscription(ctx, ec)
	case err != nil:
		p.logger.Warn("subscription lookup failed",
			slog.String("plan_id", p.id),
			slog.Any("error", err))
		return p.policy.OnInvalidSubscription(ctx, ec)
	case sub.Plan != p.id:
		p.logger.Debug("subscription belongs to another plan",
			slog.String("plan_id", p.id),
			slog.String("subscription_id", sub.ID),
			slog.String("subscription_plan", sub.Plan))
		return p.policy.OnInvalidSubscription(ctx, ec)
	case sub.Status != domain.SubscriptionAccepted:
		p.logger.Debug("subscription is not accepted",
			slog.String("plan_id", p.id),
			slog.String("subscription_id", sub.ID),
			slog.String("status", string(sub.Status)))
		return p.policy.OnInvalidSubscription(ctx, ec)
	case !sub.ActiveAt(ec.Timestamp()):
		p.logger.Debug("subscription outside its validity window",
			slog.String("plan_id", p.id),
			slog.String("subscription_id", sub.ID))
		return p.policy.OnInvalidSubscription(ctx, ec)
	}

	ec.SetAttribute(runtime.AttrApplication, sub.Application)
	ec.SetAttribute(runtime.AttrSubscriptionID, sub.ID)
	ec.SetInternalAttribute(runtime.InternalSubscription, sub)
	return nil
}

// lookupSubscription prefers a bound subscription id, then the (api, client, plan) triple.
// Any fault, including a panicking store, is returned as an error.
func (p *Plan) lookupSubscription(ctx context.Context, ec *runtime.ExecutionContext) (sub *domain.Subscription, err error) {
	defer func() {
		if r := recover(); r != nil {
			sub, err = nil, fmt.Errorf("subscription lookup panic: %v", r)
		}
	}()

	svc, ok := runtime.Component[storage.SubscriptionService](ec)
	if !ok || svc == nil {
		return nil, ErrNoSubscriptionService
	}

	if id := ec.AttributeString(runtime.AttrSubscriptionID); id != "" {
		sub, err = svc.GetByID(ctx, id)
	} else {
		api, clientID := ec.AttributeString(runtime.AttrAPI), ec.AttributeString(runtime.AttrClientID)
		if api == "" || clientID == "" {
			return nil, errNoLookupKey
		}
		sub, err = svc.GetByAPIAndClientIDAndPlan(ctx, api, clientID, p.id)
	}
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, storage.ErrNotFound
	}
	return sub, nil
}
