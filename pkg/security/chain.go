package security

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// ErrNoPlanResolved is returned when no plan of the chain can execute.
var ErrNoPlanResolved = errors.New("no security plan applicable")

// SelectionObserver is notified of every chain decision.
type SelectionObserver interface {
	PlanSelected(apiID, planID string)
	PlanUnresolved(apiID string)
}

// Chain holds the security plans of one API ordered by policy order; plans
// with equal order keep declaration order.
type Chain struct {
	apiID    string
	plans    []*Plan
	logger   *slog.Logger
	observer SelectionObserver
}

// NewChain creates a chain over plans.
func NewChain(apiID string, plans []*Plan, logger *slog.Logger, observer SelectionObserver) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	ordered := slices.Clone(plans)
	slices.SortStableFunc(ordered, func(a, b *Plan) int {
		return a.Order() - b.Order()
	})
	return &Chain{apiID: apiID, plans: ordered, logger: logger, observer: observer}
}

// Plans returns the plans in evaluation order.
func (c *Chain) Plans() []*Plan { return slices.Clone(c.plans) }

// Select returns the first plan that can execute.
func (c *Chain) Select(ctx context.Context, ec *runtime.ExecutionContext) (*Plan, bool) {
	for _, p := range c.plans {
		if p.CanExecute(ctx, ec) {
			if c.observer != nil {
				c.observer.PlanSelected(c.apiID, p.ID())
			}
			return p, true
		}
	}
	if c.observer != nil {
		c.observer.PlanUnresolved(c.apiID)
	}
	return nil, false
}

// Execute selects a plan and runs it. ErrNoPlanResolved is returned when no
// plan applies; the caller decides the response status.
func (c *Chain) Execute(ctx context.Context, ec *runtime.ExecutionContext, phase runtime.Phase) error {
	plan, ok := c.Select(ctx, ec)
	if !ok {
		c.logger.Debug("no security plan applicable", slog.String("api_id", c.apiID))
		return ErrNoPlanResolved
	}
	c.logger.Debug("security plan selected",
		slog.String("api_id", c.apiID),
		slog.String("plan_id", plan.ID()),
		slog.String("policy", plan.Policy().Name()))
	return plan.Execute(ctx, ec, phase)
}
