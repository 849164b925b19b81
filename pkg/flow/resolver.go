package flow

import (
	"context"
	"iter"
	"slices"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// ModeSource reports the flow mode of a scope. Providers implement it so the
// mode can follow redefinitions (the platform mode follows the organization).
type ModeSource interface {
	FlowMode() domain.FlowMode
}

// SnapshotProvider returns the flows and the mode of a scope from a single
// read of its source, so a concurrent redefinition cannot mix the two.
type SnapshotProvider interface {
	ProvideSnapshot(ctx context.Context, ec *runtime.ExecutionContext) ([]*domain.Flow, domain.FlowMode)
}

// Resolver produces the flows to execute for one scope.
type Resolver struct {
	provider Provider
	filter   *ConditionFilter
	selector *BestMatchSelector
}

// NewResolver combines provider and filter. The best-match selector is applied
// whenever the provider reports BEST_MATCH mode.
func NewResolver(provider Provider, filter *ConditionFilter) *Resolver {
	return &Resolver{
		provider: provider,
		filter:   filter,
		selector: NewBestMatchSelector(filter),
	}
}

// Scope returns the scope of the underlying provider.
func (r *Resolver) Scope() Scope { return r.provider.Scope() }

// Mode returns the flow mode currently in effect for this scope.
func (r *Resolver) Mode() domain.FlowMode {
	if ms, ok := r.provider.(ModeSource); ok {
		return ms.FlowMode()
	}
	return domain.FlowModeDefault
}

// Resolve lazily yields the flows to execute, in declaration order.
func (r *Resolver) Resolve(ctx context.Context, ec *runtime.ExecutionContext) iter.Seq[*domain.Flow] {
	flows, mode := r.provide(ctx, ec)
	matched := r.filter.Filter(ctx, ec, flows)
	if mode == domain.FlowModeBestMatch {
		return r.selector.Select(matched)
	}
	return matched
}

func (r *Resolver) provide(ctx context.Context, ec *runtime.ExecutionContext) ([]*domain.Flow, domain.FlowMode) {
	if sp, ok := r.provider.(SnapshotProvider); ok {
		return sp.ProvideSnapshot(ctx, ec)
	}
	return r.provider.Provide(ctx, ec), r.Mode()
}

// ResolveAll collects Resolve.
func (r *Resolver) ResolveAll(ctx context.Context, ec *runtime.ExecutionContext) []*domain.Flow {
	return slices.Collect(r.Resolve(ctx, ec))
}
