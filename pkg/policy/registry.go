package policy

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
)

// Dependencies are the shared collaborators a factory may use.
type Dependencies struct {
	Logger  *slog.Logger
	Limiter *governance.RateLimiter
}

// Factory builds a policy from its step configuration.
type Factory func(cfg Configuration, deps Dependencies) (Policy, error)

// Registry maps policy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry creates a registry holding every built-in policy.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(HeadersPolicyName, NewHeaders)
	r.Register(AttributesPolicyName, NewAttributes)
	r.Register(RateLimitPolicyName, NewRateLimit)
	r.Register(RegoPolicyName, NewRego)
	r.Register(DLPPolicyName, NewDLP)
	r.Register(WAFPolicyName, NewWAF)
	r.Register(MockPolicyName, NewMock)
	return r
}

// Register adds or replaces the factory of name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names lists the registered policies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Build creates the policy of step.
func (r *Registry) Build(step *domain.Step, deps Dependencies) (Policy, error) {
	r.mu.RLock()
	f, ok := r.factories[step.Policy]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step %q: %w: %q", step.Name, ErrUnknownPolicy, step.Policy)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p, err := f(Configuration(step.Configuration), deps)
	if err != nil {
		return nil, fmt.Errorf("step %q (%s): %w", step.Name, step.Policy, err)
	}
	return p, nil
}
