package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/policy"
)

// RegistryConfig holds dependencies for creating a Registry.
type RegistryConfig struct {
	Policies *policy.Registry
	Limiter  *governance.RateLimiter
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Registry maintains the deployed APIs and the current organization.
//
// Every change swaps whole deployments: a request that already holds a
// deployment finishes with it, new requests see the new definition. The
// organization is read lock-free by platform flow providers.
type Registry struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment // api id -> deployment
	routes      []*Deployment          // longest context path first
	generation  int64

	organization atomic.Pointer[domain.Organization]
	factory      *Factory
	metrics      *Metrics
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		deployments: make(map[string]*Deployment),
		metrics:     cfg.Metrics,
		logger:      logger,
	}
	r.factory = NewFactory(FactoryConfig{
		Policies:      cfg.Policies,
		Limiter:       cfg.Limiter,
		Organizations: r,
		Metrics:       cfg.Metrics,
		Logger:        logger,
	})
	return r
}

// CurrentOrganization implements flow.OrganizationSource.
func (r *Registry) CurrentOrganization() *domain.Organization {
	return r.organization.Load()
}

// SetOrganization replaces the current organization. Its flows are compiled
// first; on error the previous organization stays in place.
func (r *Registry) SetOrganization(org *domain.Organization) error {
	if org != nil {
		if err := r.factory.CompileFlows(org.Flows); err != nil {
			return fmt.Errorf("organization %q: %w", org.ID, err)
		}
	}
	previous := r.organization.Swap(org)
	if previous != nil && previous != org {
		r.forgetOrganization(previous)
	}

	orgID := ""
	if org != nil {
		orgID = org.ID
	}
	r.logger.Info("organization updated", slog.String("organization_id", orgID))
	return nil
}

func (r *Registry) forgetOrganization(org *domain.Organization) {
	r.factory.Forget(org.Flows...)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.deployments {
		d.filter.Forget(org.Flows...)
	}
}

// Deploy builds api and registers it, replacing any deployment with the same id.
func (r *Registry) Deploy(api *domain.API) error {
	d, err := r.factory.Build(api)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if err := r.checkContextPath(d, r.deployments); err != nil {
		r.mu.Unlock()
		return err
	}
	if existing, ok := r.deployments[api.ID]; ok {
		existing.retire()
	}
	r.deployments[api.ID] = d
	r.rebuildRoutes()
	r.generation++
	generation := r.generation
	count := len(r.deployments)
	r.mu.Unlock()

	r.metrics.SetDeployments(count)
	r.logger.Info("api deployed",
		slog.String("api_id", api.ID),
		slog.String("context_path", api.ContextPath),
		slog.Int64("generation", generation))
	return nil
}

// Undeploy removes the API with the given id.
func (r *Registry) Undeploy(apiID string) bool {
	r.mu.Lock()
	d, ok := r.deployments[apiID]
	if ok {
		delete(r.deployments, apiID)
		r.rebuildRoutes()
		r.generation++
		d.retire()
	}
	count := len(r.deployments)
	r.mu.Unlock()

	if ok {
		r.metrics.SetDeployments(count)
		r.logger.Info("api undeployed", slog.String("api_id", apiID))
	}
	return ok
}

// Apply replaces the whole registry with snapshot. organizationID selects the
// organization; when empty and the snapshot holds exactly one, that one is
// used. Every API is built before anything is swapped, so a failing snapshot
// leaves the registry untouched.
func (r *Registry) Apply(_ context.Context, snapshot *domain.Snapshot, organizationID string) error {
	if snapshot == nil {
		return fmt.Errorf("%w: nil snapshot", domain.ErrInvalidDefinition)
	}

	var org *domain.Organization
	switch {
	case organizationID != "":
		o, ok := snapshot.Organization(organizationID)
		if !ok {
			return fmt.Errorf("%w: organization %q not in snapshot", domain.ErrInvalidDefinition, organizationID)
		}
		org = o
	case len(snapshot.Organizations) == 1:
		org = snapshot.Organizations[0]
	}

	next := make(map[string]*Deployment, len(snapshot.APIs))
	for _, api := range snapshot.APIs {
		d, err := r.factory.Build(api)
		if err != nil {
			return err
		}
		if _, dup := next[api.ID]; dup {
			return fmt.Errorf("%w: duplicate api id %q", domain.ErrInvalidDefinition, api.ID)
		}
		if err := r.checkContextPath(d, next); err != nil {
			return err
		}
		next[api.ID] = d
	}
	if err := r.SetOrganization(org); err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.deployments
	r.deployments = next
	r.rebuildRoutes()
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	for _, d := range previous {
		d.retire()
	}

	r.metrics.SetDeployments(len(next))
	r.logger.Info("deployment registry updated",
		slog.Int64("generation", generation),
		slog.Int("api_count", len(next)))
	return nil
}

// Lookup returns the deployment whose context path is the longest prefix of
// path, matched on segment boundaries.
func (r *Registry) Lookup(path string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.routes {
		if matchContextPath(d.API.ContextPath, path) {
			return d, true
		}
	}
	return nil, false
}

// Get returns the deployment of an API id.
func (r *Registry) Get(apiID string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[apiID]
	return d, ok
}

// List returns the deployed APIs ordered by id.
func (r *Registry) List() []*domain.API {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apis := make([]*domain.API, 0, len(r.deployments))
	for _, d := range r.deployments {
		apis = append(apis, d.API)
	}
	slices.SortFunc(apis, func(a, b *domain.API) int { return strings.Compare(a.ID, b.ID) })
	return apis
}

// Generation increments on every change of the deployed APIs.
func (r *Registry) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// checkContextPath rejects a second API on the same context path.
func (r *Registry) checkContextPath(d *Deployment, deployments map[string]*Deployment) error {
	cp := normalizeContextPath(d.API.ContextPath)
	for id, other := range deployments {
		if id != d.API.ID && normalizeContextPath(other.API.ContextPath) == cp {
			return fmt.Errorf("%w: context path %q already used by api %q", domain.ErrInvalidDefinition, cp, id)
		}
	}
	return nil
}

func (r *Registry) rebuildRoutes() {
	routes := make([]*Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		routes = append(routes, d)
	}
	slices.SortFunc(routes, func(a, b *Deployment) int {
		la, lb := len(normalizeContextPath(a.API.ContextPath)), len(normalizeContextPath(b.API.ContextPath))
		if la != lb {
			return lb - la
		}
		return strings.Compare(a.API.ID, b.API.ID)
	})
	r.routes = routes
}

func normalizeContextPath(cp string) string {
	if cp == "/" {
		return cp
	}
	return strings.TrimSuffix(cp, "/")
}

func matchContextPath(contextPath, path string) bool {
	cp := normalizeContextPath(contextPath)
	if cp == "/" {
		return true
	}
	return path == cp || strings.HasPrefix(path, cp+"/")
}

// pathInfo strips the context path from path.
func pathInfo(contextPath, path string) string {
	cp := normalizeContextPath(contextPath)
	if cp == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, cp)
	if rest == "" {
		return "/"
	}
	return rest
}
