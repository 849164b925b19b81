package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/flow"
)

// SimulationRequest describes a mock request to resolve.
type SimulationRequest struct {
	// APIID selects the API; when empty the path selects it by context path.
	APIID      string            `json:"apiId,omitempty"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	// Attributes are bound before plan selection, e.g. a client id.
	Attributes map[string]any `json:"attributes,omitempty"`
	// TimestampMillis fixes the request instant; zero uses the current time.
	TimestampMillis int64 `json:"timestamp,omitempty"`
}

// FlowTrace names one resolved flow and its active steps.
type FlowTrace struct {
	Scope flow.Scope `json:"scope"`
	ID    string     `json:"id,omitempty"`
	Name  string     `json:"name,omitempty"`
	Steps []string   `json:"steps,omitempty"`
}

// SimulationResponse is the outcome of a dry run.
type SimulationResponse struct {
	APIID    string      `json:"apiId"`
	Plan     string      `json:"plan,omitempty"`
	Resolved bool        `json:"planResolved"`
	Request  []FlowTrace `json:"request"`
	Response []FlowTrace `json:"response"`
}

// Simulator resolves plans and flows for a mock request without
// authenticating, calling any policy or reaching the upstream.
type Simulator struct {
	registry  *Registry
	evaluator *expr.Evaluator
	logger    *slog.Logger
}

// NewSimulator creates a dry-run simulator over registry. A nil evaluator is
// replaced by a default one.
func NewSimulator(registry *Registry, evaluator *expr.Evaluator, logger *slog.Logger) (*Simulator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		var err error
		evaluator, err = expr.NewEvaluator(expr.Options{})
		if err != nil {
			return nil, fmt.Errorf("create expression evaluator: %w", err)
		}
	}
	return &Simulator{registry: registry, evaluator: evaluator, logger: logger}, nil
}

// Simulate selects the first plan whose guard accepts the request, binds it,
// and resolves the flows of both phases in execution order.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	dep, err := s.deployment(req)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	query := make(url.Values, len(req.Query))
	for k, v := range req.Query {
		query.Set(k, v)
	}
	ts := time.Now()
	if req.TimestampMillis != 0 {
		ts = time.UnixMilli(req.TimestampMillis)
	}

	api := dep.API
	request := &runtime.Request{
		Method:      method,
		Path:        req.Path,
		PathInfo:    pathInfo(api.ContextPath, req.Path),
		ContextPath: api.ContextPath,
		RemoteAddr:  req.RemoteAddr,
		Headers:     headers,
		Query:       query,
	}
	if api.Type == domain.APITypeMessage {
		request.Channel = request.PathInfo
	}
	ec := runtime.NewExecutionContext(runtime.Config{
		Request:   request,
		Timestamp: ts,
		Evaluator: s.evaluator,
	})
	ec.SetAttribute(runtime.AttrAPI, api.ID)
	ec.SetAttribute(runtime.AttrAPIName, api.Name)
	ec.SetAttribute(runtime.AttrOrganization, api.OrganizationID)
	ec.SetAttribute(runtime.AttrContextPath, api.ContextPath)
	for k, v := range req.Attributes {
		ec.SetAttribute(k, v)
	}

	resp := &SimulationResponse{APIID: api.ID}
	for _, plan := range dep.Security.Plans() {
		if plan.CanExecute(ctx, ec) {
			resp.Plan = plan.ID()
			resp.Resolved = true
			ec.SetAttribute(runtime.AttrPlan, plan.ID())
			break
		}
	}

	resp.Request = s.trace(ctx, dep, ec, requestScopes, true)
	resp.Response = s.trace(ctx, dep, ec, responseScopes, false)

	s.logger.Debug("simulation complete",
		slog.String("api_id", api.ID),
		slog.String("plan_id", resp.Plan),
		slog.Int("request_flows", len(resp.Request)),
		slog.Int("response_flows", len(resp.Response)))
	return resp, nil
}

func (s *Simulator) deployment(req SimulationRequest) (*Deployment, error) {
	if req.APIID != "" {
		dep, ok := s.registry.Get(req.APIID)
		if !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrAPINotFound, req.APIID)
		}
		return dep, nil
	}
	if req.Path == "" {
		return nil, fmt.Errorf("%w: either apiId or path must be provided", domain.ErrInvalidDefinition)
	}
	dep, ok := s.registry.Lookup(req.Path)
	if !ok {
		return nil, fmt.Errorf("%w: no context path matches %q", domain.ErrAPINotFound, req.Path)
	}
	return dep, nil
}

func (s *Simulator) trace(ctx context.Context, dep *Deployment, ec *runtime.ExecutionContext, scopes []flow.Scope, request bool) []FlowTrace {
	out := []FlowTrace{}
	for _, scope := range scopes {
		for _, fl := range dep.Flows(ctx, ec, scope) {
			steps := fl.Response
			if request {
				steps = fl.Request
			}
			ft := FlowTrace{Scope: scope, ID: fl.ID, Name: fl.Name}
			for _, st := range steps {
				if st.Enabled {
					ft.Steps = append(ft.Steps, st.Policy)
				}
			}
			out = append(out, ft)
		}
	}
	return out
}
