// Package runtime defines the per-request execution context shared by flow
// resolvers, security plans and processors, keeping policy logic decoupled
// from execution mechanics.
package runtime

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
)

// ErrNoEvaluator is returned when an expression is evaluated on a context built without an evaluator.
var ErrNoEvaluator = errors.New("execution context has no expression evaluator")

// Phase names the execution phase a hook runs in.
type Phase string

const (
	PhaseRequest         Phase = "REQUEST"
	PhaseResponse        Phase = "RESPONSE"
	PhaseMessageRequest  Phase = "MESSAGE_REQUEST"
	PhaseMessageResponse Phase = "MESSAGE_RESPONSE"
)

// Request is the inbound request as seen by policies.
type Request struct {
	ID          string
	Method      string
	Path        string
	PathInfo    string // path relative to the API context path
	ContextPath string
	Host        string
	RemoteAddr  string
	Channel     string // message APIs: topic or channel the message targets
	Headers     http.Header
	Query       url.Values
}

// Response is the response under construction.
type Response struct {
	Status  int
	Reason  string
	Headers http.Header
	Content []byte
}

// Config holds dependencies for creating an ExecutionContext.
type Config struct {
	Request    *Request
	Timestamp  time.Time
	Evaluator  *expr.Evaluator
	Components *Components
}

// ExecutionContext carries all per-request state. Resolvers, plans and
// processors are shared across requests and keep nothing of their own.
type ExecutionContext struct {
	Request  *Request
	Response *Response

	timestamp  time.Time
	evaluator  *expr.Evaluator
	components *Components

	mu         sync.RWMutex
	attributes map[string]any
	internal   map[string]any
}

// NewExecutionContext creates a context for one request.
func NewExecutionContext(cfg Config) *ExecutionContext {
	req := cfg.Request
	if req == nil {
		req = &Request{}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	if req.Query == nil {
		req.Query = make(url.Values)
	}
	if req.PathInfo == "" {
		req.PathInfo = req.Path
	}

	ts := cfg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	components := cfg.Components
	if components == nil {
		components = NewComponents()
	}

	return &ExecutionContext{
		Request:    req,
		Response:   &Response{Status: http.StatusOK, Headers: make(http.Header)},
		timestamp:  ts,
		evaluator:  cfg.Evaluator,
		components: components,
		attributes: make(map[string]any),
		internal:   make(map[string]any),
	}
}

// Timestamp is the instant the request entered the gateway.
func (ec *ExecutionContext) Timestamp() time.Time { return ec.timestamp }

// Components returns the component locator of this context.
func (ec *ExecutionContext) Components() *Components { return ec.components }

// Attribute returns a request-scoped attribute visible to expressions.
func (ec *ExecutionContext) Attribute(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.attributes[key]
	return v, ok
}

// AttributeString returns the attribute as a string, or "" when absent or not a string.
func (ec *ExecutionContext) AttributeString(key string) string {
	v, _ := ec.Attribute(key)
	s, _ := v.(string)
	return s
}

// SetAttribute stores a request-scoped attribute.
func (ec *ExecutionContext) SetAttribute(key string, value any) {
	ec.mu.Lock()
	ec.attributes[key] = value
	ec.mu.Unlock()
}

// RemoveAttribute deletes a request-scoped attribute.
func (ec *ExecutionContext) RemoveAttribute(key string) {
	ec.mu.Lock()
	delete(ec.attributes, key)
	ec.mu.Unlock()
}

// Attributes returns a copy of all request-scoped attributes.
func (ec *ExecutionContext) Attributes() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return maps.Clone(ec.attributes)
}

// InternalAttribute returns a hidden attribute never exposed to expressions.
func (ec *ExecutionContext) InternalAttribute(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.internal[key]
	return v, ok
}

// SetInternalAttribute stores a hidden attribute.
func (ec *ExecutionContext) SetInternalAttribute(key string, value any) {
	ec.mu.Lock()
	ec.internal[key] = value
	ec.mu.Unlock()
}

// RemoveInternalAttribute deletes a hidden attribute.
func (ec *ExecutionContext) RemoveInternalAttribute(key string) {
	ec.mu.Lock()
	delete(ec.internal, key)
	ec.mu.Unlock()
}

// EvalBool evaluates a boolean expression against this context.
func (ec *ExecutionContext) EvalBool(ctx context.Context, expression string) (bool, error) {
	if ec.evaluator == nil {
		return false, ErrNoEvaluator
	}
	return ec.evaluator.EvalBool(ctx, expression, ec.Vars())
}

// EvalString renders a template against this context.
func (ec *ExecutionContext) EvalString(ctx context.Context, template string) (string, error) {
	if ec.evaluator == nil {
		return "", ErrNoEvaluator
	}
	return ec.evaluator.EvalString(ctx, template, ec.Vars())
}

// Vars builds the expression activation: request, response and context roots.
func (ec *ExecutionContext) Vars() expr.Vars {
	req := ec.Request
	request := map[string]any{
		"id":            req.ID,
		"method":        req.Method,
		"path":          req.Path,
		"pathInfo":      req.PathInfo,
		"contextPath":   req.ContextPath,
		"host":          req.Host,
		"remoteAddress": req.RemoteAddr,
		"channel":       req.Channel,
		"headers":       expr.Lookup(req.Headers),
		"params":        expr.Lookup(req.Query),
		"timestamp":     ec.timestamp.UnixMilli(),
	}

	response := map[string]any{}
	if ec.Response != nil {
		response["status"] = ec.Response.Status
		response["headers"] = expr.Lookup(ec.Response.Headers)
	}

	return expr.Vars{
		expr.VarRequest:  request,
		expr.VarResponse: response,
		expr.VarContext:  map[string]any{"attributes": ec.Attributes()},
	}
}
