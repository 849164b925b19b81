package policy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEvaluator = sync.OnceValue(func() *expr.Evaluator {
	eval, err := expr.NewEvaluator(expr.Options{})
	if err != nil {
		panic(err)
	}
	return eval
})

func newEC() *runtime.ExecutionContext {
	return runtime.NewExecutionContext(runtime.Config{
		Request: &runtime.Request{
			Method: "GET",
			Path:   "/books",
			Host:   "api.example.com",
		},
		Timestamp: time.Unix(1_700_000_000, 0),
		Evaluator: testEvaluator(),
	})
}

func build(t *testing.T, policy string, cfg map[string]any) Policy {
	t.Helper()
	p, err := NewDefaultRegistry().Build(&domain.Step{Name: policy, Policy: policy, Configuration: cfg}, Dependencies{})
	require.NoError(t, err)
	return p
}

func stepProcessor(t *testing.T, step *domain.Step, phase runtime.Phase) *StepProcessor {
	t.Helper()
	p, err := NewDefaultRegistry().Build(step, Dependencies{Limiter: governance.NewRateLimiter()})
	require.NoError(t, err)
	sp, err := NewStepProcessor(step.Name, step, p, phase, nil)
	require.NoError(t, err)
	return sp
}

// runBody pushes body through one streamable chain and returns what reached the tail.
func runBody(t *testing.T, ec *runtime.ExecutionContext, procs []processor.StreamableProcessor, chunks ...string) (string, processor.Outcome) {
	t.Helper()
	var out strings.Builder
	tail := processor.SinkFunc{OnWrite: func(_ context.Context, b []byte) error {
		out.Write(b)
		return nil
	}}
	chain := processor.NewStreamableChain("test", procs, tail, processor.Options{})
	if o := chain.Handle(context.Background(), ec); !o.IsCompleted() {
		return out.String(), o
	}
	for _, c := range chunks {
		if err := chain.Write(context.Background(), []byte(c)); err != nil {
			o, _ := chain.Outcome()
			return out.String(), o
		}
	}
	_ = chain.End(context.Background())
	o, _ := chain.Outcome()
	return out.String(), o
}

func TestRegistryUnknownPolicy(t *testing.T) {
	_, err := NewDefaultRegistry().Build(&domain.Step{Name: "s", Policy: "teleport"}, Dependencies{})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	assert.Contains(t, NewDefaultRegistry().Names(), RegoPolicyName)
}

func TestHeaders(t *testing.T) {
	p := build(t, HeadersPolicyName, map[string]any{
		"set":    map[string]any{"X-Method": "{#request.method}"},
		"add":    map[string]any{"X-Static": "yes"},
		"remove": []any{"X-Secret"},
	})
	ec := newEC()
	ec.Request.Headers.Set("X-Secret", "s3cr3t")

	require.NoError(t, p.(RequestPolicy).OnRequest(context.Background(), ec))
	assert.Equal(t, "GET", ec.Request.Headers.Get("X-Method"))
	assert.Equal(t, "yes", ec.Request.Headers.Get("X-Static"))
	assert.Empty(t, ec.Request.Headers.Get("X-Secret"))

	require.NoError(t, p.(ResponsePolicy).OnResponse(context.Background(), ec))
	assert.Equal(t, "GET", ec.Response.Headers.Get("X-Method"))
}

func TestAttributes(t *testing.T) {
	p := build(t, AttributesPolicyName, map[string]any{
		"attributes": []any{
			map[string]any{"name": "tenant", "value": "{#request.headers['X-Tenant']}"},
			map[string]any{"name": "fixed", "value": "v"},
		},
	})
	ec := newEC()
	ec.Request.Headers.Set("X-Tenant", "acme")

	require.NoError(t, p.(RequestPolicy).OnRequest(context.Background(), ec))
	assert.Equal(t, "acme", ec.AttributeString("tenant"))
	assert.Equal(t, "v", ec.AttributeString("fixed"))
}

func TestRateLimit(t *testing.T) {
	p := build(t, RateLimitPolicyName, map[string]any{"requests_per_second": 1, "burst": 2, "add_headers": true})

	var statuses []int
	for range 3 {
		ec := newEC()
		ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")
		err := p.(RequestPolicy).OnRequest(context.Background(), ec)
		if err == nil {
			statuses = append(statuses, http.StatusOK)
			assert.Equal(t, "2", ec.Response.Headers.Get("X-Rate-Limit-Limit"))
			continue
		}
		statuses = append(statuses, runtime.AsFailure(err).StatusCode)
	}
	assert.Equal(t, []int{200, 200, 429}, statuses)

	other := newEC()
	other.SetAttribute(runtime.AttrSubscriptionID, "sub-2")
	assert.NoError(t, p.(RequestPolicy).OnRequest(context.Background(), other))
}

func TestRateLimitRequiresRate(t *testing.T) {
	_, err := NewDefaultRegistry().Build(&domain.Step{Name: "rl", Policy: RateLimitPolicyName}, Dependencies{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

const authzModule = `package gateway.authz

default decision := {"allow": false, "reason": "not a reader"}

decision := {"allow": true} if {
	input.identity.plan == "gold"
}

decision := {"action": "allow"} if {
	input.request.headers["X-Role"] == "admin"
}
`

func TestRegoPolicy(t *testing.T) {
	p := build(t, RegoPolicyName, map[string]any{"module": authzModule, "headers": []any{"x-role"}})

	gold := newEC()
	gold.SetAttribute(runtime.AttrPlan, "gold")
	assert.NoError(t, p.(RequestPolicy).OnRequest(context.Background(), gold))

	admin := newEC()
	admin.Request.Headers.Set("X-Role", "admin")
	assert.NoError(t, p.(RequestPolicy).OnRequest(context.Background(), admin))

	denied := newEC()
	denied.SetAttribute(runtime.AttrPlan, "free")
	failure := runtime.AsFailure(p.(RequestPolicy).OnRequest(context.Background(), denied))
	require.NotNil(t, failure)
	assert.Equal(t, http.StatusForbidden, failure.StatusCode)
	assert.Equal(t, "not a reader", failure.Message)
}

func TestRegoPolicyRejectsBadModule(t *testing.T) {
	_, err := NewDefaultRegistry().Build(&domain.Step{Name: "r", Policy: RegoPolicyName, Configuration: map[string]any{
		"module": "package broken\n\nallow if {",
	}}, Dependencies{})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestEngineDecisionCache(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint:      "gateway/authz/decision",
		Modules:         map[string]string{"authz.rego": authzModule},
		CacheMaxEntries: 2,
	})
	require.NoError(t, err)

	in := Input{Method: "GET", Path: "/a", Identity: Identity{Plan: "gold"}}
	d, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, 1, engine.cache.Len())

	_, err = engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	for _, path := range []string{"/b", "/c"} {
		_, err = engine.Evaluate(context.Background(), Input{Method: "GET", Path: path})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, engine.cache.Len())

	_, err = engine.Evaluate(context.Background(), Input{Path: "/d", DisableCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.cache.Len())

	engine.FlushCache()
	assert.Zero(t, engine.cache.Len())
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		value   any
		allow   bool
		wantErr bool
	}{
		{value: true, allow: true},
		{value: false, allow: false},
		{value: map[string]any{"action": "block"}, allow: false},
		{value: map[string]any{"action": "ALLOW"}, allow: true},
		{value: map[string]any{"allow": false}, allow: false},
		{value: map[string]any{"action": "shrug"}, wantErr: true},
		{value: map[string]any{"action": 1}, wantErr: true},
		{value: "yes", wantErr: true},
	}
	for _, tt := range tests {
		d, err := parseDecision(tt.value)
		if tt.wantErr {
			assert.Error(t, err, tt.value)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.allow, d.Allow, tt.value)
	}
}

func TestMockExits(t *testing.T) {
	step := &domain.Step{Name: "mock", Policy: MockPolicyName, Enabled: true, Configuration: map[string]any{
		"status":  418,
		"headers": map[string]any{"Content-Type": "text/plain"},
		"content": "teapot for {#request.method}",
	}}
	sp := stepProcessor(t, step, runtime.PhaseRequest)
	ec := newEC()

	o := sp.Handle(context.Background(), ec)
	assert.Equal(t, processor.StatusExited, o.Status)
	assert.Equal(t, 418, ec.Response.Status)
	assert.Equal(t, "teapot for GET", string(ec.Response.Content))
}

func TestStepConditionSkipsStep(t *testing.T) {
	step := &domain.Step{Name: "mock", Policy: MockPolicyName, Enabled: true, Condition: "{#request.method == 'POST'}"}
	sp := stepProcessor(t, step, runtime.PhaseRequest)

	ec := newEC()
	assert.True(t, sp.Handle(context.Background(), ec).IsCompleted())
	skipped, _ := ec.InternalAttribute(runtime.InternalSkippedSteps + ".mock")
	assert.Equal(t, true, skipped)

	post := newEC()
	post.Request.Method = "POST"
	assert.Equal(t, processor.StatusExited, sp.Handle(context.Background(), post).Status)
}

func TestStepConditionErrorSkipsStep(t *testing.T) {
	step := &domain.Step{Name: "mock", Policy: MockPolicyName, Enabled: true, Condition: "{#context.attributes['missing'] == 'x'}"}
	sp := stepProcessor(t, step, runtime.PhaseRequest)
	assert.True(t, sp.Handle(context.Background(), newEC()).IsCompleted())
}

type faultyPolicy struct{ err error }

func (faultyPolicy) Name() string { return "faulty" }
func (f faultyPolicy) OnRequest(context.Context, *runtime.ExecutionContext) error {
	return f.err
}

func TestFailurePosture(t *testing.T) {
	fault := errors.New("backend unreachable")
	rejection := runtime.Fail(http.StatusForbidden, runtime.KeyForbidden, "no")

	tests := []struct {
		name    string
		posture string
		err     error
		want    processor.Status
	}{
		{"closed fault", "fail-closed", fault, processor.StatusFailed},
		{"open fault", "fail-open", fault, processor.StatusCompleted},
		{"open rejection", "fail-open", rejection, processor.StatusFailed},
		{"open exit", "fail-open", runtime.ErrExit, processor.StatusExited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &domain.Step{Name: "f", Policy: "faulty", Configuration: map[string]any{PostureKey: tt.posture}}
			sp, err := NewStepProcessor("f", step, faultyPolicy{err: tt.err}, runtime.PhaseRequest, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sp.Handle(context.Background(), newEC()).Status)
		})
	}

	_, err := NewStepProcessor("f", &domain.Step{Configuration: map[string]any{PostureKey: "sideways"}}, faultyPolicy{}, runtime.PhaseRequest, nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

// faultyBody fails at the hook named by stage.
type faultyBody struct {
	stage string
	err   error
}

func (faultyBody) Name() string { return "faulty-body" }

func (f faultyBody) NewTransformer(context.Context, *runtime.ExecutionContext, runtime.Phase) (BodyTransformer, error) {
	if f.stage == "new" {
		return nil, f.err
	}
	return f, nil
}

func (f faultyBody) Transform(_ context.Context, chunk []byte, emit func([]byte) error) error {
	if f.stage == "transform" {
		return f.err
	}
	return emit([]byte(strings.ToUpper(string(chunk))))
}

func (f faultyBody) Flush(context.Context, func([]byte) error) error {
	if f.stage == "flush" {
		return f.err
	}
	return nil
}

func TestBodyFaultPosture(t *testing.T) {
	fault := errors.New("scanner crashed")
	rejection := runtime.Fail(http.StatusForbidden, runtime.KeyForbidden, "blocked")

	tests := []struct {
		name    string
		posture string
		stage   string
		err     error
		want    processor.Status
		body    string
	}{
		{"open transformer setup", "fail-open", "new", fault, processor.StatusCompleted, "ab"},
		{"open transform", "fail-open", "transform", fault, processor.StatusCompleted, "ab"},
		{"open flush", "fail-open", "flush", fault, processor.StatusCompleted, "AB"},
		{"closed transform", "fail-closed", "transform", fault, processor.StatusFailed, ""},
		{"closed flush", "fail-closed", "flush", fault, processor.StatusFailed, "AB"},
		{"open rejection", "fail-open", "transform", rejection, processor.StatusFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &domain.Step{Name: "body", Policy: "faulty-body", Configuration: map[string]any{PostureKey: tt.posture}}
			sp, err := NewStepProcessor("body", step, faultyBody{stage: tt.stage, err: tt.err}, runtime.PhaseResponse, nil)
			require.NoError(t, err)

			out, o := runBody(t, newEC(), []processor.StreamableProcessor{sp}, "a", "b")
			assert.Equal(t, tt.want, o.Status, o.String())
			assert.Equal(t, tt.body, out)
		})
	}
}

func TestDLPRedactsStreamedBody(t *testing.T) {
	step := &domain.Step{Name: "dlp", Policy: DLPPolicyName, Enabled: true, Configuration: map[string]any{
		"builtins": []any{"pii.email"},
		"overlap":  32,
	}}
	sp := stepProcessor(t, step, runtime.PhaseResponse)
	ec := newEC()
	ec.Response.Headers.Set("Content-Length", "44")

	out, o := runBody(t, ec, []processor.StreamableProcessor{sp}, "write to jane.", "doe@example.com", " today")
	require.True(t, o.IsCompleted(), o.String())
	assert.Equal(t, "write to [REDACTED:email] today", out)
	assert.Empty(t, ec.Response.Headers.Get("Content-Length"))
}

func TestDLPBlocksBody(t *testing.T) {
	step := &domain.Step{Name: "dlp", Policy: DLPPolicyName, Enabled: true, Configuration: map[string]any{
		"builtins": []any{"pci.card-number"},
	}}
	sp := stepProcessor(t, step, runtime.PhaseRequest)

	out, o := runBody(t, newEC(), []processor.StreamableProcessor{sp}, "card 4111 1111 ", "1111 1111 thanks")
	assert.Empty(t, out)
	assert.Equal(t, processor.StatusFailed, o.Status)
	assert.Equal(t, http.StatusForbidden, runtime.AsFailure(o.Err).StatusCode)
}

func TestDLPSkippedStepRelaysBody(t *testing.T) {
	step := &domain.Step{Name: "dlp", Policy: DLPPolicyName, Enabled: true, Condition: "{#request.method == 'POST'}", Configuration: map[string]any{
		"builtins": []any{"pii.email"},
	}}
	sp := stepProcessor(t, step, runtime.PhaseResponse)

	out, o := runBody(t, newEC(), []processor.StreamableProcessor{sp}, "jane@example.com")
	require.True(t, o.IsCompleted())
	assert.Equal(t, "jane@example.com", out)
}

func TestWAF(t *testing.T) {
	step := &domain.Step{Name: "waf", Policy: WAFPolicyName, Enabled: true}
	sp := stepProcessor(t, step, runtime.PhaseRequest)

	ec := newEC()
	ec.Request.Query.Set("q", "1 union select password")
	o := sp.Handle(context.Background(), ec)
	assert.Equal(t, processor.StatusFailed, o.Status)
	assert.Equal(t, http.StatusForbidden, runtime.AsFailure(o.Err).StatusCode)

	out, o := runBody(t, newEC(), []processor.StreamableProcessor{sp}, `{"name":"<scr`, `ipt>"}`)
	assert.Equal(t, `{"name":"<scr`, out)
	assert.Equal(t, processor.StatusFailed, o.Status)

	out, o = runBody(t, newEC(), []processor.StreamableProcessor{sp}, `{"name":"ok"}`)
	assert.True(t, o.IsCompleted())
	assert.Equal(t, `{"name":"ok"}`, out)
}

func TestSupportsPhase(t *testing.T) {
	assert.True(t, SupportsPhase(build(t, MockPolicyName, nil), runtime.PhaseRequest))
	assert.False(t, SupportsPhase(build(t, MockPolicyName, nil), runtime.PhaseResponse))
	assert.True(t, SupportsPhase(build(t, HeadersPolicyName, nil), runtime.PhaseResponse))
	assert.True(t, SupportsPhase(build(t, DLPPolicyName, map[string]any{"builtins": []any{"pii.ssn"}}), runtime.PhaseResponse))
	assert.False(t, SupportsPhase(build(t, RateLimitPolicyName, map[string]any{"requests_per_second": 5}), runtime.PhaseResponse))
}
