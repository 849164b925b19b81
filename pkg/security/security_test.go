package security

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/expr"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testEvaluator = sync.OnceValue(func() *expr.Evaluator {
	eval, err := expr.NewEvaluator(expr.Options{})
	if err != nil {
		panic(err)
	}
	return eval
})

var errUnauthorized = errors.New("unauthorized")

type fakePolicy struct {
	name       string
	order      int
	supports   bool
	supportErr error
	requireSub bool
	requestErr error

	requests atomic.Int32
	invalid  atomic.Int32
}

func (p *fakePolicy) Name() string              { return p.name }
func (p *fakePolicy) Order() int                { return p.order }
func (p *fakePolicy) RequireSubscription() bool { return p.requireSub }

func (p *fakePolicy) Supports(context.Context, *runtime.ExecutionContext) (bool, error) {
	return p.supports, p.supportErr
}

func (p *fakePolicy) OnRequest(context.Context, *runtime.ExecutionContext) error {
	p.requests.Add(1)
	return p.requestErr
}

func (p *fakePolicy) OnMessageRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return p.OnRequest(ctx, ec)
}

func (p *fakePolicy) OnInvalidSubscription(context.Context, *runtime.ExecutionContext) error {
	p.invalid.Add(1)
	return errUnauthorized
}

type faultyService struct {
	err   error
	panic bool
}

func (s faultyService) GetByID(context.Context, string) (*domain.Subscription, error) {
	if s.panic {
		panic("store exploded")
	}
	return nil, s.err
}

func (s faultyService) GetByAPIAndClientIDAndPlan(context.Context, string, string, string) (*domain.Subscription, error) {
	return nil, s.err
}

func newEC(ts time.Time, svc storage.SubscriptionService) *runtime.ExecutionContext {
	components := runtime.NewComponents()
	if svc != nil {
		runtime.Register[storage.SubscriptionService](components, svc)
	}
	return runtime.NewExecutionContext(runtime.Config{
		Request:    &runtime.Request{Method: "GET", Path: "/books"},
		Timestamp:  ts,
		Evaluator:  testEvaluator(),
		Components: components,
	})
}

func TestSelectionRuleNormalization(t *testing.T) {
	tests := map[string]string{
		"":                             "",
		"#request.method == 'GET'":     "{#request.method == 'GET'}",
		"{#request.method == 'GET'}":   "{#request.method == 'GET'}",
		"request.method == 'GET'":      "request.method == 'GET'",
		"  #context.attributes['a']  ": "{#context.attributes['a']}",
	}
	for rule, want := range tests {
		assert.Equal(t, want, NewPlan("p", &fakePolicy{}, rule, nil).SelectionRule(), rule)
	}
}

func TestChainSelectsFirstApplicablePlan(t *testing.T) {
	planA := NewPlan("plan-A", &fakePolicy{name: "key-less", supports: true}, "", nil)
	planB := NewPlan("plan-B", &fakePolicy{name: "key-less", supports: true}, "{#request.headers['X-Key'] != null}", nil)
	chain := NewChain("api", []*Plan{planA, planB}, nil, nil)

	ec := newEC(time.Now(), nil)
	got, ok := chain.Select(context.Background(), ec)
	require.True(t, ok)
	assert.Equal(t, "plan-A", got.ID())
}

func TestChainOrdersByPolicyOrder(t *testing.T) {
	keyless := NewPlan("keyless", &fakePolicy{name: "key-less", order: 1000, supports: true}, "", nil)
	apiKey := NewPlan("apikey", &fakePolicy{name: "api-key", order: 500, supports: true}, "", nil)
	jwt := NewPlan("jwt", &fakePolicy{name: "jwt", order: 0, supports: false}, "", nil)
	chain := NewChain("api", []*Plan{keyless, apiKey, jwt}, nil, nil)

	ids := make([]string, 0, 3)
	for _, p := range chain.Plans() {
		ids = append(ids, p.ID())
	}
	assert.Equal(t, []string{"jwt", "apikey", "keyless"}, ids)

	got, ok := chain.Select(context.Background(), newEC(time.Now(), nil))
	require.True(t, ok)
	assert.Equal(t, "apikey", got.ID())
}

func TestSelectionRuleGuardsPlan(t *testing.T) {
	guarded := NewPlan("plan-B", &fakePolicy{supports: true}, "#request.headers['X-Key'] == 'abc'", nil)
	chain := NewChain("api", []*Plan{guarded}, nil, nil)

	ec := newEC(time.Now(), nil)
	_, ok := chain.Select(context.Background(), ec)
	assert.False(t, ok, "missing header evaluates to false")

	ec = newEC(time.Now(), nil)
	ec.Request.Headers.Set("X-Key", "abc")
	got, ok := chain.Select(context.Background(), ec)
	require.True(t, ok)
	assert.Equal(t, "plan-B", got.ID())
}

func TestSelectionRuleNullChecks(t *testing.T) {
	absent := NewPlan("absent", &fakePolicy{supports: true}, "{#request.headers['X-Key'] == null}", nil)
	present := NewPlan("present", &fakePolicy{supports: true}, "{#request.headers['x-key'] != null}", nil)
	ctx := context.Background()

	ec := newEC(time.Now(), nil)
	assert.True(t, absent.CanExecute(ctx, ec))
	assert.False(t, present.CanExecute(ctx, ec))

	ec = newEC(time.Now(), nil)
	ec.Request.Headers.Set("X-Key", "abc")
	assert.False(t, absent.CanExecute(ctx, ec))
	assert.True(t, present.CanExecute(ctx, ec))
}

func TestChainWithoutApplicablePlan(t *testing.T) {
	failing := NewPlan("p1", &fakePolicy{supportErr: errors.New("boom")}, "", nil)
	broken := NewPlan("p2", &fakePolicy{supports: true}, "request.method ==", nil)
	chain := NewChain("api", []*Plan{failing, broken}, nil, nil)

	err := chain.Execute(context.Background(), newEC(time.Now(), nil), runtime.PhaseRequest)
	assert.ErrorIs(t, err, ErrNoPlanResolved)
}

func TestExecuteRejectsUnsupportedPhase(t *testing.T) {
	policy := &fakePolicy{supports: true}
	plan := NewPlan("p", policy, "", nil)

	for _, phase := range []runtime.Phase{runtime.PhaseResponse, runtime.PhaseMessageResponse, "BOGUS"} {
		err := plan.Execute(context.Background(), newEC(time.Now(), nil), phase)
		assert.ErrorIs(t, err, ErrUnsupportedPhase, phase)
	}
	assert.Zero(t, policy.requests.Load())
}

func TestExecuteBindsPlanWithoutSubscription(t *testing.T) {
	plan := NewPlan("keyless", &fakePolicy{supports: true}, "", nil)
	ec := newEC(time.Now(), nil)

	require.NoError(t, plan.Execute(context.Background(), ec, runtime.PhaseMessageRequest))
	assert.Equal(t, "keyless", ec.AttributeString(runtime.AttrPlan))
}

func TestExecutePropagatesAuthenticationFailure(t *testing.T) {
	policy := &fakePolicy{supports: true, requireSub: true, requestErr: errUnauthorized}
	plan := NewPlan("p", policy, "", nil)
	ec := newEC(time.Now(), storage.NewMemoryStore())

	err := plan.Execute(context.Background(), ec, runtime.PhaseRequest)
	assert.ErrorIs(t, err, errUnauthorized)
	assert.Zero(t, policy.invalid.Load())
}

func subscriptionStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	store.Save(&domain.Subscription{
		ID:          "sub-1",
		API:         "api",
		Plan:        "plan-B",
		ClientID:    "client-1",
		Application: "app-1",
		StartingAt:  time.UnixMilli(1000),
		EndingAt:    time.UnixMilli(2000),
		Status:      domain.SubscriptionAccepted,
	})
	return store
}

func TestSubscriptionValidityWindow(t *testing.T) {
	store := subscriptionStore(t)
	tests := []struct {
		ts       int64
		accepted bool
	}{
		{999, false},
		{1000, true},
		{1500, true},
		{2000, true},
		{2500, false},
	}
	for _, tt := range tests {
		policy := &fakePolicy{supports: true, requireSub: true}
		plan := NewPlan("plan-B", policy, "", nil)
		ec := newEC(time.UnixMilli(tt.ts), store)
		ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")

		err := plan.Execute(context.Background(), ec, runtime.PhaseRequest)
		assert.Equal(t, "plan-B", ec.AttributeString(runtime.AttrPlan))
		if tt.accepted {
			require.NoError(t, err, tt.ts)
			assert.Equal(t, "app-1", ec.AttributeString(runtime.AttrApplication))
			assert.Equal(t, "sub-1", ec.AttributeString(runtime.AttrSubscriptionID))
			sub, ok := ec.InternalAttribute(runtime.InternalSubscription)
			require.True(t, ok)
			assert.Equal(t, "sub-1", sub.(*domain.Subscription).ID)
			assert.Zero(t, policy.invalid.Load())
		} else {
			assert.ErrorIs(t, err, errUnauthorized, tt.ts)
			assert.Equal(t, int32(1), policy.invalid.Load())
		}
	}
}

func TestSubscriptionLookupByClientID(t *testing.T) {
	store := subscriptionStore(t)
	policy := &fakePolicy{supports: true, requireSub: true}
	plan := NewPlan("plan-B", policy, "", nil)

	ec := newEC(time.UnixMilli(1500), store)
	ec.SetAttribute(runtime.AttrAPI, "api")
	ec.SetAttribute(runtime.AttrClientID, "client-1")

	require.NoError(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest))
	assert.Equal(t, "sub-1", ec.AttributeString(runtime.AttrSubscriptionID))
	assert.Equal(t, "app-1", ec.AttributeString(runtime.AttrApplication))
}

func TestSubscriptionOfAnotherPlanIsRejected(t *testing.T) {
	store := subscriptionStore(t)
	policy := &fakePolicy{supports: true, requireSub: true}
	plan := NewPlan("plan-A", policy, "", nil)

	ec := newEC(time.UnixMilli(1500), store)
	ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")

	assert.ErrorIs(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest), errUnauthorized)
	assert.Equal(t, int32(1), policy.invalid.Load())
	assert.Empty(t, ec.AttributeString(runtime.AttrApplication))
}

func TestSubscriptionStatusMustBeAccepted(t *testing.T) {
	for _, status := range []domain.SubscriptionStatus{domain.SubscriptionClosed, domain.SubscriptionPaused} {
		t.Run(string(status), func(t *testing.T) {
			store := storage.NewMemoryStore()
			store.Save(&domain.Subscription{ID: "sub-1", API: "api", Plan: "plan-B", Application: "app", Status: status})
			policy := &fakePolicy{supports: true, requireSub: true}
			plan := NewPlan("plan-B", policy, "", nil)
			ec := newEC(time.UnixMilli(1500), store)
			ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")

			assert.ErrorIs(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest), errUnauthorized)
			assert.Equal(t, int32(1), policy.invalid.Load())
			assert.Empty(t, ec.AttributeString(runtime.AttrApplication))
		})
	}
}

func TestSubscriptionLookupFaultsLogAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	plan := NewPlan("plan-B", &fakePolicy{supports: true, requireSub: true}, "", logger)
	ec := newEC(time.UnixMilli(1500), faultyService{err: errors.New("connection refused")})
	ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")
	require.Error(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "connection refused")

	buf.Reset()
	plan = NewPlan("plan-B", &fakePolicy{supports: true, requireSub: true}, "", logger)
	ec = newEC(time.UnixMilli(1500), faultyService{})
	ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")
	require.Error(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest))
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.NotContains(t, buf.String(), "level=WARN")
}

func TestSubscriptionLookupFaultsAreRecovered(t *testing.T) {
	tests := map[string]storage.SubscriptionService{
		"store error":    faultyService{err: errors.New("connection refused")},
		"store panic":    faultyService{panic: true},
		"missing record": faultyService{},
		"no service":     nil,
	}
	for name, svc := range tests {
		t.Run(name, func(t *testing.T) {
			policy := &fakePolicy{supports: true, requireSub: true}
			plan := NewPlan("plan-B", policy, "", nil)
			ec := newEC(time.UnixMilli(1500), svc)
			ec.SetAttribute(runtime.AttrSubscriptionID, "sub-1")

			assert.NotPanics(t, func() {
				assert.ErrorIs(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest), errUnauthorized)
			})
			assert.Equal(t, int32(1), policy.invalid.Load())
		})
	}
}

func TestMissingLookupKeysInvokeInvalidSubscription(t *testing.T) {
	policy := &fakePolicy{supports: true, requireSub: true}
	plan := NewPlan("plan-B", policy, "", nil)
	ec := newEC(time.UnixMilli(1500), subscriptionStore(t))
	ec.SetAttribute(runtime.AttrAPI, "api")

	assert.ErrorIs(t, plan.Execute(context.Background(), ec, runtime.PhaseRequest), errUnauthorized)
	assert.Equal(t, int32(1), policy.invalid.Load())
}

type recordingObserver struct {
	selected   []string
	unresolved int
}

func (o *recordingObserver) PlanSelected(_, planID string) { o.selected = append(o.selected, planID) }
func (o *recordingObserver) PlanUnresolved(string)         { o.unresolved++ }

func TestChainNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	chain := NewChain("api", []*Plan{NewPlan("p", &fakePolicy{supports: true}, "{#request.method == 'POST'}", nil)}, nil, obs)

	_, ok := chain.Select(context.Background(), newEC(time.Now(), nil))
	assert.False(t, ok)

	ec := newEC(time.Now(), nil)
	ec.Request.Method = "POST"
	_, ok = chain.Select(context.Background(), ec)
	assert.True(t, ok)

	assert.Equal(t, []string{"p"}, obs.selected)
	assert.Equal(t, 1, obs.unresolved)
}

func TestChainSelectionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "plans")
		plans := make([]*Plan, 0, n)
		type decl struct {
			order    int
			supports bool
			index    int
		}
		decls := make([]decl, 0, n)
		for i := range n {
			d := decl{
				order:    rapid.IntRange(0, 3).Draw(t, "order"),
				supports: rapid.Bool().Draw(t, "supports"),
				index:    i,
			}
			decls = append(decls, d)
			plans = append(plans, NewPlan(string(rune('a'+i)), &fakePolicy{order: d.order, supports: d.supports}, "", nil))
		}

		want := -1
		for _, d := range decls {
			if !d.supports {
				continue
			}
			if want == -1 || d.order < decls[want].order {
				want = d.index
			}
		}

		got, ok := NewChain("api", plans, nil, nil).Select(context.Background(), newEC(time.Now(), nil))
		if want == -1 {
			if ok {
				t.Fatalf("expected no plan, got %s", got.ID())
			}
			return
		}
		if !ok || got.ID() != string(rune('a'+want)) {
			t.Fatalf("expected plan %c, got %v", 'a'+want, got)
		}
	})
}
