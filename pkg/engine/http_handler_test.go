package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/policy"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamStub struct {
	server *httptest.Server
	calls  atomic.Int32
	last   atomic.Pointer[http.Request]
	body   string
}

func newUpstream(t *testing.T, body string) *upstreamStub {
	t.Helper()
	u := &upstreamStub{body: body}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.last.Store(r.Clone(r.Context()))
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, u.body)
	}))
	t.Cleanup(u.server.Close)
	return u
}

type gateway struct {
	registry   *Registry
	dispatcher *Dispatcher
	store      *storage.MemoryStore
	metrics    *Metrics
}

func newGateway(t *testing.T, apis ...*domain.API) *gateway {
	t.Helper()
	return newGatewayWithPolicies(t, nil, apis...)
}

func newGatewayWithPolicies(t *testing.T, policies *policy.Registry, apis ...*domain.API) *gateway {
	t.Helper()
	metrics := NewMetrics()
	registry := NewRegistry(RegistryConfig{Policies: policies, Metrics: metrics})
	for _, api := range apis {
		require.NoError(t, registry.Deploy(api))
	}
	store := storage.NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := NewDispatcher(DispatcherConfig{
		Registry:      registry,
		Subscriptions: store,
		APIKeys:       store,
		Metrics:       metrics,
		Clock:         func() time.Time { return fixed },
	})
	require.NoError(t, err)
	return &gateway{registry: registry, dispatcher: d, store: store, metrics: metrics}
}

func (g *gateway) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	g.dispatcher.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var resp domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestDispatcherKeylessProxy(t *testing.T) {
	up := newUpstream(t, "hello")
	api := keylessAPI("pets", "/pets", pathFlow("tag", "/", []domain.Step{
		step("transform-headers", map[string]any{"set": map[string]any{"X-Plan": "{#context.attributes['plan']}"}}),
	}, []domain.Step{
		step("transform-headers", map[string]any{"set": map[string]any{"X-Gateway": "polis"}}),
	}))
	api.Endpoint = up.server.URL + "/v1"
	g := newGateway(t, api)

	rec := g.do(http.MethodGet, "/pets/dogs?color=brown", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "polis", rec.Header().Get("X-Gateway"))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	last := up.last.Load()
	require.NotNil(t, last)
	assert.Equal(t, "/v1/dogs", last.URL.Path)
	assert.Equal(t, "brown", last.URL.Query().Get("color"))
	assert.Equal(t, "pets-keyless", last.Header.Get("X-Plan"))
	assert.Equal(t, rec.Header().Get(HeaderRequestID), last.Header.Get(HeaderRequestID))
}

func TestDispatcherUnknownContextPath(t *testing.T) {
	g := newGateway(t, keylessAPI("pets", "/pets"))

	rec := g.do(http.MethodGet, "/cats", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KeyAPINotFound, decodeError(t, rec).Code)
}

func apiKeyAPI(endpoint string) *domain.API {
	return &domain.API{
		ID:          "orders",
		ContextPath: "/orders",
		Endpoint:    endpoint,
		Plans: []*domain.Plan{{
			ID:       "gold",
			Security: domain.SecurityAPIKey,
		}},
	}
}

func TestDispatcherAPIKeyPlan(t *testing.T) {
	up := newUpstream(t, "ok")
	g := newGateway(t, apiKeyAPI(up.server.URL))
	g.store.Save(&domain.Subscription{ID: "sub-1", API: "orders", Plan: "gold", Application: "app-1", Status: domain.SubscriptionAccepted})
	g.store.SaveAPIKey(&domain.APIKey{Key: "secret", API: "orders", Plan: "gold", Subscription: "sub-1", Application: "app-1"})

	t.Run("no key resolves no plan", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/orders", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, runtime.KeyPlanUnresolvable, decodeError(t, rec).Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/orders", http.Header{"X-Gravitee-Api-Key": {"wrong"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, runtime.KeyUnauthorized, decodeError(t, rec).Code)
	})

	t.Run("valid key", func(t *testing.T) {
		rec := g.do(http.MethodGet, "/orders/1", http.Header{"X-Gravitee-Api-Key": {"secret"}})
		require.Equal(t, http.StatusOK, rec.Code)
		last := up.last.Load()
		require.NotNil(t, last)
		assert.Empty(t, last.Header.Get("X-Gravitee-Api-Key"))
	})

	assert.Equal(t, int32(1), up.calls.Load())
}

func TestDispatcherMockExit(t *testing.T) {
	up := newUpstream(t, "never")
	api := keylessAPI("mocked", "/mocked", pathFlow("mock", "/", []domain.Step{
		step("mock", map[string]any{"status": 418, "content": "teapot", "headers": map[string]any{"X-Mock": "1"}}),
	}, nil))
	api.Endpoint = up.server.URL
	g := newGateway(t, api)

	rec := g.do(http.MethodGet, "/mocked", nil)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "teapot", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Mock"))
	assert.Zero(t, up.calls.Load())
}

func TestDispatcherRateLimit(t *testing.T) {
	up := newUpstream(t, "ok")
	api := keylessAPI("limited", "/limited", pathFlow("limit", "/", []domain.Step{
		step("rate-limit", map[string]any{"requests_per_second": 1, "burst": 1, "add_headers": true}),
	}, nil))
	api.Endpoint = up.server.URL
	g := newGateway(t, api)

	first := g.do(http.MethodGet, "/limited", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := g.do(http.MethodGet, "/limited", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("X-Rate-Limit-Limit"))
	assert.Equal(t, runtime.KeyRateLimited, decodeError(t, second).Code)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestDispatcherRedactsResponseBody(t *testing.T) {
	up := newUpstream(t, "contact alice@example.com please")
	api := keylessAPI("dlp", "/dlp", pathFlow("dlp", "/", nil, []domain.Step{
		step("dlp", map[string]any{"builtins": []any{"pii.email"}}),
	}))
	api.Endpoint = up.server.URL
	g := newGateway(t, api)

	rec := g.do(http.MethodGet, "/dlp", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "contact [REDACTED:email] please", rec.Body.String())
}

func TestDispatcherUpstreamDown(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	endpoint := down.URL
	down.Close()

	api := keylessAPI("down", "/down")
	api.Endpoint = endpoint
	g := newGateway(t, api)

	rec := g.do(http.MethodGet, "/down", nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, runtime.KeyUpstreamError, decodeError(t, rec).Code)
}

func TestDispatcherPlatformFlows(t *testing.T) {
	up := newUpstream(t, "ok")
	api := keylessAPI("pets", "/pets", pathFlow("api", "/", nil, []domain.Step{
		step("transform-headers", map[string]any{"set": map[string]any{"X-Order": "api"}}),
	}))
	api.Endpoint = up.server.URL
	api.OrganizationID = "org"
	g := newGateway(t, api)
	require.NoError(t, g.registry.SetOrganization(&domain.Organization{
		ID: "org",
		Flows: []*domain.Flow{pathFlow("platform", "/", []domain.Step{
			step("transform-headers", map[string]any{"set": map[string]any{"X-Platform": "in"}}),
		}, []domain.Step{
			step("transform-headers", map[string]any{"set": map[string]any{"X-Order": "platform"}}),
		})},
	}))

	rec := g.do(http.MethodGet, "/pets", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "platform", rec.Header().Get("X-Order"), "platform response flows run last")
	last := up.last.Load()
	require.NotNil(t, last)
	assert.Equal(t, "in", last.Header.Get("X-Platform"))
}

func TestDispatcherPolicyFailureBeforeUpstream(t *testing.T) {
	up := newUpstream(t, "ok")
	api := keylessAPI("guarded", "/guarded", pathFlow("mock-fail", "/", []domain.Step{
		step("mock", map[string]any{"status": 503, "content": strings.Repeat("x", 3)}),
	}, nil))
	api.Endpoint = up.server.URL
	g := newGateway(t, api)

	rec := g.do(http.MethodPost, "/guarded", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "xxx", rec.Body.String())
	assert.Zero(t, up.calls.Load())
}

// exitOnEnd relays the body and exits when the stream ends.
type exitOnEnd struct{}

func (exitOnEnd) Name() string { return "exit-on-end" }

func (exitOnEnd) NewTransformer(context.Context, *runtime.ExecutionContext, runtime.Phase) (policy.BodyTransformer, error) {
	return exitOnEnd{}, nil
}

func (exitOnEnd) Transform(_ context.Context, chunk []byte, emit func([]byte) error) error {
	return emit(chunk)
}

func (exitOnEnd) Flush(context.Context, func([]byte) error) error { return runtime.ErrExit }

func TestDispatcherResponseExitAfterHeaders(t *testing.T) {
	up := newUpstream(t, "partial body")
	policies := policy.NewDefaultRegistry()
	policies.Register("exit-on-end", func(policy.Configuration, policy.Dependencies) (policy.Policy, error) {
		return exitOnEnd{}, nil
	})
	api := keylessAPI("stream", "/stream", pathFlow("exit", "/", nil, []domain.Step{step("exit-on-end", nil)}))
	api.Endpoint = up.server.URL
	g := newGatewayWithPolicies(t, policies, api)

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() { rec = g.do(http.MethodGet, "/stream", nil) })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial body", rec.Body.String())
}

func TestDispatcherProductPlanRunsEveryPlanFlow(t *testing.T) {
	up := newUpstream(t, "ok")
	planFlow := func(name, header string) *domain.Flow {
		return pathFlow(name, "/", []domain.Step{
			step("transform-headers", map[string]any{"set": map[string]any{header: "1"}}),
		}, nil)
	}
	api := &domain.API{
		ID:          "catalog",
		ContextPath: "/catalog",
		Endpoint:    up.server.URL,
		Plans: []*domain.Plan{
			{ID: "p1", Security: domain.SecurityKeyless, SelectionRule: "{#request.headers['X-Tier'] == 'p1'}", Flows: []*domain.Flow{planFlow("f1", "X-P1")}},
			{ID: "p2", Security: domain.SecurityKeyless, SelectionRule: "{#request.headers['X-Tier'] == 'p2'}", Flows: []*domain.Flow{planFlow("f2", "X-P2")}},
		},
		ProductPlans: []*domain.Plan{{ID: "prod-plan-7", Security: domain.SecurityAPIKey}},
	}
	g := newGateway(t, api)
	g.store.Save(&domain.Subscription{
		ID: "sub-7", API: "catalog", Plan: "prod-plan-7", Application: "app-7",
		Status:   domain.SubscriptionAccepted,
		Metadata: map[string]string{domain.MetadataReferenceType: domain.ReferenceTypeAPIProduct},
	})
	g.store.SaveAPIKey(&domain.APIKey{Key: "product-key", API: "catalog", Plan: "prod-plan-7", Subscription: "sub-7", Application: "app-7"})

	rec := g.do(http.MethodGet, "/catalog/items", http.Header{"X-Gravitee-Api-Key": {"product-key"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	last := up.last.Load()
	require.NotNil(t, last)
	assert.Equal(t, "1", last.Header.Get("X-P1"))
	assert.Equal(t, "1", last.Header.Get("X-P2"))

	rec = g.do(http.MethodGet, "/catalog/items", http.Header{"X-Tier": {"p2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	last = up.last.Load()
	assert.Empty(t, last.Header.Get("X-P1"))
	assert.Equal(t, "1", last.Header.Get("X-P2"))
}

func TestDispatcherRedactsHeaderAttributes(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{
		Registry: NewRegistry(RegistryConfig{}),
		Redactions: []telemetry.Redaction{
			{Attribute: "http.request.header.x-user", Strategy: "mask"},
			{Attribute: "http.request.header.x-trace-token"},
		},
	})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-User", "person@example.com")
	h.Set("X-Trace-Token", "abc")
	h.Add("Accept", "text/plain")
	h.Add("Accept", "application/json")

	got := map[string]string{}
	for _, kv := range d.headerAttributes(h) {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, map[string]string{
		"http.request.header.x-user": "pers***.com",
		"http.request.header.accept": "text/plain, application/json",
	}, got)
}
