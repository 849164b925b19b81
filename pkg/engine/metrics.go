package engine

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-gateway/pkg/flow"
	"github.com/polisai/polis-gateway/pkg/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the dispatch core. A nil *Metrics
// records nothing.
type Metrics struct {
	// Flow resolution metrics
	flowsResolved    *prometheus.CounterVec
	planCacheLookups *prometheus.CounterVec
	platformRebuilds *prometheus.CounterVec

	// Security metrics
	planSelections *prometheus.CounterVec

	// Processor metrics
	processorOutcomes *prometheus.CounterVec
	processorDuration *prometheus.HistogramVec

	// HTTP metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	deployments     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		flowsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_flows_resolved_total",
				Help: "Flows selected for execution, by API and scope",
			},
			[]string{"api_id", "scope"},
		),

		planCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_plan_flow_cache_lookups_total",
				Help: "Lookups of the product plan flow cache, by result",
			},
			[]string{"api_id", "result"},
		),

		platformRebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_platform_flow_rebuilds_total",
				Help: "Platform flow snapshots recomputed after an organization change",
			},
			[]string{"api_id", "organization_id"},
		),

		planSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_security_plan_selections_total",
				Help: "Security chain decisions, by selected plan",
			},
			[]string{"api_id", "plan_id", "result"},
		),

		processorOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_processor_outcomes_total",
				Help: "Processor hook outcomes, by chain",
			},
			[]string{"chain", "hook", "outcome"},
		),

		processorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_processor_duration_seconds",
				Help:    "Processor hook latency in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"chain", "hook"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Requests served, by API and status code",
			},
			[]string{"api_id", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End to end request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api_id"},
		),

		deployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_deployed_apis",
				Help: "Number of currently deployed APIs",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.flowsResolved,
		m.planCacheLookups,
		m.platformRebuilds,
		m.planSelections,
		m.processorOutcomes,
		m.processorDuration,
		m.requestsTotal,
		m.requestDuration,
		m.deployments,
	)

	return m
}

// Registry returns the Prometheus registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FlowsResolved records how many flows a scope contributed to a request.
func (m *Metrics) FlowsResolved(apiID string, scope flow.Scope, n int) {
	if m == nil {
		return
	}
	m.flowsResolved.WithLabelValues(apiID, string(scope)).Add(float64(n))
}

// PlanCacheLookup implements flow.Observer.
func (m *Metrics) PlanCacheLookup(apiID string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.planCacheLookups.WithLabelValues(apiID, result).Inc()
}

// PlatformSnapshotRebuilt implements flow.Observer.
func (m *Metrics) PlatformSnapshotRebuilt(apiID, organizationID string) {
	if m == nil {
		return
	}
	m.platformRebuilds.WithLabelValues(apiID, organizationID).Inc()
}

// PlanSelected implements security.SelectionObserver.
func (m *Metrics) PlanSelected(apiID, planID string) {
	if m == nil {
		return
	}
	m.planSelections.WithLabelValues(apiID, planID, "selected").Inc()
}

// PlanUnresolved implements security.SelectionObserver.
func (m *Metrics) PlanUnresolved(apiID string) {
	if m == nil {
		return
	}
	m.planSelections.WithLabelValues(apiID, "", "unresolved").Inc()
}

// ObserveProcessor implements processor.Observer.
func (m *Metrics) ObserveProcessor(_ context.Context, chainID, _ string, hook string, outcome processor.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.processorOutcomes.WithLabelValues(chainID, hook, outcome.Status.String()).Inc()
	m.processorDuration.WithLabelValues(chainID, hook).Observe(elapsed.Seconds())
}

// RequestServed records a finished request.
func (m *Metrics) RequestServed(apiID string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(apiID, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(apiID).Observe(elapsed.Seconds())
}

// SetDeployments records the number of deployed APIs.
func (m *Metrics) SetDeployments(n int) {
	if m == nil {
		return
	}
	m.deployments.Set(float64(n))
}

// observers fans processor observations out to several observers.
type observers []processor.Observer

func (o observers) ObserveProcessor(ctx context.Context, chainID, processorID, hook string, outcome processor.Outcome, elapsed time.Duration) {
	for _, obs := range o {
		obs.ObserveProcessor(ctx, chainID, processorID, hook, outcome, elapsed)
	}
}
