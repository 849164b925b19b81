package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polisai/polis-gateway/pkg/processor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProcessorMetrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	m := NewProcessorMetrics()
	m.ObserveProcessor(ctx, "request", "api/0/rate-limit", "handle", processor.Completed(), 150*time.Millisecond)
	m.ObserveProcessor(ctx, "request", "api/0/rate-limit", "handle", processor.Failed("api/0/rate-limit", errors.New("boom")), 0)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	execs, ok := metrics["gateway.processor.executions_total"]
	if !ok {
		t.Fatalf("missing gateway.processor.executions_total metric")
	}
	execData, ok := execs.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 2 {
		t.Fatalf("expected one datapoint per outcome, got %d", len(execData.DataPoints))
	}
	for _, dp := range execData.DataPoints {
		if dp.Value != 1 {
			t.Fatalf("expected count 1 per outcome, got %d", dp.Value)
		}
		if v, ok := dp.Attributes.Value(attribute.Key("processor.id")); !ok || v.AsString() != "api/0/rate-limit" {
			t.Fatalf("expected processor.id attribute, got %v", v)
		}
	}

	failures, ok := metrics["gateway.processor.failures_total"]
	if !ok {
		t.Fatalf("missing gateway.processor.failures_total metric")
	}
	failData := failures.Data.(metricdata.Sum[int64])
	if len(failData.DataPoints) != 1 || failData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single failure, got %+v", failData.DataPoints)
	}

	hist, ok := metrics["gateway.processor.duration_ms"]
	if !ok {
		t.Fatalf("missing gateway.processor.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if len(histData.DataPoints) != 1 {
		t.Fatalf("expected latency only for the timed hook, got %d points", len(histData.DataPoints))
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "dispatch")
	RecordSecurityEvent(span, "", false, "GATEWAY_PLAN_UNRESOLVABLE")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "security.event" {
		t.Fatalf("expected one security.event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.plan.resolved")); !ok || value.AsBool() {
		t.Fatalf("expected security.plan.resolved false")
	}
	if _, ok := attrs.Value(attribute.Key("security.plan.id")); ok {
		t.Fatalf("unexpected plan id on unresolved event")
	}
	if value, ok := attrs.Value(attribute.Key("security.failure_reason")); !ok || value.AsString() != "GATEWAY_PLAN_UNRESOLVABLE" {
		t.Fatalf("unexpected failure reason %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "rego")
	RecordPolicyDecision(span, "rego", false, "not an admin", map[string]string{"rule": "admins"})
	span.End()

	got := recorder.Ended()[0]
	attrs := attribute.NewSet(got.Attributes()...)
	if v, _ := attrs.Value("policy.violation_code"); v.AsString() != "not an admin" {
		t.Fatalf("expected violation code from reason, got %q", v.AsString())
	}
	if v, _ := attrs.Value("policy.rule"); v.AsString() != "admins" {
		t.Fatalf("expected metadata attribute, got %q", v.AsString())
	}
	if len(got.Events()) != 1 || got.Events()[0].Name != "policy.blocked" {
		t.Fatalf("expected policy.blocked event, got %+v", got.Events())
	}
}
