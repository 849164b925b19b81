package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/pkg/processor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "gateway.processor"

// ProcessorMetrics records one execution counter and one latency histogram
// per processor hook. It implements processor.Observer.
//
// Instruments are created lazily from the global meter provider, so a
// provider installed after construction is still picked up on first use.
type ProcessorMetrics struct {
	once       sync.Once
	initErr    error
	executions metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewProcessorMetrics creates an observer bound to the global meter provider.
func NewProcessorMetrics() *ProcessorMetrics {
	return &ProcessorMetrics{}
}

// ObserveProcessor implements processor.Observer.
func (m *ProcessorMetrics) ObserveProcessor(ctx context.Context, chainID, processorID, hook string, outcome processor.Outcome, elapsed time.Duration) {
	if err := m.ensure(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("chain.id", chainID),
		attribute.String("processor.id", processorID),
		attribute.String("processor.hook", hook),
		attribute.String("processor.outcome", outcome.Status.String()),
	)
	m.executions.Add(ctx, 1, attrs)
	if elapsed > 0 {
		m.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
	if outcome.Status == processor.StatusFailed {
		m.failures.Add(ctx, 1, attrs)
	}
}

func (m *ProcessorMetrics) ensure() error {
	m.once.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		m.executions, m.initErr = meter.Int64Counter(
			"gateway.processor.executions_total",
			metric.WithDescription("Processor hook executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if m.initErr != nil {
			return
		}

		m.failures, m.initErr = meter.Int64Counter(
			"gateway.processor.failures_total",
			metric.WithDescription("Processor hooks that ended their chain with a failure"),
			metric.WithUnit("{count}"),
		)
		if m.initErr != nil {
			return
		}

		m.latency, m.initErr = meter.Float64Histogram(
			"gateway.processor.duration_ms",
			metric.WithDescription("Observed processor hook latency"),
			metric.WithUnit("ms"),
		)
	})
	return m.initErr
}

var _ processor.Observer = (*ProcessorMetrics)(nil)

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, planID string, resolved bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.plan.resolved", resolved),
	}
	if planID != "" {
		attrs = append(attrs, attribute.String("security.plan.id", planID))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.failure_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
