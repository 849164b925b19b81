package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the provided span with an authorization decision.
func RecordPolicyDecision(span trace.Span, policyName string, allowed bool, reason string, metadata map[string]string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.name", policyName),
		attribute.Bool("policy.decision.allow", allowed),
	)
	if reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", reason))
	}

	for key, value := range metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if code, ok := metadata["violation_code"]; ok && code != "" {
		span.SetAttributes(attribute.String("policy.violation_code", code))
	} else if !allowed && reason != "" {
		span.SetAttributes(attribute.String("policy.violation_code", reason))
	}

	if !allowed {
		span.AddEvent("policy.blocked")
	}
}

// RecordBodyFindings attaches the number of body findings per rule to the span.
func RecordBodyFindings(span trace.Span, policyName string, findings map[string]int) {
	if span == nil || !span.IsRecording() || len(findings) == 0 {
		return
	}
	for rule, n := range findings {
		span.SetAttributes(attribute.Int("policy."+policyName+".findings."+rule, n))
	}
}
