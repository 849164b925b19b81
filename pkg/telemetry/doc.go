// Package telemetry wires OpenTelemetry exporters and meters for the gateway.
//
// It centralises trace provider setup, applies gateway resource attributes,
// records processor metrics, and offers enrichment helpers that attach
// security and policy metadata to spans so operators can correlate
// enforcement decisions with upstream behaviour.
package telemetry
