// Package engine wires the gateway together.
//
//	registry.go     - deployed APIs, context-path lookup, atomic snapshot swaps
//	factory.go      - compiles flows into processors and builds deployments
//	deployment.go   - per-API security chain and flow resolvers
//	http_handler.go - Dispatcher: security, request chain, upstream, response chain
//	http_egress.go  - streaming HTTP upstream with timeouts and circuit breakers
//	simulator.go    - dry-run plan and flow resolution
//	metrics.go      - Prometheus metrics for resolution and processors
package engine
