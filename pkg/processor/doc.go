// Package processor executes ordered lists of processors against a shared
// execution context.
//
// A chain reports exactly one terminal Outcome: Completed, Failed or Exited.
// The streamable variant additionally relays the body from processor to
// processor in declaration order, with the tail wired to a caller-supplied Sink.
package processor
