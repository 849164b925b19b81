// Package governance holds the runtime safety controls of the gateway: token
// bucket rate limiting for the rate-limit policy, circuit breakers around
// external lookups, and request timeouts for upstream calls.
package governance
