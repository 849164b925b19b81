// Package flow resolves, per request, the flows that apply at platform, API
// and plan scope.
//
// A Resolver combines one Provider (the raw, enabled flows of a scope) with the
// shared ConditionFilter, and is optionally decorated with the best-match
// selector when the scope runs in BEST_MATCH mode. Resolvers are shared by all
// in-flight requests of an API; per-request state lives in the execution context.
package flow
