package domain

import "strings"

// Operator controls how a selector value is compared with the request.
type Operator string

const (
	// OperatorEquals requires the whole path (or channel) to match.
	OperatorEquals Operator = "EQUALS"
	// OperatorStartsWith matches any path below the declared prefix.
	OperatorStartsWith Operator = "STARTS_WITH"
)

// ParseOperator normalizes a configured operator, defaulting to STARTS_WITH.
func ParseOperator(raw string) Operator {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(OperatorEquals):
		return OperatorEquals
	default:
		return OperatorStartsWith
	}
}

// FlowMode decides whether a resolver runs every matching flow or only the most specific one.
type FlowMode string

const (
	// FlowModeDefault executes every matching flow in declaration order.
	FlowModeDefault FlowMode = "DEFAULT"
	// FlowModeBestMatch reduces the matching flows to the most specific one.
	FlowModeBestMatch FlowMode = "BEST_MATCH"
)

// ParseFlowMode normalizes a configured flow mode, defaulting to DEFAULT.
func ParseFlowMode(raw string) FlowMode {
	if strings.EqualFold(strings.TrimSpace(raw), string(FlowModeBestMatch)) {
		return FlowModeBestMatch
	}
	return FlowModeDefault
}

// SelectorKind tags the guard variants a flow may declare.
type SelectorKind string

const (
	SelectorHTTP      SelectorKind = "http"
	SelectorChannel   SelectorKind = "channel"
	SelectorCondition SelectorKind = "condition"
)

// Selector is one guard of a flow. A flow matches when all of its selectors match.
type Selector struct {
	Kind      SelectorKind
	Path      string   // http: path pattern, ":name" segments are parameters
	Operator  Operator // http and channel
	Methods   []string // http: empty means any method
	Channel   string   // channel
	Condition string   // condition: expression evaluated against the execution context
}

// Step is a single policy invocation inside a flow.
type Step struct {
	Name          string
	Policy        string
	Description   string
	Enabled       bool
	Condition     string
	Configuration map[string]any
}

// Flow is an ordered policy list guarded by a set of selectors.
type Flow struct {
	ID        string
	Name      string
	Enabled   bool
	Selectors []Selector
	Request   []Step
	Response  []Step
}

// EnabledFlows returns the enabled flows in declaration order.
func EnabledFlows(flows []*Flow) []*Flow {
	out := make([]*Flow, 0, len(flows))
	for _, f := range flows {
		if f != nil && f.Enabled {
			out = append(out, f)
		}
	}
	return out
}
