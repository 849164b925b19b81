// Package waf detects attack patterns (SQL injection, script injection, path
// traversal) in request lines and streamed bodies.
package waf

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Severity is the impact level of a rule.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action is what a rule does with its matches.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// ErrBlocked is returned once a blocking rule matched.
var ErrBlocked = errors.New("waf: request blocked")

// Rule declares one detection pattern.
type Rule struct {
	Name     string   `yaml:"name"`
	Pattern  string   `yaml:"pattern"`
	Severity Severity `yaml:"severity"`
	Action   Action   `yaml:"action"`
}

var builtins = []Rule{
	{Name: "waf.sql.union-select", Pattern: `(?i)union\s+(all\s+)?select`, Severity: SeverityHigh, Action: ActionBlock},
	{Name: "waf.sql.tautology", Pattern: `(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`, Severity: SeverityHigh, Action: ActionBlock},
	{Name: "waf.xss.script-tag", Pattern: `(?i)<script\b`, Severity: SeverityHigh, Action: ActionBlock},
	{Name: "waf.path.traversal", Pattern: `(\.\./|\.\.\\)`, Severity: SeverityMedium, Action: ActionBlock},
}

// Builtins returns the predefined rules.
func Builtins() []Rule { return slices.Clone(builtins) }

// Match is one detection.
type Match struct {
	Rule     string
	Offset   int64
	Severity Severity
	Action   Action
}

type compiledRule struct {
	name     string
	expr     *regexp.Regexp
	severity Severity
	action   Action
}

// Detector evaluates content against compiled rules.
type Detector struct {
	rules []compiledRule
	// overlap is the number of bytes carried between stream chunks.
	overlap int
}

// NewDetector compiles rules. overlap is the number of bytes carried between
// stream chunks; zero selects 256.
func NewDetector(rules []Rule, overlap int) (*Detector, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, errors.New("waf: rule name is required")
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		switch severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return nil, fmt.Errorf("waf: invalid severity %q for rule %s", severity, name)
		}
		action := rule.Action
		if action == "" {
			action = ActionBlock
		}
		if action != ActionAllow && action != ActionBlock {
			return nil, fmt.Errorf("waf: invalid action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil || rule.Pattern == "" {
			return nil, fmt.Errorf("waf: invalid pattern for rule %s: %v", name, err)
		}
		compiled = append(compiled, compiledRule{name: name, expr: expr, severity: severity, action: action})
	}
	if overlap <= 0 {
		overlap = 256
	}
	return &Detector{rules: compiled, overlap: overlap}, nil
}

// Evaluate inspects text and reports its matches; blocked is true when a
// blocking rule matched.
func (d *Detector) Evaluate(ctx context.Context, text string) (matches []Match, blocked bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	for _, rule := range d.rules {
		for _, idx := range rule.expr.FindAllStringIndex(text, -1) {
			matches = append(matches, Match{Rule: rule.name, Offset: int64(idx[0]), Severity: rule.severity, Action: rule.action})
			blocked = blocked || rule.action == ActionBlock
		}
	}
	return matches, blocked, nil
}

// Inspector scans one body incrementally. Data is never held back: each
// chunk is searched together with the tail of the previous one.
type Inspector struct {
	detector *Detector
	tail     []byte
	read     int64
	matches  []Match
}

// NewInspector creates an inspector for one body.
func (d *Detector) NewInspector() *Inspector {
	return &Inspector{detector: d}
}

// Process inspects chunk. It returns ErrBlocked on the first blocking match.
func (s *Inspector) Process(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	buf := append(slices.Clone(s.tail), chunk...)
	base := s.read - int64(len(s.tail))
	blocked := false
	for _, rule := range s.detector.rules {
		for _, idx := range rule.expr.FindAllIndex(buf, -1) {
			// Matches within the carried tail were reported with the previous chunk.
			if idx[1] <= len(s.tail) {
				continue
			}
			s.matches = append(s.matches, Match{Rule: rule.name, Offset: base + int64(idx[0]), Severity: rule.severity, Action: rule.action})
			blocked = blocked || rule.action == ActionBlock
		}
	}
	s.read += int64(len(chunk))
	s.tail = slices.Clone(buf[max(0, len(buf)-s.detector.overlap):])

	if blocked {
		return ErrBlocked
	}
	return nil
}

// Matches returns the detections so far.
func (s *Inspector) Matches() []Match { return slices.Clone(s.matches) }
