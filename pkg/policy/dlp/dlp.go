// Package dlp scans body content for sensitive data and redacts or blocks it,
// either on whole text or incrementally on a chunked stream.
package dlp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Action is what a rule does with its matches.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// ErrBlocked is returned once a block rule matched.
var ErrBlocked = errors.New("dlp: content blocked by policy")

// Rule declares one detection pattern.
type Rule struct {
	Name        string `yaml:"name" json:"name"`
	Pattern     string `yaml:"pattern" json:"pattern"`
	Action      Action `yaml:"action" json:"action"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// Config bundles the rules and stream limits of a redactor.
type Config struct {
	Rules []Rule
	// Overlap is the number of trailing bytes held back between chunks so
	// matches spanning a chunk boundary are still found.
	Overlap      int
	MaxReadBytes int64
	MaxFindings  int
}

// Finding records one match. The matched text is not kept.
type Finding struct {
	Rule   string
	Start  int64
	End    int64
	Action Action
}

// Report summarises a scan.
type Report struct {
	Findings          []Finding
	Redacted          string
	RedactionsApplied bool
	Blocked           bool
}

var builtins = map[string]Rule{
	"pii.email": {
		Name:        "pii.email",
		Pattern:     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:email]",
	},
	"pii.ssn": {
		Name:        "pii.ssn",
		Pattern:     `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:ssn]",
	},
	"pci.card-number": {
		Name:        "pci.card-number",
		Pattern:     `\b(?:\d{4}[- ]?){3}\d{4}\b`,
		Action:      ActionBlock,
		Replacement: "[REDACTED:card]",
	},
	"secret.api-key": {
		Name:        "secret.api-key",
		Pattern:     `(?i)\b(?:api[_-]?key|apikey|api[_-]?secret|bearer[_-]?token)[:=\s]+[a-z0-9_\-]{16,}\b`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:api-key]",
	},
}

// Builtin returns a predefined rule by name.
func Builtin(name string) (Rule, bool) {
	r, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	return r, ok
}

// BuiltinNames lists the predefined rules.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

type compiledRule struct {
	name        string
	expr        *regexp.Regexp
	action      Action
	replacement string
}

// Scanner applies compiled rules to text.
type Scanner struct {
	rules []compiledRule
}

// NewScanner compiles the rules of cfg.
func NewScanner(cfg Config) (*Scanner, error) {
	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, errors.New("dlp: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("dlp: pattern is required for rule %s", name)
		}
		action := rule.Action
		if action == "" {
			action = ActionRedact
		}
		switch action {
		case ActionAllow, ActionRedact, ActionBlock:
		default:
			return nil, fmt.Errorf("dlp: unsupported action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("dlp: invalid pattern for rule %s: %w", name, err)
		}
		replacement := rule.Replacement
		if replacement == "" && action == ActionRedact {
			replacement = "[REDACTED:" + name + "]"
		}
		compiled = append(compiled, compiledRule{name: name, expr: expr, action: action, replacement: replacement})
	}
	return &Scanner{rules: compiled}, nil
}

// Blocks reports whether any rule blocks.
func (s *Scanner) Blocks() bool {
	return slices.ContainsFunc(s.rules, func(r compiledRule) bool { return r.action == ActionBlock })
}

// Scan applies every rule to text.
func (s *Scanner) Scan(ctx context.Context, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report := Report{Redacted: text}
	for _, rule := range s.rules {
		for _, m := range rule.expr.FindAllStringIndex(text, -1) {
			report.Findings = append(report.Findings, Finding{
				Rule: rule.name, Start: int64(m[0]), End: int64(m[1]), Action: rule.action,
			})
			if rule.action == ActionBlock {
				report.Blocked = true
			}
		}
		if rule.action == ActionRedact {
			report.Redacted = rule.expr.ReplaceAllLiteralString(report.Redacted, rule.replacement)
		}
	}
	sortFindings(report.Findings)
	report.RedactionsApplied = report.Redacted != text
	return report, nil
}

func sortFindings(findings []Finding) {
	slices.SortStableFunc(findings, func(a, b Finding) int {
		if a.Start != b.Start {
			return int(a.Start - b.Start)
		}
		return int(a.End - b.End)
	})
}
