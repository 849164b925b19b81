package flow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// segmentKind weights a path segment for specificity: a literal segment is
// more specific than a parameter, which is more specific than nothing.
type segmentKind int

const (
	segmentAbsent segmentKind = iota
	segmentParam
	segmentLiteral
)

// pathPattern is a compiled http selector path.
type pathPattern struct {
	raw      string
	operator domain.Operator
	segments []segmentKind
	expr     *regexp.Regexp
}

func compilePath(raw string, op domain.Operator) (*pathPattern, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), "/")

	var (
		parts    []string
		segments []segmentKind
	)
	if trimmed != "" {
		for _, seg := range strings.Split(trimmed, "/") {
			switch {
			case strings.HasPrefix(seg, ":") && len(seg) > 1:
				parts = append(parts, `[^/]+`)
				segments = append(segments, segmentParam)
			case seg == "*" || seg == "**":
				parts = append(parts, `[^/]*`)
				segments = append(segments, segmentParam)
			default:
				parts = append(parts, regexp.QuoteMeta(seg))
				segments = append(segments, segmentLiteral)
			}
		}
	}

	body := ""
	if len(parts) > 0 {
		body = "/" + strings.Join(parts, "/")
	}
	var source string
	if op == domain.OperatorEquals {
		source = "^" + body + "/?$"
	} else {
		source = "^" + body + "(?:/.*)?$"
	}

	expr, err := regexp.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile path %q: %w", raw, err)
	}
	return &pathPattern{raw: raw, operator: op, segments: segments, expr: expr}, nil
}

func (p *pathPattern) match(path string) bool {
	if path == "" {
		path = "/"
	}
	return p.expr.MatchString(path)
}

// compareSpecificity returns >0 when a is more specific than b, <0 when less,
// 0 when equally specific. Segments compare left to right, so a longer static
// prefix wins before the parameter count is considered; an exact operator
// breaks a remaining tie.
func compareSpecificity(a, b *pathPattern) int {
	n := max(len(a.segments), len(b.segments))
	for i := range n {
		ka, kb := segmentAt(a.segments, i), segmentAt(b.segments, i)
		if ka != kb {
			return int(ka) - int(kb)
		}
	}
	return operatorWeight(a.operator) - operatorWeight(b.operator)
}

func segmentAt(segments []segmentKind, i int) segmentKind {
	if i < len(segments) {
		return segments[i]
	}
	return segmentAbsent
}

func operatorWeight(op domain.Operator) int {
	if op == domain.OperatorEquals {
		return 1
	}
	return 0
}
