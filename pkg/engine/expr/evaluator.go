// Package expr evaluates gateway expressions (selection rules, flow and step
// conditions, string templates) with the Common Expression Language.
//
// Expressions may be written bare (`request.method == 'GET'`), wrapped in the
// template form (`{#request.method == 'GET'}`), or with the legacy `#` sigils
// in front of identifiers. All forms normalize to the same CEL program.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("expression syntax error")
	// ErrTypeMismatch indicates the expression produced an unexpected result type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrEvaluation indicates the program failed at runtime (missing key, bad operand).
	ErrEvaluation = errors.New("expression evaluation failed")
)

// Root variables every expression may reference.
const (
	VarRequest  = "request"
	VarResponse = "response"
	VarContext  = "context"
)

// Vars is the activation passed to a program, keyed by root variable.
type Vars map[string]any

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
}

// Evaluator compiles and evaluates expressions, caching compiled programs per source.
type Evaluator struct {
	timeout time.Duration
	env     *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) (*Evaluator, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}

	env, err := cel.NewEnv(
		cel.Variable(VarRequest, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarResponse, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarContext, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}

	return &Evaluator{
		timeout:  timeout,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// EvalBool evaluates expression and requires a boolean result.
func (e *Evaluator) EvalBool(ctx context.Context, expression string, vars Vars) (bool, error) {
	value, err := e.eval(ctx, Normalize(expression), vars)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean, got %T", ErrTypeMismatch, value)
	}
	return b, nil
}

// EvalString renders a template. Every `{#...}` segment is replaced by the
// string form of its value; text outside segments is copied unchanged.
func (e *Evaluator) EvalString(ctx context.Context, template string, vars Vars) (string, error) {
	if !strings.Contains(template, "{#") {
		return template, nil
	}

	var out strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{#")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := matchingBrace(rest, start)
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated template segment in %q", ErrSyntax, template)
		}
		out.WriteString(rest[:start])

		value, err := e.eval(ctx, Normalize(rest[start:end+1]), vars)
		if err != nil {
			return "", err
		}
		out.WriteString(stringify(value))
		rest = rest[end+1:]
	}
}

// Compile validates expression without evaluating it.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(Normalize(expression))
	return err
}

func (e *Evaluator) eval(ctx context.Context, source string, vars Vars) (any, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	prg, err := e.program(source)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	activation := map[string]any{
		VarRequest:  map[string]any{},
		VarResponse: map[string]any{},
		VarContext:  map[string]any{},
	}
	for k, v := range vars {
		activation[k] = v
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEvaluation, source, err)
	}
	if out.Type() == types.NullType {
		return nil, nil
	}
	return out.Value(), nil
}

func (e *Evaluator) program(source string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[source]; ok {
		return prg, nil
	}

	ast, iss := e.env.Compile(source)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, source, iss.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSyntax, source, err)
	}
	e.programs[source] = prg
	return prg, nil
}

// Normalize strips the `{...}` template wrapper and removes `#` sigils that sit
// outside string literals.
func Normalize(expression string) string {
	s := strings.TrimSpace(expression)
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && matchingBrace(s, 0) == len(s)-1 {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if !strings.Contains(s, "#") {
		return s
	}

	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == '\\' && i+1 < len(s) {
				b.WriteByte(ch)
				i++
				b.WriteByte(s[i])
				continue
			}
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '#':
			continue
		}
		b.WriteByte(ch)
	}
	return strings.TrimSpace(b.String())
}

// matchingBrace returns the index of the brace closing the one at open, or -1.
func matchingBrace(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
