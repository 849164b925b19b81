package expr

import (
	"context"
	"errors"
	"testing"
)

func testVars() Vars {
	return Vars{
		VarRequest: map[string]any{
			"method":  "POST",
			"path":    "/books/145",
			"headers": Lookup(map[string][]string{"X-Client-Tier": {"premium"}}),
		},
		VarContext: map[string]any{
			"attributes": map[string]any{"plan": "plan-B", "score": 0.72},
		},
	}
}

func TestEvaluator_EvalBool(t *testing.T) {
	eval, err := NewEvaluator(Options{})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "boolean literal", expr: "true", want: true},
		{name: "bare expression", expr: "request.method == 'POST'", want: true},
		{name: "template wrapper", expr: "{#request.method == 'GET'}", want: false},
		{name: "legacy sigil", expr: "#request.headers['X-Client-Tier'] == 'premium'", want: true},
		{name: "header present", expr: "{#request.headers['X-Client-Tier'] != null}", want: true},
		{name: "header present is not null", expr: "{#request.headers['X-Client-Tier'] == null}", want: false},
		{name: "header absent is null", expr: "{#request.headers['X-Key'] == null}", want: true},
		{name: "header absent is not not-null", expr: "{#request.headers['X-Key'] != null}", want: false},
		{name: "header names ignore case", expr: "request.headers['x-client-tier'] == 'premium'", want: true},
		{name: "in reports presence", expr: "'x-client-tier' in request.headers && !('X-Key' in request.headers)", want: true},
		{name: "attribute lookup", expr: "{#context.attributes['plan'] == 'plan-B'}", want: true},
		{name: "numeric comparison", expr: "context.attributes['score'] >= 0.5", want: true},
		{name: "sigil inside string literal kept", expr: "request.path != '#/books'", want: true},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvalBool(ctx, tt.expr, testVars())
			if err != nil {
				t.Fatalf("EvalBool() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("EvalBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_Errors(t *testing.T) {
	eval, err := NewEvaluator(Options{})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{name: "syntax", expr: "request.method ==", wantErr: ErrSyntax},
		{name: "empty", expr: "{}", wantErr: ErrSyntax},
		{name: "non boolean", expr: "request.method", wantErr: ErrTypeMismatch},
		{name: "missing attribute", expr: "{#context.attributes['missing'] == 'a'}", wantErr: ErrEvaluation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval.EvalBool(ctx, tt.expr, testVars())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("EvalBool() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluator_EvalString(t *testing.T) {
	eval, err := NewEvaluator(Options{})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	got, err := eval.EvalString(context.Background(), "plan={#context.attributes['plan']} method={#request.method}", testVars())
	if err != nil {
		t.Fatalf("EvalString() error = %v", err)
	}
	if want := "plan=plan-B method=POST"; got != want {
		t.Fatalf("EvalString() = %q, want %q", got, want)
	}

	plain, err := eval.EvalString(context.Background(), "static value", nil)
	if err != nil || plain != "static value" {
		t.Fatalf("EvalString(plain) = %q, %v", plain, err)
	}

	if _, err := eval.EvalString(context.Background(), "broken {#request.method", testVars()); !errors.Is(err, ErrSyntax) {
		t.Fatalf("expected syntax error for unterminated segment, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"{#request.method == 'GET'}":        "request.method == 'GET'",
		"#request.method == 'GET'":          "request.method == 'GET'",
		"  request.method == 'GET'  ":       "request.method == 'GET'",
		"{#a} + {#b}":                       "{a} + {b}",
		"request.headers['#x'] == '#value'": "request.headers['#x'] == '#value'",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEvaluator_ProgramCache(t *testing.T) {
	eval, err := NewEvaluator(Options{})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	for range 3 {
		if _, err := eval.EvalBool(context.Background(), "{#request.method == 'POST'}", testVars()); err != nil {
			t.Fatalf("EvalBool() error = %v", err)
		}
	}
	if _, err := eval.EvalBool(context.Background(), "request.method == 'POST'", testVars()); err != nil {
		t.Fatalf("EvalBool() error = %v", err)
	}

	eval.mu.RLock()
	defer eval.mu.RUnlock()
	if len(eval.programs) != 1 {
		t.Fatalf("expected normalized forms to share one program, got %d", len(eval.programs))
	}
}
