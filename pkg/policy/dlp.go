package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/policy/dlp"
	"github.com/polisai/polis-gateway/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

const DLPPolicyName = "dlp"

type dlpConfig struct {
	// Builtins names predefined rules, e.g. pii.email.
	Builtins     []string   `yaml:"builtins"`
	Rules        []dlp.Rule `yaml:"rules"`
	Overlap      int        `yaml:"overlap"`
	MaxReadBytes int64      `yaml:"max_read_bytes"`
	// Request and Response select the bodies inspected; both by default.
	Request  *bool `yaml:"request"`
	Response *bool `yaml:"response"`
}

// DLP redacts or blocks sensitive content in streamed bodies.
type DLP struct {
	cfg     dlp.Config
	scanner *dlp.Scanner
	request bool
	reply   bool
}

// NewDLP is the Factory of the dlp policy.
func NewDLP(cfg Configuration, _ Dependencies) (Policy, error) {
	var c dlpConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	rules := make([]dlp.Rule, 0, len(c.Builtins)+len(c.Rules))
	for _, name := range c.Builtins {
		rule, ok := dlp.Builtin(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown builtin rule %q", ErrInvalidConfiguration, name)
		}
		rules = append(rules, rule)
	}
	rules = append(rules, c.Rules...)
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidConfiguration)
	}

	dc := dlp.Config{Rules: rules, Overlap: c.Overlap, MaxReadBytes: c.MaxReadBytes}
	scanner, err := dlp.NewScanner(dc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &DLP{
		cfg:     dc,
		scanner: scanner,
		request: c.Request == nil || *c.Request,
		reply:   c.Response == nil || *c.Response,
	}, nil
}

func (*DLP) Name() string { return DLPPolicyName }

func (d *DLP) NewTransformer(_ context.Context, ec *runtime.ExecutionContext, phase runtime.Phase) (BodyTransformer, error) {
	if isRequestPhase(phase) {
		if !d.request {
			return nil, nil
		}
		ec.Request.Headers.Del("Content-Length")
	} else {
		if !d.reply {
			return nil, nil
		}
		ec.Response.Headers.Del("Content-Length")
	}
	return &dlpTransformer{redactor: dlp.NewStreamRedactorFrom(d.scanner, d.cfg)}, nil
}

type dlpTransformer struct {
	redactor *dlp.StreamRedactor
}

func (t *dlpTransformer) Transform(ctx context.Context, chunk []byte, emit func([]byte) error) error {
	return blocked(t.redactor.Write(ctx, chunk, emit))
}

func (t *dlpTransformer) Flush(ctx context.Context, emit func([]byte) error) error {
	err := t.redactor.Flush(ctx, emit)
	report := t.redactor.Report()
	if len(report.Findings) > 0 {
		counts := make(map[string]int)
		for _, f := range report.Findings {
			counts[f.Rule]++
		}
		telemetry.RecordBodyFindings(trace.SpanFromContext(ctx), DLPPolicyName, counts)
	}
	return blocked(err)
}

func blocked(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dlp.ErrBlocked):
		return runtime.Fail(http.StatusForbidden, runtime.KeyForbidden, "content blocked by data loss prevention").WithCause(err)
	case errors.Is(err, dlp.ErrMaxReadExceeded):
		return runtime.Fail(http.StatusRequestEntityTooLarge, runtime.KeyPolicyError, "body exceeds inspection limit").WithCause(err)
	default:
		return err
	}
}
