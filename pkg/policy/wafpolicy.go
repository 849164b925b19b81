package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/policy/waf"
)

const WAFPolicyName = "waf"

type wafConfig struct {
	// Builtins enables the predefined rule set.
	Builtins    *bool      `yaml:"builtins"`
	Rules       []waf.Rule `yaml:"rules"`
	Overlap     int        `yaml:"overlap"`
	InspectBody *bool      `yaml:"inspect_body"`
}

// WAF rejects requests whose line or body matches an attack pattern.
type WAF struct {
	detector    *waf.Detector
	inspectBody bool
	logger      *slog.Logger
}

// NewWAF is the Factory of the waf policy.
func NewWAF(cfg Configuration, deps Dependencies) (Policy, error) {
	var c wafConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	var rules []waf.Rule
	if c.Builtins == nil || *c.Builtins {
		rules = waf.Builtins()
	}
	rules = append(rules, c.Rules...)
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidConfiguration)
	}
	d, err := waf.NewDetector(rules, c.Overlap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &WAF{detector: d, inspectBody: c.InspectBody == nil || *c.InspectBody, logger: deps.Logger}, nil
}

func (*WAF) Name() string { return WAFPolicyName }

var errWAFBlocked = runtime.Fail(http.StatusForbidden, runtime.KeyForbidden, "request blocked by web application firewall")

func (w *WAF) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	line := ec.Request.Path
	if q := ec.Request.Query.Encode(); q != "" {
		if unescaped, err := url.QueryUnescape(q); err == nil {
			q = unescaped
		}
		line += "?" + q
	}
	matches, blocked, err := w.detector.Evaluate(ctx, line)
	if err != nil {
		return err
	}
	if blocked {
		w.logger.Info("waf blocked request line",
			slog.String("request_id", ec.Request.ID),
			slog.String("rule", matches[0].Rule))
		return errWAFBlocked
	}
	return nil
}

func (w *WAF) NewTransformer(_ context.Context, _ *runtime.ExecutionContext, phase runtime.Phase) (BodyTransformer, error) {
	if !w.inspectBody || !isRequestPhase(phase) {
		return nil, nil
	}
	return &wafTransformer{inspector: w.detector.NewInspector()}, nil
}

type wafTransformer struct {
	inspector *waf.Inspector
}

func (t *wafTransformer) Transform(ctx context.Context, chunk []byte, emit func([]byte) error) error {
	if err := t.inspector.Process(ctx, chunk); err != nil {
		if errors.Is(err, waf.ErrBlocked) {
			return errWAFBlocked.WithCause(err)
		}
		return err
	}
	return emit(chunk)
}

func (*wafTransformer) Flush(context.Context, func([]byte) error) error { return nil }
