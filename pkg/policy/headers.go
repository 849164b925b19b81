package policy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

const HeadersPolicyName = "transform-headers"

type headersConfig struct {
	Add    map[string]string `yaml:"add"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// Headers adds, sets and removes headers of the request or the response.
// Values may be templates.
type Headers struct {
	cfg headersConfig
}

// NewHeaders is the Factory of the transform-headers policy.
func NewHeaders(cfg Configuration, _ Dependencies) (Policy, error) {
	var c headersConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return &Headers{cfg: c}, nil
}

func (*Headers) Name() string { return HeadersPolicyName }

func (h *Headers) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return h.apply(ctx, ec, ec.Request.Headers)
}

func (h *Headers) OnResponse(ctx context.Context, ec *runtime.ExecutionContext) error {
	return h.apply(ctx, ec, ec.Response.Headers)
}

func (h *Headers) apply(ctx context.Context, ec *runtime.ExecutionContext, headers http.Header) error {
	for _, name := range h.cfg.Remove {
		headers.Del(name)
	}
	for name, tmpl := range h.cfg.Set {
		v, err := render(ctx, ec, tmpl)
		if err != nil {
			return fmt.Errorf("header %s: %w", name, err)
		}
		headers.Set(name, v)
	}
	for name, tmpl := range h.cfg.Add {
		v, err := render(ctx, ec, tmpl)
		if err != nil {
			return fmt.Errorf("header %s: %w", name, err)
		}
		headers.Add(name, v)
	}
	return nil
}

func render(ctx context.Context, ec *runtime.ExecutionContext, tmpl string) (string, error) {
	if !strings.Contains(tmpl, "{#") {
		return tmpl, nil
	}
	return ec.EvalString(ctx, tmpl)
}
