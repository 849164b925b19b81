package policy

import (
	"context"
	"fmt"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

const AttributesPolicyName = "assign-attributes"

type attributesConfig struct {
	Attributes []struct {
		Name  string `yaml:"name"`
		Value string `yaml:"value"`
	} `yaml:"attributes"`
}

// Attributes binds context attributes from templates, in declaration order.
type Attributes struct {
	cfg attributesConfig
}

// NewAttributes is the Factory of the assign-attributes policy.
func NewAttributes(cfg Configuration, _ Dependencies) (Policy, error) {
	var c attributesConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	for _, a := range c.Attributes {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: attribute without name", ErrInvalidConfiguration)
		}
	}
	return &Attributes{cfg: c}, nil
}

func (*Attributes) Name() string { return AttributesPolicyName }

func (a *Attributes) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	return a.assign(ctx, ec)
}

func (a *Attributes) OnResponse(ctx context.Context, ec *runtime.ExecutionContext) error {
	return a.assign(ctx, ec)
}

func (a *Attributes) assign(ctx context.Context, ec *runtime.ExecutionContext) error {
	for _, attr := range a.cfg.Attributes {
		v, err := render(ctx, ec, attr.Value)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", attr.Name, err)
		}
		ec.SetAttribute(attr.Name, v)
	}
	return nil
}
