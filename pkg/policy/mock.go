package policy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

const MockPolicyName = "mock"

type mockConfig struct {
	Status  int               `yaml:"status"`
	Headers map[string]string `yaml:"headers"`
	Content string            `yaml:"content"`
}

// Mock answers the request itself and ends the exchange.
type Mock struct {
	cfg mockConfig
}

// NewMock is the Factory of the mock policy.
func NewMock(cfg Configuration, _ Dependencies) (Policy, error) {
	var c mockConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Status == 0 {
		c.Status = http.StatusOK
	}
	if c.Status < 100 || c.Status > 599 {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidConfiguration, c.Status)
	}
	return &Mock{cfg: c}, nil
}

func (*Mock) Name() string { return MockPolicyName }

func (m *Mock) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	content, err := render(ctx, ec, m.cfg.Content)
	if err != nil {
		return fmt.Errorf("mock content: %w", err)
	}
	ec.Response.Status = m.cfg.Status
	for name, v := range m.cfg.Headers {
		ec.Response.Headers.Set(name, v)
	}
	ec.Response.Content = []byte(content)
	return runtime.ErrExit
}
