package policy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

const RateLimitPolicyName = "rate-limit"

type rateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Key is a template; the default keys by subscription.
	Key string `yaml:"key"`
	// AddHeaders exposes the limit on the response.
	AddHeaders bool `yaml:"add_headers"`
}

// RateLimit rejects requests beyond a token bucket rate with 429.
type RateLimit struct {
	cfg     rateLimitConfig
	limiter *governance.RateLimiter
	// scope separates the buckets of two steps using the same key.
	scope string
}

// NewRateLimit is the Factory of the rate-limit policy.
func NewRateLimit(cfg Configuration, deps Dependencies) (Policy, error) {
	var c rateLimitConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: requests_per_second must be positive", ErrInvalidConfiguration)
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = governance.NewRateLimiter()
	}
	return &RateLimit{cfg: c, limiter: limiter, scope: uuid.NewString()}, nil
}

func (*RateLimit) Name() string { return RateLimitPolicyName }

func (r *RateLimit) OnRequest(ctx context.Context, ec *runtime.ExecutionContext) error {
	key := ec.AttributeString(runtime.AttrSubscriptionID)
	if r.cfg.Key != "" {
		rendered, err := render(ctx, ec, r.cfg.Key)
		if err != nil {
			return fmt.Errorf("rate limit key: %w", err)
		}
		key = rendered
	}
	bucket := r.scope + ":" + key

	cfg := governance.RateLimiterConfig{RequestsPerSecond: r.cfg.RequestsPerSecond, BurstSize: r.cfg.Burst}
	allowed := r.limiter.AllowAt(bucket, cfg, ec.Timestamp())
	if r.cfg.AddHeaders {
		limit := r.cfg.Burst
		if limit <= 0 {
			limit = max(1, int(r.cfg.RequestsPerSecond))
		}
		ec.Response.Headers.Set("X-Rate-Limit-Limit", strconv.Itoa(limit))
	}
	if !allowed {
		return runtime.Fail(http.StatusTooManyRequests, runtime.KeyRateLimited, "rate limit exceeded")
	}
	return nil
}
