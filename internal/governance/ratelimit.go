package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines the token bucket of one limit.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// RateLimiter keeps one token bucket per key (plan, subscription, client).
// Buckets are created lazily and reconfigured in place when a limit changes.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
}

// NewRateLimiter creates an empty limiter registry.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// Allow takes one token from the bucket of key, creating it with cfg on first use.
func (rl *RateLimiter) Allow(key string, cfg RateLimiterConfig) bool {
	return rl.AllowAt(key, cfg, rl.now())
}

// AllowAt is Allow at an explicit instant.
func (rl *RateLimiter) AllowAt(key string, cfg RateLimiterConfig, at time.Time) bool {
	if cfg.RequestsPerSecond <= 0 {
		return true
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	cfg.BurstSize = burst

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	switch {
	case !ok:
		b = &bucket{config: cfg, limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)}
		rl.buckets[key] = b
	case b.config != cfg:
		b.limiter.SetLimitAt(at, rate.Limit(cfg.RequestsPerSecond))
		b.limiter.SetBurstAt(at, burst)
		b.config = cfg
	}
	rl.mu.Unlock()

	return b.limiter.AllowN(at, 1)
}

// RateLimitStats reports the state of one bucket.
type RateLimitStats struct {
	RequestsPerSecond float64
	BurstSize         int
	Available         float64
}

// Stats returns current rate limit statistics for all keys.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = RateLimitStats{
			RequestsPerSecond: b.config.RequestsPerSecond,
			BurstSize:         b.config.BurstSize,
			Available:         b.limiter.TokensAt(now),
		}
	}
	return stats
}

// Forget drops the buckets of the given keys.
func (rl *RateLimiter) Forget(keys ...string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, k := range keys {
		delete(rl.buckets, k)
	}
}
