// Package ratelimit admits or denies per-tenant ingestion calls using a
// sliding window of admission timestamps.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const component = "ratelimit"

// Limiter defines the admission contract.
type Limiter interface {
	// Admit records an admission for tenant when capacity remains.
	Admit(ctx context.Context, tenantID string) (Decision, error)
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed    bool
	Count      int           // retained admissions after this call
	Capacity   int           // N + B
	RetryAfter time.Duration // zero when allowed
}

// Policy is the (W, N, B) triple applied to one tenant.
type Policy struct {
	Window time.Duration
	Limit  int
	Burst  int
}

// Capacity returns N + B.
func (p Policy) Capacity() int {
	return p.Limit + p.Burst
}

// CleanupInterval is how often retained timestamps are compacted: once per
// second for windows of at least a second, 10% of the window otherwise.
func (p Policy) CleanupInterval() time.Duration {
	if p.Window >= time.Second {
		return time.Second
	}
	if iv := p.Window / 10; iv > 0 {
		return iv
	}
	return time.Nanosecond
}

// Policies resolves the policy for a tenant, falling back to the default.
type Policies struct {
	Default   Policy
	Overrides map[string]Policy
}

// For returns the tenant's override or the default policy.
func (p Policies) For(tenantID string) Policy {
	if o, ok := p.Overrides[tenantID]; ok {
		return o
	}
	return p.Default
}

// PoliciesFromConfig builds policies from RATE_LIMIT_* settings. The default
// limit is the per-minute rate scaled to the configured window.
func PoliciesFromConfig(cfg config.RateLimitConfig) (Policies, error) {
	window := cfg.Window()
	limit := int(math.Ceil(float64(cfg.DefaultRPM) * window.Seconds() / 60))
	if limit < 1 {
		limit = 1
	}

	overrides, err := cfg.ParseOverrides()
	if err != nil {
		return Policies{}, errors.NewDomainError(errors.KindConfigInvalid, component, "invalid overrides", err)
	}

	p := Policies{
		Default:   Policy{Window: window, Limit: limit, Burst: cfg.Burst},
		Overrides: make(map[string]Policy, len(overrides)),
	}
	for _, o := range overrides {
		p.Overrides[o.Tenant] = Policy{Window: o.Window, Limit: o.Limit, Burst: o.Burst}
	}
	return p, nil
}

// New builds the limiter for the configuration: the Redis-backed window when
// a client is supplied and distribution is enabled, the local one otherwise.
func New(cfg config.RateLimitConfig, client *redis.Client, log *logger.Logger) (Limiter, error) {
	policies, err := PoliciesFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	local := NewSlidingWindowLimiter(policies)
	if client == nil || !cfg.Distributed {
		return local, nil
	}

	grace := time.Duration(cfg.GraceSecs) * time.Second
	return NewRedisLimiter(client, policies, cfg.KeyPrefix, grace, local, log), nil
}

// NoOpLimiter admits everything.
type NoOpLimiter struct{}

// Admit always allows.
func (NoOpLimiter) Admit(ctx context.Context, tenantID string) (Decision, error) {
	return Decision{Allowed: true}, nil
}
