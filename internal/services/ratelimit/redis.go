package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"costops/internal/metrics"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Lua script for the sorted-set sliding window (atomic per tenant key)
// KEYS[1] = window key
// ARGV[1] = now (seconds, ms fraction)
// ARGV[2] = window (seconds)
// ARGV[3] = capacity (N + B)
// ARGV[4] = unique member
// ARGV[5] = expiry (ms)
// Returns: {allowed, count, retry_after_ms}
const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local member = ARGV[4]
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < capacity then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, ttl)
    return {1, count + 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if oldest[2] then
    retry = math.ceil((tonumber(oldest[2]) + window - now) * 1000)
    if retry < 0 then
        retry = 0
    end
end
return {0, count, retry}
`

// RedisLimiter shares each tenant window across nodes via a Redis sorted set.
// On Redis errors it falls back to the in-process limiter.
type RedisLimiter struct {
	client    *redis.Client
	policies  Policies
	keyPrefix string
	grace     time.Duration
	script    *redis.Script
	fallback  Limiter
	log       *logger.Logger
	now       func() time.Time
}

// NewRedisLimiter creates a distributed sliding window limiter.
func NewRedisLimiter(client *redis.Client, policies Policies, keyPrefix string, grace time.Duration, fallback Limiter, log *logger.Logger) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "costops:rl"
	}
	if log == nil {
		log = logger.Get()
	}
	return &RedisLimiter{
		client:    client,
		policies:  policies,
		keyPrefix: keyPrefix,
		grace:     grace,
		script:    redis.NewScript(luaSlidingWindowScript),
		fallback:  fallback,
		log:       log.WithComponent(component),
		now:       time.Now,
	}
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, tenantID string) (Decision, error) {
	d, err := l.tryAdmit(ctx, tenantID)
	if err == nil {
		metrics.RecordRateLimit(d.Allowed, "redis")
		return d, nil
	}

	metrics.RecordError(string(errors.KindTransient), component)
	if l.fallback == nil {
		return Decision{}, errors.NewDomainError(errors.KindTransient, component, "distributed window unavailable", err)
	}

	l.log.Warnw("Redis rate limiter unavailable, using local window",
		"tenant_id", tenantID,
		"error", err,
	)
	return l.fallback.Admit(ctx, tenantID)
}

func (l *RedisLimiter) tryAdmit(ctx context.Context, tenantID string) (Decision, error) {
	policy := l.policies.For(tenantID)
	now := l.now()
	nowSecs := float64(now.UnixMilli()) / 1000
	ttl := (policy.Window + l.grace).Milliseconds()

	result, err := l.script.Run(
		ctx,
		l.client,
		[]string{l.key(tenantID)},
		nowSecs,
		policy.Window.Seconds(),
		policy.Capacity(),
		uuid.NewString(),
		ttl,
	).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "failed to execute sliding window script")
	}
	if len(result) != 3 {
		return Decision{}, fmt.Errorf("unexpected sliding window reply length %d", len(result))
	}

	return Decision{
		Allowed:    result[0] == 1,
		Count:      int(result[1]),
		Capacity:   policy.Capacity(),
		RetryAfter: time.Duration(result[2]) * time.Millisecond,
	}, nil
}

// Reset clears the tenant's window.
func (l *RedisLimiter) Reset(ctx context.Context, tenantID string) error {
	return l.client.Del(ctx, l.key(tenantID)).Err()
}

func (l *RedisLimiter) key(tenantID string) string {
	return l.keyPrefix + ":" + tenantID
}
