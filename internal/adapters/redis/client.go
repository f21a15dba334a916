package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
)

// Client holds the connection used by the shared rate-limit windows
type Client struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewClient dials Redis and verifies it answers within the dial timeout.
// An unreachable server is reported as dependency_unavailable; callers that
// treat Redis as optional decide whether to continue without it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	c := &Client{rdb: rdb, opTimeout: opTimeout}
	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, errors.NewDomainError(errors.KindDependencyMissing, "redis", "no answer from "+cfg.Addr(), err)
	}
	return c, nil
}

// Client exposes the go-redis handle for the limiter scripts
func (c *Client) Client() *redis.Client {
	return c.rdb
}

// Ping is bounded by the per-operation timeout so a stalled server cannot
// hold up a readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
