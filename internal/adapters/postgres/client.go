package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
)

const defaultConnMaxLifetime = time.Hour

// Client owns the pool shared by the usage, price, budget and DLQ stores
type Client struct {
	db *sqlx.DB
}

// NewClient opens the pool and checks the server is reachable. Failures are
// dependency_unavailable so the entrypoint exits with the matching code.
func NewClient(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, errors.NewDomainError(errors.KindDependencyMissing, "postgres",
			"cannot connect to "+cfg.Host+"/"+cfg.Database, err)
	}
	configurePool(db, cfg)

	c := &Client{db: db}
	if err := c.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewDomainError(errors.KindDependencyMissing, "postgres", "ping failed", err)
	}
	return c, nil
}

func configurePool(db *sqlx.DB, cfg config.PostgresConfig) {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	lifetime := cfg.ConnMaxLife
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}

	// ingestion holds a connection only for the usage/cost transactions
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/2))
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(lifetime / 2)
}

// DB returns the pool for repository construction
func (c *Client) DB() *sqlx.DB {
	return c.db
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}
