package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"costops/internal/adapters/config"
	"costops/pkg/errors"
)

// Client is the analytics connection behind the cost mirror
type Client struct {
	conn     driver.Conn
	database string
}

// NewClient opens a native-protocol connection with LZ4 compression; cost
// rows compress well because tenant, provider and model repeat.
func NewClient(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, errors.NewDomainError(errors.KindDependencyMissing, "clickhouse", "cannot open "+addr, err)
	}

	c := &Client{conn: conn, database: cfg.Database}
	if err := c.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.NewDomainError(errors.KindDependencyMissing, "clickhouse", "ping failed", err)
	}
	return c, nil
}

// Conn returns the driver connection used by the batch writer
func (c *Client) Conn() driver.Conn {
	return c.conn
}

// Database is the schema the mirror writes into
func (c *Client) Database() string {
	return c.database
}

func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
