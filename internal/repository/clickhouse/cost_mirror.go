package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"costops/internal/domain/usage"
	"costops/pkg/clickhouse"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

const costTable = "cost_records"

// CostMirror copies persisted cost records into ClickHouse for analytics.
// Rows are buffered and inserted in batches.
type CostMirror struct {
	writer *clickhouse.BatchWriter[*usage.CostRecord]
}

var _ usage.CostMirror = (*CostMirror)(nil)

// NewCostMirror creates a mirror over conn
func NewCostMirror(conn driver.Conn, batchSize int, flushInterval time.Duration, log *logger.Logger) *CostMirror {
	return newCostMirror(insertCosts(conn), batchSize, flushInterval, log)
}

func newCostMirror(flush clickhouse.FlushFunc[*usage.CostRecord], batchSize int, flushInterval time.Duration, log *logger.Logger) *CostMirror {
	return &CostMirror{
		writer: clickhouse.NewBatchWriter(clickhouse.BatchWriterConfig[*usage.CostRecord]{
			FlushFunc:    flush,
			TableName:    costTable,
			MaxBatchSize: batchSize,
			MaxAge:       flushInterval,
			Logger:       log,
		}),
	}
}

// Start begins the background flush loop
func (m *CostMirror) Start(ctx context.Context) {
	m.writer.Start(ctx)
}

// Stop flushes buffered rows and stops the loop
func (m *CostMirror) Stop(ctx context.Context) error {
	return m.writer.Stop(ctx)
}

// Mirror buffers one record. A synchronous flush happens when the buffer fills.
func (m *CostMirror) Mirror(ctx context.Context, c *usage.CostRecord) error {
	return m.writer.Add(ctx, c)
}

// Stats exposes the writer counters for health reporting
func (m *CostMirror) Stats() clickhouse.BatchWriterStats {
	return m.writer.Stats()
}

// insertCosts uses the native batch protocol: PrepareBatch, Append per row,
// then one Send for the whole batch.
func insertCosts(conn driver.Conn) clickhouse.FlushFunc[*usage.CostRecord] {
	const query = `
		INSERT INTO cost_records (
			usage_id, tenant_id, provider, model, timestamp,
			project_id, user_id, agent_id,
			input_tokens, output_tokens, cached_tokens,
			input_cost, output_cost, cached_cost, total_cost, currency,
			price_table_id, tier_index, computed_at
		)
	`

	return func(ctx context.Context, batch []*usage.CostRecord) error {
		if len(batch) == 0 {
			return nil
		}

		stmt, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return errors.Wrap(err, "prepare cost batch")
		}
		defer stmt.Close()

		for _, c := range batch {
			err := stmt.Append(
				c.UsageID, c.TenantID, c.Provider, c.Model, c.Timestamp,
				c.ProjectID, c.UserID, c.AgentID,
				c.InputTokens, c.OutputTokens, c.CachedTokens,
				c.InputCost, c.OutputCost, c.CachedCost, c.TotalCost, c.Currency,
				c.PriceTableID, int32(c.TierIndex), c.ComputedAt,
			)
			if err != nil {
				return errors.Wrapf(err, "append cost %s", c.UsageID)
			}
		}

		if err := stmt.Send(); err != nil {
			return errors.NewDomainError(errors.KindTransient, "cost_mirror", "send cost batch", err)
		}
		return nil
	}
}
