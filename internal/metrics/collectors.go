package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"costops/internal/domain/dlq"
	"costops/pkg/logger"
)

// SpoolDepthFunc reports the number of decision events waiting in the local spool
type SpoolDepthFunc func(ctx context.Context) (int, error)

// QueueCollector reports DLQ depth by status and spool depth at scrape time
type QueueCollector struct {
	log        *logger.Logger
	dlq        dlq.Repository
	spoolDepth SpoolDepthFunc

	dlqDepth   *prometheus.Desc
	spoolItems *prometheus.Desc
}

// NewQueueCollector creates a collector over the DLQ repository and spool
func NewQueueCollector(log *logger.Logger, repo dlq.Repository, spoolDepth SpoolDepthFunc) *QueueCollector {
	return &QueueCollector{
		log:        log,
		dlq:        repo,
		spoolDepth: spoolDepth,

		dlqDepth: prometheus.NewDesc(
			"costops_dlq_depth",
			"Number of DLQ items by status",
			[]string{"status"}, nil,
		),
		spoolItems: prometheus.NewDesc(
			"costops_spool_depth",
			"Number of decision events waiting in the local spool",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dlqDepth
	ch <- c.spoolItems
}

// Collect implements prometheus.Collector
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectDLQ(ctx, ch)
	c.collectSpool(ctx, ch)
}

func (c *QueueCollector) collectDLQ(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.dlq == nil {
		return
	}

	counts, err := c.dlq.CountByStatus(ctx)
	if err != nil {
		c.log.Warnw("Failed to collect DLQ depth", "error", err)
		return
	}

	for _, status := range []dlq.Status{dlq.StatusPending, dlq.StatusRetrying, dlq.StatusSucceeded, dlq.StatusFailedPermanent} {
		ch <- prometheus.MustNewConstMetric(
			c.dlqDepth,
			prometheus.GaugeValue,
			float64(counts[status]),
			string(status),
		)
	}
}

func (c *QueueCollector) collectSpool(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.spoolDepth == nil {
		return
	}

	n, err := c.spoolDepth(ctx)
	if err != nil {
		c.log.Warnw("Failed to collect spool depth", "error", err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.spoolItems, prometheus.GaugeValue, float64(n))
}
