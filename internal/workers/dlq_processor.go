package workers

import (
	"context"
	"time"

	dlqsvc "costops/internal/services/dlq"
	"costops/pkg/logger"
)

// DLQRunner is one processing cycle over due DLQ items
type DLQRunner interface {
	RunOnce(ctx context.Context) (dlqsvc.Stats, error)
}

// DLQProcessor retries parked ingestion payloads on every tick
type DLQProcessor struct {
	*BaseWorker
	runner DLQRunner
}

func NewDLQProcessor(runner DLQRunner, interval time.Duration, log *logger.Logger) *DLQProcessor {
	return &DLQProcessor{
		BaseWorker: NewBaseWorker("dlq_processor", interval, true, log),
		runner:     runner,
	}
}

func (w *DLQProcessor) Run(ctx context.Context) error {
	stats, err := w.runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	if stats.Permanent > 0 {
		w.Log().Warnw("DLQ items failed permanently", "count", stats.Permanent)
	}
	return nil
}
