// Package workers runs the periodic background jobs: DLQ retries, audit
// spool replay and the budget sweep.
package workers

import (
	"context"
	"time"

	"costops/pkg/logger"
)

// Worker is one periodic job. Run performs a single pass and returns; the
// scheduler invokes it once at start and then every Interval.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
	Interval() time.Duration
	Enabled() bool
}

// BaseWorker carries the name, interval and logger shared by every job.
// A non-positive interval disables the worker.
type BaseWorker struct {
	name     string
	interval time.Duration
	enabled  bool
	log      *logger.Logger
}

func NewBaseWorker(name string, interval time.Duration, enabled bool, log *logger.Logger) *BaseWorker {
	if log == nil {
		log = logger.Get()
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		enabled:  enabled && interval > 0,
		log:      log.WithComponent("worker").With("worker", name),
	}
}

func (w *BaseWorker) Name() string            { return w.name }
func (w *BaseWorker) Interval() time.Duration { return w.interval }
func (w *BaseWorker) Enabled() bool           { return w.enabled }
func (w *BaseWorker) Log() *logger.Logger     { return w.log }
