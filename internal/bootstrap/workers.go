package bootstrap

import (
	"costops/internal/adapters/config"
	"costops/internal/adapters/sink"
	"costops/internal/workers"
	"costops/pkg/logger"
)

// provideWorkers registers the background workers on a new scheduler
func provideWorkers(cfg *config.Config, svc *Services, dispatcher *sink.Dispatcher, log *logger.Logger) *workers.Scheduler {
	scheduler := workers.NewScheduler(log)

	// Ingestion retries
	scheduler.RegisterWorker(workers.NewDLQProcessor(svc.DLQProcessor, cfg.DLQ.PollInterval, log))

	// Audit spool drain
	scheduler.RegisterWorker(workers.NewSpoolReplay(dispatcher, cfg.Workers.SpoolReplayInterval, log))

	// Budget catch-up, anomaly probe and limiter compaction. Only the local
	// limiter keeps windows in process memory.
	var pruner workers.Pruner
	if p, ok := svc.Limiter.(workers.Pruner); ok {
		pruner = p
	}
	var probe workers.AnomalyProber
	if svc.Anomaly != nil {
		probe = svc.Anomaly
	}
	scheduler.RegisterWorker(workers.NewBudgetSweep(svc.Budgets, probe, pruner, cfg.Workers.BudgetSweepInterval, log))

	log.Infow("✓ Workers registered",
		"dlq_poll", cfg.DLQ.PollInterval,
		"spool_replay", cfg.Workers.SpoolReplayInterval,
		"budget_sweep", cfg.Workers.BudgetSweepInterval,
	)
	return scheduler
}
