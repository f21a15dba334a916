package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "costops/internal/adapters/clickhouse"
	pgclient "costops/internal/adapters/postgres"
	redisclient "costops/internal/adapters/redis"
	"costops/internal/adapters/sink"
	"costops/internal/api"
	chrepo "costops/internal/repository/clickhouse"
	budgetsvc "costops/internal/services/budget"
	"costops/internal/workers"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 2 * time.Minute,
	}
}

// Components lists what Shutdown stops. Nil entries are skipped.
type Components struct {
	HTTPServer      *api.Server
	HTTPTimeout     time.Duration
	WorkerScheduler *workers.Scheduler
	BudgetMonitor   *budgetsvc.Monitor
	Sink            *sink.Dispatcher
	SinkTransport   sink.Transport
	Spool           *sink.Spool
	CostMirror      *chrepo.CostMirror
	PG              *pgclient.Client
	CH              *chclient.Client
	Redis           *redisclient.Client
	ErrorTracker    errors.Tracker
}

// Shutdown stops components in dependency order:
// 1. No new requests accepted
// 2. Workers finish their current run
// 3. Queued budget evaluations drain (they emit through the sink)
// 4. The sink dispatcher spools whatever it could not deliver
// 5. Mirror rows are flushed
// 6. Errors and logs are flushed
// 7. Database connections last
func (l *Lifecycle) Shutdown(wg *sync.WaitGroup, c Components, log *logger.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	// ========================================
	// Step 1: Stop HTTP Server
	// ========================================
	if c.HTTPServer != nil {
		log.Info("[1/8] Stopping HTTP server...")
		timeout := c.HTTPTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, timeout)
		if err := c.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		} else {
			log.Info("✓ HTTP server stopped")
		}
		httpCancel()
		l.waitForGoroutines(wg, 5*time.Second, log)
	}

	// ========================================
	// Step 2: Stop Background Workers
	// ========================================
	if c.WorkerScheduler != nil {
		log.Info("[2/8] Stopping background workers...")
		if err := c.WorkerScheduler.Stop(shutdownCtx); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	// ========================================
	// Step 3: Drain Budget Monitor
	// ========================================
	if c.BudgetMonitor != nil {
		log.Info("[3/8] Draining budget monitor...")
		if err := c.BudgetMonitor.Stop(shutdownCtx); err != nil {
			log.Errorw("Budget monitor shutdown failed", "error", err, "pending", c.BudgetMonitor.Pending())
		} else {
			log.Info("✓ Budget monitor stopped")
		}
	}

	// ========================================
	// Step 4: Stop Audit Sink
	// ========================================
	if c.Sink != nil {
		log.Info("[4/8] Stopping audit sink...")
		if err := c.Sink.Stop(shutdownCtx); err != nil {
			log.Errorw("Audit sink shutdown failed", "error", err)
		} else {
			log.Info("✓ Audit sink stopped")
		}
		closeQuietly("audit_transport", c.SinkTransport, log)
		if c.Spool != nil {
			closeQuietly("spool", c.Spool, log)
		}
	}

	// ========================================
	// Step 5: Flush Cost Mirror
	// ========================================
	if c.CostMirror != nil {
		log.Info("[5/8] Flushing ClickHouse cost mirror...")
		if err := c.CostMirror.Stop(shutdownCtx); err != nil {
			log.Errorw("Cost mirror flush failed", "error", err)
		} else {
			log.Info("✓ Cost mirror flushed")
		}
	}

	// ========================================
	// Step 6: Flush Error Tracker
	// ========================================
	log.Info("[6/8] Flushing error tracker...")
	l.flushErrorTracker(shutdownCtx, c.ErrorTracker, log)

	// ========================================
	// Step 7: Sync Logs
	// ========================================
	log.Info("[7/8] Syncing logs...")
	if err := logger.Sync(); err != nil {
		// stderr sync errors are expected on some platforms
		log.Debugw("Log sync completed with warnings", "error", err)
	}

	// ========================================
	// Step 8: Close Database Connections
	// LAST - other components may need them during shutdown
	// ========================================
	log.Info("[8/8] Closing database connections...")
	l.closeDatabases(c.PG, c.CH, c.Redis, log)

	log.Info("✅ Graceful shutdown complete")
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnw("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Errorw("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}

// closeDatabases closes all database connections
func (l *Lifecycle) closeDatabases(
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	log *logger.Logger,
) {
	var m errors.MultiError

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			m.Add(errors.Wrap(err, "postgres"))
		}
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			m.Add(errors.Wrap(err, "clickhouse"))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			m.Add(errors.Wrap(err, "redis"))
		}
	}

	if m.HasErrors() {
		log.Errorw("Database close errors", "error", m.ToError())
	} else {
		log.Info("✓ Database connections closed")
	}
}
