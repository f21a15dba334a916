package workers

import (
	"context"
	"sync"
	"time"

	"costops/internal/metrics"
	"costops/pkg/errors"
	"costops/pkg/logger"
)

// Scheduler runs registered workers on their own tickers
type Scheduler struct {
	workers  []Worker
	registry *Registry
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	log      *logger.Logger
	started  bool
}

// NewScheduler creates a new worker scheduler
func NewScheduler(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Get()
	}
	return &Scheduler{
		registry: NewRegistry(),
		log:      log.WithComponent("scheduler"),
	}
}

// RegisterWorker adds a worker to the scheduler
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("Cannot register worker after scheduler has started", "worker", w.Name())
		return
	}
	if err := s.registry.Register(w); err != nil {
		s.log.Warnw("Duplicate worker ignored", "worker", w.Name())
		return
	}

	s.workers = append(s.workers, w)
	s.log.Infow("Worker registered", "worker", w.Name(), "interval", w.Interval())
}

// Registry exposes per-worker run state
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// Start begins running all registered workers
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewDomainError(errors.KindConflict, "scheduler", "scheduler already started", nil)
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, worker := range s.workers {
		if !worker.Enabled() {
			s.log.Infow("Skipping disabled worker", "worker", worker.Name())
			continue
		}
		s.wg.Add(1)
		go s.runWorker(worker)
	}

	s.log.Infow("Worker scheduler started", "workers", len(s.workers))
	return nil
}

// Stop cancels all workers and waits for in-flight runs until ctx expires
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.NewDomainError(errors.KindConflict, "scheduler", "scheduler not started", nil)
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
		s.log.Info("All workers stopped gracefully")
	case <-ctx.Done():
		s.log.Warn("Worker shutdown timed out")
		shutdownErr = errors.NewDomainError(errors.KindDeadlineExceeded, "scheduler", "worker shutdown timed out", ctx.Err())
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	return shutdownErr
}

func (s *Scheduler) runWorker(worker Worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(worker.Interval())
	defer ticker.Stop()

	// Run immediately on start
	s.executeWorker(worker)

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debugw("Worker stopping", "worker", worker.Name())
			return
		case <-ticker.C:
			s.executeWorker(worker)
		}
	}
}

func (s *Scheduler) executeWorker(worker Worker) {
	name := worker.Name()
	start := time.Now()
	s.registry.started(name)

	defer func() {
		if r := recover(); r != nil {
			s.registry.finished(name, errors.Wrapf(errors.ErrInternal, "panic: %v", r))
			metrics.WorkerExecutions.WithLabelValues(name, "error").Inc()
			s.log.Errorw("Worker panicked", "worker", name, "panic", r)
		}
	}()

	err := worker.Run(s.ctx)
	duration := time.Since(start)
	metrics.WorkerDuration.WithLabelValues(name).Observe(duration.Seconds())
	metrics.WorkerLastRun.WithLabelValues(name).SetToCurrentTime()

	if err != nil {
		s.registry.finished(name, err)
		metrics.WorkerExecutions.WithLabelValues(name, "error").Inc()
		s.log.Warnw("Worker execution failed",
			"worker", name,
			"error", err,
			"duration", duration,
		)
		return
	}

	s.registry.finished(name, nil)
	metrics.WorkerExecutions.WithLabelValues(name, "success").Inc()
	s.log.Debugw("Worker execution completed", "worker", name, "duration", duration)
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
