package clickhouse

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"costops/pkg/logger"
)

// FlushFunc performs the actual INSERT for one batch.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// BatchWriter buffers rows and writes them in batches. Single-row inserts
// are expensive in ClickHouse, so callers Add and the writer flushes on size
// or on age.
type BatchWriter[T any] struct {
	flush   FlushFunc[T]
	table   string
	maxSize int
	maxAge  time.Duration
	log     *logger.Logger

	mu        sync.Mutex
	buffer    []T
	lastFlush time.Time
	flushed   uint64
	failed    uint64
	running   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BatchWriterConfig contains configuration for BatchWriter
type BatchWriterConfig[T any] struct {
	FlushFunc    FlushFunc[T]
	TableName    string
	MaxBatchSize int           // Default: 500
	MaxAge       time.Duration // Default: 5s
	Logger       *logger.Logger
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter[T any](cfg BatchWriterConfig[T]) *BatchWriter[T] {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}

	return &BatchWriter[T]{
		flush:     cfg.FlushFunc,
		table:     cfg.TableName,
		maxSize:   cfg.MaxBatchSize,
		maxAge:    cfg.MaxAge,
		buffer:    make([]T, 0, cfg.MaxBatchSize),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
		log:       log.With("component", "batch_writer", "table", cfg.TableName),
	}
}

// Start begins the background flush loop
func (bw *BatchWriter[T]) Start(ctx context.Context) {
	bw.mu.Lock()
	if bw.running {
		bw.mu.Unlock()
		return
	}
	bw.running = true
	bw.mu.Unlock()

	bw.wg.Add(1)
	go bw.loop(ctx)

	bw.log.Infow("Batch writer started", "max_batch_size", bw.maxSize, "max_age", bw.maxAge)
}

// Add buffers a row; a full buffer is flushed synchronously.
func (bw *BatchWriter[T]) Add(ctx context.Context, row T) error {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, row)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered rows. The lock is released before the INSERT
// so Add never waits on the network.
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]T, 0, bw.maxSize)
	bw.lastFlush = time.Now()
	bw.mu.Unlock()

	start := time.Now()
	err := bw.flush(ctx, batch)

	bw.mu.Lock()
	if err != nil {
		bw.failed += uint64(len(batch))
	} else {
		bw.flushed += uint64(len(batch))
	}
	bw.mu.Unlock()

	if err != nil {
		bw.log.Errorw("Batch flush failed", "rows", len(batch), "took", time.Since(start), "error", err)
		return err
	}

	bw.log.Debugw("Batch flushed", "rows", len(batch), "took", time.Since(start))
	return nil
}

func (bw *BatchWriter[T]) loop(ctx context.Context) {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.maxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.finalFlush()
			return
		case <-bw.stopCh:
			bw.finalFlush()
			return
		case <-ticker.C:
			if bw.BufferSize() > 0 {
				_ = bw.Flush(ctx)
			}
		}
	}
}

func (bw *BatchWriter[T]) finalFlush() {
	if err := bw.Flush(context.Background()); err != nil {
		bw.log.Errorw("Final flush failed", "error", err)
	}
}

// Stop flushes remaining rows and waits for the loop to exit
func (bw *BatchWriter[T]) Stop(ctx context.Context) error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return nil
	}
	bw.running = false
	bw.mu.Unlock()

	close(bw.stopCh)

	done := make(chan struct{})
	go func() {
		bw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := bw.Stats()
		bw.log.Infow("Batch writer stopped",
			"flushed", humanize.Comma(int64(stats.Flushed)),
			"failed", humanize.Comma(int64(stats.Failed)),
		)
		return nil
	case <-ctx.Done():
		bw.log.Warn("Batch writer stop timed out")
		return ctx.Err()
	}
}

// BufferSize returns the number of rows waiting for a flush
func (bw *BatchWriter[T]) BufferSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterStats is a point-in-time view of the writer
type BatchWriterStats struct {
	Buffered     int
	Flushed      uint64
	Failed       uint64
	LastFlushAge time.Duration
	Running      bool
}

// Stats returns current statistics
func (bw *BatchWriter[T]) Stats() BatchWriterStats {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	return BatchWriterStats{
		Buffered:     len(bw.buffer),
		Flushed:      bw.flushed,
		Failed:       bw.failed,
		LastFlushAge: time.Since(bw.lastFlush),
		Running:      bw.running,
	}
}
