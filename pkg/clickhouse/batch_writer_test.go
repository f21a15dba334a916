package clickhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costops/pkg/logger"
)

type sink struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func (s *sink) flush(_ context.Context, batch []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("clickhouse down")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	s := &sink{}
	bw := NewBatchWriter(BatchWriterConfig[int]{
		FlushFunc:    s.flush,
		TableName:    "cost_records",
		MaxBatchSize: 3,
		MaxAge:       time.Hour,
		Logger:       logger.Nop(),
	})

	ctx := context.Background()
	require.NoError(t, bw.Add(ctx, 1))
	require.NoError(t, bw.Add(ctx, 2))
	assert.Equal(t, 0, s.count())

	require.NoError(t, bw.Add(ctx, 3))
	assert.Equal(t, 3, s.count())
	assert.Equal(t, 0, bw.BufferSize())
	assert.Equal(t, uint64(3), bw.Stats().Flushed)
}

func TestBatchWriterStopFlushesRemainder(t *testing.T) {
	s := &sink{}
	bw := NewBatchWriter(BatchWriterConfig[int]{
		FlushFunc:    s.flush,
		MaxBatchSize: 100,
		MaxAge:       time.Hour,
		Logger:       logger.Nop(),
	})
	bw.Start(context.Background())

	require.NoError(t, bw.Add(context.Background(), 7))
	require.NoError(t, bw.Stop(context.Background()))

	assert.Equal(t, 1, s.count())
	assert.False(t, bw.Stats().Running)
}

func TestBatchWriterCountsFailures(t *testing.T) {
	s := &sink{fail: true}
	bw := NewBatchWriter(BatchWriterConfig[int]{FlushFunc: s.flush, MaxBatchSize: 2, Logger: logger.Nop()})

	require.NoError(t, bw.Add(context.Background(), 1))
	assert.Error(t, bw.Add(context.Background(), 2))
	assert.Equal(t, uint64(2), bw.Stats().Failed)
}
