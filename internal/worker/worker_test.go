package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	wp := NewWorkerPool(3, 10, zap.NewNop())
	var ran int32
	for i := 0; i < 10; i++ {
		ok := wp.Submit(func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
		assert.True(t, ok)
	}
	wp.Shutdown(context.Background())
	assert.Equal(t, int32(10), atomic.LoadInt32(&ran))
}

func TestWorkerPool_FailedTaskDoesNotStopWorker(t *testing.T) {
	wp := NewWorkerPool(1, 4, zap.NewNop())
	var ran int32
	wp.Submit(func(ctx context.Context) error { return errors.New("boom") })
	wp.Submit(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	wp.Shutdown(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestWorkerPool_RejectsAfterShutdown(t *testing.T) {
	wp := NewWorkerPool(1, 1, zap.NewNop())
	wp.Shutdown(context.Background())
	assert.False(t, wp.Submit(func(ctx context.Context) error { return nil }))
	wp.Shutdown(context.Background())
}

func TestWorkerPool_ShutdownCancelsSlowTasks(t *testing.T) {
	wp := NewWorkerPool(1, 1, zap.NewNop())
	started := make(chan struct{})
	wp.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	wp.Shutdown(ctx)
}
