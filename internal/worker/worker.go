package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a function that represents a background job
type Task func(ctx context.Context) error

type WorkerPool struct {
	taskQueue chan Task
	wg        sync.WaitGroup
	isClosing atomic.Bool
	mu        sync.RWMutex
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewWorkerPool(size, queue int, logger *zap.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	wp := &WorkerPool{
		taskQueue: make(chan Task, queue),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for range size {
		wp.wg.Add(1)
		go wp.startWorker()
	}

	return wp
}

func (wp *WorkerPool) startWorker() {
	defer wp.wg.Done()
	for task := range wp.taskQueue {
		if err := task(wp.ctx); err != nil {
			wp.logger.Warn("Worker task failed", zap.Error(err))
		}
	}
}

// Submit enqueues t without blocking. It reports false when the pool is
// shutting down or the queue is full; the caller keeps ownership of the work.
func (wp *WorkerPool) Submit(t Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.isClosing.Load() {
		wp.logger.Warn("task submitted during shutdown, dropping")
		return false
	}
	select {
	case wp.taskQueue <- t:
		return true
	default:
		wp.logger.Warn("task queue full, dropping task")
		return false
	}
}

// Shutdown closes the queue and waits for workers to finish. Running tasks
// see their context cancelled once ctx ends.
func (wp *WorkerPool) Shutdown(ctx context.Context) {
	wp.mu.Lock()
	if !wp.isClosing.CompareAndSwap(false, true) {
		wp.mu.Unlock()
		return
	}
	close(wp.taskQueue)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		wp.cancel()
		<-done
	}
	wp.cancel()
}
