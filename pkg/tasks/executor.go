// Package tasks provides a bounded background-task executor for
// fire-and-forget work such as edge backfill and rehydration.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bibliocache/bibliocache/pkg/utils"
)

// task is one queued unit of background work.
type task struct {
	name string
	fn   func(ctx context.Context)
}

// Executor runs submitted tasks on a fixed worker pool. Submission never
// blocks: when the queue is full the task is dropped and counted, since
// background work here is always safe to lose (the next access re-triggers
// it).
type Executor struct {
	mu      sync.Mutex
	queue   chan task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	logger  *utils.Logger

	stats ExecutorStats
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// ExecutorStats tracks executor counters.
type ExecutorStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
}

// NewExecutor creates a new executor, applying defaults for zero values.
func NewExecutor(config *ExecutorConfig, logger *utils.Logger) *Executor {
	if config == nil {
		config = &ExecutorConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = utils.NewTestLogger()
	}

	e := &Executor{
		queue:  make(chan task, config.QueueSize),
		stopCh: make(chan struct{}),
		logger: logger.WithComponent("tasks"),
	}

	for i := 0; i < config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(config.TaskTimeout)
	}
	e.started = true

	return e
}

// Submit enqueues a background task. Returns false when the executor is
// stopped or the queue is full. The send stays under the mutex so it cannot
// race the queue close in Drain.
func (e *Executor) Submit(name string, fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return false
	}
	e.stats.Submitted++

	select {
	case e.queue <- task{name: name, fn: fn}:
		e.mu.Unlock()
		return true
	default:
		e.stats.Dropped++
		e.mu.Unlock()
		e.logger.Warn("background task dropped", map[string]interface{}{"task": name})
		return false
	}
}

// Drain stops accepting new tasks and waits for queued work to finish or the
// context to expire.
func (e *Executor) Drain(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(e.stopCh)
		return fmt.Errorf("executor drain interrupted: %w", ctx.Err())
	}
}

// Stats returns a copy of the executor counters.
func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Executor) worker(timeout time.Duration) {
	defer e.wg.Done()

	for t := range e.queue {
		select {
		case <-e.stopCh:
			return
		default:
		}

		e.runTask(t, timeout)
	}
}

func (e *Executor) runTask(t task, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("background task panicked", map[string]interface{}{
				"task":  t.name,
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()

	t.fn(ctx)

	e.mu.Lock()
	e.stats.Completed++
	e.mu.Unlock()
}
