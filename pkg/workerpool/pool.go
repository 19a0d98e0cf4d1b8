// Package workerpool runs tasks on a fixed set of workers with bounded
// queueing and per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker pool is stopped")
	// ErrQueueFull is returned by TrySubmit when the queue has no room.
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work.
type Task[T any] struct {
	ID      string
	Payload T
	// Done, when set, receives the final result.
	Done func(Result)
}

// Result is the outcome of a task after retries.
type Result struct {
	TaskID   string
	Err      error
	Attempts int
}

// WorkerFunc processes one task. A nil error ends the task.
type WorkerFunc[T any] func(ctx context.Context, task Task[T]) error

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the number of queued tasks.
	QueueSize int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// Retryable reports whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// GracefulShutdownTimeout bounds Stop.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool is a bounded worker pool.
type Pool[T any] struct {
	config Config
	fn     WorkerFunc[T]
	logger *zap.Logger

	tasks chan Task[T]
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a pool. Zero config fields take their defaults.
func New[T any](cfg Config, fn WorkerFunc[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan Task[T], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full.
func (p *Pool[T]) Submit(ctx context.Context, task Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// TrySubmit queues a task or fails with ErrQueueFull.
func (p *Pool[T]) TrySubmit(task Task[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued tasks and waits for the workers, up to the shutdown
// timeout. Tasks still retrying when the timeout fires see a cancelled context.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.active.Add(1)
		res := p.run(task)
		p.active.Add(-1)

		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.completed.Add(1)
		}
		if task.Done != nil {
			task.Done(res)
		}
	}
}

func (p *Pool[T]) run(task Task[T]) Result {
	res := Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := p.ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		res.Attempts++
		err := p.fn(p.ctx, task)
		if err == nil {
			res.Err = nil
			return res
		}
		res.Err = err

		if attempt >= p.config.MaxRetries || (p.config.Retryable != nil && !p.config.Retryable(err)) {
			return res
		}
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-p.ctx.Done():
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity.
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
