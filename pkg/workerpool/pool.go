// Package workerpool provides a bounded worker pool for fanning out
// independent evaluations, such as the per-drug phase of a protocol.
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

// ErrQueueFull is returned by Submit when the queue has no room
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned once the pool is shutting down
var ErrStopped = errors.New("pool is shutting down")

// TaskFunc is one unit of work
type TaskFunc func(ctx context.Context) error

// Task is a queued unit of work. Done receives exactly one value.
type Task struct {
	ID   string
	Run  TaskFunc
	Ctx  context.Context
	done chan error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the delay between retries
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig sizes the pool for per-drug evaluations. Evaluations are
// pure, so nothing is retried.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              0,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Observer receives pool events; metrics implement it
type Observer interface {
	TaskFinished(d time.Duration, err error)
	QueueDepth(n int)
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config   Config
	logger   *zap.Logger
	observer Observer

	taskChan chan *Task
	mu       sync.RWMutex
	wg       sync.WaitGroup
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
}

// New creates a new worker pool. Call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:   cfg,
		logger:   logger,
		taskChan: make(chan *Task, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// WithObserver attaches an observer; it must be called before Start
func (p *Pool) WithObserver(o Observer) *Pool {
	p.observer = o
	return p
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues fn and returns a channel that receives its error. It fails
// with ErrQueueFull rather than wait for room.
func (p *Pool) Submit(ctx context.Context, id string, fn TaskFunc) (<-chan error, error) {
	return p.submit(ctx, id, fn, false)
}

func (p *Pool) submit(ctx context.Context, id string, fn TaskFunc, wait bool) (<-chan error, error) {
	if fn == nil {
		return nil, fmt.Errorf("task %s: nil function", id)
	}
	// Stop closes the queue under the write lock
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx.Err() != nil {
		return nil, ErrStopped
	}

	task := &Task{ID: id, Run: fn, Ctx: ctx, done: make(chan error, 1)}
	if wait {
		select {
		case p.taskChan <- task:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrStopped
		}
	} else {
		select {
		case p.taskChan <- task:
		default:
			return nil, ErrQueueFull
		}
	}

	atomic.AddInt64(&p.tasksSubmitted, 1)
	depth := atomic.AddInt64(&p.queueDepth, 1)
	if p.observer != nil {
		p.observer.QueueDepth(int(depth))
	}
	return task.done, nil
}

// Do runs every task on the pool and waits for all of them, waiting for
// queue room as needed. It returns the tasks' errors joined, or the context
// error if ctx ends first.
func (p *Pool) Do(ctx context.Context, tasks ...TaskFunc) error {
	dones := make([]<-chan error, 0, len(tasks))
	for i, fn := range tasks {
		done, err := p.submit(ctx, fmt.Sprintf("task-%d", i), fn, true)
		if err != nil {
			// already queued tasks still finish; their results are dropped
			return fmt.Errorf("submit task %d: %w", i, err)
		}
		dones = append(dones, done)
	}

	var errs []error
	for _, done := range dones {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")
		p.cancel()
		p.mu.Lock()
		close(p.taskChan)
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
			err = fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
		}
	})
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		depth := atomic.AddInt64(&p.queueDepth, -1)
		if p.observer != nil {
			p.observer.QueueDepth(int(depth))
		}
		p.processTask(id, task)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// processTask runs a task with retries and reports on its done channel
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Ctx
	if ctx == nil {
		ctx = p.ctx
	}
	start := time.Now()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}
		err = p.run(ctx, task)
		if err == nil || attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			continue
		}
		break
	}

	if err == nil {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(err))
	}
	if p.observer != nil {
		p.observer.TaskFinished(time.Since(start), err)
	}
	task.done <- err
}

// run converts a panicking task into an error so one bad task cannot take
// the worker down
func (p *Pool) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the pool is operating normally
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
