package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolShutdown is returned when submitting to a pool that has been shut down
	ErrPoolShutdown = errors.New("worker pool shut down")
	// ErrPanic wraps a recovered panic value
	ErrPanic = errors.New("task panicked")
)

var current atomic.Pointer[logrus.Logger]

func init() {
	current.Store(logrus.New())
}

// SetLogger replaces the logger used for panic and error reports
func SetLogger(l *logrus.Logger) {
	if l != nil {
		current.Store(l)
	}
}

func logger() *logrus.Logger {
	return current.Load()
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Example:
//
//	SafeGo(r.Context(), 5*time.Second, "audit record", func(ctx context.Context) error {
//	    return auditLogger.Record(ctx, decision)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger().Errorf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s", taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			logger().Warnf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

type task struct {
	fn   func(context.Context) error
	done chan error
}

// WorkerPool is a fixed set of goroutines that run submitted tasks.
// Tasks run on the pool's context, not the submitter's, so a task
// always runs to completion even if its submitter stops waiting.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan task
	doneCh       chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool. A zero timeout leaves tasks
// bounded only by the pool context.
//
// Example:
//
//	pool := NewWorkerPool(ctx, runtime.GOMAXPROCS(0), "sandbox", 0)
//	defer pool.Shutdown(5 * time.Second)
//
//	err := pool.Run(ctx, func(ctx context.Context) error {
//	    return execute(ctx)
//	})
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan task, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Workers returns the pool size
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Run queues fn and waits for its result. If ctx ends first Run returns
// ctx's error while fn keeps running on the pool. A panic in fn is
// returned as an error wrapping ErrPanic.
func (p *WorkerPool) Run(ctx context.Context, fn func(context.Context) error) error {
	done, err := p.enqueueCtx(ctx, fn)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: stopped waiting: %w", p.taskName, ctx.Err())
	case <-p.doneCh:
		return p.lateResult(done)
	}
}

// lateResult picks up a result that raced with the workers exiting
func (p *WorkerPool) lateResult(done chan error) error {
	select {
	case err := <-done:
		return err
	default:
		return ErrPoolShutdown
	}
}

func (p *WorkerPool) enqueue(fn func(context.Context) error) (chan error, error) {
	return p.enqueueCtx(context.Background(), fn)
}

func (p *WorkerPool) enqueueCtx(ctx context.Context, fn func(context.Context) error) (chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || p.ctx.Err() != nil {
		return nil, ErrPoolShutdown
	}

	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case p.workCh <- t:
		return t.done, nil
	case <-p.ctx.Done():
		return nil, ErrPoolShutdown
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: not queued: %w", p.taskName, ctx.Err())
	}
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish queued tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case t, ok := <-p.workCh:
			if !ok {
				return
			}
			err := p.runTask(id, t.fn)
			t.done <- err
			if err != nil {
				logger().Debugf("[WorkerPool] %s task failed: %v", p.taskName, err)
			}
		}
	}
}

// drain fails tasks still queued when the pool context ends
func (p *WorkerPool) drain() {
	for {
		select {
		case t, ok := <-p.workCh:
			if !ok {
				return
			}
			t.done <- ErrPoolShutdown
		default:
			return
		}
	}
}

func (p *WorkerPool) runTask(id int, fn func(context.Context) error) (err error) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger().Errorf("[WorkerPool] PANIC in worker %d (%s): %v\nStack trace:\n%s",
				id, p.taskName, r, string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn(ctx)
}

// Batch processes a slice of items concurrently using a worker pool.
// Returns all errors encountered.
//
// Example:
//
//	errs := Batch(ctx, configs, 4, "plugin restore", 30*time.Second, func(ctx context.Context, cfg PluginConfig) error {
//	    return o.AddPlugin(ctx, cfg)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	dones := make([]chan error, 0, len(items))
	for _, item := range items {
		done, err := pool.enqueue(func(ctx context.Context) error {
			return fn(ctx, item)
		})
		if err != nil {
			return []error{err}
		}
		dones = append(dones, done)
	}

	var errs []error
	for _, done := range dones {
		var err error
		select {
		case err = <-done:
		case <-pool.doneCh:
			err = pool.lateResult(done)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
