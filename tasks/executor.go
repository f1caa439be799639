// Package tasks runs fire-and-forget background work behind its own error
// boundary. Tasks submitted here must never affect the request path: their
// errors and panics are logged and swallowed.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudsage-ai/cloudsage/logging"
)

// Task is a unit of background work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options configure an Executor.
type Options struct {
	// Workers is the number of goroutines consuming the queue.
	Workers int

	// QueueSize bounds the pending task queue. Submissions beyond it are
	// dropped rather than blocking the caller.
	QueueSize int

	// Logger receives task failures and drops.
	Logger logging.Logger
}

// Executor is a bounded background task queue. Submit never blocks the
// caller: when the queue is full the task is dropped and counted.
type Executor struct {
	opts   Options
	queue  chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	dropped   int64

	closeOnce sync.Once
}

// NewExecutor creates and starts an executor.
func NewExecutor(optFns ...func(o *Options)) *Executor {
	opts := Options{
		Workers:   2,
		QueueSize: 64,
		Logger:    logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		opts:   opts,
		queue:  make(chan Task, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit enqueues a task. It returns false when the queue is full or the
// executor is shut down; the task is dropped in either case.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) bool {
	select {
	case <-e.ctx.Done():
		atomic.AddInt64(&e.dropped, 1)
		return false
	default:
	}

	select {
	case e.queue <- Task{Name: name, Fn: fn}:
		atomic.AddInt64(&e.submitted, 1)
		return true
	default:
		atomic.AddInt64(&e.dropped, 1)
		e.opts.Logger.Warn("background task dropped, queue full", "task", name)
		return false
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-e.queue:
					e.run(t)
				default:
					return
				}
			}
		case t := <-e.queue:
			e.run(t)
		}
	}
}

func (e *Executor) run(t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&e.failed, 1)
			e.opts.Logger.Error("background task panicked", "task", t.Name, "panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := t.Fn(context.Background()); err != nil {
		atomic.AddInt64(&e.failed, 1)
		e.opts.Logger.Warn("background task failed", "task", t.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	atomic.AddInt64(&e.completed, 1)
	e.opts.Logger.Debug("background task done", "task", t.Name, "duration_ms", time.Since(start).Milliseconds())
}

// Stats reports executor counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&e.submitted),
		Completed: atomic.LoadInt64(&e.completed),
		Failed:    atomic.LoadInt64(&e.failed),
		Dropped:   atomic.LoadInt64(&e.dropped),
		Pending:   len(e.queue),
	}
}

// Shutdown stops accepting new tasks, lets workers finish queued work, and
// waits for them to exit or the context to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(e.cancel)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
