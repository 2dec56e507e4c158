// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gfxcore/internal/parallel"
)

var (
	// ErrTaskFailed wraps every error returned (or panic raised) by a task.
	ErrTaskFailed = errors.New("task: failed")

	// ErrQueueClosed is the error of a task launched on a closed Queue.
	ErrQueueClosed = errors.New("task: queue closed")
)

// Status is the lifecycle state of a Task.
type Status int32

const (
	// StatusPending is queued and not yet started.
	StatusPending Status = iota
	// StatusRunning is executing on a worker.
	StatusRunning
	// StatusSucceeded finished without error.
	StatusSucceeded
	// StatusFailed finished with an error.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Func is the body of a task. The context is canceled when the Queue is
// shut down.
type Func func(ctx context.Context) error

// Task is one unit of asynchronous work.
type Task struct {
	name   string
	status atomic.Int32
	err    error
	done   chan struct{}
}

func newTask(name string) *Task {
	return &Task{name: name, done: make(chan struct{})}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Status returns the current state.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task error. It is nil until the task finishes.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	if err != nil {
		t.status.Store(int32(StatusFailed))
	} else {
		t.status.Store(int32(StatusSucceeded))
	}
	close(t.done)
}

// Queue runs tasks on a worker pool.
//
// Thread safety: Queue is safe for concurrent use.
type Queue struct {
	pool   *parallel.WorkerPool
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	launched atomic.Int64
	failed   atomic.Int64
}

// NewQueue starts a queue with the given number of workers (GOMAXPROCS if
// workers <= 0).
func NewQueue(workers int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{ctx: ctx, cancel: cancel}
	q.pool = parallel.NewWorkerPool(workers, func(r any) {
		slogger().Error("task worker recovered from panic", "panic", r)
	})
	return q
}

// Workers returns the number of worker goroutines.
func (q *Queue) Workers() int { return q.pool.Workers() }

// Launch queues fn and returns its Task. On a closed Queue the Task is
// already failed with ErrQueueClosed.
func (q *Queue) Launch(name string, fn Func) *Task {
	t := newTask(name)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		t.finish(fmt.Errorf("%w: %s", ErrQueueClosed, name))
		return t
	}

	q.wg.Add(1)
	q.launched.Add(1)
	if !q.pool.Submit(func() { q.run(t, fn) }) {
		q.wg.Done()
		t.finish(fmt.Errorf("%w: %s", ErrQueueClosed, name))
	}
	return t
}

func (q *Queue) run(t *Task, fn Func) {
	defer q.wg.Done()
	t.status.Store(int32(StatusRunning))

	err := call(q.ctx, fn)
	if err != nil {
		q.failed.Add(1)
		err = fmt.Errorf("%w: %s: %w", ErrTaskFailed, t.name, err)
		slogger().Warn("task failed", "task", t.name, "error", err)
	}
	t.finish(err)
}

func call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stats reports how many tasks were launched and how many failed.
func (q *Queue) Stats() (launched, failed int64) {
	return q.launched.Load(), q.failed.Load()
}

// Close stops accepting tasks, waits for every launched task to finish
// and stops the workers. Close is safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	q.pool.Close()
}

// Shutdown cancels the task context, then waits like Close. Tasks that
// honor their context return early.
func (q *Queue) Shutdown() {
	q.cancel()
	q.Close()
}
