// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotReadyForDestroy is returned when an asset is released while
	// its creation task is still in flight.
	ErrNotReadyForDestroy = errors.New("task: asset creation in progress")

	// ErrAlreadyLaunched is returned when a Tracker that already ran (or is
	// running) a creation task is asked to launch another one.
	ErrAlreadyLaunched = errors.New("task: creation already launched")
)

type trackerState uint8

const (
	trackerIdle trackerState = iota
	trackerInProgress
	trackerReady
	trackerFailed
)

// Tracker records the creation state of an asynchronously created asset.
//
// Assets embed a Tracker. Launch marks the asset "creation in progress";
// the flag clears when the task finishes, whether it succeeded or failed.
// A failed creation leaves the asset permanently not ready. It is never
// retried; the owner must Reset and launch again.
//
// Thread safety: Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	state trackerState
	task  *Task
	err   error
}

// Launch runs fn on q as the asset's creation task.
func (t *Tracker) Launch(q *Queue, name string, fn Func) (*Task, error) {
	t.mu.Lock()
	if t.state != trackerIdle {
		t.mu.Unlock()
		return nil, ErrAlreadyLaunched
	}
	t.state = trackerInProgress
	t.mu.Unlock()

	tk := q.Launch(name, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			if err != nil {
				t.complete(fmt.Errorf("%w: %s: %w", ErrTaskFailed, name, err))
			} else {
				t.complete(nil)
			}
		}()
		return fn(ctx)
	})

	t.mu.Lock()
	t.task = tk
	t.mu.Unlock()

	// A closed queue never runs fn.
	select {
	case <-tk.Done():
		if tk.Status() == StatusFailed && errors.Is(tk.Err(), ErrQueueClosed) {
			t.complete(tk.Err())
		}
	default:
	}
	return tk, nil
}

// MarkReady records a creation that finished synchronously.
func (t *Tracker) MarkReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = trackerReady
	t.err = nil
}

// MarkFailed records a creation that failed synchronously.
func (t *Tracker) MarkFailed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = trackerFailed
	t.err = err
}

func (t *Tracker) complete(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != trackerInProgress {
		return
	}
	if err != nil {
		t.state = trackerFailed
		t.err = err
		return
	}
	t.state = trackerReady
}

// ReadyForUse reports whether creation finished successfully.
func (t *Tracker) ReadyForUse() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == trackerReady
}

// ReadyForDestroy reports whether no creation task is in flight.
func (t *Tracker) ReadyForDestroy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != trackerInProgress
}

// InProgress reports whether a creation task is in flight.
func (t *Tracker) InProgress() bool {
	return !t.ReadyForDestroy()
}

// Failed reports whether creation failed.
func (t *Tracker) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == trackerFailed
}

// Err returns the creation error, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Task returns the most recent creation task, or nil.
func (t *Tracker) Task() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

// Reset returns the Tracker to its initial state so the asset can be
// reused. It fails with ErrNotReadyForDestroy while a task is in flight.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == trackerInProgress {
		return ErrNotReadyForDestroy
	}
	t.state = trackerIdle
	t.task = nil
	t.err = nil
	return nil
}
