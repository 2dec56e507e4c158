// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// WorkerPool runs submitted functions on a fixed set of goroutines.
//
// Each worker owns a queue and steals from the others when its own queue is
// empty, so one slow job does not stall the jobs queued behind it on the
// same worker.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	workers    int
	workQueues []chan func()
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool

	// onPanic receives values recovered from panicking jobs.
	onPanic func(any)
}

// NewWorkerPool starts a pool with the given number of workers.
// If workers is 0 or negative, GOMAXPROCS is used. onPanic may be nil, in
// which case a panicking job takes the process down as usual.
func NewWorkerPool(workers int, onPanic func(any)) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := max(workers*4, 8)

	p := &WorkerPool{
		workers:    workers,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
		onPanic:    onPanic,
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}
	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drain(own)
			return
		case job := <-own:
			p.run(job)
		default:
			if job := p.steal(id); job != nil {
				p.run(job)
				continue
			}
			select {
			case <-p.done:
				p.drain(own)
				return
			case job := <-own:
				p.run(job)
			}
		}
	}
}

func (p *WorkerPool) run(job func()) {
	if job == nil {
		return
	}
	if p.onPanic != nil {
		defer func() {
			if r := recover(); r != nil {
				p.onPanic(r)
			}
		}()
	}
	job()
}

func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case job := <-queue:
			p.run(job)
		default:
			return
		}
	}
}

func (p *WorkerPool) steal(self int) func() {
	for i := range p.workers {
		if i == self {
			continue
		}
		select {
		case job := <-p.workQueues[i]:
			return job
		default:
		}
	}
	return nil
}

// Submit queues fn on the least loaded worker. It blocks while every queue
// is full and returns false if the pool is closed.
func (p *WorkerPool) Submit(fn func()) bool {
	if fn == nil || !p.running.Load() {
		return false
	}

	minIdx, minLen := 0, len(p.workQueues[0])
	for i := 1; i < p.workers; i++ {
		if n := len(p.workQueues[i]); n < minLen {
			minIdx, minLen = i, n
		}
	}

	select {
	case p.workQueues[minIdx] <- fn:
		return true
	case <-p.done:
		return false
	}
}

// Close stops accepting work, runs everything already queued and waits for
// the workers to exit. Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers.
func (p *WorkerPool) Workers() int { return p.workers }

// IsRunning reports whether the pool accepts work.
func (p *WorkerPool) IsRunning() bool { return p.running.Load() }

// QueuedWork approximates the number of queued jobs.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}

// String implements fmt.Stringer.
func (p *WorkerPool) String() string {
	return fmt.Sprintf("WorkerPool(workers=%d, queued=%d, running=%v)", p.workers, p.QueuedWork(), p.IsRunning())
}
