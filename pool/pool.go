// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStaleHandle is returned when a handle refers to a slot that has been
// released (or released and reused) since the handle was issued.
var ErrStaleHandle = errors.New("pool: stale handle")

// Handle identifies an in-use pool slot.
//
// A Handle carries the generation of the slot at the time it was acquired.
// Releasing the slot bumps the generation, so a retained Handle can never
// reach the object that the next owner receives. The zero Handle is never
// valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

// Stats reports pool occupancy.
type Stats struct {
	// Live is the number of objects currently handed out.
	Live int
	// Free is the number of constructed objects waiting for reuse.
	Free int
	// Allocated is the number of slots ever created.
	Allocated int
}

type slot[T any] struct {
	value       T
	gen         uint32
	inUse       bool
	constructed bool
}

// Pool recycles objects of type T.
//
// Acquire hands out a previously released object when one exists and calls
// the constructor otherwise. Release runs the reset function before the slot
// becomes reusable, so the next owner never observes per-use state.
//
// Thread safety: Pool is NOT safe for concurrent use. Use SyncPool for pools
// shared with worker goroutines.
type Pool[T any] struct {
	newFn func() (T, error)
	reset func(T)

	slots []slot[T]
	free  []uint32
	live  int
}

// New creates a pool. newFn constructs a fresh object bound to whatever the
// caller closes over (typically a device). reset may be nil.
func New[T any](newFn func() (T, error), reset func(T)) *Pool[T] {
	return &Pool[T]{newFn: newFn, reset: reset}
}

// Acquire returns an object and the handle that owns it.
// If the constructor fails, no slot is consumed.
func (p *Pool[T]) Acquire() (Handle, T, error) {
	var zero T

	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		s := &p.slots[idx]
		if !s.constructed {
			v, err := p.newFn()
			if err != nil {
				return Handle{}, zero, fmt.Errorf("pool: construct: %w", err)
			}
			s.value = v
			s.constructed = true
		}
		p.free = p.free[:n-1]
		s.inUse = true
		p.live++
		return Handle{index: idx, gen: s.gen}, s.value, nil
	}

	v, err := p.newFn()
	if err != nil {
		return Handle{}, zero, fmt.Errorf("pool: construct: %w", err)
	}
	p.slots = append(p.slots, slot[T]{value: v, gen: 1, inUse: true, constructed: true})
	p.live++
	return Handle{index: uint32(len(p.slots) - 1), gen: 1}, v, nil
}

// Get returns the object owned by h.
func (p *Pool[T]) Get(h Handle) (T, bool) {
	s, ok := p.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Release resets the object owned by h and makes its slot reusable.
// Releasing the same handle twice returns ErrStaleHandle.
func (p *Pool[T]) Release(h Handle) error {
	s, ok := p.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	if p.reset != nil {
		p.reset(s.value)
	}
	s.inUse = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	p.free = append(p.free, h.index)
	p.live--
	return nil
}

// Drain hands every free object to destroy and forgets it. In-use objects
// are untouched. Drained slots are reconstructed on their next Acquire.
// It returns the number of destroyed objects.
func (p *Pool[T]) Drain(destroy func(T)) int {
	var zero T
	n := 0
	for _, idx := range p.free {
		s := &p.slots[idx]
		if !s.constructed {
			continue
		}
		if destroy != nil {
			destroy(s.value)
		}
		s.value = zero
		s.constructed = false
		n++
	}
	return n
}

// Stats returns the current occupancy.
func (p *Pool[T]) Stats() Stats {
	free := 0
	for _, idx := range p.free {
		if p.slots[idx].constructed {
			free++
		}
	}
	return Stats{Live: p.live, Free: free, Allocated: len(p.slots)}
}

func (p *Pool[T]) lookup(h Handle) (*slot[T], bool) {
	if h.gen == 0 || int(h.index) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.index]
	if !s.inUse || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

// SyncPool is a Pool guarded by a mutex.
//
// Thread safety: SyncPool is safe for concurrent use. The constructor and
// reset functions run under the pool lock and must not call back into it.
type SyncPool[T any] struct {
	mu sync.Mutex
	p  *Pool[T]
}

// NewSync creates a mutex-guarded pool.
func NewSync[T any](newFn func() (T, error), reset func(T)) *SyncPool[T] {
	return &SyncPool[T]{p: New(newFn, reset)}
}

// Acquire is the locked form of Pool.Acquire.
func (s *SyncPool[T]) Acquire() (Handle, T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Acquire()
}

// Get is the locked form of Pool.Get.
func (s *SyncPool[T]) Get(h Handle) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Get(h)
}

// Release is the locked form of Pool.Release.
func (s *SyncPool[T]) Release(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Release(h)
}

// Drain is the locked form of Pool.Drain.
func (s *SyncPool[T]) Drain(destroy func(T)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Drain(destroy)
}

// Stats is the locked form of Pool.Stats.
func (s *SyncPool[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p.Stats()
}
