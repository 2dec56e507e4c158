// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"fmt"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/pool"
	"github.com/gogpu/gfxcore/task"
)

// Asset is a pooled GPU resource. Destroy releases its device memory and
// returns it to the uninitialized state.
type Asset interface {
	Destroy()
}

// AsyncAsset is an Asset created by a task. It cannot be released while
// the task is in flight.
type AsyncAsset interface {
	Asset
	ReadyForUse() bool
	ReadyForDestroy() bool
}

// Pool recycles assets of one kind. Allocate hands out an uninitialized
// asset bound to the pool's device; Release destroys it and makes it
// available again.
//
// Thread safety: Pool is safe for concurrent use.
type Pool[T Asset] struct {
	name string
	p    *pool.SyncPool[T]
}

// NewPool creates a pool that constructs assets with newFn.
func NewPool[T Asset](name string, newFn func() T) *Pool[T] {
	return &Pool[T]{
		name: name,
		p: pool.NewSync(
			func() (T, error) { return newFn(), nil },
			func(a T) { a.Destroy() },
		),
	}
}

// NewBufferPool creates a pool of buffers bound to dev.
func NewBufferPool(dev *device.Device) *Pool[*Buffer] {
	return NewPool("buffer", func() *Buffer { return NewBuffer(dev, "") })
}

// NewImagePool creates a pool of images bound to dev.
func NewImagePool(dev *device.Device) *Pool[*Image] {
	return NewPool("image", func() *Image { return NewImage(dev) })
}

// NewShaderPool creates a pool of shaders bound to dev.
func NewShaderPool(dev *device.Device) *Pool[*Shader] {
	return NewPool("shader", func() *Shader { return NewShader(dev) })
}

// Allocate returns an uninitialized asset and its handle.
func (p *Pool[T]) Allocate() (pool.Handle, T, error) {
	return p.p.Acquire()
}

// Get returns the asset owned by h.
func (p *Pool[T]) Get(h pool.Handle) (T, bool) {
	return p.p.Get(h)
}

// Release destroys the asset owned by h and returns it to the pool. An
// AsyncAsset whose creation task is in flight is not released and
// task.ErrNotReadyForDestroy is returned.
func (p *Pool[T]) Release(h pool.Handle) error {
	a, ok := p.p.Get(h)
	if !ok {
		return fmt.Errorf("resource: release %s %s: %w", p.name, h, pool.ErrStaleHandle)
	}
	if aa, ok := any(a).(AsyncAsset); ok && !aa.ReadyForDestroy() {
		return fmt.Errorf("resource: release %s %s: %w", p.name, h, task.ErrNotReadyForDestroy)
	}
	return p.p.Release(h)
}

// Stats returns the pool occupancy.
func (p *Pool[T]) Stats() pool.Stats { return p.p.Stats() }

// Trim forgets every released asset and returns how many were dropped.
// Released assets hold no device memory, so nothing is destroyed.
func (p *Pool[T]) Trim() int { return p.p.Drain(nil) }
