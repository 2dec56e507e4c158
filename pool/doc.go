// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pool provides generation-checked object pools.
//
// Pools recycle GPU-backed objects (buffers, images, materials) so that a
// released object's device binding survives while its per-use state is
// cleared. Every Acquire returns a Handle; a Handle kept after Release is
// rejected instead of aliasing the next owner's object.
//
//	p := pool.New(func() (*Thing, error) { return newThing(dev), nil }, (*Thing).Reset)
//	h, thing, err := p.Acquire()
//	...
//	_ = p.Release(h)
package pool
