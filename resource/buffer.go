// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/recorder"
)

var (
	// ErrAllocationFailed wraps a device allocation error.
	ErrAllocationFailed = errors.New("resource: allocation failed")

	// ErrZeroSize is returned when a buffer or image of size zero is requested.
	ErrZeroSize = errors.New("resource: zero size")

	// ErrOutOfBounds is returned for writes or reads that cross the end of a
	// resource.
	ErrOutOfBounds = errors.New("resource: out of bounds")

	// ErrAlreadyInitialized is returned by Init* on an initialized resource.
	ErrAlreadyInitialized = errors.New("resource: already initialized")

	// ErrNotInitialized is returned by operations on an uninitialized resource.
	ErrNotInitialized = errors.New("resource: not initialized")

	// ErrNotMappable is returned by MapRange on a static buffer.
	ErrNotMappable = errors.New("resource: buffer is not mappable")

	// ErrAlreadyMapped is returned by MapRange while a range is mapped.
	ErrAlreadyMapped = errors.New("resource: buffer already mapped")
)

// BufferMode is the memory placement of a Buffer.
type BufferMode uint8

const (
	// BufferUninitialized holds no device memory.
	BufferUninitialized BufferMode = iota
	// BufferStaging is CPU-writable, GPU-readable memory. Always mappable.
	BufferStaging
	// BufferStatic is device-local memory written through a temporary
	// staging buffer and a GPU copy. Never mapped.
	BufferStatic
	// BufferAccessed is device-local memory for frequent small CPU updates.
	// It is mapped directly when the device allows it and otherwise written
	// through a shadow staging buffer copied on Flush.
	BufferAccessed
	// bufferReadback is a transient map-read destination.
	bufferReadback
)

// String returns the mode name.
func (m BufferMode) String() string {
	switch m {
	case BufferUninitialized:
		return "Uninitialized"
	case BufferStaging:
		return "Staging"
	case BufferStatic:
		return "Static"
	case BufferAccessed:
		return "Accessed"
	case bufferReadback:
		return "Readback"
	default:
		return "Unknown"
	}
}

// Buffer is a GPU buffer bound to a device.
//
// A Buffer starts uninitialized; one of the Init methods allocates device
// memory. A failed Init leaves it uninitialized, so it can be retried or
// destroyed. Destroy returns it to the uninitialized state for reuse.
//
// Thread safety: Buffer is NOT safe for concurrent use.
type Buffer struct {
	state recorder.BufferState

	dev   *device.Device
	label string
	mode  BufferMode
	raw   hal.Buffer
	size  uint64
	usage gputypes.BufferUsage

	// shadow receives writes for an accessed buffer that cannot be mapped
	// directly.
	shadow *Buffer

	mapped    []byte
	mappedBuf hal.Buffer

	dirtyLo, dirtyHi uint64
	signal           device.Signal
}

// NewBuffer returns an uninitialized buffer bound to dev.
func NewBuffer(dev *device.Device, label string) *Buffer {
	return &Buffer{dev: dev, label: label}
}

// Raw returns the hal buffer, or nil if uninitialized.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// State returns the committed usage state.
func (b *Buffer) State() *recorder.BufferState { return &b.state }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// SetLabel sets the debug label used by the next Init.
func (b *Buffer) SetLabel(label string) { b.label = label }

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Mode returns the memory placement.
func (b *Buffer) Mode() BufferMode { return b.mode }

// Flags returns the usage flags the buffer was created with.
func (b *Buffer) Flags() gputypes.BufferUsage { return b.usage }

// Initialized reports whether the buffer holds device memory.
func (b *Buffer) Initialized() bool { return b.mode != BufferUninitialized }

// HasShadow reports whether writes go through a shadow staging buffer.
func (b *Buffer) HasShadow() bool { return b.shadow != nil }

// Dirty reports whether shadow writes are waiting for Flush.
func (b *Buffer) Dirty() bool { return b.dirtyHi > b.dirtyLo }

// Signal returns the completion signal of the last GPU write issued by
// the buffer itself.
func (b *Buffer) Signal() device.Signal { return b.signal }

// =============================================================================
// Initialization
// =============================================================================

// InitStaging allocates size bytes of CPU-writable, GPU-readable memory.
func (b *Buffer) InitStaging(size uint64) error {
	return b.alloc(BufferStaging, size, gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc)
}

// InitStatic allocates size bytes of device-local memory and uploads data
// to its start. The temporary staging buffer is destroyed once the upload
// completes. On any failure the device allocation is released.
func (b *Buffer) InitStatic(ctx context.Context, size uint64, data []byte, usage gputypes.BufferUsage) error {
	if uint64(len(data)) > size {
		return fmt.Errorf("%w: %d bytes into %d", ErrOutOfBounds, len(data), size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.alloc(BufferStatic, size, usage|gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.upload(data, 0); err != nil {
		b.Destroy()
		return err
	}
	return nil
}

// InitAccessed allocates size bytes of device-local memory for frequent
// CPU updates. If the device cannot map device-local memory, a shadow
// staging buffer of the same size is allocated as well.
func (b *Buffer) InitAccessed(size uint64, usage gputypes.BufferUsage) error {
	if err := b.alloc(BufferAccessed, size, usage|gputypes.BufferUsageCopyDst|gputypes.BufferUsageCopySrc); err != nil {
		return err
	}
	if b.dev.Capabilities().DirectMapping {
		return nil
	}
	shadow := NewBuffer(b.dev, b.label+"/shadow")
	if err := shadow.InitStaging(size); err != nil {
		b.Destroy()
		return err
	}
	b.shadow = shadow
	return nil
}

func (b *Buffer) alloc(mode BufferMode, size uint64, usage gputypes.BufferUsage) error {
	if b.mode != BufferUninitialized {
		return fmt.Errorf("%w: %q", ErrAlreadyInitialized, b.label)
	}
	if size == 0 {
		return fmt.Errorf("%w: buffer %q", ErrZeroSize, b.label)
	}
	raw, err := b.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	b.raw = raw
	b.mode = mode
	b.size = size
	b.usage = usage
	return nil
}

// =============================================================================
// Writes
// =============================================================================

// SetData writes data at offset.
//
// Staging buffers and directly mapped accessed buffers are written in
// place once submitted work that references them has completed. Accessed
// buffers with a shadow write the shadow and need Flush; a shadow still
// read by a pending copy is replaced first. Static buffers upload through
// a temporary staging buffer and a GPU copy.
func (b *Buffer) SetData(data []byte, offset uint64) error {
	if err := b.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if b.mode != BufferStatic {
		if err := b.prepareWrite(); err != nil {
			return err
		}
	}
	switch {
	case b.mode == BufferStatic:
		return b.upload(data, offset)
	case b.shadow != nil:
		if err := b.shadow.SetData(data, offset); err != nil {
			return err
		}
		b.markDirty(offset, uint64(len(data)))
		return nil
	default:
		return b.writeMapped(b.raw, data, offset)
	}
}

// MapRange maps size bytes at offset for writing and returns them. The
// slice stays valid until Flush. Only one range may be mapped at a time.
func (b *Buffer) MapRange(offset, size uint64) ([]byte, error) {
	if err := b.checkRange(offset, size); err != nil {
		return nil, err
	}
	if b.mode == BufferStatic {
		return nil, fmt.Errorf("%w: %q is static", ErrNotMappable, b.label)
	}
	if b.mapped != nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyMapped, b.label)
	}
	if err := b.prepareWrite(); err != nil {
		return nil, err
	}
	target := b.raw
	if b.shadow != nil {
		target = b.shadow.raw
	}
	m, err := b.dev.Map(target, offset, size)
	if err != nil {
		return nil, err
	}
	b.mapped = m
	b.mappedBuf = target
	if b.shadow != nil {
		b.markDirty(offset, size)
	}
	return m, nil
}

// lastUse returns the signal of the last submitted work that references b.
func (b *Buffer) lastUse() device.Signal {
	return max(b.signal, b.state.LastUse())
}

// prepareWrite makes b safe for a CPU write. A shadow still read by
// submitted work is swapped for a fresh copy and released when that work
// completes. Memory written in place waits for its readers.
func (b *Buffer) prepareWrite() error {
	if b.shadow != nil {
		if b.dev.IsComplete(b.shadow.lastUse()) {
			return nil
		}
		return b.rotateShadow()
	}
	if s := b.lastUse(); !b.dev.IsComplete(s) {
		slogger().Debug("buffer write waits for GPU", "label", b.label, "signal", s)
		return b.dev.Wait(context.Background(), s)
	}
	return nil
}

func (b *Buffer) rotateShadow() error {
	old := b.shadow
	next := NewBuffer(b.dev, old.label)
	if err := next.InitStaging(old.size); err != nil {
		return err
	}
	data, err := old.readMapped(0, old.size)
	if err == nil {
		err = next.writeMapped(next.raw, data, 0)
	}
	if err != nil {
		next.Destroy()
		return err
	}
	slogger().Debug("shadow rotated", "label", b.label, "busy", old.lastUse())
	b.shadow = next
	old.Destroy()
	return nil
}

// Mapped returns the currently mapped range, or nil.
func (b *Buffer) Mapped() []byte { return b.mapped }

// Flush unmaps any mapped range and makes written bytes visible to the GPU.
// For a shadowed buffer the dirty range is copied on the GPU. With wait set,
// Flush blocks until the buffer's last write has completed.
func (b *Buffer) Flush(ctx context.Context, wait bool) error {
	if b.mode == BufferUninitialized {
		return fmt.Errorf("%w: %q", ErrNotInitialized, b.label)
	}
	if b.mapped != nil {
		b.mapped = nil
		if err := b.dev.Unmap(b.mappedBuf); err != nil {
			return err
		}
		b.mappedBuf = nil
	}
	if b.Dirty() {
		rec, err := recorder.New(b.dev, b.label+"/flush")
		if err != nil {
			return err
		}
		lo, hi := b.dirtyLo, b.dirtyHi
		if err := rec.CopyBuffer(b.shadow, b, lo, lo, hi-lo); err != nil {
			rec.Discard()
			return err
		}
		s, err := rec.Submit()
		if err != nil {
			return err
		}
		b.dirtyLo, b.dirtyHi = 0, 0
		b.signal = s
		slogger().Debug("buffer flushed", "label", b.label, "offset", lo, "size", hi-lo)
	}
	if wait {
		return b.dev.Wait(ctx, b.signal)
	}
	return nil
}

// CopyFrom records a GPU copy of size bytes from src at srcOffset to b at
// dstOffset on rec.
func (b *Buffer) CopyFrom(rec *recorder.Recorder, src *Buffer, srcOffset, dstOffset, size uint64) error {
	if err := src.checkRange(srcOffset, size); err != nil {
		return err
	}
	if err := b.checkRange(dstOffset, size); err != nil {
		return err
	}
	return rec.CopyBuffer(src, b, srcOffset, dstOffset, size)
}

// ReadBack copies size bytes at offset from the GPU into a new slice. Pending
// shadow writes are flushed first. ReadBack blocks until the copy completes.
func (b *Buffer) ReadBack(ctx context.Context, offset, size uint64) ([]byte, error) {
	if err := b.checkRange(offset, size); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	if b.Dirty() {
		if err := b.Flush(ctx, false); err != nil {
			return nil, err
		}
	}

	dst := NewBuffer(b.dev, b.label+"/readback")
	if err := dst.alloc(bufferReadback, size, gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst); err != nil {
		return nil, err
	}
	defer dst.Destroy()

	rec, err := recorder.New(b.dev, b.label+"/readback")
	if err != nil {
		return nil, err
	}
	if err := rec.CopyBuffer(b, dst, offset, 0, size); err != nil {
		rec.Discard()
		return nil, err
	}
	if err := rec.SubmitAndWait(ctx); err != nil {
		return nil, err
	}
	return dst.readMapped(0, size)
}

// upload writes data at offset through a temporary staging buffer.
func (b *Buffer) upload(data []byte, offset uint64) error {
	staging := NewBuffer(b.dev, b.label+"/staging")
	if err := staging.InitStaging(uint64(len(data))); err != nil {
		return err
	}
	if err := staging.SetData(data, 0); err != nil {
		staging.Destroy()
		return err
	}

	rec, err := recorder.New(b.dev, b.label+"/upload")
	if err != nil {
		staging.Destroy()
		return err
	}
	rec.Defer(staging.Destroy)
	if err := rec.CopyBuffer(staging, b, 0, offset, uint64(len(data))); err != nil {
		rec.Discard()
		return err
	}
	s, err := rec.Submit()
	if err != nil {
		return err
	}
	b.signal = s
	return nil
}

func (b *Buffer) writeMapped(raw hal.Buffer, data []byte, offset uint64) error {
	m, err := b.dev.Map(raw, offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(m, data)
	return b.dev.Unmap(raw)
}

func (b *Buffer) readMapped(offset, size uint64) ([]byte, error) {
	m, err := b.dev.Map(b.raw, offset, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, m)
	return out, b.dev.Unmap(b.raw)
}

func (b *Buffer) checkRange(offset, size uint64) error {
	if b.mode == BufferUninitialized {
		return fmt.Errorf("%w: %q", ErrNotInitialized, b.label)
	}
	if offset > b.size || size > b.size-offset {
		return fmt.Errorf("%w: [%d, %d) of %q (%d bytes)",
			ErrOutOfBounds, offset, offset+size, b.label, b.size)
	}
	return nil
}

func (b *Buffer) markDirty(offset, size uint64) {
	end := offset + size
	if !b.Dirty() {
		b.dirtyLo, b.dirtyHi = offset, end
		return
	}
	b.dirtyLo = min(b.dirtyLo, offset)
	b.dirtyHi = max(b.dirtyHi, end)
}

// =============================================================================
// Teardown
// =============================================================================

// Destroy releases the device memory and the shadow buffer and returns the
// Buffer to the uninitialized state. Memory still referenced by submitted
// work is released once that work completes. Destroy on an uninitialized
// Buffer does nothing.
func (b *Buffer) Destroy() {
	if b.mode == BufferUninitialized {
		return
	}
	if b.mapped != nil {
		_ = b.dev.Unmap(b.mappedBuf)
	}
	if b.shadow != nil {
		b.shadow.Destroy()
	}
	b.dev.DeferDestroyBuffer(b.dev.LastSubmitted(), b.raw)

	b.raw = nil
	b.shadow = nil
	b.mapped = nil
	b.mappedBuf = nil
	b.mode = BufferUninitialized
	b.size = 0
	b.usage = gputypes.BufferUsageNone
	b.dirtyLo, b.dirtyHi = 0, 0
	b.signal = 0
	b.state.Reset()
}
