// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gputest provides devices and failure-injecting hal wrappers for
// package tests.
package gputest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"

	"github.com/gogpu/gfxcore/device"
)

// ErrInjected is returned by FailingDevice when a failure is armed.
var ErrInjected = errors.New("gputest: injected failure")

// Noop opens a device on the noop backend. Buffers hold real bytes but
// commands do nothing. The device is closed when the test ends.
func Noop(t testing.TB, opts ...device.Option) *device.Device {
	t.Helper()
	return open(t, noop.API{}, opts...)
}

// Software opens a device on the CPU backend. Copies and clears execute
// at record time. The device is closed when the test ends.
func Software(t testing.TB, opts ...device.Option) *device.Device {
	t.Helper()
	return open(t, software.API{}, opts...)
}

func open(t testing.TB, backend hal.Backend, opts ...device.Option) *device.Device {
	t.Helper()
	dev, err := device.Open(backend, opts...)
	if err != nil {
		t.Fatalf("device.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

// RawNoop returns a bare noop hal device and queue for wrapping.
func RawNoop(t testing.TB) (hal.Device, hal.Queue) {
	t.Helper()
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		t.Fatal("noop backend exposes no adapters")
	}
	od, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		od.Device.Destroy()
		instance.Destroy()
	})
	return od.Device, od.Queue
}

// LagQueue is a queue whose completions advance only when the test says so.
type LagQueue struct {
	hal.Queue

	mu        sync.Mutex
	submitted uint64
	completed uint64
}

// Submit records a submission without completing it.
func (q *LagQueue) Submit(_ []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted++
	return q.submitted, nil
}

// PollCompleted returns the last index passed to Complete.
func (q *LagQueue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Complete marks every submission up to idx complete.
func (q *LagQueue) Complete(idx uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = min(idx, q.submitted)
}

// CompleteAll marks every submission complete.
func (q *LagQueue) CompleteAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = q.submitted
}

// Lagging opens a noop device whose queue completes only on demand.
func Lagging(t testing.TB, opts ...device.Option) (*device.Device, *LagQueue) {
	t.Helper()
	raw, q := RawNoop(t)
	lq := &LagQueue{Queue: q}
	dev, err := device.FromHAL(raw, lq, opts...)
	if err != nil {
		t.Fatalf("device.FromHAL() error = %v", err)
	}
	t.Cleanup(func() {
		lq.CompleteAll()
		_ = dev.Close()
	})
	return dev, lq
}

// FailingDevice wraps a hal.Device and fails selected calls.
//
// FailBufferAfter makes the Nth subsequent CreateBuffer call (1-based) and
// every call after it fail. Zero disables the failure.
type FailingDevice struct {
	hal.Device

	FailBufferAfter  atomic.Int32
	FailTexture      atomic.Bool
	FailMap          atomic.Bool
	FailShaderModule atomic.Bool

	bufferCalls atomic.Int32
}

// CreateBuffer implements hal.Device.
func (d *FailingDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	n := d.bufferCalls.Add(1)
	if after := d.FailBufferAfter.Load(); after > 0 && n >= after {
		return nil, ErrInjected
	}
	return d.Device.CreateBuffer(desc)
}

// CreateTexture implements hal.Device.
func (d *FailingDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.FailTexture.Load() {
		return nil, ErrInjected
	}
	return d.Device.CreateTexture(desc)
}

// MapBuffer implements hal.Device.
func (d *FailingDevice) MapBuffer(b hal.Buffer, offset, size uint64) (hal.BufferMapping, error) {
	if d.FailMap.Load() {
		return hal.BufferMapping{}, ErrInjected
	}
	return d.Device.MapBuffer(b, offset, size)
}

// CreateShaderModule implements hal.Device.
func (d *FailingDevice) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	if d.FailShaderModule.Load() {
		return nil, ErrInjected
	}
	return d.Device.CreateShaderModule(desc)
}

// ResetCalls restarts the CreateBuffer call count.
func (d *FailingDevice) ResetCalls() { d.bufferCalls.Store(0) }

// Failing opens a noop device behind a FailingDevice.
func Failing(t testing.TB, opts ...device.Option) (*device.Device, *FailingDevice) {
	t.Helper()
	raw, q := RawNoop(t)
	fd := &FailingDevice{Device: raw}
	dev, err := device.FromHAL(fd, q, opts...)
	if err != nil {
		t.Fatalf("device.FromHAL() error = %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev, fd
}
