// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gfxcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/pipeline"
	"github.com/gogpu/gfxcore/pool"
	"github.com/gogpu/gfxcore/resource"
	"github.com/gogpu/gfxcore/task"
)

// Compile-time check that Engine implements pipeline.Host.
var _ pipeline.Host = (*Engine)(nil)

// ErrClosed is returned by operations on a closed Engine.
var ErrClosed = errors.New("gfxcore: engine closed")

// DefaultMaterialName is the name of the fallback material.
const DefaultMaterialName = "default"

// Engine ties a device, the async task queue, the asset pools and a
// render pipeline together. It implements pipeline.Host.
//
// RenderFrame and the pool operations are called from the render
// goroutine. Async assets are created on the task queue.
type Engine struct {
	dev        *device.Device
	ownsDevice bool
	backend    string
	tasks      *task.Queue
	def        *pipeline.Material
	pl         *pipeline.Pipeline
	opts       options

	buffers *resource.Pool[*resource.Buffer]
	images  *resource.Pool[*resource.Image]
	shaders *resource.Pool[*resource.Shader]

	closed bool
}

// New creates an Engine. Without WithDevice or WithDeviceProvider a device
// is opened on the selected backend.
func New(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	e := &Engine{opts: o}
	if err := e.openDevice(); err != nil {
		return nil, err
	}

	def, err := pipeline.NewMaterial(e.dev, DefaultMaterialName, nil,
		pipeline.Uniform{Name: "tint", Size: 16})
	if err == nil {
		err = def.Init()
	}
	if err != nil {
		e.closeDevice()
		return nil, fmt.Errorf("gfxcore: default material: %w", err)
	}
	if err := def.Set("tint", tintWhite[:]); err != nil {
		def.Destroy()
		e.closeDevice()
		return nil, err
	}

	e.def = def
	e.tasks = task.NewQueue(o.workers)
	e.buffers = resource.NewBufferPool(e.dev)
	e.images = resource.NewImagePool(e.dev)
	e.shaders = resource.NewShaderPool(e.dev)
	e.pl = e.NewPipeline(pipeline.WithLabel("frame"))

	slogger().Info("engine started", "backend", e.backend, "adapter", e.dev.Info().Name, "workers", o.workers)
	return e, nil
}

// tintWhite is an opaque white vec4<f32>.
var tintWhite = [16]byte{0, 0, 0x80, 0x3f, 0, 0, 0x80, 0x3f, 0, 0, 0x80, 0x3f, 0, 0, 0x80, 0x3f}

func (e *Engine) openDevice() error {
	o := e.opts
	switch {
	case o.dev != nil:
		e.dev = o.dev
		e.backend = "external"
		return nil
	case o.provider != nil:
		d, err := device.FromProvider(o.provider, o.deviceOpts...)
		if err != nil {
			return err
		}
		e.dev = d
		e.backend = "provider"
		return nil
	}

	b, name, err := lookupBackend(o.backend)
	if err != nil {
		return err
	}
	d, err := device.Open(b, o.deviceOpts...)
	if err != nil {
		return fmt.Errorf("gfxcore: open %s device: %w", name, err)
	}
	e.dev = d
	e.ownsDevice = true
	e.backend = name
	return nil
}

func (e *Engine) closeDevice() error {
	if !e.ownsDevice {
		return nil
	}
	return e.dev.Close()
}

// Device returns the device the engine renders on.
func (e *Engine) Device() *device.Device { return e.dev }

// Backend returns the name of the selected backend.
func (e *Engine) Backend() string { return e.backend }

// Tasks returns the queue async assets are created on.
func (e *Engine) Tasks() *task.Queue { return e.tasks }

// DefaultMaterial returns the fallback material. It is ready for the
// lifetime of the engine.
func (e *Engine) DefaultMaterial() *pipeline.Material { return e.def }

// Pipeline returns the engine's main pipeline.
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pl }

// NewPipeline returns an additional pipeline sharing the engine's device.
func (e *Engine) NewPipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	opts = append([]pipeline.Option{pipeline.WithCyclePolicy(e.opts.cycles)}, opts...)
	return pipeline.New(e, opts...)
}

// Buffers returns the buffer pool.
func (e *Engine) Buffers() *resource.Pool[*resource.Buffer] { return e.buffers }

// Images returns the image pool.
func (e *Engine) Images() *resource.Pool[*resource.Image] { return e.images }

// Shaders returns the shader pool.
func (e *Engine) Shaders() *resource.Pool[*resource.Shader] { return e.shaders }

// LoadShader allocates a shader from the pool and compiles source on the
// task queue. The shader is usable once ReadyForUse reports true.
func (e *Engine) LoadShader(label, source string) (pool.Handle, *resource.Shader, error) {
	if e.closed {
		return pool.Handle{}, nil, ErrClosed
	}
	h, s, err := e.shaders.Allocate()
	if err != nil {
		return pool.Handle{}, nil, err
	}
	if _, err := s.InitAsync(e.tasks, label, source); err != nil {
		_ = e.shaders.Release(h)
		return pool.Handle{}, nil, err
	}
	return h, s, nil
}

// NewMaterial declares a material and creates its uniform buffer on the
// task queue.
func (e *Engine) NewMaterial(name string, shader *resource.Shader, uniforms ...pipeline.Uniform) (*pipeline.Material, error) {
	if e.closed {
		return nil, ErrClosed
	}
	m, err := pipeline.NewMaterial(e.dev, name, shader, uniforms...)
	if err != nil {
		return nil, err
	}
	if _, err := m.InitAsync(e.tasks); err != nil {
		return nil, err
	}
	return m, nil
}

// RenderFrame renders one frame of the main pipeline.
func (e *Engine) RenderFrame(ctx context.Context) (pipeline.FrameStats, error) {
	if e.closed {
		return pipeline.FrameStats{}, ErrClosed
	}
	return e.pl.RenderFrame(ctx)
}

// Close waits for in-flight tasks and GPU work, releases the engine's
// resources and closes the device if the engine opened it. Close is safe
// to call multiple times.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.tasks.Close()

	var errs []error
	if err := e.pl.Wait(context.Background()); err != nil {
		errs = append(errs, err)
	}
	e.def.Destroy()
	freed := e.buffers.Trim() + e.images.Trim() + e.shaders.Trim()
	if err := e.closeDevice(); err != nil {
		errs = append(errs, err)
	}
	slogger().Info("engine closed", "backend", e.backend, "freed", freed)
	return errors.Join(errs...)
}
