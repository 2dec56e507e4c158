// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/resource"
	"github.com/gogpu/gfxcore/task"
)

var (
	// ErrUnknownUniform is returned by Set for a name the material lacks.
	ErrUnknownUniform = errors.New("pipeline: unknown uniform")

	// ErrUniformSize is returned when a uniform value has the wrong size,
	// or a uniform is declared with size zero.
	ErrUniformSize = errors.New("pipeline: uniform size mismatch")

	// ErrDuplicateUniform is returned by NewMaterial for repeated names.
	ErrDuplicateUniform = errors.New("pipeline: duplicate uniform")
)

// uniformAlignment is the offset alignment of each uniform in the buffer.
const uniformAlignment = 16

// Uniform declares one named uniform block.
type Uniform struct {
	Name string
	Size uint64
}

type uniformSlot struct {
	offset uint64
	size   uint64
	value  []byte
}

// Material owns the uniform values of a draw and the buffer they live in.
//
// Set stores a value and marks the uniform dirty. Bind uploads every dirty
// uniform and clears the dirty set only once the upload succeeded. The
// uniform buffer is created by Init or, off the render goroutine, by
// InitAsync; until then the material is not ready and draws using it are
// skipped.
//
// Thread safety: Set, Dirty and the readiness queries are safe for
// concurrent use. Bind and Destroy are called from the render goroutine.
type Material struct {
	name    string
	dev     *device.Device
	shader  *resource.Shader
	tracker task.Tracker

	order []string
	slots map[string]*uniformSlot
	size  uint64
	buf   *resource.Buffer

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewMaterial declares a material with the given uniforms. shader may be
// nil; otherwise the material is ready only once the shader is.
func NewMaterial(dev *device.Device, name string, shader *resource.Shader, uniforms ...Uniform) (*Material, error) {
	m := &Material{
		name:   name,
		dev:    dev,
		shader: shader,
		slots:  make(map[string]*uniformSlot, len(uniforms)),
		dirty:  make(map[string]struct{}),
	}
	var offset uint64
	for _, u := range uniforms {
		if u.Size == 0 {
			return nil, fmt.Errorf("%w: %q has size 0", ErrUniformSize, u.Name)
		}
		if _, ok := m.slots[u.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateUniform, u.Name)
		}
		m.slots[u.Name] = &uniformSlot{offset: offset, size: u.Size}
		m.order = append(m.order, u.Name)
		offset = (offset + u.Size + uniformAlignment - 1) &^ (uniformAlignment - 1)
	}
	m.size = offset
	m.buf = resource.NewBuffer(dev, name+"/uniforms")
	return m, nil
}

// Name returns the material name.
func (m *Material) Name() string { return m.name }

// Size returns the uniform buffer size in bytes.
func (m *Material) Size() uint64 { return m.size }

// Buffer returns the uniform buffer. It is uninitialized until the
// material is ready.
func (m *Material) Buffer() *resource.Buffer { return m.buf }

// Offset returns the buffer offset of a uniform.
func (m *Material) Offset(name string) (uint64, bool) {
	s, ok := m.slots[name]
	if !ok {
		return 0, false
	}
	return s.offset, true
}

// Init creates the uniform buffer on the calling goroutine.
func (m *Material) Init() error {
	if err := m.createBuffer(); err != nil {
		m.tracker.MarkFailed(err)
		return err
	}
	m.tracker.MarkReady()
	return nil
}

// InitAsync creates the uniform buffer on q.
func (m *Material) InitAsync(q *task.Queue) (*task.Task, error) {
	return m.tracker.Launch(q, "material "+m.name, func(context.Context) error {
		return m.createBuffer()
	})
}

func (m *Material) createBuffer() error {
	if m.size == 0 {
		return nil
	}
	if err := m.buf.InitAccessed(m.size, gputypes.BufferUsageUniform); err != nil {
		return fmt.Errorf("pipeline: material %q: %w", m.name, err)
	}
	return nil
}

// Set stores the value of a uniform and marks it dirty.
func (m *Material) Set(name string, data []byte) error {
	s, ok := m.slots[name]
	if !ok {
		return fmt.Errorf("%w: %q in material %q", ErrUnknownUniform, name, m.name)
	}
	if uint64(len(data)) != s.size {
		return fmt.Errorf("%w: %q is %d bytes, got %d", ErrUniformSize, name, s.size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.value = append(s.value[:0], data...)
	m.dirty[name] = struct{}{}
	return nil
}

// Dirty returns the names of uniforms waiting for upload, in declaration
// order.
func (m *Material) Dirty() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, n := range m.order {
		if _, ok := m.dirty[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// Bind uploads dirty uniforms for the draw described by opts. It returns
// false without error if the material is not ready yet.
//
// Outside a render pass, Bind also moves the uniform buffer to uniform
// usage on opts.Recorder so the barrier is batched with the pass's
// attachment transitions.
func (m *Material) Bind(opts *RenderOptions) (bool, error) {
	if !m.ReadyForUse() {
		return false, nil
	}
	if err := m.flush(opts.Frame); err != nil {
		return false, err
	}
	if rec := opts.Recorder; rec != nil && opts.Pass == nil && m.buf.Initialized() {
		rec.ChangeBufferState(m.buf, gputypes.BufferUsageUniform)
	}
	return true, nil
}

func (m *Material) flush(frame uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dirty) == 0 {
		return nil
	}
	for _, n := range m.order {
		if _, ok := m.dirty[n]; !ok {
			continue
		}
		s := m.slots[n]
		if err := m.buf.SetData(s.value, s.offset); err != nil {
			return err
		}
	}
	if err := m.buf.Flush(context.Background(), false); err != nil {
		return err
	}
	slogger().Debug("material uniforms flushed", "material", m.name, "count", len(m.dirty), "frame", frame)
	clear(m.dirty)
	return nil
}

// ReadyForUse reports whether the uniform buffer, and the shader if any,
// were created successfully.
func (m *Material) ReadyForUse() bool {
	if !m.tracker.ReadyForUse() {
		return false
	}
	return m.shader == nil || m.shader.ReadyForUse()
}

// ReadyForDestroy reports whether no creation task is in flight.
func (m *Material) ReadyForDestroy() bool { return m.tracker.ReadyForDestroy() }

// Err returns the creation error of a failed material.
func (m *Material) Err() error { return m.tracker.Err() }

// Destroy releases the uniform buffer. Uniform values are kept and marked
// dirty so they are uploaded again after the next Init. A Material whose
// creation task is in flight is left untouched.
func (m *Material) Destroy() {
	if err := m.tracker.Reset(); err != nil {
		slogger().Warn("material destroyed while initializing", "material", m.name)
		return
	}
	m.buf.Destroy()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.order {
		if m.slots[n].value != nil {
			m.dirty[n] = struct{}{}
		}
	}
}

// Uniforms returns the declared uniform names in declaration order.
func (m *Material) Uniforms() []string { return slices.Clone(m.order) }
