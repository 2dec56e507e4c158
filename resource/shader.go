// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/internal/cache"
	"github.com/gogpu/gfxcore/task"
)

// spirvCache holds compiled SPIR-V by source digest, shared by every Shader.
var spirvCache = cache.New[[sha256.Size]byte, []uint32](128)

// CompileWGSL compiles WGSL source to SPIR-V words. Results are cached by
// source digest.
func CompileWGSL(source string) ([]uint32, error) {
	key := sha256.Sum256([]byte(source))
	if words, ok := spirvCache.Get(key); ok {
		return words, nil
	}
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("resource: compile shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = uint32(spirv[i*4]) |
			uint32(spirv[i*4+1])<<8 |
			uint32(spirv[i*4+2])<<16 |
			uint32(spirv[i*4+3])<<24
	}
	spirvCache.Put(key, words)
	return words, nil
}

// Shader is a shader module compiled from WGSL, optionally off the render
// goroutine.
//
// Thread safety: the readiness queries and Module are safe for concurrent
// use. Init, InitAsync and Destroy are called by the owner only.
type Shader struct {
	dev     *device.Device
	tracker task.Tracker

	mu     sync.Mutex
	label  string
	module hal.ShaderModule
}

// NewShader returns an uninitialized shader bound to dev.
func NewShader(dev *device.Device) *Shader {
	return &Shader{dev: dev}
}

// Init compiles source and creates the module on the calling goroutine.
func (s *Shader) Init(label, source string) error {
	if !s.tracker.ReadyForDestroy() || s.Module() != nil {
		return fmt.Errorf("%w: shader %q", ErrAlreadyInitialized, label)
	}
	if err := s.build(label, source); err != nil {
		s.tracker.MarkFailed(err)
		return err
	}
	s.tracker.MarkReady()
	return nil
}

// InitAsync compiles source and creates the module on q. The shader is
// ReadyForUse once the task succeeds; a failed task leaves it permanently
// not ready.
func (s *Shader) InitAsync(q *task.Queue, label, source string) (*task.Task, error) {
	return s.tracker.Launch(q, "shader "+label, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.build(label, source)
	})
}

func (s *Shader) build(label, source string) error {
	words, err := CompileWGSL(source)
	if err != nil {
		return err
	}
	m, err := s.dev.CreateShaderModule(label, words)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	s.mu.Lock()
	s.label = label
	s.module = m
	s.mu.Unlock()
	slogger().Debug("shader compiled", "label", label, "words", len(words))
	return nil
}

// Module returns the shader module, or nil until the shader is ready.
func (s *Shader) Module() hal.ShaderModule {
	if !s.tracker.ReadyForUse() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module
}

// Label returns the label given at initialization.
func (s *Shader) Label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// ReadyForUse reports whether the module was created successfully.
func (s *Shader) ReadyForUse() bool { return s.tracker.ReadyForUse() }

// ReadyForDestroy reports whether no creation task is in flight.
func (s *Shader) ReadyForDestroy() bool { return s.tracker.ReadyForDestroy() }

// Err returns the creation error of a failed shader.
func (s *Shader) Err() error { return s.tracker.Err() }

// Task returns the creation task, or nil.
func (s *Shader) Task() *task.Task { return s.tracker.Task() }

// Destroy releases the module and returns the Shader to the uninitialized
// state. A Shader whose creation task is in flight is left untouched.
func (s *Shader) Destroy() {
	if err := s.tracker.Reset(); err != nil {
		slogger().Warn("shader destroyed while compiling", "label", s.Label())
		return
	}
	s.mu.Lock()
	m := s.module
	s.module = nil
	s.label = ""
	s.mu.Unlock()
	s.dev.DestroyShaderModule(m)
}
