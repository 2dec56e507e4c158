// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gfxcore/internal/gputest"
	"github.com/gogpu/gfxcore/task"
)

const doubleWGSL = `
@group(0) @binding(0) var<storage, read_write> values: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    values[id.x] = values[id.x] * 2.0;
}
`

func TestCompileWGSL_Cached(t *testing.T) {
	first, err := CompileWGSL(doubleWGSL)
	if err != nil {
		t.Fatalf("CompileWGSL() error = %v", err)
	}
	if len(first) < 5 || first[0] != 0x07230203 {
		t.Fatalf("output is not SPIR-V: %d words", len(first))
	}

	hits := spirvCache.Stats().Hits
	second, err := CompileWGSL(doubleWGSL)
	if err != nil {
		t.Fatal(err)
	}
	if spirvCache.Stats().Hits != hits+1 {
		t.Error("second compile did not hit the cache")
	}
	if &first[0] != &second[0] {
		t.Error("cached words differ from the first result")
	}
}

func TestCompileWGSL_Invalid(t *testing.T) {
	if _, err := CompileWGSL("fn main( {"); err == nil {
		t.Fatal("CompileWGSL() accepted invalid source")
	}
}

func TestShader_Init(t *testing.T) {
	dev := gputest.Noop(t)
	s := NewShader(dev)

	if err := s.Init("double", doubleWGSL); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !s.ReadyForUse() || s.Module() == nil {
		t.Fatal("shader not ready after Init")
	}
	if err := s.Init("again", doubleWGSL); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Init() error = %v, want ErrAlreadyInitialized", err)
	}

	s.Destroy()
	if s.ReadyForUse() || s.Module() != nil {
		t.Error("shader still ready after Destroy")
	}
}

func TestShader_ModuleFailure(t *testing.T) {
	dev, fd := gputest.Failing(t)
	fd.FailShaderModule.Store(true)

	s := NewShader(dev)
	if err := s.Init("double", doubleWGSL); !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("Init() error = %v, want ErrAllocationFailed", err)
	}
	if s.ReadyForUse() || s.Err() == nil {
		t.Error("failed shader must report its error and stay not ready")
	}
}

func TestShader_InitAsync(t *testing.T) {
	dev := gputest.Noop(t)
	q := task.NewQueue(2)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewShader(dev)
	tk, err := s.InitAsync(q, "double", doubleWGSL)
	if err != nil {
		t.Fatalf("InitAsync() error = %v", err)
	}
	if err := tk.Wait(ctx); err != nil {
		t.Fatalf("task error = %v", err)
	}
	if !s.ReadyForUse() || !s.ReadyForDestroy() {
		t.Error("shader not ready after its task finished")
	}
	if s.Task() != tk {
		t.Error("Task() does not return the creation task")
	}
}

func TestShader_InitAsyncFailure(t *testing.T) {
	dev := gputest.Noop(t)
	q := task.NewQueue(1)
	defer q.Close()

	s := NewShader(dev)
	tk, err := s.InitAsync(q, "broken", "not wgsl at all")
	if err != nil {
		t.Fatal(err)
	}
	if err := tk.Wait(context.Background()); !errors.Is(err, task.ErrTaskFailed) {
		t.Fatalf("task error = %v, want ErrTaskFailed", err)
	}
	if s.ReadyForUse() {
		t.Error("failed shader reported ready")
	}
	if !errors.Is(s.Err(), task.ErrTaskFailed) {
		t.Errorf("Err() = %v, want ErrTaskFailed", s.Err())
	}
	if !s.ReadyForDestroy() {
		t.Error("failed shader must be destroyable")
	}
	if _, err := s.InitAsync(q, "broken", doubleWGSL); !errors.Is(err, task.ErrAlreadyLaunched) {
		t.Errorf("relaunch without Destroy error = %v, want ErrAlreadyLaunched", err)
	}
}
