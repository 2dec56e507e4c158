// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gfxcore/internal/gputest"
	"github.com/gogpu/gfxcore/resource"
	"github.com/gogpu/gfxcore/task"
)

func TestNewMaterial_Errors(t *testing.T) {
	dev := gputest.Noop(t)

	tests := []struct {
		name     string
		uniforms []Uniform
		wantErr  error
	}{
		{"zero size", []Uniform{{Name: "a"}}, ErrUniformSize},
		{"duplicate", []Uniform{{Name: "a", Size: 4}, {Name: "a", Size: 8}}, ErrDuplicateUniform},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMaterial(dev, "m", nil, tt.uniforms...); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewMaterial() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaterial_Layout(t *testing.T) {
	dev := gputest.Noop(t)
	m, err := NewMaterial(dev, "lit", nil,
		Uniform{Name: "time", Size: 4},
		Uniform{Name: "mvp", Size: 64},
		Uniform{Name: "color", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		want uint64
	}{
		{"time", 0},
		{"mvp", 16},
		{"color", 80},
	}
	for _, tt := range tests {
		if got, ok := m.Offset(tt.name); !ok || got != tt.want {
			t.Errorf("Offset(%q) = %d, %v, want %d", tt.name, got, ok, tt.want)
		}
	}
	if m.Size() != 96 {
		t.Errorf("Size() = %d, want 96", m.Size())
	}
	if got := m.Uniforms(); !slices.Equal(got, []string{"time", "mvp", "color"}) {
		t.Errorf("Uniforms() = %v", got)
	}
}

func TestMaterial_SetErrors(t *testing.T) {
	dev := gputest.Noop(t)
	m, err := NewMaterial(dev, "m", nil, Uniform{Name: "color", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Set("missing", make([]byte, 16)); !errors.Is(err, ErrUnknownUniform) {
		t.Errorf("Set(missing) error = %v", err)
	}
	if err := m.Set("color", make([]byte, 8)); !errors.Is(err, ErrUniformSize) {
		t.Errorf("Set(short) error = %v", err)
	}
	if d := m.Dirty(); len(d) != 0 {
		t.Errorf("Dirty() after failed Set = %v", d)
	}
}

func TestMaterial_BindUploads(t *testing.T) {
	dev := gputest.Software(t)
	ctx := context.Background()
	m, err := NewMaterial(dev, "m", nil,
		Uniform{Name: "time", Size: 4},
		Uniform{Name: "color", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	opts := &RenderOptions{}

	if ok, err := m.Bind(opts); ok || err != nil {
		t.Fatalf("Bind() before Init = %v, %v, want false, nil", ok, err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}

	color := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := m.Set("color", color); err != nil {
		t.Fatal(err)
	}
	if got := m.Dirty(); !slices.Equal(got, []string{"color"}) {
		t.Errorf("Dirty() = %v, want [color]", got)
	}
	if ok, err := m.Bind(opts); !ok || err != nil {
		t.Fatalf("Bind() = %v, %v", ok, err)
	}
	if d := m.Dirty(); len(d) != 0 {
		t.Errorf("Dirty() after Bind = %v", d)
	}
	if err := dev.Wait(ctx, dev.LastSubmitted()); err != nil {
		t.Fatal(err)
	}

	off, _ := m.Offset("color")
	got, err := m.Buffer().ReadBack(ctx, off, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, color) {
		t.Errorf("uniform buffer = %v, want %v", got, color)
	}
}

func TestMaterial_BindFailureKeepsDirty(t *testing.T) {
	dev := gputest.Noop(t)
	m, err := NewMaterial(dev, "m", nil, Uniform{Name: "color", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("color", make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	m.Buffer().Destroy()

	if _, err := m.Bind(&RenderOptions{}); !errors.Is(err, resource.ErrNotInitialized) {
		t.Fatalf("Bind() error = %v, want ErrNotInitialized", err)
	}
	if got := m.Dirty(); !slices.Equal(got, []string{"color"}) {
		t.Errorf("Dirty() after failed Bind = %v", got)
	}
}

func TestMaterial_InitAsync(t *testing.T) {
	dev := gputest.Noop(t)
	q := task.NewQueue(1)
	t.Cleanup(q.Close)

	m, err := NewMaterial(dev, "m", nil, Uniform{Name: "color", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	tk, err := m.InitAsync(q)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tk.Wait(ctx); err != nil {
		t.Fatalf("task error = %v", err)
	}
	if !m.ReadyForUse() || !m.Buffer().Initialized() {
		t.Error("material not ready after task")
	}
	if _, err := m.InitAsync(q); !errors.Is(err, task.ErrAlreadyLaunched) {
		t.Errorf("second InitAsync() error = %v", err)
	}
}

func TestMaterial_WaitsForShader(t *testing.T) {
	dev := gputest.Noop(t)
	sh := resource.NewShader(dev)
	m, err := NewMaterial(dev, "m", sh)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	if m.ReadyForUse() {
		t.Error("material ready before its shader")
	}
	if err := sh.Init("fill", fillWGSL); err != nil {
		t.Fatal(err)
	}
	if !m.ReadyForUse() {
		t.Error("material not ready after shader")
	}
}

func TestMaterial_DestroyMarksDirty(t *testing.T) {
	dev := gputest.Noop(t)
	m, err := NewMaterial(dev, "m", nil,
		Uniform{Name: "a", Size: 4},
		Uniform{Name: "b", Size: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("a", []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Bind(&RenderOptions{}); err != nil {
		t.Fatal(err)
	}

	m.Destroy()
	if m.ReadyForUse() || m.Buffer().Initialized() || dev.LiveBuffers() != 0 {
		t.Error("Destroy left the uniform buffer alive")
	}
	if got := m.Dirty(); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Dirty() after Destroy = %v, want [a]", got)
	}
	if err := m.Init(); err != nil {
		t.Errorf("re-Init() error = %v", err)
	}
}

const fillWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    data[id.x] = 1.0;
}
`
