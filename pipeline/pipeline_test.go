// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/internal/gputest"
	"github.com/gogpu/gfxcore/recorder"
	"github.com/gogpu/gfxcore/resource"
	"github.com/gogpu/gfxcore/task"
)

type testHost struct {
	dev   *device.Device
	tasks *task.Queue
	def   *Material
}

func (h *testHost) Device() *device.Device     { return h.dev }
func (h *testHost) Tasks() *task.Queue         { return h.tasks }
func (h *testHost) DefaultMaterial() *Material { return h.def }

func newHost(t *testing.T, dev *device.Device) *testHost {
	t.Helper()
	q := task.NewQueue(2)
	t.Cleanup(q.Close)
	def, err := NewMaterial(dev, "default", nil, Uniform{Name: "tint", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Init(); err != nil {
		t.Fatal(err)
	}
	return &testHost{dev: dev, tasks: q, def: def}
}

func newColor(t *testing.T, dev *device.Device, label string) *resource.Image {
	t.Helper()
	img := resource.NewImage(dev)
	err := img.Init(resource.ImageDesc{
		Label:  label,
		Width:  64,
		Height: 4,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func addTarget(t *testing.T, pl *Pipeline, dev *device.Device, id graph.ID) *Target {
	t.Helper()
	tg := NewTarget(id, newColor(t, dev, string(id)), nil)
	if err := pl.AddTarget(tg); err != nil {
		t.Fatal(err)
	}
	return tg
}

// spy records the stage it was drawn in and checks attachment layouts.
type spy struct {
	ready  bool
	err    error
	seen   *[]graph.ID
	checks func(opts *RenderOptions)
}

func (s *spy) ReadyForUse() bool { return s.ready }

func (s *spy) Draw(opts *RenderOptions) error {
	if s.seen != nil {
		*s.seen = append(*s.seen, opts.Target.ID())
	}
	if s.checks != nil {
		s.checks(opts)
	}
	return s.err
}

// =============================================================================
// Frames
// =============================================================================

func TestPipeline_ClearColors(t *testing.T) {
	dev := gputest.Software(t)
	ctx := context.Background()
	pl := New(newHost(t, dev))

	shadow := addTarget(t, pl, dev, "shadow")
	shadow.SetClear(gputypes.Color{R: 1, A: 1})
	main := addTarget(t, pl, dev, "main")
	main.SetClear(gputypes.Color{B: 1, A: 1})
	if err := pl.AddDependency("main", "shadow"); err != nil {
		t.Fatal(err)
	}

	stats, err := pl.RenderFrame(ctx)
	if err != nil {
		t.Fatalf("RenderFrame() error = %v", err)
	}
	if stats.Stages != 2 || stats.Rounds != 2 || stats.Frame != 0 {
		t.Errorf("stats = %+v, want 2 stages in 2 rounds of frame 0", stats)
	}
	if err := pl.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := shadow.Color().Layout(); got != recorder.LayoutShaderRead {
		t.Errorf("shadow layout = %v, want ShaderRead", got)
	}
	if got := main.Color().Layout(); got != recorder.LayoutRenderTarget {
		t.Errorf("main layout = %v, want RenderTarget", got)
	}

	tests := []struct {
		target *Target
		want   []byte
	}{
		{shadow, []byte{255, 0, 0, 255}},
		{main, []byte{0, 0, 255, 255}},
	}
	for _, tt := range tests {
		px, err := tt.target.Color().ReadBack(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(px[:4], tt.want) || !slices.Equal(px[len(px)-4:], tt.want) {
			t.Errorf("%s pixels = %v...%v, want %v", tt.target.ID(), px[:4], px[len(px)-4:], tt.want)
		}
	}
	if pl.Frame() != 1 {
		t.Errorf("Frame() = %d, want 1", pl.Frame())
	}
}

func TestPipeline_NoClearKeepsContents(t *testing.T) {
	dev := gputest.Software(t)
	ctx := context.Background()
	pl := New(newHost(t, dev))

	tg := addTarget(t, pl, dev, "main")
	tg.SetClear(gputypes.Color{G: 1, A: 1})
	if _, err := pl.RenderFrame(ctx); err != nil {
		t.Fatal(err)
	}
	tg.NoClear()
	if _, err := pl.RenderFrame(ctx); err != nil {
		t.Fatal(err)
	}
	px, err := tg.Color().ReadBack(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0, 255, 0, 255}; !slices.Equal(px[:4], want) {
		t.Errorf("pixel = %v, want %v", px[:4], want)
	}
}

func TestPipeline_StageOrderAndInputs(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))

	var seen []graph.ID
	targets := map[graph.ID]*Target{}
	for _, id := range []graph.ID{"a", "b", "c", "d"} {
		targets[id] = addTarget(t, pl, dev, id)
	}
	deps := [][2]graph.ID{{"b", "a"}, {"c", "a"}, {"d", "b"}, {"d", "c"}}
	for _, d := range deps {
		if err := pl.AddDependency(d[0], d[1]); err != nil {
			t.Fatal(err)
		}
	}

	for id, tg := range targets {
		inputs := pl.graph.Dependencies(id)
		tg.AddBatch(Batch{Name: "main", Items: []Drawable{&spy{
			ready: true,
			seen:  &seen,
			checks: func(opts *RenderOptions) {
				rec := opts.Recorder
				if got := rec.Layout(tg.Color()); got != recorder.LayoutRenderTarget {
					t.Errorf("%s own layout = %v", id, got)
				}
				for _, in := range inputs {
					if got := rec.Layout(targets[in].Color()); got != recorder.LayoutShaderRead {
						t.Errorf("%s input %s layout = %v", id, in, got)
					}
				}
			},
		}}})
	}

	stats, err := pl.RenderFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []graph.ID{"a", "b", "c", "d"}; !slices.Equal(seen, want) {
		t.Errorf("draw order = %v, want %v", seen, want)
	}
	if stats.Draws != 4 || stats.Rounds != 3 {
		t.Errorf("stats = %+v, want 4 draws in 3 rounds", stats)
	}
}

func TestPipeline_SkipsNotReady(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))
	tg := addTarget(t, pl, dev, "main")

	var seen []graph.ID
	tg.AddBatch(Batch{Name: "opaque", Items: []Drawable{
		&spy{ready: false, seen: &seen},
		&spy{ready: true, seen: &seen},
	}})
	tg.AddBatch(Batch{Name: "blend", Props: StageProps{Blend: true}, Items: []Drawable{
		&spy{ready: true, checks: func(opts *RenderOptions) {
			if !opts.Stage.Blend {
				t.Error("batch props not applied")
			}
		}},
	}})

	stats, err := pl.RenderFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Draws != 2 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 draws and 1 skipped", stats)
	}
	if len(seen) != 1 {
		t.Errorf("not-ready drawable was drawn")
	}
}

func TestPipeline_DrawErrorDiscardsFrame(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))
	ctx := context.Background()

	shadow := addTarget(t, pl, dev, "shadow")
	main := addTarget(t, pl, dev, "main")
	if err := pl.AddDependency("main", "shadow"); err != nil {
		t.Fatal(err)
	}
	errBoom := errors.New("boom")
	failing := &spy{ready: true, err: errBoom}
	main.AddBatch(Batch{Name: "main", Items: []Drawable{failing}})

	if _, err := pl.RenderFrame(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("RenderFrame() error = %v, want %v", err, errBoom)
	}
	if shadow.Color().Layout() != recorder.LayoutUndefined || main.Color().Layout() != recorder.LayoutUndefined {
		t.Errorf("layouts committed by a discarded frame: shadow=%v main=%v",
			shadow.Color().Layout(), main.Color().Layout())
	}
	if pl.Frame() != 0 {
		t.Errorf("Frame() = %d after discarded frame", pl.Frame())
	}
	if !pl.Valid() {
		t.Error("stage queue invalidated by a draw error")
	}

	failing.err = nil
	if _, err := pl.RenderFrame(ctx); err != nil {
		t.Fatalf("RenderFrame() after recovery error = %v", err)
	}
	if shadow.Color().Layout() != recorder.LayoutShaderRead {
		t.Errorf("shadow layout = %v, want ShaderRead", shadow.Color().Layout())
	}
}

func TestPipeline_Cycle(t *testing.T) {
	tests := []struct {
		name    string
		policy  graph.CyclePolicy
		wantErr error
	}{
		{"error", graph.CycleError, graph.ErrCycle},
		{"flush", graph.CycleFlush, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := gputest.Noop(t)
			pl := New(newHost(t, dev), WithCyclePolicy(tt.policy), WithLabel("cyclic"))
			addTarget(t, pl, dev, "a")
			addTarget(t, pl, dev, "b")
			_ = pl.AddDependency("a", "b")
			_ = pl.AddDependency("b", "a")

			stats, err := pl.RenderFrame(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("RenderFrame() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && stats.Stages != 2 {
				t.Errorf("Stages = %d, want 2", stats.Stages)
			}
		})
	}
}

func TestPipeline_TargetErrors(t *testing.T) {
	dev := gputest.Noop(t)

	tests := []struct {
		name    string
		target  *Target
		wantErr error
	}{
		{"no attachment", NewTarget("empty", nil, nil), ErrNoAttachment},
		{"uninitialized", NewTarget("lazy", resource.NewImage(dev), nil), ErrTargetNotReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pl := New(newHost(t, dev))
			if err := pl.AddTarget(tt.target); err != nil {
				t.Fatal(err)
			}
			if _, err := pl.RenderFrame(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Errorf("RenderFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPipeline_DepthTarget(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))

	depth := resource.NewImage(dev)
	err := depth.Init(resource.ImageDesc{
		Label:  "depth",
		Width:  16,
		Height: 16,
		Format: gputypes.TextureFormatDepth32Float,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := pl.AddTarget(NewTarget("prepass", nil, depth)); err != nil {
		t.Fatal(err)
	}
	if _, err := pl.RenderFrame(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := depth.Layout(); got != recorder.LayoutDepthTarget {
		t.Errorf("depth layout = %v, want DepthTarget", got)
	}
}

func TestPipeline_AddRemoveTarget(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))
	a := addTarget(t, pl, dev, "a")
	addTarget(t, pl, dev, "b")
	if err := pl.AddTarget(a); !errors.Is(err, graph.ErrDuplicateNode) {
		t.Errorf("duplicate AddTarget() error = %v", err)
	}
	if err := pl.AddDependency("b", "a"); err != nil {
		t.Fatal(err)
	}
	if err := pl.RemoveTarget("a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := pl.Target("a"); ok {
		t.Error("removed target still registered")
	}
	q, err := pl.Queue()
	if err != nil {
		t.Fatal(err)
	}
	if len(q) != 1 || q[0].Stage != "b" || len(q[0].SyncWith) != 0 {
		t.Errorf("Queue() = %+v, want only b", q)
	}
	if err := pl.RemoveTarget("a"); !errors.Is(err, graph.ErrUnknownNode) {
		t.Errorf("second RemoveTarget() error = %v", err)
	}
}

func TestPipeline_StageViewsAreCopies(t *testing.T) {
	dev := gputest.Noop(t)
	pl := New(newHost(t, dev))
	for _, id := range []graph.ID{"a", "b", "c"} {
		addTarget(t, pl, dev, id)
	}
	if err := pl.AddDependency("c", "a"); err != nil {
		t.Fatal(err)
	}
	if err := pl.AddDependency("c", "b"); err != nil {
		t.Fatal(err)
	}

	q, err := pl.Queue()
	if err != nil {
		t.Fatal(err)
	}
	if !pl.Valid() || pl.Rounds() != 2 {
		t.Fatalf("Valid() = %v, Rounds() = %d, want true, 2", pl.Valid(), pl.Rounds())
	}
	q[0].Stage = "orphan"
	q[len(q)-1].SyncWith[0] = "orphan"
	nodes := pl.Nodes()
	nodes[0] = "orphan"
	deps := pl.Dependencies("c")
	deps[0] = "orphan"

	again, err := pl.Queue()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range again {
		if e.Stage == "orphan" || slices.Contains(e.SyncWith, "orphan") {
			t.Fatalf("Queue() = %+v, mutated through a returned copy", again)
		}
	}
	if got := pl.Nodes(); !slices.Equal(got, []graph.ID{"a", "b", "c"}) {
		t.Errorf("Nodes() = %v, want [a b c]", got)
	}
	if got := pl.Dependencies("c"); !slices.Equal(got, []graph.ID{"a", "b"}) {
		t.Errorf("Dependencies(c) = %v, want [a b]", got)
	}
	if _, err := pl.RenderFrame(context.Background()); err != nil {
		t.Errorf("RenderFrame() error = %v", err)
	}
}

// =============================================================================
// Default material
// =============================================================================

func TestMustDefaultMaterial_Panics(t *testing.T) {
	dev := gputest.Noop(t)
	notReady, err := NewMaterial(dev, "pending", nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		def  *Material
	}{
		{"missing", nil},
		{"not ready", notReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("MustDefaultMaterial did not panic")
				}
			}()
			MustDefaultMaterial(&testHost{dev: dev, def: tt.def})
		})
	}
}

func TestItem_UsesDefaultMaterial(t *testing.T) {
	dev := gputest.Noop(t)
	h := newHost(t, dev)
	pl := New(h)
	tg := addTarget(t, pl, dev, "main")

	if err := h.def.Set("tint", make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	encoded := false
	tg.AddBatch(Batch{Name: "main", Items: []Drawable{&Item{
		Name:   "quad",
		Encode: func(*RenderOptions) error { encoded = true; return nil },
	}}})

	if _, err := pl.RenderFrame(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !encoded {
		t.Error("Encode not called")
	}
	if d := h.def.Dirty(); len(d) != 0 {
		t.Errorf("default material still dirty: %v", d)
	}
}

func TestPipeline_UniformBufferReadyForDraw(t *testing.T) {
	dev := gputest.Software(t, device.WithDirectMapping(false))
	ctx := context.Background()
	h := newHost(t, dev)
	pl := New(h)
	tg := addTarget(t, pl, dev, "main")

	m, err := NewMaterial(dev, "m", nil, Uniform{Name: "tint", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	buf := m.Buffer()

	var inPass []gputypes.BufferUsage
	encode := func(opts *RenderOptions) error {
		inPass = append(inPass, opts.Recorder.BufferUsage(buf))
		return nil
	}
	tg.AddBatch(Batch{Name: "main", Items: []Drawable{
		&Item{Name: "a", Material: m, Encode: encode},
		&Item{Name: "b", Material: m, Encode: encode},
	}})

	for frame, seed := range []byte{1, 9} {
		value := bytes.Repeat([]byte{seed}, 16)
		if err := m.Set("tint", value); err != nil {
			t.Fatal(err)
		}
		inPass = inPass[:0]
		stats, err := pl.RenderFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: RenderFrame() error = %v", frame, err)
		}
		for i, u := range inPass {
			if u != gputypes.BufferUsageUniform {
				t.Errorf("frame %d draw %d: usage in pass = %v, want Uniform", frame, i, u)
			}
		}
		if got := buf.State().Usage(); got != gputypes.BufferUsageUniform {
			t.Errorf("frame %d: committed usage = %v, want Uniform", frame, got)
		}
		if got := buf.State().LastUse(); got != stats.Signal {
			t.Errorf("frame %d: LastUse() = %d, want frame signal %d", frame, got, stats.Signal)
		}
		if err := pl.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := buf.ReadBack(ctx, 0, 16)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("frame %d: uniform buffer = %v, want %v", frame, got, value)
		}
	}
}

func BenchmarkRenderFrame(b *testing.B) {
	dev := gputest.Noop(b)
	q := task.NewQueue(1)
	defer q.Close()
	pl := New(&testHost{dev: dev, tasks: q})
	prev := graph.ID("")
	for _, id := range []graph.ID{"shadow", "gbuffer", "light", "post"} {
		img := resource.NewImage(dev)
		if err := img.Init(resource.ImageDesc{Label: string(id), Width: 64, Height: 64,
			Format: gputypes.TextureFormatRGBA8Unorm, Usage: gputypes.TextureUsageRenderAttachment}); err != nil {
			b.Fatal(err)
		}
		_ = pl.AddTarget(NewTarget(id, img, nil))
		if prev != "" {
			_ = pl.AddDependency(id, prev)
		}
		prev = id
	}
	ctx := context.Background()
	for b.Loop() {
		if _, err := pl.RenderFrame(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
