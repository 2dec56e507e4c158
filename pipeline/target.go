// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/recorder"
	"github.com/gogpu/gfxcore/resource"
)

var (
	// ErrNoAttachment is returned when a target has neither a color nor a
	// depth image.
	ErrNoAttachment = errors.New("pipeline: target has no attachment")

	// ErrTargetNotReady is returned when an attachment is not initialized.
	ErrTargetNotReady = errors.New("pipeline: target attachment not initialized")
)

// Drawable is anything a Batch can draw.
type Drawable interface {
	// ReadyForUse reports whether the resources of the drawable exist.
	// Drawables that are not ready are skipped for the frame.
	ReadyForUse() bool
	// Draw encodes the drawable into opts.Pass.
	Draw(opts *RenderOptions) error
}

// EncodeFunc encodes draw commands for an Item.
type EncodeFunc func(opts *RenderOptions) error

// Item is a Drawable made of a material and an encode function. A nil
// Material uses the host's default material.
type Item struct {
	Name     string
	Material *Material
	Encode   EncodeFunc
}

// ReadyForUse reports whether the item's material is ready.
func (it *Item) ReadyForUse() bool {
	return it.Material == nil || it.Material.ReadyForUse()
}

// Draw binds the material and runs Encode.
func (it *Item) Draw(opts *RenderOptions) error {
	m := it.material(opts)
	if _, err := m.Bind(opts); err != nil {
		return fmt.Errorf("pipeline: item %q: bind %q: %w", it.Name, m.Name(), err)
	}
	if it.Encode == nil {
		return nil
	}
	return it.Encode(opts)
}

func (it *Item) material(opts *RenderOptions) *Material {
	if it.Material != nil {
		return it.Material
	}
	return MustDefaultMaterial(opts.Pipeline.Host())
}

// Batch is a group of drawables sharing stage properties.
type Batch struct {
	Name  string
	Props StageProps
	Items []Drawable
}

// Target is one stage of a Pipeline: a color and/or depth image and the
// batches drawn into them.
type Target struct {
	id         graph.ID
	color      *resource.Image
	depth      *resource.Image
	clear      bool
	clearColor gputypes.Color
	batches    []Batch
}

// NewTarget returns a target drawing into color and depth. Either may be
// nil but not both. The color image is cleared to transparent black at
// the start of each frame unless NoClear is called.
func NewTarget(id graph.ID, color, depth *resource.Image) *Target {
	return &Target{id: id, color: color, depth: depth, clear: true}
}

// ID returns the stage id of the target.
func (t *Target) ID() graph.ID { return t.id }

// Color returns the color attachment, or nil.
func (t *Target) Color() *resource.Image { return t.color }

// Depth returns the depth attachment, or nil.
func (t *Target) Depth() *resource.Image { return t.depth }

// SetClear makes the target clear its color attachment to c.
func (t *Target) SetClear(c gputypes.Color) {
	t.clear = true
	t.clearColor = c
}

// NoClear makes the target load its previous contents.
func (t *Target) NoClear() { t.clear = false }

// AddBatch appends a batch.
func (t *Target) AddBatch(b Batch) { t.batches = append(t.batches, b) }

// Batches returns the batches in draw order.
func (t *Target) Batches() []Batch { return t.batches }

// ClearBatches removes all batches.
func (t *Target) ClearBatches() { t.batches = t.batches[:0] }

// inputs returns the attachments a dependent stage samples.
func (t *Target) inputs() []*resource.Image {
	var imgs []*resource.Image
	if t.color != nil {
		imgs = append(imgs, t.color)
	}
	if t.depth != nil {
		imgs = append(imgs, t.depth)
	}
	return imgs
}

func (t *Target) validate() error {
	if t.color == nil && t.depth == nil {
		return fmt.Errorf("%w: %q", ErrNoAttachment, t.id)
	}
	for _, img := range t.inputs() {
		if !img.Initialized() {
			return fmt.Errorf("%w: %q", ErrTargetNotReady, t.id)
		}
	}
	return nil
}

// bindMaterials uploads the uniforms of every ready Item once and records
// their buffers' move to uniform usage ahead of the pass.
func (t *Target) bindMaterials(opts *RenderOptions) error {
	seen := make(map[*Material]struct{})
	for _, b := range t.batches {
		for _, d := range b.Items {
			it, ok := d.(*Item)
			if !ok || !it.ReadyForUse() {
				continue
			}
			m := it.material(opts)
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			if _, err := m.Bind(opts); err != nil {
				return fmt.Errorf("pipeline: %q batch %q: bind %q: %w", t.id, b.Name, m.Name(), err)
			}
		}
	}
	return nil
}

type drawCounts struct {
	draws   int
	skipped int
}

// render records the target into opts.Recorder. The pass is closed before
// returning, also on error.
func (t *Target) render(opts *RenderOptions) (drawCounts, error) {
	var counts drawCounts
	if err := t.validate(); err != nil {
		return counts, err
	}
	rec := opts.Recorder
	if err := t.bindMaterials(opts); err != nil {
		return counts, err
	}

	desc := &hal.RenderPassDescriptor{Label: string(t.id)}
	if t.color != nil {
		rec.ChangeLayout(t.color, recorder.LayoutRenderTarget)
		load := gputypes.LoadOpLoad
		if t.clear {
			load = gputypes.LoadOpClear
		}
		desc.ColorAttachments = []hal.RenderPassColorAttachment{{
			View:       t.color.View(),
			LoadOp:     load,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: t.clearColor,
		}}
	}
	if t.depth != nil {
		rec.ChangeLayout(t.depth, recorder.LayoutDepthTarget)
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            t.depth.View(),
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpStore,
			DepthClearValue: 1.0,
		}
	}

	pass, err := rec.BeginRenderPass(desc)
	if err != nil {
		return counts, fmt.Errorf("pipeline: begin %q: %w", t.id, err)
	}
	opts.Target = t
	opts.Pass = pass
	defer func() {
		opts.Pass = nil
		opts.Target = nil
	}()

	for _, b := range t.batches {
		opts.Stage = b.Props
		for _, d := range b.Items {
			if !d.ReadyForUse() {
				counts.skipped++
				continue
			}
			if err := d.Draw(opts); err != nil {
				_ = rec.EndRenderPass()
				return counts, fmt.Errorf("pipeline: %q batch %q: %w", t.id, b.Name, err)
			}
			counts.draws++
		}
	}
	if err := rec.EndRenderPass(); err != nil {
		return counts, err
	}
	return counts, nil
}
