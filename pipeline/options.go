// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/recorder"
)

// StageProps are the per-batch render properties.
type StageProps struct {
	// DepthTest enables depth testing against the target's depth image.
	DepthTest bool
	// DepthWrite enables depth writes.
	DepthWrite bool
	// Blend enables alpha blending.
	Blend bool
}

// RenderOptions is the state handed to every Drawable during a frame.
//
// Drawables read it and may only attach submission handles: they encode
// into Pass and must not end it, submit Recorder or change the other
// fields.
type RenderOptions struct {
	// Pipeline is the active pipeline.
	Pipeline *Pipeline
	// Target is the render target being drawn.
	Target *Target
	// Stage holds the properties of the active batch.
	Stage StageProps
	// Frame is the index of the frame being recorded.
	Frame uint64
	// Recorder records the frame.
	Recorder *recorder.Recorder
	// Pass is the open render pass of Target.
	Pass hal.RenderPassEncoder
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCyclePolicy sets how the stage graph treats dependency cycles.
func WithCyclePolicy(p graph.CyclePolicy) Option {
	return func(pl *Pipeline) { pl.cycles = p }
}

// WithLabel sets the debug label used for frame recordings.
func WithLabel(label string) Option {
	return func(pl *Pipeline) {
		if label != "" {
			pl.label = label
		}
	}
}
