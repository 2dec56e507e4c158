// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pipeline renders a graph of render targets.
//
// Each Target is a stage of a graph.Graph. A frame walks the graph's queue
// round by round and records every stage into one recorder.Recorder:
// before a stage draws, the attachments of the stages it depends on move
// to LayoutShaderRead, and its own attachments move to the render or
// depth target layouts. Batches of Drawables are encoded into the stage's
// render pass; drawables whose resources are still being created are
// skipped for the frame instead of blocking it.
//
// A frame that fails is discarded as a whole, so image layouts never
// reflect work that was not submitted.
//
// Materials hold uniform values. Set marks a uniform dirty and the next
// Bind uploads it through the material's accessed buffer.
package pipeline
