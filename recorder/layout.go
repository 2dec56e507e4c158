// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package recorder

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/device"
)

// Layout is the access state of an image.
type Layout uint8

const (
	// LayoutUndefined means the contents are unknown and may be discarded.
	LayoutUndefined Layout = iota
	// LayoutRenderTarget is a color attachment.
	LayoutRenderTarget
	// LayoutDepthTarget is a depth/stencil attachment.
	LayoutDepthTarget
	// LayoutShaderRead is a sampled texture.
	LayoutShaderRead
	// LayoutStorage is a read-write storage texture.
	LayoutStorage
	// LayoutTransferSrc is a copy source.
	LayoutTransferSrc
	// LayoutTransferDst is a copy destination.
	LayoutTransferDst
	// LayoutPresent is ready for presentation.
	LayoutPresent
)

var layoutNames = [...]string{
	LayoutUndefined:    "Undefined",
	LayoutRenderTarget: "RenderTarget",
	LayoutDepthTarget:  "DepthTarget",
	LayoutShaderRead:   "ShaderRead",
	LayoutStorage:      "Storage",
	LayoutTransferSrc:  "TransferSrc",
	LayoutTransferDst:  "TransferDst",
	LayoutPresent:      "Present",
}

// String returns the layout name.
func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return "Unknown"
}

// Usage returns the texture usage a barrier uses for l.
// Presentation happens from the attachment state.
func (l Layout) Usage() gputypes.TextureUsage {
	switch l {
	case LayoutRenderTarget, LayoutDepthTarget, LayoutPresent:
		return gputypes.TextureUsageRenderAttachment
	case LayoutShaderRead:
		return gputypes.TextureUsageTextureBinding
	case LayoutStorage:
		return gputypes.TextureUsageStorageBinding
	case LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return gputypes.TextureUsageNone
	}
}

// ImageState holds the committed layout of an image. Resources embed one
// and expose it through TrackedImage. Only a submitted Recorder writes it.
type ImageState struct {
	layout Layout
}

// Layout returns the committed layout.
func (s *ImageState) Layout() Layout { return s.layout }

// Reset forgets the committed layout. Call only when no recording
// references the image.
func (s *ImageState) Reset() { s.layout = LayoutUndefined }

// BufferState holds the committed usage of a buffer and the signal of the
// last submitted recording that referenced it.
type BufferState struct {
	usage  gputypes.BufferUsage
	signal device.Signal
}

// Usage returns the committed usage.
func (s *BufferState) Usage() gputypes.BufferUsage { return s.usage }

// LastUse returns the signal of the last submitted recording that
// referenced the buffer, or zero.
func (s *BufferState) LastUse() device.Signal { return s.signal }

// Reset forgets the committed usage.
func (s *BufferState) Reset() {
	s.usage = gputypes.BufferUsageNone
	s.signal = 0
}

// TrackedImage is an image whose layout a Recorder can track.
type TrackedImage interface {
	Raw() hal.Texture
	State() *ImageState
	MipLevelCount() uint32
}

// TrackedBuffer is a buffer whose usage a Recorder can track.
type TrackedBuffer interface {
	Raw() hal.Buffer
	State() *BufferState
}
