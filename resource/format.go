// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import "github.com/gogpu/gputypes"

// RowPitchAlignment is the required alignment of BytesPerRow in
// buffer-texture copies.
const RowPitchAlignment = 256

// BytesPerPixel returns the texel size of an uncompressed format, or 0 for
// formats that cannot be uploaded texel by texel.
func BytesPerPixel(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint,
		gputypes.TextureFormatStencil8:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRG8Snorm, gputypes.TextureFormatRG8Uint,
		gputypes.TextureFormatRG8Sint, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint, gputypes.TextureFormatRG16Unorm,
		gputypes.TextureFormatRG16Snorm, gputypes.TextureFormatRG16Uint,
		gputypes.TextureFormatRG16Sint, gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb, gputypes.TextureFormatRGB10A2Uint,
		gputypes.TextureFormatRGB10A2Unorm, gputypes.TextureFormatRG11B10Ufloat,
		gputypes.TextureFormatRGB9E5Ufloat, gputypes.TextureFormatDepth24Plus,
		gputypes.TextureFormatDepth24PlusStencil8, gputypes.TextureFormatDepth32Float:
		return 4
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint, gputypes.TextureFormatRGBA16Unorm,
		gputypes.TextureFormatRGBA16Snorm, gputypes.TextureFormatRGBA16Uint,
		gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float,
		gputypes.TextureFormatDepth32FloatStencil8:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16
	default:
		return 0
	}
}

// AlignedRowPitch returns the row size of width texels rounded up to
// RowPitchAlignment.
func AlignedRowPitch(width, bytesPerPixel uint32) uint32 {
	row := width * bytesPerPixel
	return (row + RowPitchAlignment - 1) &^ (RowPitchAlignment - 1)
}

// MaxMipLevels returns the length of a full mip chain for a width x height
// image.
func MaxMipLevels(width, height uint32) uint32 {
	levels := uint32(1)
	for s := max(width, height); s > 1; s >>= 1 {
		levels++
	}
	return levels
}

// mipExtent returns the size of mip level mip.
func mipExtent(width, height, mip uint32) (uint32, uint32) {
	return max(width>>mip, 1), max(height>>mip, 1)
}
