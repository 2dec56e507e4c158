// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/draw"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/recorder"
)

// ErrInvalidImage is returned for image descriptors the device cannot
// create or upload.
var ErrInvalidImage = errors.New("resource: invalid image")

// ImageDesc describes a 2D image.
type ImageDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat

	// MipLevels is the mip chain length. Zero means one level.
	MipLevels uint32

	// Usage is added to CopySrc, CopyDst and TextureBinding, which every
	// image carries.
	Usage gputypes.TextureUsage
}

// Image is a 2D GPU image tagged with its committed layout.
//
// The committed layout changes only when a recording that transitioned
// the image is submitted. While a recording is in flight the recorder holds
// the image's logical layout.
//
// Thread safety: Image is NOT safe for concurrent use.
type Image struct {
	state recorder.ImageState

	dev    *device.Device
	desc   ImageDesc
	raw    hal.Texture
	view   hal.TextureView
	signal device.Signal
}

// NewImage returns an uninitialized image bound to dev.
func NewImage(dev *device.Device) *Image {
	return &Image{dev: dev}
}

// Raw returns the hal texture, or nil if uninitialized.
func (img *Image) Raw() hal.Texture { return img.raw }

// State returns the committed layout state.
func (img *Image) State() *recorder.ImageState { return &img.state }

// Layout returns the committed layout.
func (img *Image) Layout() recorder.Layout { return img.state.Layout() }

// MipLevelCount returns the number of mip levels.
func (img *Image) MipLevelCount() uint32 { return img.desc.MipLevels }

// View returns a view of every mip level.
func (img *Image) View() hal.TextureView { return img.view }

// Desc returns the descriptor the image was created with.
func (img *Image) Desc() ImageDesc { return img.desc }

// Width returns the width of mip level 0.
func (img *Image) Width() uint32 { return img.desc.Width }

// Height returns the height of mip level 0.
func (img *Image) Height() uint32 { return img.desc.Height }

// Format returns the texel format.
func (img *Image) Format() gputypes.TextureFormat { return img.desc.Format }

// Initialized reports whether the image holds device memory.
func (img *Image) Initialized() bool { return img.raw != nil }

// Signal returns the completion signal of the last upload.
func (img *Image) Signal() device.Signal { return img.signal }

// =============================================================================
// Initialization
// =============================================================================

// Init allocates the image without contents.
func (img *Image) Init(desc ImageDesc) error {
	if img.raw != nil {
		return fmt.Errorf("%w: image %q", ErrAlreadyInitialized, desc.Label)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return fmt.Errorf("%w: image %q is %dx%d", ErrZeroSize, desc.Label, desc.Width, desc.Height)
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		return fmt.Errorf("%w: %q has no format", ErrInvalidImage, desc.Label)
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if maxLevels := MaxMipLevels(desc.Width, desc.Height); desc.MipLevels > maxLevels {
		return fmt.Errorf("%w: %q requests %d mip levels, at most %d",
			ErrInvalidImage, desc.Label, desc.MipLevels, maxLevels)
	}
	if limit := img.dev.Limits().MaxTextureDimension2D; limit > 0 && max(desc.Width, desc.Height) > limit {
		return fmt.Errorf("%w: %q is %dx%d, limit %d",
			ErrInvalidImage, desc.Label, desc.Width, desc.Height, limit)
	}
	desc.Usage |= gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding

	raw, err := img.dev.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: desc.MipLevels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	view, err := img.dev.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:           desc.Label,
		Format:          desc.Format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   desc.MipLevels,
		ArrayLayerCount: 1,
	})
	if err != nil {
		img.dev.DestroyTexture(raw)
		return fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	img.raw = raw
	img.view = view
	img.desc = desc
	return nil
}

// InitWithData allocates the image and uploads tightly packed texels of
// mip level 0.
func (img *Image) InitWithData(desc ImageDesc, pixels []byte) error {
	if err := img.Init(desc); err != nil {
		return err
	}
	if err := img.Upload(0, pixels); err != nil {
		img.Destroy()
		return err
	}
	return nil
}

// InitFromImage allocates an RGBA8 image the size of src and uploads it.
// With mips set, the full mip chain is generated on the CPU with bilinear
// filtering.
func (img *Image) InitFromImage(label string, src image.Image, mips bool, usage gputypes.TextureUsage) error {
	b := src.Bounds()
	if b.Empty() {
		return fmt.Errorf("%w: image %q is empty", ErrZeroSize, label)
	}
	w, h := uint32(b.Dx()), uint32(b.Dy())
	levels := uint32(1)
	if mips {
		levels = MaxMipLevels(w, h)
	}
	if err := img.Init(ImageDesc{
		Label:     label,
		Width:     w,
		Height:    h,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		MipLevels: levels,
		Usage:     usage,
	}); err != nil {
		return err
	}

	chain := make([]*image.RGBA, levels)
	chain[0] = image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	draw.Draw(chain[0], chain[0].Bounds(), src, b.Min, draw.Src)
	for l := uint32(1); l < levels; l++ {
		mw, mh := mipExtent(w, h, l)
		chain[l] = image.NewRGBA(image.Rect(0, 0, int(mw), int(mh)))
		draw.BiLinear.Scale(chain[l], chain[l].Bounds(), chain[l-1], chain[l-1].Bounds(), draw.Src, nil)
	}

	rec, err := recorder.New(img.dev, label+"/upload")
	if err != nil {
		img.Destroy()
		return err
	}
	// Levels are recorded smallest first.
	for l := int(levels) - 1; l >= 0; l-- {
		if err := img.stage(rec, uint32(l), chain[l].Pix); err != nil {
			rec.Discard()
			img.Destroy()
			return err
		}
	}
	rec.ChangeLayout(img, recorder.LayoutShaderRead)
	s, err := rec.Submit()
	if err != nil {
		img.Destroy()
		return err
	}
	img.signal = s
	slogger().Debug("image uploaded", "label", label, "size", fmt.Sprintf("%dx%d", w, h), "mips", levels)
	return nil
}

// =============================================================================
// Transfers
// =============================================================================

// Upload writes tightly packed texels of one mip level. Rows are repacked
// to the aligned pitch in a temporary staging buffer. The image ends in
// the ShaderRead layout.
func (img *Image) Upload(mip uint32, pixels []byte) error {
	if img.raw == nil {
		return fmt.Errorf("%w: image", ErrNotInitialized)
	}
	if mip >= img.desc.MipLevels {
		return fmt.Errorf("%w: mip %d of %d", ErrOutOfBounds, mip, img.desc.MipLevels)
	}
	rec, err := recorder.New(img.dev, img.desc.Label+"/upload")
	if err != nil {
		return err
	}
	if err := img.stage(rec, mip, pixels); err != nil {
		rec.Discard()
		return err
	}
	rec.ChangeLayout(img, recorder.LayoutShaderRead)
	s, err := rec.Submit()
	if err != nil {
		return err
	}
	img.signal = s
	return nil
}

// stage records the upload of one mip level on rec. The staging buffer is
// destroyed when rec's work completes or rec is discarded.
func (img *Image) stage(rec *recorder.Recorder, mip uint32, pixels []byte) error {
	bpp := BytesPerPixel(img.desc.Format)
	if bpp == 0 {
		return fmt.Errorf("%w: format %d cannot be uploaded", ErrInvalidImage, img.desc.Format)
	}
	w, h := mipExtent(img.desc.Width, img.desc.Height, mip)
	row := w * bpp
	if want := uint64(row) * uint64(h); uint64(len(pixels)) != want {
		return fmt.Errorf("%w: mip %d needs %d bytes, got %d", ErrOutOfBounds, mip, want, len(pixels))
	}
	pitch := AlignedRowPitch(w, bpp)
	size := uint64(pitch) * uint64(h)

	staging := NewBuffer(img.dev, img.desc.Label+"/staging")
	if err := staging.InitStaging(size); err != nil {
		return err
	}
	rec.Defer(staging.Destroy)

	m, err := img.dev.Map(staging.Raw(), 0, size)
	if err != nil {
		return err
	}
	for y := range h {
		copy(m[uint64(y)*uint64(pitch):], pixels[y*row:(y+1)*row])
	}
	if err := img.dev.Unmap(staging.Raw()); err != nil {
		return err
	}

	return rec.CopyBufferToImage(staging, img,
		hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h},
		mip, hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1})
}

// ReadBack copies one mip level from the GPU and returns tightly packed
// texels. ReadBack blocks until the copy completes.
func (img *Image) ReadBack(ctx context.Context, mip uint32) ([]byte, error) {
	if img.raw == nil {
		return nil, fmt.Errorf("%w: image", ErrNotInitialized)
	}
	if mip >= img.desc.MipLevels {
		return nil, fmt.Errorf("%w: mip %d of %d", ErrOutOfBounds, mip, img.desc.MipLevels)
	}
	bpp := BytesPerPixel(img.desc.Format)
	if bpp == 0 {
		return nil, fmt.Errorf("%w: format %d cannot be read back", ErrInvalidImage, img.desc.Format)
	}
	w, h := mipExtent(img.desc.Width, img.desc.Height, mip)
	row := w * bpp
	pitch := AlignedRowPitch(w, bpp)

	dst := NewBuffer(img.dev, img.desc.Label+"/readback")
	if err := dst.alloc(bufferReadback, uint64(pitch)*uint64(h),
		gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst); err != nil {
		return nil, err
	}
	defer dst.Destroy()

	rec, err := recorder.New(img.dev, img.desc.Label+"/readback")
	if err != nil {
		return nil, err
	}
	if err := rec.CopyImageToBuffer(img, dst,
		hal.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: h},
		mip, hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}); err != nil {
		rec.Discard()
		return nil, err
	}
	if err := rec.SubmitAndWait(ctx); err != nil {
		return nil, err
	}

	padded, err := dst.readMapped(0, dst.Size())
	if err != nil {
		return nil, err
	}
	if pitch == row {
		return padded, nil
	}
	out := make([]byte, int(row)*int(h))
	for y := range h {
		copy(out[y*row:(y+1)*row], padded[uint64(y)*uint64(pitch):])
	}
	return out, nil
}

// Destroy releases the texture and its view and returns the Image to the
// uninitialized state. Memory still referenced by submitted work is
// released once that work completes.
func (img *Image) Destroy() {
	if img.raw == nil {
		return
	}
	raw, view := img.raw, img.view
	img.dev.DeferRelease(img.dev.LastSubmitted(), func() {
		img.dev.DestroyTextureView(view)
		img.dev.DestroyTexture(raw)
	})
	img.raw = nil
	img.view = nil
	img.desc = ImageDesc{}
	img.signal = 0
	img.state.Reset()
}
