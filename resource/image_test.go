// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package resource

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxcore/internal/gputest"
	"github.com/gogpu/gfxcore/recorder"
)

func rgbaDesc(label string, w, h uint32) ImageDesc {
	return ImageDesc{Label: label, Width: w, Height: h, Format: gputypes.TextureFormatRGBA8Unorm}
}

func TestImage_InvalidDesc(t *testing.T) {
	dev := gputest.Noop(t)

	tests := []struct {
		name    string
		desc    ImageDesc
		wantErr error
	}{
		{"zero width", ImageDesc{Height: 4, Format: gputypes.TextureFormatRGBA8Unorm}, ErrZeroSize},
		{"zero height", ImageDesc{Width: 4, Format: gputypes.TextureFormatRGBA8Unorm}, ErrZeroSize},
		{"no format", ImageDesc{Width: 4, Height: 4}, ErrInvalidImage},
		{"too many mips", ImageDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm, MipLevels: 4}, ErrInvalidImage},
		{"too large", ImageDesc{Width: 1 << 20, Height: 1, Format: gputypes.TextureFormatRGBA8Unorm}, ErrInvalidImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := NewImage(dev)
			if err := img.Init(tt.desc); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Init() error = %v, want %v", err, tt.wantErr)
			}
			if img.Initialized() {
				t.Error("image initialized after failure")
			}
		})
	}
	if n := dev.LiveTextures(); n != 0 {
		t.Errorf("LiveTextures() = %d, want 0", n)
	}
}

func TestImage_AllocationFailure(t *testing.T) {
	dev, fd := gputest.Failing(t)
	fd.FailTexture.Store(true)

	img := NewImage(dev)
	err := img.Init(rgbaDesc("target", 16, 16))
	if !errors.Is(err, ErrAllocationFailed) || !errors.Is(err, gputest.ErrInjected) {
		t.Fatalf("Init() error = %v, want ErrAllocationFailed", err)
	}
	if img.Initialized() {
		t.Error("image initialized after failure")
	}
}

func TestImage_UploadFailureReleasesTexture(t *testing.T) {
	dev, fd := gputest.Failing(t)
	fd.FailBufferAfter.Store(1)

	img := NewImage(dev)
	err := img.InitWithData(rgbaDesc("albedo", 4, 4), make([]byte, 4*4*4))
	if !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("InitWithData() error = %v, want ErrAllocationFailed", err)
	}
	if img.Initialized() || dev.LiveTextures() != 0 || dev.LiveBuffers() != 0 {
		t.Errorf("leaked: initialized=%v textures=%d buffers=%d",
			img.Initialized(), dev.LiveTextures(), dev.LiveBuffers())
	}
}

func TestImage_UploadReadBack(t *testing.T) {
	dev := gputest.Software(t)
	ctx := context.Background()

	const w, h = 64, 4
	pixels := pattern(w*h*4, 11)
	img := NewImage(dev)
	if err := img.InitWithData(rgbaDesc("albedo", w, h), pixels); err != nil {
		t.Fatalf("InitWithData() error = %v", err)
	}
	if got := img.Layout(); got != recorder.LayoutShaderRead {
		t.Errorf("Layout() after upload = %v, want ShaderRead", got)
	}

	got, err := img.ReadBack(ctx, 0)
	if err != nil {
		t.Fatalf("ReadBack() error = %v", err)
	}
	if !bytes.Equal(got, pixels) {
		t.Error("ReadBack() does not match uploaded pixels")
	}
	if got := img.Layout(); got != recorder.LayoutTransferSrc {
		t.Errorf("Layout() after read-back = %v, want TransferSrc", got)
	}
	if n := dev.LiveBuffers(); n != 0 {
		t.Errorf("LiveBuffers() = %d, want 0", n)
	}
}

func TestImage_UploadErrors(t *testing.T) {
	dev := gputest.Noop(t)

	img := NewImage(dev)
	if err := img.Upload(0, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Upload() on uninitialized image error = %v", err)
	}
	if err := img.Init(ImageDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm, MipLevels: 2}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mip     uint32
		size    int
		wantErr error
	}{
		{"level 0", 0, 8 * 8 * 4, nil},
		{"level 1", 1, 4 * 4 * 4, nil},
		{"short data", 0, 10, ErrOutOfBounds},
		{"missing level", 2, 4, ErrOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := img.Upload(tt.mip, make([]byte, tt.size)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Upload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if n := dev.LiveBuffers(); n != 0 {
		t.Errorf("LiveBuffers() = %d, want 0", n)
	}
}

func TestImage_CompressedFormatNotUploadable(t *testing.T) {
	dev := gputest.Noop(t)
	img := NewImage(dev)
	if err := img.Init(ImageDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatBC1RGBAUnorm}); err != nil {
		t.Fatal(err)
	}
	if err := img.Upload(0, make([]byte, 32)); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Upload() error = %v, want ErrInvalidImage", err)
	}
}

func TestImage_InitFromImage(t *testing.T) {
	dev := gputest.Software(t)
	ctx := context.Background()

	src := image.NewNRGBA(image.Rect(10, 10, 74, 74))
	for y := src.Rect.Min.Y; y < src.Rect.Max.Y; y++ {
		for x := src.Rect.Min.X; x < src.Rect.Max.X; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 3), B: 128, A: 255})
		}
	}

	img := NewImage(dev)
	if err := img.InitFromImage("checker", src, true, gputypes.TextureUsageNone); err != nil {
		t.Fatalf("InitFromImage() error = %v", err)
	}
	if got := img.MipLevelCount(); got != 7 {
		t.Errorf("MipLevelCount() = %d, want 7", got)
	}
	if img.Width() != 64 || img.Height() != 64 {
		t.Errorf("size = %dx%d, want 64x64", img.Width(), img.Height())
	}

	got, err := img.ReadBack(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Opaque NRGBA converts to identical RGBA bytes.
	want := make([]byte, 0, 64*64*4)
	for y := src.Rect.Min.Y; y < src.Rect.Max.Y; y++ {
		off := src.PixOffset(src.Rect.Min.X, y)
		want = append(want, src.Pix[off:off+64*4]...)
	}
	if !bytes.Equal(got, want) {
		t.Error("mip 0 does not match the source image")
	}
}

func TestImage_DestroyAndReuse(t *testing.T) {
	dev := gputest.Noop(t)
	img := NewImage(dev)
	if err := img.Init(rgbaDesc("a", 4, 4)); err != nil {
		t.Fatal(err)
	}
	img.Destroy()
	img.Destroy()
	if img.Initialized() || dev.LiveTextures() != 0 {
		t.Fatalf("Destroy left initialized=%v textures=%d", img.Initialized(), dev.LiveTextures())
	}
	if img.Layout() != recorder.LayoutUndefined {
		t.Errorf("Layout() after Destroy = %v", img.Layout())
	}
	if err := img.Init(rgbaDesc("b", 8, 8)); err != nil {
		t.Errorf("re-init error = %v", err)
	}
}

// =============================================================================
// Format helpers
// =============================================================================

func TestBytesPerPixel(t *testing.T) {
	tests := []struct {
		format gputypes.TextureFormat
		want   uint32
	}{
		{gputypes.TextureFormatR8Unorm, 1},
		{gputypes.TextureFormatRG8Unorm, 2},
		{gputypes.TextureFormatRGBA8Unorm, 4},
		{gputypes.TextureFormatBGRA8UnormSrgb, 4},
		{gputypes.TextureFormatDepth32Float, 4},
		{gputypes.TextureFormatRGBA16Float, 8},
		{gputypes.TextureFormatRGBA32Float, 16},
		{gputypes.TextureFormatBC1RGBAUnorm, 0},
		{gputypes.TextureFormatUndefined, 0},
	}
	for _, tt := range tests {
		if got := BytesPerPixel(tt.format); got != tt.want {
			t.Errorf("BytesPerPixel(%v) = %d, want %d", tt.format, got, tt.want)
		}
	}
}

func TestAlignedRowPitch(t *testing.T) {
	tests := []struct {
		width, bpp, want uint32
	}{
		{1, 4, 256},
		{64, 4, 256},
		{65, 4, 512},
		{100, 1, 256},
		{300, 1, 512},
	}
	for _, tt := range tests {
		if got := AlignedRowPitch(tt.width, tt.bpp); got != tt.want {
			t.Errorf("AlignedRowPitch(%d, %d) = %d, want %d", tt.width, tt.bpp, got, tt.want)
		}
	}
}

func TestMaxMipLevels(t *testing.T) {
	tests := []struct {
		w, h, want uint32
	}{
		{1, 1, 1},
		{2, 1, 2},
		{4, 4, 3},
		{64, 64, 7},
		{640, 480, 10},
	}
	for _, tt := range tests {
		if got := MaxMipLevels(tt.w, tt.h); got != tt.want {
			t.Errorf("MaxMipLevels(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}
