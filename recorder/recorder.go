// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gfxcore/device"
)

var (
	// ErrNotRecording is returned when a submitted or discarded Recorder
	// is used again.
	ErrNotRecording = errors.New("recorder: not recording")

	// ErrPassActive is returned when an operation needs the render pass
	// to be ended first.
	ErrPassActive = errors.New("recorder: render pass still active")

	// ErrNoPass is returned by EndRenderPass without an active pass.
	ErrNoPass = errors.New("recorder: no active render pass")

	// ErrDependencyNotSubmitted is returned by Submit when a recorder this
	// one depends on has not been submitted yet.
	ErrDependencyNotSubmitted = errors.New("recorder: dependency not submitted")
)

// Status is the lifecycle state of a Recorder.
type Status uint8

const (
	// StatusRecording accepts commands.
	StatusRecording Status = iota
	// StatusSubmitted has been handed to the queue.
	StatusSubmitted
	// StatusDiscarded was rolled back.
	StatusDiscarded
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusRecording:
		return "Recording"
	case StatusSubmitted:
		return "Submitted"
	case StatusDiscarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

type imageEntry struct {
	img    TrackedImage
	layout Layout
}

type bufferEntry struct {
	buf   TrackedBuffer
	usage gputypes.BufferUsage
}

// Recorder records GPU commands and the state transitions they need.
//
// The Recorder is the single source of truth for the logical layout of
// every image and buffer it touches. Layout changes accumulate as pending
// barriers and are flushed as one batch right before the next command that
// needs them. Submit commits the logical layouts onto the resources;
// Discard drops them so the resources keep their committed state.
//
// Thread safety: Recorder is NOT safe for concurrent use. Record on one
// goroutine and order recorders with DependsOn.
type Recorder struct {
	dev   *device.Device
	label string
	enc   hal.CommandEncoder
	pass  hal.RenderPassEncoder

	images  map[*ImageState]*imageEntry
	buffers map[*BufferState]*bufferEntry

	pendingTextures []hal.TextureBarrier
	pendingBuffers  []hal.BufferBarrier

	deps     []*Recorder
	releases []func()

	status Status
	signal device.Signal
}

// New starts a recording on dev.
func New(dev *device.Device, label string) (*Recorder, error) {
	enc, err := dev.CreateCommandEncoder(label)
	if err != nil {
		return nil, err
	}
	if err := enc.BeginEncoding(label); err != nil {
		enc.Destroy()
		return nil, fmt.Errorf("recorder: begin %q: %w", label, err)
	}
	return &Recorder{
		dev:     dev,
		label:   label,
		enc:     enc,
		images:  make(map[*ImageState]*imageEntry),
		buffers: make(map[*BufferState]*bufferEntry),
	}, nil
}

// Label returns the recording label.
func (r *Recorder) Label() string { return r.label }

// Device returns the device the Recorder records for.
func (r *Recorder) Device() *device.Device { return r.dev }

// Status returns the lifecycle state.
func (r *Recorder) Status() Status { return r.status }

// Signal returns the completion signal. Zero until Submit succeeds.
func (r *Recorder) Signal() device.Signal { return r.signal }

// Encoder returns the underlying command encoder.
func (r *Recorder) Encoder() hal.CommandEncoder { return r.enc }

// Layout returns the logical layout of img in this recording.
func (r *Recorder) Layout(img TrackedImage) Layout {
	if e, ok := r.images[img.State()]; ok {
		return e.layout
	}
	return img.State().Layout()
}

// BufferUsage returns the logical usage of buf in this recording.
func (r *Recorder) BufferUsage(buf TrackedBuffer) gputypes.BufferUsage {
	if e, ok := r.buffers[buf.State()]; ok {
		return e.usage
	}
	return buf.State().Usage()
}

// ChangeLayout moves img to layout. A barrier is appended to the pending
// list only when the access usage changes; layouts that share a usage, such
// as LayoutRenderTarget and LayoutPresent, are tracked without one. It does
// nothing once the Recorder has been submitted or discarded.
func (r *Recorder) ChangeLayout(img TrackedImage, layout Layout) {
	from := r.Layout(img)
	if from == layout || r.status != StatusRecording {
		return
	}
	if from.Usage() != layout.Usage() {
		r.pendingTextures = append(r.pendingTextures, hal.TextureBarrier{
			Texture: img.Raw(),
			Range: hal.TextureRange{
				Aspect:          gputypes.TextureAspectAll,
				MipLevelCount:   max(img.MipLevelCount(), 1),
				ArrayLayerCount: 1,
			},
			Usage: hal.TextureUsageTransition{
				OldUsage: from.Usage(),
				NewUsage: layout.Usage(),
			},
		})
	}
	st := img.State()
	if e, ok := r.images[st]; ok {
		e.layout = layout
	} else {
		r.images[st] = &imageEntry{img: img, layout: layout}
	}
}

// ChangeBufferState moves buf to usage, appending one barrier if needed.
// The buffer is tracked either way, so Submit records it as in use.
func (r *Recorder) ChangeBufferState(buf TrackedBuffer, usage gputypes.BufferUsage) {
	if r.status != StatusRecording {
		return
	}
	from := r.BufferUsage(buf)
	if from != usage {
		r.pendingBuffers = append(r.pendingBuffers, hal.BufferBarrier{
			Buffer: buf.Raw(),
			Usage:  hal.BufferUsageTransition{OldUsage: from, NewUsage: usage},
		})
	}
	st := buf.State()
	if e, ok := r.buffers[st]; ok {
		e.usage = usage
	} else {
		r.buffers[st] = &bufferEntry{buf: buf, usage: usage}
	}
}

// PendingTransitions returns the number of barriers not yet flushed.
func (r *Recorder) PendingTransitions() int {
	return len(r.pendingTextures) + len(r.pendingBuffers)
}

// PendingImageTransitions returns a copy of the pending image barriers in
// issuance order.
func (r *Recorder) PendingImageTransitions() []hal.TextureBarrier {
	return append([]hal.TextureBarrier(nil), r.pendingTextures...)
}

// ApplyPendingTransitions flushes all pending barriers as one batch per
// resource kind and clears the pending list. Barriers cannot be recorded
// inside a render pass.
func (r *Recorder) ApplyPendingTransitions() error {
	if r.status != StatusRecording {
		return ErrNotRecording
	}
	if r.PendingTransitions() == 0 {
		return nil
	}
	if r.pass != nil {
		return ErrPassActive
	}
	slogger().Debug("barrier batch",
		"recorder", r.label,
		"textures", len(r.pendingTextures),
		"buffers", len(r.pendingBuffers))
	if len(r.pendingTextures) > 0 {
		r.enc.TransitionTextures(r.pendingTextures)
		r.pendingTextures = nil
	}
	if len(r.pendingBuffers) > 0 {
		r.enc.TransitionBuffers(r.pendingBuffers)
		r.pendingBuffers = nil
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

// CopyBuffer copies size bytes from src at srcOffset to dst at dstOffset.
func (r *Recorder) CopyBuffer(src, dst TrackedBuffer, srcOffset, dstOffset, size uint64) error {
	if err := r.outsidePass(); err != nil {
		return err
	}
	r.ChangeBufferState(src, gputypes.BufferUsageCopySrc)
	r.ChangeBufferState(dst, gputypes.BufferUsageCopyDst)
	if err := r.ApplyPendingTransitions(); err != nil {
		return err
	}
	r.enc.CopyBufferToBuffer(src.Raw(), dst.Raw(), []hal.BufferCopy{{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}})
	return nil
}

// CopyBufferToImage uploads texels from src into one mip level of dst.
func (r *Recorder) CopyBufferToImage(src TrackedBuffer, dst TrackedImage, layout hal.ImageDataLayout, mip uint32, size hal.Extent3D) error {
	if err := r.outsidePass(); err != nil {
		return err
	}
	r.ChangeBufferState(src, gputypes.BufferUsageCopySrc)
	r.ChangeLayout(dst, LayoutTransferDst)
	if err := r.ApplyPendingTransitions(); err != nil {
		return err
	}
	r.enc.CopyBufferToTexture(src.Raw(), dst.Raw(), []hal.BufferTextureCopy{{
		BufferLayout: layout,
		TextureBase: hal.ImageCopyTexture{
			Texture:  dst.Raw(),
			MipLevel: mip,
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: size,
	}})
	return nil
}

// CopyImageToBuffer downloads texels of one mip level of src into dst.
func (r *Recorder) CopyImageToBuffer(src TrackedImage, dst TrackedBuffer, layout hal.ImageDataLayout, mip uint32, size hal.Extent3D) error {
	if err := r.outsidePass(); err != nil {
		return err
	}
	r.ChangeLayout(src, LayoutTransferSrc)
	r.ChangeBufferState(dst, gputypes.BufferUsageCopyDst)
	if err := r.ApplyPendingTransitions(); err != nil {
		return err
	}
	r.enc.CopyTextureToBuffer(src.Raw(), dst.Raw(), []hal.BufferTextureCopy{{
		BufferLayout: layout,
		TextureBase: hal.ImageCopyTexture{
			Texture:  src.Raw(),
			MipLevel: mip,
			Aspect:   gputypes.TextureAspectAll,
		},
		Size: size,
	}})
	return nil
}

// BeginRenderPass flushes pending barriers and opens a render pass.
// Attachment layouts must already have been requested with ChangeLayout.
func (r *Recorder) BeginRenderPass(desc *hal.RenderPassDescriptor) (hal.RenderPassEncoder, error) {
	if err := r.outsidePass(); err != nil {
		return nil, err
	}
	if err := r.ApplyPendingTransitions(); err != nil {
		return nil, err
	}
	r.pass = r.enc.BeginRenderPass(desc)
	return r.pass, nil
}

// EndRenderPass closes the active render pass.
func (r *Recorder) EndRenderPass() error {
	if r.pass == nil {
		return ErrNoPass
	}
	r.pass.End()
	r.pass = nil
	return nil
}

// =============================================================================
// Ordering and lifecycle
// =============================================================================

// DependsOn orders r after other. Submit refuses to run until other has
// been submitted; the in-order queue then executes other first.
func (r *Recorder) DependsOn(other *Recorder) {
	if other == nil || other == r {
		return
	}
	r.deps = append(r.deps, other)
}

// Defer registers fn to run once the recording's work is finished: after
// the completion signal fires for a submitted recording, or immediately
// on Discard.
func (r *Recorder) Defer(fn func()) {
	if fn != nil {
		r.releases = append(r.releases, fn)
	}
}

// Submit flushes pending barriers, submits the recording and commits the
// tracked layouts onto their resources. On failure nothing is committed
// and the Recorder is discarded.
func (r *Recorder) Submit() (device.Signal, error) {
	if r.status != StatusRecording {
		return 0, ErrNotRecording
	}
	if r.pass != nil {
		return 0, ErrPassActive
	}
	for _, dep := range r.deps {
		if dep.status != StatusSubmitted {
			return 0, fmt.Errorf("%w: %q waits on %q (%s)",
				ErrDependencyNotSubmitted, r.label, dep.label, dep.status)
		}
	}
	if err := r.ApplyPendingTransitions(); err != nil {
		return 0, err
	}

	cmd, err := r.enc.EndEncoding()
	if err != nil {
		r.rollback()
		return 0, fmt.Errorf("recorder: end %q: %w", r.label, err)
	}
	signal, err := r.dev.Submit(cmd)
	if err != nil {
		r.dev.HAL().FreeCommandBuffer(cmd)
		r.rollback()
		return 0, err
	}

	for st, e := range r.images {
		st.layout = e.layout
	}
	for st, e := range r.buffers {
		st.usage = e.usage
		st.signal = signal
	}

	enc := r.enc
	r.dev.DeferRelease(signal, enc.Destroy)
	for _, fn := range r.releases {
		r.dev.DeferRelease(signal, fn)
	}
	r.finish(StatusSubmitted)
	r.signal = signal
	return signal, nil
}

// SubmitAndWait submits and blocks until the recording completes.
func (r *Recorder) SubmitAndWait(ctx context.Context) error {
	s, err := r.Submit()
	if err != nil {
		return err
	}
	return r.dev.Wait(ctx, s)
}

// Discard rolls the recording back. Tracked layouts are dropped and the
// resources keep their committed state. Discarding a Recorder that is not
// recording does nothing.
func (r *Recorder) Discard() {
	if r.status != StatusRecording {
		return
	}
	if r.pass != nil {
		r.pass.End()
		r.pass = nil
	}
	r.enc.DiscardEncoding()
	r.rollback()
}

func (r *Recorder) outsidePass() error {
	if r.status != StatusRecording {
		return ErrNotRecording
	}
	if r.pass != nil {
		return ErrPassActive
	}
	return nil
}

func (r *Recorder) rollback() {
	r.enc.Destroy()
	releases := r.releases
	r.finish(StatusDiscarded)
	for _, fn := range releases {
		fn()
	}
}

func (r *Recorder) finish(s Status) {
	r.status = s
	r.enc = nil
	r.images = nil
	r.buffers = nil
	r.pendingTextures = nil
	r.pendingBuffers = nil
	r.releases = nil
	r.deps = nil
}
