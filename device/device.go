// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

var (
	// ErrNoAdapter is returned when a backend exposes no adapters.
	ErrNoAdapter = errors.New("device: no adapter available")

	// ErrNotHAL is returned when a DeviceProvider does not expose
	// hal.Device and hal.Queue values.
	ErrNotHAL = errors.New("device: provider does not expose a hal device")

	// ErrClosed is returned by operations on a closed Device.
	ErrClosed = errors.New("device: closed")

	// ErrUnsubmitted is returned when waiting on a signal that no
	// submission has produced yet.
	ErrUnsubmitted = errors.New("device: signal was never submitted")
)

const (
	defaultPollInterval = 50 * time.Microsecond
	maxPollInterval     = 5 * time.Millisecond
	probeBufferSize     = 16
)

// Signal is a completion signal: the queue submission index of a batch of
// command buffers. Signals increase monotonically per device. The zero
// Signal is always complete.
type Signal uint64

// Capabilities describes device features probed once per Device.
type Capabilities struct {
	// DirectMapping reports whether device-local buffers can be mapped by
	// the CPU. When false, frequently updated buffers need a shadow staging
	// buffer.
	DirectMapping bool

	// MaxBufferSize is the largest buffer the device accepts.
	MaxBufferSize uint64

	// MaxTextureDimension2D is the largest 2D texture edge in texels.
	MaxTextureDimension2D uint32

	// DeviceType is the adapter kind (discrete, integrated, CPU, ...).
	DeviceType gputypes.DeviceType
}

// Option configures a Device.
type Option func(*options)

type options struct {
	directMapping *bool
	pollInterval  time.Duration
	info          *gputypes.AdapterInfo
	limits        *gputypes.Limits
}

// WithDirectMapping overrides the direct-mapping probe.
func WithDirectMapping(enabled bool) Option {
	return func(o *options) { o.directMapping = &enabled }
}

// WithPollInterval sets the initial completion polling interval used by
// Wait. The interval doubles up to 5ms while a signal is pending.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithAdapterInfo supplies adapter metadata for devices created with FromHAL.
func WithAdapterInfo(info gputypes.AdapterInfo) Option {
	return func(o *options) { o.info = &info }
}

// WithLimits sets the limits requested when opening a device, and the
// limits reported for devices created with FromHAL.
func WithLimits(l gputypes.Limits) Option {
	return func(o *options) { o.limits = &l }
}

type pendingRelease struct {
	signal  Signal
	release func()
}

// Device wraps a hal.Device and its queue.
//
// It accounts for live buffers and textures, turns queue submission indices
// into completion signals, and defers destruction of resources that are
// still referenced by in-flight command buffers.
//
// Thread safety: Device is safe for concurrent use. The wrapped hal objects
// must be safe for concurrent use as well; every gogpu backend is.
type Device struct {
	raw      hal.Device
	queue    hal.Queue
	instance hal.Instance
	owned    bool

	info   gputypes.AdapterInfo
	limits gputypes.Limits
	opts   options

	capsOnce sync.Once
	caps     Capabilities

	liveBuffers  atomic.Int64
	liveTextures atomic.Int64
	submitted    atomic.Uint64

	mu      sync.Mutex
	pending []pendingRelease
	closed  bool
}

func buildOptions(opts []Option) options {
	o := options{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates an instance on backend, selects an adapter (discrete or
// integrated GPUs first) and opens a device on it. The returned Device owns
// the instance and destroys it on Close.
func Open(backend hal.Backend, opts ...Option) (*Device, error) {
	o := buildOptions(opts)

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("device: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	limits := gputypes.DefaultLimits()
	if o.limits != nil {
		limits = *o.limits
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("device: open %q: %w", selected.Info.Name, err)
	}

	d := &Device{
		raw:      openDev.Device,
		queue:    openDev.Queue,
		instance: instance,
		owned:    true,
		info:     selected.Info,
		limits:   limits,
		opts:     o,
	}
	slogger().Info("device opened",
		"adapter", selected.Info.Name,
		"type", selected.Info.DeviceType.String(),
		"backend", backend.Variant().String())
	return d, nil
}

// FromHAL wraps a device and queue owned by the caller. Close does not
// destroy them.
func FromHAL(raw hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	if raw == nil || queue == nil {
		return nil, ErrNotHAL
	}
	o := buildOptions(opts)
	d := &Device{raw: raw, queue: queue, opts: o, limits: gputypes.DefaultLimits()}
	if o.info != nil {
		d.info = *o.info
	}
	if o.limits != nil {
		d.limits = *o.limits
	}
	return d, nil
}

// FromProvider wraps the device shared by a host application. The provider's
// Device and Queue must be hal.Device and hal.Queue values.
func FromProvider(p gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	if p == nil {
		return nil, ErrNotHAL
	}
	raw, ok := p.Device().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: device is %T", ErrNotHAL, p.Device())
	}
	queue, ok := p.Queue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: queue is %T", ErrNotHAL, p.Queue())
	}
	ai := p.AdapterInfo()
	info := gputypes.AdapterInfo{Name: ai.Name, DeviceType: deviceTypeOf(ai.Type)}
	return FromHAL(raw, queue, append([]Option{WithAdapterInfo(info)}, opts...)...)
}

func deviceTypeOf(t gpucontext.AdapterType) gputypes.DeviceType {
	switch t {
	case gpucontext.AdapterTypeDiscrete:
		return gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		return gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		return gputypes.DeviceTypeCPU
	default:
		return gputypes.DeviceTypeOther
	}
}

// HAL returns the wrapped hal.Device.
func (d *Device) HAL() hal.Device { return d.raw }

// Queue returns the wrapped hal.Queue.
func (d *Device) Queue() hal.Queue { return d.queue }

// Info returns adapter metadata.
func (d *Device) Info() gputypes.AdapterInfo { return d.info }

// Limits returns the device limits.
func (d *Device) Limits() gputypes.Limits { return d.limits }

// Capabilities returns the device capabilities. The first call probes the
// device; later calls return the cached result.
func (d *Device) Capabilities() Capabilities {
	d.capsOnce.Do(func() {
		d.caps = Capabilities{
			MaxBufferSize:         d.limits.MaxBufferSize,
			MaxTextureDimension2D: d.limits.MaxTextureDimension2D,
			DeviceType:            d.info.DeviceType,
		}
		if d.opts.directMapping != nil {
			d.caps.DirectMapping = *d.opts.directMapping
		} else {
			d.caps.DirectMapping = d.probeDirectMapping()
		}
		slogger().Debug("device capabilities",
			"directMapping", d.caps.DirectMapping,
			"maxBufferSize", d.caps.MaxBufferSize)
	})
	return d.caps
}

// probeDirectMapping tries to map a buffer created without map usage.
func (d *Device) probeDirectMapping() bool {
	buf, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: "map-probe",
		Size:  probeBufferSize,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageUniform,
	})
	if err != nil {
		return false
	}
	defer d.raw.DestroyBuffer(buf)

	if _, err := d.raw.MapBuffer(buf, 0, probeBufferSize); err != nil {
		return false
	}
	_ = d.raw.UnmapBuffer(buf)
	return true
}

// =============================================================================
// Resources
// =============================================================================

// CreateBuffer creates a buffer and counts it as live.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	b, err := d.raw.CreateBuffer(desc)
	if err != nil {
		return nil, fmt.Errorf("device: create buffer %q (%d bytes): %w", desc.Label, desc.Size, err)
	}
	d.liveBuffers.Add(1)
	slogger().Debug("buffer created", "label", desc.Label, "size", desc.Size, "usage", uint64(desc.Usage))
	return b, nil
}

// DestroyBuffer destroys a buffer created by CreateBuffer. Nil is ignored.
func (d *Device) DestroyBuffer(b hal.Buffer) {
	if b == nil {
		return
	}
	d.raw.DestroyBuffer(b)
	d.liveBuffers.Add(-1)
}

// Map maps size bytes of b starting at offset and returns them as a slice.
// The slice is valid until Unmap.
func (d *Device) Map(b hal.Buffer, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	m, err := d.raw.MapBuffer(b, offset, size)
	if err != nil {
		return nil, fmt.Errorf("device: map [%d, %d): %w", offset, offset+size, err)
	}
	return unsafe.Slice((*byte)(m.Ptr), size), nil
}

// Unmap releases a mapping established by Map.
func (d *Device) Unmap(b hal.Buffer) error {
	if err := d.raw.UnmapBuffer(b); err != nil {
		return fmt.Errorf("device: unmap: %w", err)
	}
	return nil
}

// CreateTexture creates a texture and counts it as live.
func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	t, err := d.raw.CreateTexture(desc)
	if err != nil {
		return nil, fmt.Errorf("device: create texture %q (%dx%d): %w",
			desc.Label, desc.Size.Width, desc.Size.Height, err)
	}
	d.liveTextures.Add(1)
	return t, nil
}

// DestroyTexture destroys a texture created by CreateTexture. Nil is ignored.
func (d *Device) DestroyTexture(t hal.Texture) {
	if t == nil {
		return
	}
	d.raw.DestroyTexture(t)
	d.liveTextures.Add(-1)
}

// CreateTextureView creates a view of t.
func (d *Device) CreateTextureView(t hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	v, err := d.raw.CreateTextureView(t, desc)
	if err != nil {
		return nil, fmt.Errorf("device: create texture view %q: %w", desc.Label, err)
	}
	return v, nil
}

// DestroyTextureView destroys a view. Nil is ignored.
func (d *Device) DestroyTextureView(v hal.TextureView) {
	if v != nil {
		d.raw.DestroyTextureView(v)
	}
}

// CreateShaderModule creates a shader module from SPIR-V words.
func (d *Device) CreateShaderModule(label string, spirv []uint32) (hal.ShaderModule, error) {
	m, err := d.raw.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("device: create shader module %q: %w", label, err)
	}
	return m, nil
}

// DestroyShaderModule destroys a shader module. Nil is ignored.
func (d *Device) DestroyShaderModule(m hal.ShaderModule) {
	if m != nil {
		d.raw.DestroyShaderModule(m)
	}
}

// CreateCommandEncoder creates a command encoder.
func (d *Device) CreateCommandEncoder(label string) (hal.CommandEncoder, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("device: create command encoder %q: %w", label, err)
	}
	return enc, nil
}

// LiveBuffers returns the number of buffers created and not yet destroyed.
func (d *Device) LiveBuffers() int64 { return d.liveBuffers.Load() }

// LiveTextures returns the number of textures created and not yet destroyed.
func (d *Device) LiveTextures() int64 { return d.liveTextures.Load() }

// =============================================================================
// Submission and completion
// =============================================================================

// Submit submits command buffers in order and returns their completion
// signal. The command buffers are freed once the signal completes.
func (d *Device) Submit(cmds ...hal.CommandBuffer) (Signal, error) {
	if d.isClosed() {
		return 0, ErrClosed
	}
	idx, err := d.queue.Submit(cmds)
	if err != nil {
		return 0, fmt.Errorf("device: submit: %w", err)
	}
	s := Signal(idx)
	for {
		cur := d.submitted.Load()
		if idx <= cur || d.submitted.CompareAndSwap(cur, idx) {
			break
		}
	}
	for _, cmd := range cmds {
		d.DeferRelease(s, func() { d.raw.FreeCommandBuffer(cmd) })
	}
	d.Collect()
	return s, nil
}

// LastSubmitted returns the signal of the most recent submission.
func (d *Device) LastSubmitted() Signal { return Signal(d.submitted.Load()) }

// Completed returns the highest completed signal. Non-blocking.
func (d *Device) Completed() Signal { return Signal(d.queue.PollCompleted()) }

// IsComplete reports whether s has completed.
func (d *Device) IsComplete(s Signal) bool {
	return s == 0 || d.Completed() >= s
}

// Wait blocks until s completes or ctx is done. Resources deferred up to
// the completed signal are released before Wait returns.
func (d *Device) Wait(ctx context.Context, s Signal) error {
	if d.IsComplete(s) {
		d.Collect()
		return nil
	}
	if s > d.LastSubmitted() {
		return fmt.Errorf("%w: %d", ErrUnsubmitted, s)
	}

	interval := d.opts.pollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device: wait for signal %d: %w", s, ctx.Err())
		case <-timer.C:
		}
		if d.IsComplete(s) {
			d.Collect()
			return nil
		}
		interval = min(interval*2, maxPollInterval)
		timer.Reset(interval)
	}
}

// DeferRelease runs release once s completes. If s has already completed,
// or the device is closed, release runs before DeferRelease returns.
func (d *Device) DeferRelease(s Signal, release func()) {
	if release == nil {
		return
	}
	if d.IsComplete(s) {
		release()
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		release()
		return
	}
	d.pending = append(d.pending, pendingRelease{signal: s, release: release})
	d.mu.Unlock()
}

// DeferDestroyBuffer destroys b once s completes.
func (d *Device) DeferDestroyBuffer(s Signal, b hal.Buffer) {
	d.DeferRelease(s, func() { d.DestroyBuffer(b) })
}

// Collect runs every deferred release whose signal has completed and
// returns how many ran.
func (d *Device) Collect() int {
	done := d.Completed()

	d.mu.Lock()
	var ready []func()
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.signal <= done {
			ready = append(ready, p.release)
		} else {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = pendingRelease{}
	}
	d.pending = kept
	d.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
	return len(ready)
}

// PendingReleases returns the number of releases waiting on a signal.
func (d *Device) PendingReleases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close waits for the device to go idle, runs every deferred release and,
// for devices created by Open, destroys the device and its instance.
// Close is safe to call multiple times.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var err error
	if werr := d.raw.WaitIdle(); werr != nil {
		err = fmt.Errorf("device: wait idle: %w", werr)
	}
	for _, p := range pending {
		p.release()
	}

	if n := d.liveBuffers.Load(); n > 0 {
		slogger().Warn("device closed with live buffers", "count", n)
	}
	if n := d.liveTextures.Load(); n > 0 {
		slogger().Warn("device closed with live textures", "count", n)
	}

	if d.owned {
		d.raw.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	return err
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
