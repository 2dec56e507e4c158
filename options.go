// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gfxcore

import (
	"log/slog"
	"runtime"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/graph"
)

// Option configures an Engine during creation.
//
// Example:
//
//	// Headless CPU rendering
//	e, err := gfxcore.New(gfxcore.WithBackend("software"))
//
//	// Share the device of a host application
//	e, err := gfxcore.New(gfxcore.WithDeviceProvider(app))
type Option func(*options)

type options struct {
	backend    string
	dev        *device.Device
	provider   gpucontext.DeviceProvider
	workers    int
	logger     *slog.Logger
	cycles     graph.CyclePolicy
	deviceOpts []device.Option
}

func defaultOptions() options {
	return options{workers: max(runtime.GOMAXPROCS(0)-1, 1)}
}

// WithBackend selects a registered backend by name. The default is the
// highest-priority registered backend.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
	}
}

// WithDevice renders on an existing device. The Engine does not close it.
func WithDevice(d *device.Device) Option {
	return func(o *options) {
		o.dev = d
	}
}

// WithDeviceProvider renders on the device of a host application.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithWorkers sets the number of goroutines creating async assets.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger sets the logger for gfxcore and its sub-packages.
// It is equivalent to calling SetLogger before New.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCyclePolicy sets how pipelines created by the Engine treat
// dependency cycles between stages.
func WithCyclePolicy(p graph.CyclePolicy) Option {
	return func(o *options) {
		o.cycles = p
	}
}

// WithDirectMapping overrides the probed direct-mapping capability of a
// device opened by the Engine.
func WithDirectMapping(enabled bool) Option {
	return func(o *options) {
		o.deviceOpts = append(o.deviceOpts, device.WithDirectMapping(enabled))
	}
}

// WithDeviceOptions passes options to the device opened by the Engine.
func WithDeviceOptions(opts ...device.Option) Option {
	return func(o *options) {
		o.deviceOpts = append(o.deviceOpts, opts...)
	}
}
