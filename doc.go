// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gfxcore is a GPU resource synchronization and scheduling core.
//
// # Overview
//
// gfxcore sits between a renderer and a hal device from gogpu/wgpu. It
// tracks the layout of every image and the usage of every buffer, batches
// the barriers a recording needs, creates assets off the render goroutine
// and renders a graph of targets in dependency order.
//
// # Quick Start
//
//	e, err := gfxcore.New(gfxcore.WithBackend("software"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
//
//	_, color, _ := e.Images().Allocate()
//	_ = color.Init(resource.ImageDesc{
//	    Width: 256, Height: 256,
//	    Format: gputypes.TextureFormatRGBA8Unorm,
//	    Usage:  gputypes.TextureUsageRenderAttachment,
//	})
//
//	main := pipeline.NewTarget("main", color, nil)
//	main.SetClear(gputypes.Color{B: 1, A: 1})
//	_ = e.Pipeline().AddTarget(main)
//
//	stats, err := e.RenderFrame(context.Background())
//
// # Architecture
//
// The module is organized into:
//   - device: a hal device with completion signals, deferred releases and
//     probed capabilities
//   - recorder: command recordings with tracked layouts; Submit commits
//     them and Discard rolls them back
//   - resource: buffers (staging, static, accessed), images and shaders
//   - task: the worker queue and readiness tracking for async assets
//   - pool: generation-checked object pools
//   - graph: the render stage graph, compiled into rounds
//   - pipeline: render targets, materials and the frame loop
//
// # Backends
//
// Backends are selected by name. "software" and "noop" are always
// registered; RegisterBackend adds others, and names of hal backends
// registered by an imported driver package (such as "vulkan") are
// resolved as well. A host application can share its own device with
// WithDeviceProvider.
//
// # Logging
//
// gfxcore is silent by default. SetLogger installs a log/slog logger for
// the package and every sub-package.
package gfxcore
