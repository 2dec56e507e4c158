// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package resource provides GPU buffers, images and shaders bound to a
// device.Device.
//
// # Buffers
//
// A Buffer is initialized in one of three placements:
//
//   - InitStaging: CPU-writable memory the GPU reads from. Always mappable.
//   - InitStatic: device-local memory. Data is uploaded through a temporary
//     staging buffer and a GPU copy; the staging buffer is destroyed when
//     the copy completes.
//   - InitAccessed: device-local memory for frequent small updates. When
//     the device cannot map it directly, writes land in a shadow staging
//     buffer and Flush copies the dirty range.
//
// # Images
//
// An Image carries its committed layout. Uploads repack rows to the 256-byte
// pitch required by buffer-texture copies. InitFromImage converts any
// image.Image to RGBA8 and can build a full mip chain.
//
// # Pools
//
// Pool recycles assets. Released assets are destroyed and handed out again
// uninitialized. Async assets such as Shader cannot be released while their
// creation task is in flight.
package resource
