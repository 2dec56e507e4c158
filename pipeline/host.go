// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"fmt"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/task"
)

// Host is what a Pipeline needs from the engine that owns it.
type Host interface {
	// Device returns the device frames are recorded on.
	Device() *device.Device
	// Tasks returns the queue async assets are created on.
	Tasks() *task.Queue
	// DefaultMaterial returns the fallback material for items that do not
	// name one. It must be ready for use.
	DefaultMaterial() *Material
}

// MustDefaultMaterial returns the host's default material. It panics if
// the material is missing or not ready, which is a programming error.
func MustDefaultMaterial(h Host) *Material {
	m := h.DefaultMaterial()
	if m == nil {
		panic("pipeline: host has no default material")
	}
	if !m.ReadyForUse() {
		panic(fmt.Sprintf("pipeline: default material %q is not ready", m.Name()))
	}
	return m
}
