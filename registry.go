// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gfxcore

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"
)

// ErrUnknownBackend is returned when no backend has the requested name.
var ErrUnknownBackend = errors.New("gfxcore: unknown backend")

var backends = gpucontext.NewRegistry[hal.Backend](
	gpucontext.WithPriority("software", "noop"),
)

func init() {
	backends.Register("software", func() hal.Backend { return software.API{} })
	backends.Register("noop", func() hal.Backend { return noop.API{} })
}

// RegisterBackend makes a hal backend available to WithBackend under name.
// Registering an existing name replaces it.
func RegisterBackend(name string, factory func() hal.Backend) {
	backends.Register(name, factory)
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	names := backends.Available()
	slices.Sort(names)
	return names
}

// lookupBackend resolves name against the registry, then against the
// backends the hal package knows by variant name.
func lookupBackend(name string) (hal.Backend, string, error) {
	if name == "" {
		name = backends.BestName()
	}
	if backends.Has(name) {
		if b := backends.Get(name); b != nil {
			return b, name, nil
		}
	}
	for _, v := range hal.AvailableBackends() {
		if strings.EqualFold(v.String(), name) {
			if b, ok := hal.GetBackend(v); ok {
				return b, name, nil
			}
		}
	}
	return nil, name, fmt.Errorf("%w: %q (have %v)", ErrUnknownBackend, name, Backends())
}
