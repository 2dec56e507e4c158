// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gfxcore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/pipeline"
	"github.com/gogpu/gfxcore/recorder"
	"github.com/gogpu/gfxcore/resource"
	"github.com/gogpu/gfxcore/task"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gfxcore and all its sub-packages.
// By default, gfxcore produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by gfxcore:
//   - [slog.LevelDebug]: barrier batches, stage queue rebuilds, buffer sizes
//   - [slog.LevelInfo]: device opened, engine lifecycle
//   - [slog.LevelWarn]: discarded frames, cycle fallback, failed tasks
//
// Example:
//
//	gfxcore.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	device.SetLogger(l)
	recorder.SetLogger(l)
	resource.SetLogger(l)
	graph.SetLogger(l)
	pipeline.SetLogger(l)
	task.SetLogger(l)
}

// Logger returns the current logger used by gfxcore.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func slogger() *slog.Logger { return loggerPtr.Load() }
