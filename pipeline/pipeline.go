// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/gfxcore/device"
	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/recorder"
)

// FrameStats describes one recorded frame.
type FrameStats struct {
	// Frame is the index of the frame.
	Frame uint64
	// Stages is the number of targets rendered.
	Stages int
	// Rounds is the number of dependency rounds.
	Rounds int
	// Draws is the number of drawables encoded.
	Draws int
	// Skipped is the number of drawables that were not ready.
	Skipped int
	// Signal completes when the frame's GPU work is done.
	Signal device.Signal
}

// Pipeline renders a set of targets in dependency order. Each frame is
// recorded into a single Recorder: a stage's targets see the outputs of
// the stages it depends on in LayoutShaderRead.
//
// A Pipeline is used from a single goroutine.
type Pipeline struct {
	host    Host
	dev     *device.Device
	graph   *graph.Graph
	targets map[graph.ID]*Target
	cycles  graph.CyclePolicy
	label   string

	frame      uint64
	lastSignal device.Signal
}

// New returns an empty pipeline recording on h's device.
func New(h Host, opts ...Option) *Pipeline {
	pl := &Pipeline{
		host:    h,
		dev:     h.Device(),
		targets: make(map[graph.ID]*Target),
		label:   "frame",
	}
	for _, opt := range opts {
		opt(pl)
	}
	pl.graph = graph.New(graph.WithCyclePolicy(pl.cycles))
	return pl
}

// Host returns the host given to New.
func (pl *Pipeline) Host() Host { return pl.host }

// Frame returns the index of the next frame.
func (pl *Pipeline) Frame() uint64 { return pl.frame }

// Nodes returns the registered stages in insertion order.
func (pl *Pipeline) Nodes() []graph.ID { return pl.graph.Nodes() }

// Dependencies returns the stages id samples, in insertion order.
func (pl *Pipeline) Dependencies(id graph.ID) []graph.ID { return pl.graph.Dependencies(id) }

// Valid reports whether the compiled stage order matches the registered
// stages and dependencies.
func (pl *Pipeline) Valid() bool { return pl.graph.Valid() }

// Rounds returns the number of rounds in the compiled stage order.
func (pl *Pipeline) Rounds() int { return pl.graph.Rounds() }

// AddTarget registers t as a stage.
func (pl *Pipeline) AddTarget(t *Target) error {
	if err := pl.graph.AddNode(t.ID()); err != nil {
		return err
	}
	pl.targets[t.ID()] = t
	return nil
}

// RemoveTarget unregisters a stage and its dependency edges.
func (pl *Pipeline) RemoveTarget(id graph.ID) error {
	if err := pl.graph.RemoveNode(id); err != nil {
		return err
	}
	delete(pl.targets, id)
	return nil
}

// Target returns a registered target.
func (pl *Pipeline) Target(id graph.ID) (*Target, bool) {
	t, ok := pl.targets[id]
	return t, ok
}

// AddDependency makes stage id sample the output of dependsOn.
func (pl *Pipeline) AddDependency(id, dependsOn graph.ID) error {
	return pl.graph.AddDependency(id, dependsOn)
}

// RemoveDependency removes an edge added by AddDependency.
func (pl *Pipeline) RemoveDependency(id, dependsOn graph.ID) error {
	return pl.graph.RemoveDependency(id, dependsOn)
}

// Queue rebuilds the stage order if needed and returns a copy of it.
func (pl *Pipeline) Queue() ([]graph.Entry, error) {
	q, err := pl.queue()
	if err != nil {
		return nil, err
	}
	out := make([]graph.Entry, len(q))
	for i, e := range q {
		e.SyncWith = slices.Clone(e.SyncWith)
		out[i] = e
	}
	return out, nil
}

func (pl *Pipeline) queue() ([]graph.Entry, error) {
	if !pl.graph.Valid() {
		if err := pl.graph.Rebuild(); err != nil {
			return nil, err
		}
	}
	return pl.graph.Queue(), nil
}

// RenderFrame records and submits one frame. If any stage fails the whole
// frame is discarded: image layouts keep their committed values and the
// next frame starts from the same state.
func (pl *Pipeline) RenderFrame(ctx context.Context) (FrameStats, error) {
	stats := FrameStats{Frame: pl.frame}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	queue, err := pl.queue()
	if err != nil {
		return stats, err
	}
	stats.Rounds = pl.graph.Rounds()
	pl.dev.Collect()

	rec, err := recorder.New(pl.dev, fmt.Sprintf("%s %d", pl.label, pl.frame))
	if err != nil {
		return stats, err
	}
	opts := &RenderOptions{Pipeline: pl, Frame: pl.frame, Recorder: rec}

	for _, e := range queue {
		if err := pl.renderStage(opts, e, &stats); err != nil {
			rec.Discard()
			slogger().Warn("frame discarded", "frame", pl.frame, "stage", string(e.Stage), "err", err)
			return stats, err
		}
	}

	signal, err := rec.Submit()
	if err != nil {
		return stats, fmt.Errorf("pipeline: submit frame %d: %w", pl.frame, err)
	}
	stats.Signal = signal
	pl.lastSignal = signal
	pl.frame++
	slogger().Debug("frame submitted", "frame", stats.Frame, "stages", stats.Stages,
		"draws", stats.Draws, "skipped", stats.Skipped)
	return stats, nil
}

func (pl *Pipeline) renderStage(opts *RenderOptions, e graph.Entry, stats *FrameStats) error {
	t, ok := pl.targets[e.Stage]
	if !ok {
		return fmt.Errorf("%w: %q", graph.ErrUnknownNode, e.Stage)
	}
	for _, dep := range e.SyncWith {
		src, ok := pl.targets[dep]
		if !ok || src == t {
			continue
		}
		for _, img := range src.inputs() {
			if img.Initialized() {
				opts.Recorder.ChangeLayout(img, recorder.LayoutShaderRead)
			}
		}
	}
	counts, err := t.render(opts)
	stats.Draws += counts.draws
	stats.Skipped += counts.skipped
	if err != nil {
		return err
	}
	stats.Stages++
	return nil
}

// Wait blocks until the last submitted frame has completed.
func (pl *Pipeline) Wait(ctx context.Context) error {
	if pl.lastSignal == 0 {
		return nil
	}
	return pl.dev.Wait(ctx, pl.lastSignal)
}
