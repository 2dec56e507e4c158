// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command gfxdemo renders a small multi-target frame graph headlessly and
// writes the final target to a PNG file.
package main

import (
	"context"
	"flag"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gfxcore"
	"github.com/gogpu/gfxcore/graph"
	"github.com/gogpu/gfxcore/pipeline"
	"github.com/gogpu/gfxcore/resource"
)

const tintWGSL = `
@group(0) @binding(0) var<uniform> tint: vec4<f32>;

@fragment
fn main() -> @location(0) vec4<f32> {
    return tint;
}
`

type stage struct {
	id    graph.ID
	clear gputypes.Color
	deps  []graph.ID
}

var stages = []stage{
	{"shadow", gputypes.Color{R: 0.2, A: 1}, nil},
	{"gbuffer", gputypes.Color{G: 0.4, A: 1}, nil},
	{"lighting", gputypes.Color{R: 0.6, G: 0.6, B: 0.2, A: 1}, []graph.ID{"shadow", "gbuffer"}},
	{"post", gputypes.Color{R: 0.1, G: 0.3, B: 0.8, A: 1}, []graph.ID{"lighting"}},
}

func main() {
	var (
		backend = flag.String("backend", "software", "backend name")
		width   = flag.Int("width", 256, "target width, a multiple of 64")
		height  = flag.Int("height", 128, "target height")
		frames  = flag.Int("frames", 3, "frames to render")
		output  = flag.String("output", "gfxdemo.png", "output file")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *width <= 0 || *width%64 != 0 || *height <= 0 {
		log.Fatalf("invalid size %dx%d", *width, *height)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	e, err := gfxcore.New(gfxcore.WithBackend(*backend), gfxcore.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	err = run(e, uint32(*width), uint32(*height), *frames, *output)
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run(e *gfxcore.Engine, w, h uint32, frames int, output string) error {
	ctx := context.Background()
	pl := e.Pipeline()

	_, shader, err := e.LoadShader("tint", tintWGSL)
	if err != nil {
		return err
	}
	tint, err := e.NewMaterial("tint", shader, pipeline.Uniform{Name: "tint", Size: 16})
	if err != nil {
		return err
	}
	_ = tint.Set("tint", make([]byte, 16))

	var final *resource.Image
	for _, s := range stages {
		_, img, err := e.Images().Allocate()
		if err != nil {
			return err
		}
		err = img.Init(resource.ImageDesc{
			Label:  string(s.id),
			Width:  w,
			Height: h,
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  gputypes.TextureUsageRenderAttachment,
		})
		if err != nil {
			return err
		}
		t := pipeline.NewTarget(s.id, img, nil)
		t.SetClear(s.clear)
		t.AddBatch(pipeline.Batch{Name: "opaque", Items: []pipeline.Drawable{
			&pipeline.Item{Name: string(s.id) + "/fullscreen"},
			&pipeline.Item{Name: string(s.id) + "/tinted", Material: tint},
		}})
		if err := pl.AddTarget(t); err != nil {
			return err
		}
		final = img
	}
	for _, s := range stages {
		for _, dep := range s.deps {
			if err := pl.AddDependency(s.id, dep); err != nil {
				return err
			}
		}
	}

	queue, err := pl.Queue()
	if err != nil {
		return err
	}
	for _, entry := range queue {
		log.Printf("round %d: %s (sync with %v)", entry.Round, entry.Stage, entry.SyncWith)
	}

	for range frames {
		stats, err := pl.RenderFrame(ctx)
		if err != nil {
			return err
		}
		log.Printf("frame %d: %d stages, %d draws, %d skipped",
			stats.Frame, stats.Stages, stats.Draws, stats.Skipped)
	}
	if err := pl.Wait(ctx); err != nil {
		return err
	}

	pixels, err := final.ReadBack(ctx, 0)
	if err != nil {
		return err
	}
	return savePNG(output, int(w), int(h), pixels)
}

func savePNG(path string, w, h int, pixels []byte) error {
	img := &image.NRGBA{Pix: pixels, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("Saved %s (%dx%d)", path, w, h)
	return nil
}
