// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package graph

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrCycle is returned by Rebuild when the dependencies contain a cycle.
	ErrCycle = errors.New("graph: dependency cycle")

	// ErrUnknownNode is returned when an operation names a missing node.
	ErrUnknownNode = errors.New("graph: unknown node")

	// ErrDuplicateNode is returned by AddNode for an existing id.
	ErrDuplicateNode = errors.New("graph: duplicate node")

	// ErrSelfDependency is returned when a node is made to depend on itself.
	ErrSelfDependency = errors.New("graph: node cannot depend on itself")
)

// ID identifies a stage node.
type ID string

// Entry is one stage in the compiled execution order.
type Entry struct {
	// Stage is the node to execute.
	Stage ID
	// SyncWith lists the nodes of the previous round. Their outputs must
	// be synchronized before Stage reads them.
	SyncWith []ID
	// Round is the zero-based round the stage was scheduled in.
	Round int
}

// CyclePolicy selects what Rebuild does when it finds a cycle.
type CyclePolicy uint8

const (
	// CycleError fails Rebuild with ErrCycle and leaves the queue invalid.
	CycleError CyclePolicy = iota
	// CycleFlush schedules every node caught in a cycle as one final round,
	// in insertion order, and logs a warning.
	CycleFlush
)

// Option configures a Graph.
type Option func(*Graph)

// WithCyclePolicy sets the cycle policy. The default is CycleError.
func WithCyclePolicy(p CyclePolicy) Option {
	return func(g *Graph) { g.policy = p }
}

type node struct {
	deps map[ID]struct{}
}

// Graph holds stage nodes and their dependencies and compiles them into
// an execution queue.
//
// Rebuild orders nodes in rounds: each round holds every node whose
// dependencies were all scheduled in earlier rounds. Within a round, nodes
// keep their insertion order, so rebuilding an unchanged graph yields an
// identical queue. The queue stays cached until a node or edge is added or
// removed.
//
// Thread safety: Graph is NOT safe for concurrent use.
type Graph struct {
	nodes  map[ID]*node
	order  []ID
	policy CyclePolicy

	queue  []Entry
	rounds int
	valid  bool
}

// New creates an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{nodes: make(map[ID]*node)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddNode adds a node without dependencies.
func (g *Graph) AddNode(id ID) error {
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}
	g.nodes[id] = &node{deps: make(map[ID]struct{})}
	g.order = append(g.order, id)
	g.invalidate()
	return nil
}

// RemoveNode removes a node and every edge that touches it.
func (g *Graph) RemoveNode(id ID) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	delete(g.nodes, id)
	g.order = slices.DeleteFunc(g.order, func(o ID) bool { return o == id })
	for _, n := range g.nodes {
		delete(n.deps, id)
	}
	g.invalidate()
	return nil
}

// AddDependency makes id run after dependsOn. Adding an existing edge
// changes nothing.
func (g *Graph) AddDependency(id, dependsOn ID) error {
	if id == dependsOn {
		return fmt.Errorf("%w: %q", ErrSelfDependency, id)
	}
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, dependsOn)
	}
	if _, ok := n.deps[dependsOn]; ok {
		return nil
	}
	n.deps[dependsOn] = struct{}{}
	g.invalidate()
	return nil
}

// RemoveDependency removes the edge id -> dependsOn. Removing a missing
// edge changes nothing.
func (g *Graph) RemoveDependency(id, dependsOn ID) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if _, ok := n.deps[dependsOn]; !ok {
		return nil
	}
	delete(n.deps, dependsOn)
	g.invalidate()
	return nil
}

// HasNode reports whether id exists.
func (g *Graph) HasNode(id ID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns the node ids in insertion order.
func (g *Graph) Nodes() []ID { return slices.Clone(g.order) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Dependencies returns the direct dependencies of id in insertion order.
func (g *Graph) Dependencies(id ID) []ID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var deps []ID
	for _, o := range g.order {
		if _, ok := n.deps[o]; ok {
			deps = append(deps, o)
		}
	}
	return deps
}

// Valid reports whether the cached queue matches the current graph.
func (g *Graph) Valid() bool { return g.valid }

// Queue returns the compiled execution order, or nil if the queue is
// invalid. The returned slice must not be modified.
func (g *Graph) Queue() []Entry {
	if !g.valid {
		return nil
	}
	return g.queue
}

// Rounds returns the number of rounds in the compiled queue.
func (g *Graph) Rounds() int { return g.rounds }

func (g *Graph) invalidate() {
	g.valid = false
	g.queue = nil
	g.rounds = 0
}

// Rebuild compiles the execution queue.
//
// Every round collects the nodes whose remaining dependency set is empty,
// appends them with the previous round's nodes as their sync-with list and
// removes them from the remaining sets. A cycle is handled according to
// the Graph's CyclePolicy.
func (g *Graph) Rebuild() error {
	remaining := make(map[ID]map[ID]struct{}, len(g.nodes))
	for id, n := range g.nodes {
		deps := make(map[ID]struct{}, len(n.deps))
		for d := range n.deps {
			deps[d] = struct{}{}
		}
		remaining[id] = deps
	}

	queue := make([]Entry, 0, len(g.order))
	pending := slices.Clone(g.order)
	var prev []ID
	round := 0

	for len(pending) > 0 {
		var ready, rest []ID
		for _, id := range pending {
			if len(remaining[id]) == 0 {
				ready = append(ready, id)
			} else {
				rest = append(rest, id)
			}
		}

		if len(ready) == 0 {
			if g.policy != CycleFlush {
				g.invalidate()
				return fmt.Errorf("%w among %v", ErrCycle, rest)
			}
			slogger().Warn("stage graph cycle, flushing remaining stages", "stages", rest)
			ready, rest = rest, nil
		}

		for _, id := range ready {
			queue = append(queue, Entry{Stage: id, SyncWith: slices.Clone(prev), Round: round})
		}
		for _, id := range rest {
			for _, r := range ready {
				delete(remaining[id], r)
			}
		}
		prev = ready
		pending = rest
		round++
	}

	g.queue = queue
	g.rounds = round
	g.valid = true
	slogger().Debug("stage graph rebuilt", "stages", len(queue), "rounds", round)
	return nil
}
