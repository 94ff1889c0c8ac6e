// Package encoder implements graph neighborhood encoders: a recursive
// neighborhood-sampling query that materializes a nested sampling context,
// and forward passes (GraphSAGE, GraphSAINT and GIN style) that fold the
// context back into one embedding per seed node.
package encoder

import (
	. "github.com/gomlx/exceptions"
)

// Context is a nested sampling context. It is either a leaf carrying the
// features of a set of nodes, or an inner node pairing the context of the
// nodes at this level with the context of their sampled neighbors.
//
// It is generic so the same structure serves both sides of the graph
// boundary: host side it carries `*tensors.Tensor` leaves produced by Query,
// graph side `*graph.Node` leaves consumed by Forward.
type Context[T any] struct {
	// Value is the leaf payload, set only when IsLeaf.
	Value T

	// Nodes and Neighbors are the sub-contexts of an inner node. Nodes
	// describes the node set at this level, Neighbors their sampled
	// neighbors (NodeCount*numSample entries, node-major).
	Nodes     *Context[T]
	Neighbors *Context[T]

	// NodeCount is the number of distinct nodes at this level.
	NodeCount int
}

// Leaf creates a leaf context holding the features of `count` nodes.
func Leaf[T any](value T, count int) *Context[T] {
	if count <= 0 {
		Panicf("encoder.Leaf: node count must be positive, got %d", count)
	}
	return &Context[T]{Value: value, NodeCount: count}
}

// Inner creates an inner context from the node and neighbor sub-contexts.
func Inner[T any](nodes, neighbors *Context[T], count int) *Context[T] {
	if nodes == nil || neighbors == nil {
		Panicf("encoder.Inner: nodes and neighbors sub-contexts must both be set")
	}
	if count != nodes.NodeCount {
		Panicf("encoder.Inner: count=%d disagrees with nodes sub-context (%d nodes)",
			count, nodes.NodeCount)
	}
	if neighbors.NodeCount%count != 0 {
		Panicf("encoder.Inner: neighbors sub-context has %d nodes, not a multiple of count=%d",
			neighbors.NodeCount, count)
	}
	return &Context[T]{Nodes: nodes, Neighbors: neighbors, NodeCount: count}
}

// IsLeaf reports whether the context is a leaf (raw features, no deeper
// sampling).
func (c *Context[T]) IsLeaf() bool { return c.Nodes == nil }

// NumLeaves returns the number of leaves under the context.
func (c *Context[T]) NumLeaves() int {
	if c.IsLeaf() {
		return 1
	}
	return c.Nodes.NumLeaves() + c.Neighbors.NumLeaves()
}

// Flatten returns the leaf values in depth-first order, nodes before
// neighbors. This is the order in which Query outputs are fed to the
// computation graph and in which MapFlat consumes replacement leaves.
func (c *Context[T]) Flatten() []T {
	return c.appendLeaves(make([]T, 0, c.NumLeaves()))
}

func (c *Context[T]) appendLeaves(values []T) []T {
	if c.IsLeaf() {
		return append(values, c.Value)
	}
	values = c.Nodes.appendLeaves(values)
	return c.Neighbors.appendLeaves(values)
}

// MapFlat rebuilds the structure of `c` with leaf values taken from `values`
// in flattening order. It is how the host-side context produced by Query is
// mirrored on the graph side once its tensors became graph parameters.
func MapFlat[T, U any](c *Context[T], values []U) *Context[U] {
	mapped, rest := mapFlat(c, values)
	if len(rest) != 0 {
		Panicf("encoder.MapFlat: %d values given, context has only %d leaves",
			len(values), c.NumLeaves())
	}
	return mapped
}

func mapFlat[T, U any](c *Context[T], values []U) (*Context[U], []U) {
	if c.IsLeaf() {
		if len(values) == 0 {
			Panicf("encoder.MapFlat: ran out of values, context has %d leaves", c.NumLeaves())
		}
		return &Context[U]{Value: values[0], NodeCount: c.NodeCount}, values[1:]
	}
	nodes, values := mapFlat(c.Nodes, values)
	neighbors, values := mapFlat(c.Neighbors, values)
	return &Context[U]{Nodes: nodes, Neighbors: neighbors, NodeCount: c.NodeCount}, values
}
