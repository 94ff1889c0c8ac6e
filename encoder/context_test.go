package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextStructure(t *testing.T) {
	// Two-hop context: inner(inner(leaf, leaf), inner(leaf, leaf)).
	hop1Nodes := Inner(Leaf("a", 2), Leaf("b", 4), 2)
	hop1Neighbors := Inner(Leaf("c", 4), Leaf("d", 8), 4)
	hood := Inner(hop1Nodes, hop1Neighbors, 2)

	assert.False(t, hood.IsLeaf())
	assert.Equal(t, 4, hood.NumLeaves())
	assert.Equal(t, []string{"a", "b", "c", "d"}, hood.Flatten())

	mapped := MapFlat(hood, []int{1, 2, 3, 4})
	assert.Equal(t, []int{1, 2, 3, 4}, mapped.Flatten())
	assert.Equal(t, hood.NodeCount, mapped.NodeCount)
	assert.Equal(t, hood.Nodes.NodeCount, mapped.Nodes.NodeCount)
	assert.Equal(t, hood.Neighbors.Neighbors.NodeCount, mapped.Neighbors.Neighbors.NodeCount)

	assert.Panics(t, func() { MapFlat(hood, []int{1, 2, 3}) })
	assert.Panics(t, func() { MapFlat(hood, []int{1, 2, 3, 4, 5}) })
}

func TestContextValidation(t *testing.T) {
	assert.Panics(t, func() { Leaf("x", 0) })
	assert.Panics(t, func() { Inner[string](nil, Leaf("x", 1), 1) })
	// Count must match the nodes side.
	assert.Panics(t, func() { Inner(Leaf("a", 2), Leaf("b", 4), 3) })
	// Neighbor count must be a multiple of the node count.
	assert.Panics(t, func() { Inner(Leaf("a", 2), Leaf("b", 5), 2) })

	leaf := Leaf("a", 3)
	require.True(t, leaf.IsLeaf())
	assert.Equal(t, []string{"a"}, leaf.Flatten())
}
