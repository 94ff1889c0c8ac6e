package graphstore

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore builds a tiny graph with 5 nodes:
//
//	0 -> {1, 2, 3}
//	1 -> {0}
//	2 -> {0, 1}
//	3 -> {}        (isolated source)
//	4 -> {0, 1, 2, 3}
func testStore(t *testing.T) *InMemory {
	features := make([]float32, 5*4)
	for node := 0; node < 5; node++ {
		for d := 0; d < 4; d++ {
			features[node*4+d] = float32(node*10 + d)
		}
	}
	sources := []int32{4, 0, 2, 0, 1, 2, 4, 0, 4, 4}
	targets := []int32{0, 1, 0, 2, 0, 1, 1, 3, 2, 3}
	s := Build(features, 4, sources, targets).WithSeed(7)
	require.Equal(t, 5, s.NumNodes())
	require.Equal(t, 4, s.FeatureDim())
	require.Equal(t, 10, s.NumEdges())
	return s
}

func TestBuildCSR(t *testing.T) {
	s := testStore(t)
	assert.ElementsMatch(t, []int32{1, 2, 3}, s.Neighbors(0))
	assert.ElementsMatch(t, []int32{0}, s.Neighbors(1))
	assert.ElementsMatch(t, []int32{0, 1}, s.Neighbors(2))
	assert.Empty(t, s.Neighbors(3))
	assert.ElementsMatch(t, []int32{0, 1, 2, 3}, s.Neighbors(4))

	assert.Panics(t, func() { Build([]float32{1, 2, 3}, 2, nil, nil) })
	assert.Panics(t, func() { Build(make([]float32, 8), 4, []int32{0}, []int32{5}) })
}

func TestSampleNeighbors(t *testing.T) {
	s := testStore(t)
	const k = 3
	nodes := []int32{0, 1, 3, 4}
	sampled := s.SampleNeighbors(nodes, k)
	require.Len(t, sampled, len(nodes)*k)

	// Node 0 has exactly k neighbors: all of them must show up once.
	assert.ElementsMatch(t, []int32{1, 2, 3}, sampled[0:3])
	// Node 1 has a single neighbor, repeated to fill.
	assert.Equal(t, []int32{0, 0, 0}, sampled[3:6])
	// Isolated node 3 falls back to a self-loop.
	assert.Equal(t, []int32{3, 3, 3}, sampled[6:9])
	// Node 4 has 4 neighbors: the 3 sampled must be distinct neighbors.
	seen := map[int32]bool{}
	for _, tgt := range sampled[9:12] {
		assert.Contains(t, []int32{0, 1, 2, 3}, tgt)
		assert.False(t, seen[tgt], "neighbor %d sampled twice for node 4", tgt)
		seen[tgt] = true
	}

	assert.Panics(t, func() { s.SampleNeighbors(nodes, 0) })
	assert.Panics(t, func() { s.SampleNeighbors([]int32{99}, k) })
}

func TestNodeFeatures(t *testing.T) {
	s := testStore(t)
	feats := s.NodeFeatures([]int32{2, 0})
	require.NoError(t, feats.Shape().Check(dtypes.Float32, 2, 4))
	got := feats.Value().([][]float32)
	assert.Equal(t, []float32{20, 21, 22, 23}, got[0])
	assert.Equal(t, []float32{0, 1, 2, 3}, got[1])
}

func TestSaveAndLoad(t *testing.T) {
	s := testStore(t)
	filePath := filepath.Join(t.TempDir(), "store.bin")
	require.NoError(t, s.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, s.NodeCount, loaded.NodeCount)
	assert.Equal(t, s.FeatDim, loaded.FeatDim)
	assert.Equal(t, s.Starts, loaded.Starts)
	assert.Equal(t, s.EdgeTargets, loaded.EdgeTargets)
	assert.Equal(t, s.Features, loaded.Features)

	// Loaded store must sample without a nil RNG.
	assert.Len(t, loaded.SampleNeighbors([]int32{4}, 2), 2)
}
