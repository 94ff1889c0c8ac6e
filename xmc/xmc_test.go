package xmc

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	ranges := Partition(10, 4)
	require.Len(t, ranges, 4)
	assert.Equal(t, []Range{{0, 3}, {3, 6}, {6, 9}, {9, 10}}, ranges)

	// Contiguous cover of [0, numLabels).
	var covered int
	for ii, r := range ranges {
		if ii > 0 {
			assert.Equal(t, ranges[ii-1].End, r.Start)
		}
		covered += r.Len()
	}
	assert.Equal(t, 10, covered)

	assert.Equal(t, []Range{{0, 10}}, Partition(10, 1))
	assert.Len(t, Partition(10, 10), 10)

	// ceil(10/7)=2 leaves the last partition empty.
	assert.Panics(t, func() { Partition(10, 7) })
	assert.Panics(t, func() { Partition(0, 1) })
	assert.Panics(t, func() { Partition(10, 0) })
}

func TestChunkValidation(t *testing.T) {
	assert.Panics(t, func() { NewChunk("", Range{0, 4}, 6, 3) })
	assert.Panics(t, func() { NewChunk("c", Range{4, 4}, 6, 3) })
	assert.Panics(t, func() { NewChunk("c", Range{0, 4}, 7, 3) })
	assert.Panics(t, func() { NewChunk("c", Range{0, 4}, 6, 0) })

	chunk := NewChunk("c", Range{2, 6}, 6, 3)
	assert.Equal(t, 4*(6+1+3), chunk.NumParameters())
}

// testEmbeddings is a fixed [2, 6] batch.
func testEmbeddings() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions([]float32{
		0.5, -1, 2, 0.25, 1, -0.5,
		1, 1, -2, 0, 3, 0.75,
	}, 2, 6)
}

func TestDistributedForwardModes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	dist := NewDistributed(10, 3, 6, 3)
	require.Equal(t, 3, dist.NumShards())
	assert.Equal(t, 10*(6+1+3), dist.NumParameters())

	embeddings := testEmbeddings()

	denseExec := context.NewExec(backend, ctx, func(ctx *context.Context, embeddings *Node) *Node {
		return dist.Forward(ctx, embeddings, nil)
	})
	dense := denseExec.Call(embeddings)[0]
	require.NoError(t, dense.Shape().Check(dtypes.Float32, 2, 10))
	denseRows := dense.Value().([][]float32)

	// With zeroed attention the blocks are weighed uniformly: the logit is
	// the plain dot product scaled by 1/numHops, plus the (zero) bias.
	weightsVar := ctx.GetVariableByScopeAndName("/classifier/shard_000", "weights")
	require.NotNil(t, weightsVar)
	weights := weightsVar.Value().Value().([][]float32)
	embeddings.ConstFlatData(func(data any) {
		flat := data.([]float32)
		var dot float32
		for d := 0; d < 6; d++ {
			dot += flat[d] * weights[0][d]
		}
		assert.InDelta(t, dot/3, denseRows[0][0], 1e-4)
	})

	// A full ascending shortlist must reproduce the dense logits.
	allIDs := make([]int32, 10)
	for ii := range allIDs {
		allIDs[ii] = int32(ii)
	}
	shortlistExec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, embeddings, ids *Node) *Node {
		return dist.Forward(ctx, embeddings, ids)
	})
	full := shortlistExec.Call(embeddings, tensors.FromFlatDataAndDimensions(allIDs, 10))[0]
	require.NoError(t, full.Shape().Check(dtypes.Float32, 2, 10))
	fullRows := full.Value().([][]float32)
	for row := range denseRows {
		assert.InDeltaSlice(t, denseRows[row], fullRows[row], 1e-4)
	}

	// A clipped shortlist covers only the leading shards.
	partial := shortlistExec.Call(embeddings, tensors.FromFlatDataAndDimensions(allIDs[:7], 7))[0]
	require.NoError(t, partial.Shape().Check(dtypes.Float32, 2, 7))
	partialRows := partial.Value().([][]float32)
	for row := range denseRows {
		assert.InDeltaSlice(t, denseRows[row][:7], partialRows[row], 1e-4)
	}

	// Per-example candidates, one column block per shard.
	candidates := tensors.FromFlatDataAndDimensions([]int32{
		1, 5, 9,
		3, 4, 8,
	}, 2, 3)
	candidatesExec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, embeddings, candidates *Node) *Node {
		return dist.Forward(ctx, embeddings, candidates)
	})
	got := candidatesExec.Call(embeddings, candidates)[0]
	require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 3))
	gotRows := got.Value().([][]float32)
	wantIDs := [][]int32{{1, 5, 9}, {3, 4, 8}}
	for row := range wantIDs {
		for col, labelID := range wantIDs[row] {
			assert.InDelta(t, denseRows[row][labelID], gotRows[row][col], 1e-4)
		}
	}
}

func TestDistributedCandidatesValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	dist := NewDistributed(10, 3, 6, 3)
	assert.Panics(t, func() {
		// 4 candidate columns cannot be split over 3 shards.
		context.NewExec(backend, ctx, func(ctx *context.Context, embeddings, candidates *Node) *Node {
			return dist.Forward(ctx, embeddings, candidates)
		}).Call(testEmbeddings(), tensors.FromFlatDataAndDimensions(make([]int32, 8), 2, 4))
	})
}

func TestDistributedPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	dist := NewDistributed(10, 2, 6, 2)
	embeddings := testEmbeddings()

	// Predict before placement must panic.
	assert.Panics(t, func() { dist.Predict(embeddings) })

	dense := context.NewExec(backend, ctx, func(ctx *context.Context, embeddings *Node) *Node {
		return dist.Forward(ctx, embeddings, nil)
	}).Call(embeddings)[0]

	dist.MoveToDevices(ctx, []backends.Backend{backend})
	require.Len(t, dist.Devices(), 2)
	predicted := dist.Predict(embeddings)
	require.NoError(t, predicted.Shape().Check(dtypes.Float32, 2, 10))

	denseRows := dense.Value().([][]float32)
	predictedRows := predicted.Value().([][]float32)
	for row := range denseRows {
		assert.InDeltaSlice(t, denseRows[row], predictedRows[row], 1e-4)
	}
}
