package encoder

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Josh1108/GalaXC/graphstore"
)

// forwardExec JIT-compiles enc.Forward over the structure of the given
// host context and runs it on the context's tensors.
func forwardExec(t *testing.T, ctx *context.Context, enc Encoder, hood *Context[*tensors.Tensor]) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return enc.Forward(ctx, MapFlat(hood, inputs))
	})
	flat := hood.Flatten()
	args := make([]any, len(flat))
	for ii, tensor := range flat {
		args[ii] = tensor
	}
	results := exec.Call(args...)
	require.Len(t, results, 1)
	return results[0]
}

func TestAggregate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// 2 nodes, 2 neighbors each, dim 2.
	flat := tensors.FromFlatDataAndDimensions([]float32{
		1, 2,
		3, 4,
		10, 20,
		30, 40,
	}, 4, 2)
	exec := NewExec(backend, func(flat *Node) (mean, sum *Node) {
		mean = MeanAggregation.Aggregate(flat, 2)
		sum = SumAggregation.Aggregate(flat, 2)
		return
	})
	results := exec.Call(flat)
	require.NoError(t, results[0].Shape().Check(dtypes.Float32, 2, 2))
	assert.Equal(t, [][]float32{{2, 3}, {20, 30}}, results[0].Value())
	assert.Equal(t, [][]float32{{4, 6}, {40, 60}}, results[1].Value())
}

func TestAggregateValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	assert.Panics(t, func() {
		NewExec(backend, func(g *Graph) *Node {
			// 5 rows cannot be grouped into 2 nodes.
			return MeanAggregation.Aggregate(Ones(g, shapes.Make(dtypes.Float32, 5, 3)), 2)
		}).Call()
	})
	assert.Panics(t, func() {
		NewExec(backend, func(g *Graph) *Node {
			return MeanAggregation.Aggregate(Ones(g, shapes.Make(dtypes.Float32, 2, 3, 4)), 2)
		}).Call()
	})
	assert.Panics(t, func() { AggregationKindFromString("median") })
	assert.Equal(t, MeanAggregation, AggregationKindFromString("mean"))
	assert.Equal(t, "sum", SumAggregation.String())
}

// testGraph is a small dense-ish store for encoder tests.
func testGraph(t *testing.T, numNodes, featureDim int) *graphstore.InMemory {
	features := make([]float32, numNodes*featureDim)
	for ii := range features {
		features[ii] = float32(ii%7) * 0.25
	}
	var sources, targets []int32
	for src := int32(0); src < int32(numNodes); src++ {
		for tgt := int32(0); tgt < int32(numNodes); tgt++ {
			if src != tgt {
				sources = append(sources, src)
				targets = append(targets, tgt)
			}
		}
	}
	s := graphstore.Build(features, featureDim, sources, targets).WithSeed(3)
	require.Equal(t, numNodes, s.NumNodes())
	return s
}

func TestGINForward(t *testing.T) {
	// With a freshly initialized epsilon (zero), GIN is exactly
	// mean(neighbors) + self.
	enc := NewGIN("gin", nil, 2, MeanAggregation, 2)
	assert.Equal(t, 2, enc.OutputDim())

	self := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	neighbors := tensors.FromFlatDataAndDimensions([]float32{
		2, 4,
		4, 8,
		10, 10,
		30, 50,
	}, 4, 2)
	hood := Inner(Leaf(self, 2), Leaf(neighbors, 4), 2)

	got := forwardExec(t, context.New(), enc, hood)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 2))
	assert.Equal(t, [][]float32{{4, 8}, {23, 34}}, got.Value())
}

func TestSAGEForward(t *testing.T) {
	store := testGraph(t, 6, 3)
	enc := NewSAGE("sage", nil, store.FeatureDim(), MeanAggregation, 4, 5)
	assert.Equal(t, 5, enc.OutputDim())

	seeds := []int32{0, 3, 5}
	hood := enc.Query(store, seeds)
	require.True(t, hood.Nodes.IsLeaf())
	require.NoError(t, hood.Nodes.Value.Shape().Check(dtypes.Float32, 3, 3))
	require.NoError(t, hood.Neighbors.Value.Shape().Check(dtypes.Float32, 12, 3))

	got := forwardExec(t, context.New(), enc, hood)
	assert.NoError(t, got.Shape().Check(dtypes.Float32, 3, 5))
	// Relu output.
	got.ConstFlatData(func(flat any) {
		for _, v := range flat.([]float32) {
			assert.GreaterOrEqual(t, v, float32(0))
		}
	})
}

func TestSAINTForward(t *testing.T) {
	store := testGraph(t, 5, 4)
	enc := NewSAINT("saint", nil, store.FeatureDim(), SumAggregation, 3, 8)
	hood := enc.Query(store, []int32{1, 2})
	got := forwardExec(t, context.New(), enc, hood)
	assert.NoError(t, got.Shape().Check(dtypes.Float32, 2, 8))

	assert.Panics(t, func() { NewSAINT("odd", nil, 4, SumAggregation, 3, 7) })
}

func TestRecursiveEncoder(t *testing.T) {
	store := testGraph(t, 8, 3)
	hop1 := NewSAGE("hop1", nil, store.FeatureDim(), MeanAggregation, 2, 6)
	hop2 := NewSAINT("hop2", hop1, 0, MeanAggregation, 2, 10)
	hop3 := NewGIN("hop3", hop2, 0, SumAggregation, 2)
	assert.Equal(t, 10, hop3.OutputDim())

	seeds := []int32{2, 5, 7, 1}
	hood := hop3.Query(store, seeds)
	// Three hops of fan-out 2 sample 8 leaves.
	assert.Equal(t, 8, hood.NumLeaves())
	assert.Equal(t, len(seeds), hood.NodeCount)
	assert.Equal(t, 2*len(seeds), hood.Neighbors.NodeCount)
	assert.Equal(t, 4*len(seeds), hood.Neighbors.Neighbors.NodeCount)

	got := forwardExec(t, context.New(), hop3, hood)
	assert.NoError(t, got.Shape().Check(dtypes.Float32, len(seeds), 10))

	// A deeper context than the encoder stack is rejected.
	assert.Panics(t, func() {
		forwardExec(t, context.New(), hop2, hood)
	})
}

func TestResidual(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	x := tensors.FromFlatDataAndDimensions([]float32{1, -2, 3, 0.5, 0, -1}, 2, 3)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Residual(ctx.In("transform"), x, 5, 0.1, ResidualInitIdentity)
	})
	got := exec.Call(x)[0]
	assert.NoError(t, got.Shape().Check(dtypes.Float32, 2, 5))

	// The projection starts as a truncated eye matrix.
	weightsVar := ctx.GetVariableByScopeAndName("/transform", "weights")
	require.NotNil(t, weightsVar)
	weights := weightsVar.Value().Value().([][]float32)
	for row := 0; row < 3; row++ {
		for col := 0; col < 5; col++ {
			want := float32(0)
			if row == col {
				want = 1
			}
			assert.Equal(t, want, weights[row][col], "weights[%d][%d]", row, col)
		}
	}
}

func TestResidualValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	assert.Panics(t, func() {
		context.NewExec(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			// Shrinking the representation is not allowed.
			return Residual(ctx, x, 2, 0, ResidualInitGlorot)
		}).Call(tensors.FromFlatDataAndDimensions(make([]float32, 12), 4, 3))
	})
	assert.Panics(t, func() { ResidualInitFromString("random") })
	assert.Equal(t, ResidualInitIdentity, ResidualInitFromString("identity"))
}
