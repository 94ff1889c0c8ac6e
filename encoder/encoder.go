package encoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/Josh1108/GalaXC/graphstore"
)

// Encoder is one hop of the recursive neighborhood encoder.
//
// Query runs host-side: it samples the neighborhood of the seed nodes
// through the deeper hops and materializes the nested context of feature
// tensors. Forward runs graph-side: given the same context rebuilt over
// graph nodes, it returns one embedding per seed node, shaped
// [len(nodes), OutputDim()].
//
// An encoder built on top of a base encoder delegates both directions to
// it: the base queries (and encodes) the node set and, separately, the
// sampled neighbor set. Base-less encoders consume raw store features.
type Encoder interface {
	Query(store graphstore.Store, nodes []int32) *Context[*tensors.Tensor]
	Forward(ctx *context.Context, hood *Context[*Node]) *Node
	OutputDim() int
}

// encoderBase carries what all variants share: the base encoder handle,
// neighbor sampling and aggregation, and the variable scope name.
type encoderBase struct {
	name      string
	base      Encoder // nil when this hop consumes raw features
	agg       AggregationKind
	numSample int
	inputDim  int
	outputDim int
}

func newEncoderBase(name string, base Encoder, featureDim int, agg AggregationKind, numSample, outputDim int) encoderBase {
	if name == "" {
		Panicf("encoder requires a non-empty name, it scopes the variables")
	}
	if numSample <= 0 {
		Panicf("encoder %q: number of sampled neighbors must be positive, got %d", name, numSample)
	}
	if outputDim <= 0 {
		Panicf("encoder %q: output dimension must be positive, got %d", name, outputDim)
	}
	inputDim := featureDim
	if base != nil {
		inputDim = base.OutputDim()
	}
	if inputDim <= 0 {
		Panicf("encoder %q: input dimension must be positive, got %d", name, inputDim)
	}
	return encoderBase{
		name:      name,
		base:      base,
		agg:       agg,
		numSample: numSample,
		inputDim:  inputDim,
		outputDim: outputDim,
	}
}

// OutputDim implements Encoder.
func (e *encoderBase) OutputDim() int { return e.outputDim }

// Query implements Encoder. It samples numSample neighbors per seed node
// and recurses into the base encoder, if any.
func (e *encoderBase) Query(store graphstore.Store, nodes []int32) *Context[*tensors.Tensor] {
	if len(nodes) == 0 {
		Panicf("encoder %q: Query requires at least one seed node", e.name)
	}
	neighbors := store.SampleNeighbors(nodes, e.numSample)
	if len(neighbors) != len(nodes)*e.numSample {
		Panicf("encoder %q: store returned %d sampled neighbors for %d nodes with fan-out %d, want %d",
			e.name, len(neighbors), len(nodes), e.numSample, len(nodes)*e.numSample)
	}
	if e.base == nil {
		return Inner(
			Leaf(store.NodeFeatures(nodes), len(nodes)),
			Leaf(store.NodeFeatures(neighbors), len(neighbors)),
			len(nodes))
	}
	return Inner(e.base.Query(store, nodes), e.base.Query(store, neighbors), len(nodes))
}

// resolve turns the two sides of the context into per-node embeddings: the
// self embeddings shaped [NodeCount, inputDim] and the aggregated neighbor
// embeddings of the same shape.
//
// The base encoder's parameters are shared between the self and neighbor
// branches, so the context is used unchecked for reuse.
func (e *encoderBase) resolve(ctx *context.Context, hood *Context[*Node]) (self, aggregated *Node) {
	if hood == nil || hood.IsLeaf() {
		Panicf("encoder %q: Forward requires an inner sampling context", e.name)
	}
	ctx = ctx.Checked(false)
	self = e.branch(ctx, hood.Nodes)
	neighbors := e.branch(ctx, hood.Neighbors)
	e.checkBranch(self, hood.NodeCount)
	e.checkBranch(neighbors, hood.NodeCount*e.numSample)
	aggregated = e.agg.Aggregate(neighbors, hood.NodeCount)
	return
}

func (e *encoderBase) branch(ctx *context.Context, side *Context[*Node]) *Node {
	if side.IsLeaf() {
		if e.base != nil {
			Panicf("encoder %q: context bottoms out early, it was built by a shallower query", e.name)
		}
		return side.Value
	}
	if e.base == nil {
		Panicf("encoder %q: consumes raw features but was given a nested context", e.name)
	}
	return e.base.Forward(ctx, side)
}

func (e *encoderBase) checkBranch(embeddings *Node, wantRows int) {
	if embeddings.Rank() != 2 || embeddings.Shape().Dim(0) != wantRows || embeddings.Shape().Dim(1) != e.inputDim {
		Panicf("encoder %q: branch embeddings shaped %s, want [%d, %d]",
			e.name, embeddings.Shape(), wantRows, e.inputDim)
	}
}

// SAGE is the GraphSAGE-style hop: the self and aggregated neighbor
// embeddings are concatenated and passed through one projection with a
// relu.
type SAGE struct {
	encoderBase
}

// NewSAGE creates a GraphSAGE-style hop. featureDim is only used when base
// is nil, otherwise the input dimension comes from the base encoder.
func NewSAGE(name string, base Encoder, featureDim int, agg AggregationKind, numSample, outputDim int) *SAGE {
	return &SAGE{newEncoderBase(name, base, featureDim, agg, numSample, outputDim)}
}

// Forward implements Encoder.
func (e *SAGE) Forward(ctx *context.Context, hood *Context[*Node]) *Node {
	self, neighbors := e.resolve(ctx, hood)
	combined := Concatenate([]*Node{self, neighbors}, -1)
	projected := layers.DenseWithBias(ctx.In(e.name), combined, e.outputDim)
	return activations.Relu(projected)
}

// SAINT is the GraphSAINT-style hop: the self and aggregated neighbor
// embeddings are projected separately, each to half the output dimension,
// then concatenated with a relu on top.
type SAINT struct {
	encoderBase
}

// NewSAINT creates a GraphSAINT-style hop. outputDim must be even, half of
// it comes from each branch.
func NewSAINT(name string, base Encoder, featureDim int, agg AggregationKind, numSample, outputDim int) *SAINT {
	if outputDim%2 != 0 {
		Panicf("encoder %q: output dimension must be even, got %d", name, outputDim)
	}
	return &SAINT{newEncoderBase(name, base, featureDim, agg, numSample, outputDim)}
}

// Forward implements Encoder.
func (e *SAINT) Forward(ctx *context.Context, hood *Context[*Node]) *Node {
	self, neighbors := e.resolve(ctx, hood)
	ctx = ctx.In(e.name)
	selfProjected := layers.DenseWithBias(ctx.In("self"), self, e.outputDim/2)
	neighborsProjected := layers.DenseWithBias(ctx.In("neighbors"), neighbors, e.outputDim/2)
	return activations.Relu(Concatenate([]*Node{selfProjected, neighborsProjected}, -1))
}

// GIN is the GIN-style hop: the aggregated neighbors are added to the self
// embeddings scaled by a learnable (1+epsilon), with no projection and no
// activation. Its output dimension therefore equals its input dimension.
type GIN struct {
	encoderBase
}

// NewGIN creates a GIN-style hop. featureDim is only used when base is nil.
func NewGIN(name string, base Encoder, featureDim int, agg AggregationKind, numSample int) *GIN {
	e := &GIN{newEncoderBase(name, base, featureDim, agg, numSample, 1)}
	e.outputDim = e.inputDim
	return e
}

// Forward implements Encoder.
func (e *GIN) Forward(ctx *context.Context, hood *Context[*Node]) *Node {
	self, neighbors := e.resolve(ctx, hood)
	epsilonVar := ctx.In(e.name).
		WithInitializer(initializers.Zero).
		VariableWithShape("epsilon", shapes.Make(self.DType()))
	epsilon := epsilonVar.ValueGraph(self.Graph())
	return Add(neighbors, Mul(OnePlus(epsilon), self))
}
