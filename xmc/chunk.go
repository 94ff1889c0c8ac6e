package xmc

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Chunk is one shard of the extreme classifier: a linear map from the
// input embeddings to the logits of a contiguous range of labels.
//
// Besides the usual weights and biases it holds a per-label attention over
// the sub-components of the embedding: the embedding is treated as numHops
// concatenated blocks, and each label softmax-weighs the blocks before the
// dot product. Attention starts at zero, weighing all blocks uniformly.
type Chunk struct {
	name     string
	labels   Range
	inputDim int
	numHops  int
}

// NewChunk creates a shard covering the given label range. inputDim must be
// divisible by numHops, the attention operates on equally sized blocks.
func NewChunk(name string, labels Range, inputDim, numHops int) *Chunk {
	if name == "" {
		Panicf("xmc.NewChunk: name must not be empty, it scopes the shard variables")
	}
	if labels.Len() <= 0 {
		Panicf("xmc.NewChunk(%q): empty label range %s", name, labels)
	}
	if numHops <= 0 {
		Panicf("xmc.NewChunk(%q): number of embedding blocks must be positive, got %d", name, numHops)
	}
	if inputDim <= 0 || inputDim%numHops != 0 {
		Panicf("xmc.NewChunk(%q): input dimension %d must be a positive multiple of the %d embedding blocks",
			name, inputDim, numHops)
	}
	return &Chunk{name: name, labels: labels, inputDim: inputDim, numHops: numHops}
}

// Labels returns the label range the shard covers.
func (c *Chunk) Labels() Range { return c.labels }

// Name returns the shard name (its variable scope).
func (c *Chunk) Name() string { return c.name }

// NumParameters returns the number of trainable parameters of the shard.
func (c *Chunk) NumParameters() int {
	return c.labels.Len() * (c.inputDim + 1 + c.numHops)
}

// params materializes the shard variables in the graph and returns the
// attention-modulated weights, shaped [numLabels, inputDim], and the
// biases, shaped [numLabels].
func (c *Chunk) params(ctx *context.Context, g *Graph, dtype dtypes.DType) (weights, biases *Node) {
	ctx = ctx.In(c.name)
	numLabels := c.labels.Len()
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, numLabels, c.inputDim))
	biasesVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, numLabels))
	attentionVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("attention", shapes.Make(dtype, numLabels, c.numHops))

	blocked := Reshape(weightsVar.ValueGraph(g), numLabels, c.numHops, c.inputDim/c.numHops)
	attention := Softmax(attentionVar.ValueGraph(g), -1)
	weights = Reshape(Mul(blocked, InsertAxes(attention, -1)), numLabels, c.inputDim)
	biases = biasesVar.ValueGraph(g)
	return
}

func (c *Chunk) checkEmbeddings(embeddings *Node) {
	if embeddings.Rank() != 2 || embeddings.Shape().Dim(1) != c.inputDim {
		Panicf("xmc shard %q: embeddings shaped %s, want [batch, %d]",
			c.name, embeddings.Shape(), c.inputDim)
	}
}

// ForwardAll returns the logits of every label of the shard, shaped
// [batch, labels.Len()].
func (c *Chunk) ForwardAll(ctx *context.Context, embeddings *Node) *Node {
	c.checkEmbeddings(embeddings)
	weights, biases := c.params(ctx, embeddings.Graph(), embeddings.DType())
	return Add(Einsum("bd,ld->bl", embeddings, weights), InsertAxes(biases, 0))
}

// ForwardShortlist returns the logits of a shared shortlist of the shard's
// labels. labels is a rank-1 vector of global label ids, all within the
// shard's range; the result is shaped [batch, len(labels)].
func (c *Chunk) ForwardShortlist(ctx *context.Context, embeddings, labels *Node) *Node {
	c.checkEmbeddings(embeddings)
	if labels.Rank() != 1 || !labels.DType().IsInt() {
		Panicf("xmc shard %q: label shortlist shaped %s, want a rank-1 integer vector",
			c.name, labels.Shape())
	}
	weights, biases := c.params(ctx, embeddings.Graph(), embeddings.DType())
	local := InsertAxes(AddScalar(labels, float64(-c.labels.Start)), -1)
	rows := Gather(weights, local)                  // [M, inputDim]
	logits := Einsum("bd,md->bm", embeddings, rows) // [batch, M]
	return Add(logits, InsertAxes(Gather(biases, local), 0))
}

// ForwardCandidates returns the logits of per-example candidate labels.
// candidates is shaped [batch, numCandidates] with global label ids within
// the shard's range; the result has the same shape.
func (c *Chunk) ForwardCandidates(ctx *context.Context, embeddings, candidates *Node) *Node {
	c.checkEmbeddings(embeddings)
	if candidates.Rank() != 2 || !candidates.DType().IsInt() {
		Panicf("xmc shard %q: candidates shaped %s, want rank-2 integer [batch, numCandidates]",
			c.name, candidates.Shape())
	}
	if candidates.Shape().Dim(0) != embeddings.Shape().Dim(0) {
		Panicf("xmc shard %q: %d embeddings but %d rows of candidates",
			c.name, embeddings.Shape().Dim(0), candidates.Shape().Dim(0))
	}
	weights, biases := c.params(ctx, embeddings.Graph(), embeddings.DType())
	local := InsertAxes(AddScalar(candidates, float64(-c.labels.Start)), -1)
	rows := Gather(weights, local) // [batch, numCandidates, inputDim]
	logits := ReduceSum(Mul(InsertAxes(embeddings, 1), rows), -1)
	return Add(logits, Gather(biases, local))
}
