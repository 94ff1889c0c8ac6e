// Package galaxc composes a recursive graph-neighborhood encoder with a
// label-sharded extreme multi-label classifier: seed nodes are expanded
// into a sampled neighborhood context, encoded hop by hop, each hop's
// embedding refined by a residual transform, and the concatenated
// embedding scored against up to millions of labels by the partitioned
// classification head.
package galaxc

import (
	"fmt"
	"slices"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/Josh1108/GalaXC/encoder"
	"github.com/Josh1108/GalaXC/graphstore"
	"github.com/Josh1108/GalaXC/xmc"
)

// Config defines the model architecture.
type Config struct {
	// NumLabels is the size of the label space; NumPartitions how many
	// shards the classifier splits it into.
	NumLabels     int
	NumPartitions int

	// FeatureDim is the raw node feature dimension of the graph store.
	FeatureDim int

	// HiddenDim is the output dimension of each encoder hop. Ignored for
	// the "gin" encoder, whose hops preserve their input dimension.
	HiddenDim int

	// EmbedDim is the output dimension of each per-hop residual
	// transform; the classifier input is len(Fanouts)*EmbedDim wide.
	EmbedDim int

	// Fanouts gives the number of neighbors sampled by each hop,
	// innermost hop first. Between 1 and 3 hops are supported.
	Fanouts []int

	// Encoder is the hop variant: "sage", "saint" or "gin".
	Encoder string

	// Aggregation reduces sampled neighbors per node: "mean" or "sum".
	Aggregation string

	// Dropout rate of the residual transforms, in [0, 1).
	Dropout float64

	// ResidualInit is the residual projection init: "identity" or
	// "glorot".
	ResidualInit string
}

// NumHops returns the depth of the encoder stack.
func (c Config) NumHops() int { return len(c.Fanouts) }

// Model ties the graph store, the encoder hops and the sharded classifier
// together.
type Model struct {
	Config
	Store      graphstore.Store
	Hops       []encoder.Encoder
	Classifier *xmc.Distributed
}

// New builds the model from the configuration. The encoder stack is
// assembled innermost hop first, each hop taking the previous one as its
// base, and the classifier is partitioned over the label space with one
// attention block per hop.
func New(config Config, store graphstore.Store) *Model {
	if store == nil {
		Panicf("galaxc.New: a graph store is required")
	}
	if config.NumHops() < 1 || config.NumHops() > 3 {
		Panicf("galaxc.New: between 1 and 3 hops are supported, got fanouts %v", config.Fanouts)
	}
	if config.FeatureDim != store.FeatureDim() {
		Panicf("galaxc.New: config.FeatureDim=%d but the graph store serves %d-dimensional features",
			config.FeatureDim, store.FeatureDim())
	}

	agg := encoder.AggregationKindFromString(config.Aggregation)
	hops := make([]encoder.Encoder, config.NumHops())
	var base encoder.Encoder
	for ii, fanout := range config.Fanouts {
		name := fmt.Sprintf("hop%d", ii+1)
		switch config.Encoder {
		case "sage":
			hops[ii] = encoder.NewSAGE(name, base, config.FeatureDim, agg, fanout, config.HiddenDim)
		case "saint":
			hops[ii] = encoder.NewSAINT(name, base, config.FeatureDim, agg, fanout, config.HiddenDim)
		case "gin":
			hops[ii] = encoder.NewGIN(name, base, config.FeatureDim, agg, fanout)
		default:
			Panicf("galaxc.New: unknown encoder %q, valid values are \"sage\", \"saint\" and \"gin\"", config.Encoder)
		}
		base = hops[ii]
	}
	for _, hop := range hops {
		if config.EmbedDim < hop.OutputDim() {
			Panicf("galaxc.New: EmbedDim=%d is smaller than a hop output dimension (%d), the residual transform cannot shrink",
				config.EmbedDim, hop.OutputDim())
		}
	}
	// Parse eagerly so bad configs fail at construction, not mid-training.
	encoder.ResidualInitFromString(config.ResidualInit)

	classifier := xmc.NewDistributed(
		config.NumLabels, config.NumPartitions, config.NumHops()*config.EmbedDim, config.NumHops())
	return &Model{
		Config:     config,
		Store:      store,
		Hops:       hops,
		Classifier: classifier,
	}
}

// EmbeddingDim returns the dimension of the embeddings Encode produces,
// which is also the classifier input dimension.
func (m *Model) EmbeddingDim() int { return m.NumHops() * m.EmbedDim }

// Query samples the full recursive neighborhood of the seed nodes and
// returns the host-side context feeding Encode.
func (m *Model) Query(seeds []int32) *encoder.Context[*tensors.Tensor] {
	return m.Hops[len(m.Hops)-1].Query(m.Store, seeds)
}

// ContextSpec returns the context structure Query produces for batches of
// the given size. It is the stable dataset spec fed to the trainer: the
// structure only depends on the batch size and the fan-outs, so one spec
// serves every batch of that size.
func (m *Model) ContextSpec(batchSize int) *encoder.Context[*tensors.Tensor] {
	if batchSize <= 0 {
		Panicf("galaxc: batch size must be positive, got %d", batchSize)
	}
	return contextSpec(m.Fanouts, batchSize)
}

func contextSpec(fanouts []int, count int) *encoder.Context[*tensors.Tensor] {
	n := len(fanouts)
	if n == 1 {
		return encoder.Inner(
			encoder.Leaf[*tensors.Tensor](nil, count),
			encoder.Leaf[*tensors.Tensor](nil, count*fanouts[0]),
			count)
	}
	return encoder.Inner(
		contextSpec(fanouts[:n-1], count),
		contextSpec(fanouts[:n-1], count*fanouts[n-1]),
		count)
}

// Encode runs every hop on its slice of the sampling context, refines each
// hop embedding with its residual transform and concatenates them, hop 1
// first. The result is shaped [batch, EmbeddingDim()].
func (m *Model) Encode(ctx *context.Context, hood *encoder.Context[*Node]) *Node {
	residualInit := encoder.ResidualInitFromString(m.ResidualInit)

	// Hop i consumes the context truncated to depth i: the node-side
	// chain of the outer hops.
	levels := make([]*encoder.Context[*Node], m.NumHops())
	level := hood
	for ii := m.NumHops() - 1; ii >= 0; ii-- {
		if level == nil || level.IsLeaf() {
			Panicf("galaxc: sampling context is shallower than the %d-hop encoder stack", m.NumHops())
		}
		levels[ii] = level
		level = level.Nodes
	}

	parts := make([]*Node, m.NumHops())
	for ii, hop := range m.Hops {
		embedding := hop.Forward(ctx, levels[ii])
		parts[ii] = encoder.Residual(
			ctx.In(fmt.Sprintf("transform%d", ii+1)), embedding, m.EmbedDim, m.Dropout, residualInit)
	}
	return Concatenate(parts, -1)
}

// ForwardGraph encodes the sampling context and scores the embeddings
// against the labels: nil labels score the whole label space, a rank-1
// vector scores a shared shortlist, a rank-2 tensor scores per-example
// candidates (see xmc.Distributed.Forward).
func (m *Model) ForwardGraph(ctx *context.Context, hood *encoder.Context[*Node], labels *Node) *Node {
	return m.Classifier.Forward(ctx, m.Encode(ctx, hood), labels)
}

// ModelFn adapts the model to the trainer: spec must be the ContextSpec of
// the dataset's batches and inputs its flattened context tensors. It
// returns the dense logits over all labels.
func (m *Model) ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	hood, ok := spec.(*encoder.Context[*tensors.Tensor])
	if !ok {
		Panicf("galaxc: dataset spec is %T, want the *encoder.Context structure of its batches", spec)
	}
	if len(inputs) > 0 {
		// Learning rate schedule, if configured in the context params.
		cosineschedule.New(ctx, inputs[0].Graph(), dtypes.Float32).FromContext().Done()
	}
	return []*Node{m.ForwardGraph(ctx, encoder.MapFlat(hood, inputs), nil)}
}

// NumTrainableParams returns the number of parameters held in the context.
// Variables are created lazily at the first graph execution; before that
// the count is zero.
func (m *Model) NumTrainableParams(ctx *context.Context) int {
	return ctx.NumParameters()
}

// ModelSize returns a human-readable size of the model parameters held in
// the context.
func (m *Model) ModelSize(ctx *context.Context) string {
	return humanize.Bytes(uint64(ctx.Memory()))
}

// InitializeClassifier sets the classifier shard weights from one
// pretrained [NumLabels, EmbeddingDim()] matrix, splitting its rows by the
// shard partition. ctx must be the root-scoped context the model runs
// under; shard variables not yet created are created with the given
// values.
func (m *Model) InitializeClassifier(ctx *context.Context, weights *tensors.Tensor) {
	inputDim := m.EmbeddingDim()
	if err := weights.Shape().Check(dtypes.Float32, m.NumLabels, inputDim); err != nil {
		Panicf("galaxc: classifier weights shaped %s, want [%d, %d]",
			weights.Shape(), m.NumLabels, inputDim)
	}
	weights.ConstFlatData(func(data any) {
		flat := data.([]float32)
		for _, chunk := range m.Classifier.Chunks() {
			labelRange := chunk.Labels()
			rows := slices.Clone(flat[int(labelRange.Start)*inputDim : int(labelRange.End)*inputDim])
			shard := tensors.FromFlatDataAndDimensions(rows, labelRange.Len(), inputDim)
			scope := "/classifier/" + chunk.Name()
			if v := ctx.GetVariableByScopeAndName(scope, "weights"); v != nil {
				v.SetValue(shard)
			} else {
				ctx.InAbsPath(scope).VariableWithValue("weights", shard)
			}
		}
	})
}
