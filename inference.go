package galaxc

import (
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/Josh1108/GalaXC/ann"
	"github.com/Josh1108/GalaXC/encoder"
)

// LabelVectors assembles the classifier weight rows of every shard into
// one [NumLabels, EmbeddingDim()] matrix, the label representation the
// shortlisting index is built over. The shard variables must exist, run
// or initialize the model first.
func (m *Model) LabelVectors(ctx *context.Context) *tensors.Tensor {
	inputDim := m.EmbeddingDim()
	flat := make([]float32, m.NumLabels*inputDim)
	for _, chunk := range m.Classifier.Chunks() {
		v := ctx.GetVariableByScopeAndName("/classifier/"+chunk.Name(), "weights")
		if v == nil {
			Panicf("galaxc: classifier shard %q has no weights yet, run or initialize the model first",
				chunk.Name())
		}
		labelRange := chunk.Labels()
		v.Value().ConstFlatData(func(data any) {
			copy(flat[int(labelRange.Start)*inputDim:], data.([]float32))
		})
	}
	return tensors.FromFlatDataAndDimensions(flat, m.NumLabels, inputDim)
}

// RouteCandidates arranges per-example candidate label ids into the
// shard-blocked [batch, numCandidates] layout the classifier's candidate
// mode expects: column block i holds only labels of shard i. Candidates
// are bucketed by shard keeping their order; short blocks are padded by
// repeating the block's first candidate, or the shard's first label when
// the example has no candidate on that shard.
//
// numCandidates must be a multiple of the number of shards. Per-example
// candidates beyond a shard's block size are dropped.
func (m *Model) RouteCandidates(candidates [][]int32, numCandidates int) *tensors.Tensor {
	numShards := m.Classifier.NumShards()
	if numCandidates <= 0 || numCandidates%numShards != 0 {
		Panicf("galaxc: %d candidate slots cannot be split evenly over %d shards",
			numCandidates, numShards)
	}
	perShard := numCandidates / numShards

	flat := make([]int32, len(candidates)*numCandidates)
	buckets := make([][]int32, numShards)
	for row, rowCandidates := range candidates {
		for ii := range buckets {
			buckets[ii] = buckets[ii][:0]
		}
		for _, labelID := range rowCandidates {
			shard := m.Classifier.ShardOf(labelID)
			if len(buckets[shard]) < perShard {
				buckets[shard] = append(buckets[shard], labelID)
			}
		}
		offset := row * numCandidates
		for shard, bucket := range buckets {
			pad := m.Classifier.Chunks()[shard].Labels().Start
			if len(bucket) > 0 {
				pad = bucket[0]
			}
			block := flat[offset+shard*perShard : offset+(shard+1)*perShard]
			copy(block, bucket)
			for ii := len(bucket); ii < perShard; ii++ {
				block[ii] = pad
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(candidates), numCandidates)
}

// Shortlister serves inference with a candidate shortlist: seed nodes are
// encoded, the nearest labels fetched from an ANN index over the label
// vectors, and only those candidates are scored by the classifier.
type Shortlister struct {
	model   *Model
	index   *ann.Index
	backend backends.Backend
	ctx     *context.Context
}

// NewShortlister builds the shortlisting pipeline: the ANN index is fitted
// over the model's current label vectors. ctx must be the root-scoped
// context holding the trained variables.
func NewShortlister(backend backends.Backend, ctx *context.Context, model *Model, index *ann.Index) *Shortlister {
	if index.NumVectors() == 0 {
		index.Fit(model.LabelVectors(ctx))
	} else if index.NumVectors() != model.NumLabels {
		Panicf("galaxc: ann index holds %d vectors, model has %d labels",
			index.NumVectors(), model.NumLabels)
	}
	return &Shortlister{model: model, index: index, backend: backend, ctx: ctx}
}

// Index returns the underlying ANN index, e.g. to save it.
func (s *Shortlister) Index() *ann.Index { return s.index }

// Predict returns, for each seed node, numCandidates shortlisted label ids
// in the classifier's shard-blocked layout and their logits, both shaped
// [len(seeds), numCandidates]. numCandidates must be a multiple of the
// classifier's shard count.
func (s *Shortlister) Predict(seeds []int32, numCandidates int) (candidates, logits *tensors.Tensor) {
	hood := s.model.Query(seeds)
	// Unchecked: the trained variables are reused, but a not-yet-trained
	// model may still be creating its encoder variables here.
	ctx := s.ctx.Checked(false)

	encodeExec := context.NewExec(s.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return s.model.Encode(ctx, encoder.MapFlat(hood, inputs))
	})
	flat := hood.Flatten()
	args := make([]any, len(flat))
	for ii, tensor := range flat {
		args[ii] = tensor
	}
	embeddings := encodeExec.Call(args...)[0]

	keys, _ := s.index.Predict(embeddings, numCandidates)
	candidates = s.model.RouteCandidates(keys, numCandidates)

	scoreExec := context.NewExec(s.backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		numInputs := len(inputs)
		return s.model.ForwardGraph(ctx, encoder.MapFlat(hood, inputs[:numInputs-1]), inputs[numInputs-1])
	})
	logits = scoreExec.Call(append(slices.Clone(args), candidates)...)[0]
	return
}
