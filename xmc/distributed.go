package xmc

import (
	"fmt"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

// Distributed is the label-sharded classifier: the label space is split by
// Partition into contiguous ranges, one Chunk per range, and forward calls
// are routed to the shards and their results concatenated back along the
// label axis.
//
// Forward builds all shards into one computation graph, the path used for
// training. MoveToDevices assigns each shard its own backend and compiles a
// per-shard executor, after which Predict runs the shards host-orchestrated
// in parallel, one device each.
type Distributed struct {
	numLabels int
	inputDim  int
	numHops   int
	chunks    []*Chunk

	devices    []backends.Backend
	shardExecs []*context.Exec
}

// NewDistributed creates the sharded classifier. inputDim must be divisible
// by numHops (see Chunk), and numPartitions must leave no shard empty (see
// Partition).
func NewDistributed(numLabels, numPartitions, inputDim, numHops int) *Distributed {
	ranges := Partition(numLabels, numPartitions)
	chunks := make([]*Chunk, len(ranges))
	for ii, labelRange := range ranges {
		chunks[ii] = NewChunk(fmt.Sprintf("shard_%03d", ii), labelRange, inputDim, numHops)
	}
	return &Distributed{
		numLabels: numLabels,
		inputDim:  inputDim,
		numHops:   numHops,
		chunks:    chunks,
	}
}

// NumLabels returns the size of the label space.
func (d *Distributed) NumLabels() int { return d.numLabels }

// NumShards returns the number of label shards.
func (d *Distributed) NumShards() int { return len(d.chunks) }

// Chunks returns the shards, ordered by label range.
func (d *Distributed) Chunks() []*Chunk { return d.chunks }

// ShardOf returns the index of the shard holding the given label.
func (d *Distributed) ShardOf(labelID int32) int {
	if labelID < 0 || int(labelID) >= d.numLabels {
		Panicf("xmc: label %d out of range [0, %d)", labelID, d.numLabels)
	}
	// All shards but the last have the same size.
	size := d.chunks[0].Labels().Len()
	return min(int(labelID)/size, len(d.chunks)-1)
}

// NumParameters returns the number of trainable parameters across all
// shards.
func (d *Distributed) NumParameters() int {
	var total int
	for _, chunk := range d.chunks {
		total += chunk.NumParameters()
	}
	return total
}

// Forward routes to the shards based on the labels argument and
// concatenates the per-shard logits along the label axis:
//
//   - labels nil: logits of every label, shaped [batch, NumLabels()].
//   - labels rank-1 [numIDs]: a shared shortlist of label ids, sorted
//     ascending so that positional slicing by the partition boundaries
//     lands each id on its shard (ranges beyond numIDs are clipped);
//     result is [batch, numIDs].
//   - labels rank-2 [batch, numCandidates]: per-example candidates,
//     column-partitioned evenly across the shards, so numCandidates must
//     be a multiple of NumShards() and each column block must hold ids of
//     the corresponding shard; result is [batch, numCandidates].
func (d *Distributed) Forward(ctx *context.Context, embeddings, labels *Node) *Node {
	ctx = ctx.In("classifier")
	if labels == nil {
		parts := make([]*Node, len(d.chunks))
		for ii, chunk := range d.chunks {
			parts[ii] = chunk.ForwardAll(ctx, embeddings)
		}
		return Concatenate(parts, -1)
	}

	switch labels.Rank() {
	case 1:
		numIDs := labels.Shape().Dim(0)
		var parts []*Node
		for _, chunk := range d.chunks {
			start := min(int(chunk.Labels().Start), numIDs)
			end := min(int(chunk.Labels().End), numIDs)
			if start >= end {
				break
			}
			shortlist := Slice(labels, AxisRange(start, end))
			parts = append(parts, chunk.ForwardShortlist(ctx, embeddings, shortlist))
		}
		if len(parts) == 0 {
			Panicf("xmc: empty label shortlist")
		}
		return Concatenate(parts, -1)

	case 2:
		numCandidates := labels.Shape().Dim(1)
		if numCandidates%len(d.chunks) != 0 {
			Panicf("xmc: %d candidate labels per example cannot be split evenly over %d shards",
				numCandidates, len(d.chunks))
		}
		perShard := numCandidates / len(d.chunks)
		parts := make([]*Node, len(d.chunks))
		for ii, chunk := range d.chunks {
			block := Slice(labels, AxisRange(), AxisRange(ii*perShard, (ii+1)*perShard))
			parts[ii] = chunk.ForwardCandidates(ctx, embeddings, block)
		}
		return Concatenate(parts, -1)
	}
	Panicf("xmc: labels shaped %s, want nil, rank-1 ids or rank-2 candidates", labels.Shape())
	return nil
}

// MoveToDevices assigns each shard a backend, round-robin over the given
// devices, and compiles one dense-forward executor per shard on it. The
// context must be the one holding (or about to hold) the shard variables.
func (d *Distributed) MoveToDevices(ctx *context.Context, devices []backends.Backend) {
	if len(devices) == 0 {
		Panicf("xmc: MoveToDevices requires at least one device")
	}
	d.devices = make([]backends.Backend, len(d.chunks))
	d.shardExecs = make([]*context.Exec, len(d.chunks))
	ctx = ctx.In("classifier").Checked(false)
	for ii, chunk := range d.chunks {
		chunk := chunk
		device := devices[ii%len(devices)]
		d.devices[ii] = device
		d.shardExecs[ii] = context.NewExec(device, ctx, func(ctx *context.Context, embeddings *Node) *Node {
			return chunk.ForwardAll(ctx, embeddings)
		})
		klog.V(1).Infof("xmc: shard %s (labels %s) placed on %s", chunk.Name(), chunk.Labels(), device.Name())
	}
}

// Devices returns the backend assigned to each shard, or nil before
// MoveToDevices.
func (d *Distributed) Devices() []backends.Backend { return d.devices }

// Predict computes the logits of every label for a batch of embeddings,
// running each shard on its assigned device and stitching the per-shard
// logits host-side. MoveToDevices must have been called first.
func (d *Distributed) Predict(embeddings *tensors.Tensor) *tensors.Tensor {
	if d.shardExecs == nil {
		Panicf("xmc: Predict called before MoveToDevices, the shards have no devices assigned")
	}
	if embeddings.Rank() != 2 || embeddings.Shape().Dim(1) != d.inputDim {
		Panicf("xmc: embeddings shaped %s, want [batch, %d]", embeddings.Shape(), d.inputDim)
	}
	batchSize := embeddings.Shape().Dim(0)

	shardLogits := make([]*tensors.Tensor, len(d.chunks))
	shardErrs := make([]error, len(d.chunks))
	var wg sync.WaitGroup
	for ii := range d.chunks {
		wg.Add(1)
		go func(ii int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					shardErrs[ii] = fmt.Errorf("shard %s: %v", d.chunks[ii].Name(), r)
				}
			}()
			shardLogits[ii] = d.shardExecs[ii].Call(embeddings)[0]
		}(ii)
	}
	wg.Wait()
	for _, err := range shardErrs {
		if err != nil {
			Panicf("xmc: Predict failed: %+v", err)
		}
	}

	// Stitch [batch, shardLabels] blocks into [batch, numLabels].
	flat := make([]float32, batchSize*d.numLabels)
	for ii, logits := range shardLogits {
		labelRange := d.chunks[ii].Labels()
		width := labelRange.Len()
		logits.ConstFlatData(func(data any) {
			shardFlat := data.([]float32)
			for row := 0; row < batchSize; row++ {
				copy(flat[row*d.numLabels+int(labelRange.Start):], shardFlat[row*width:(row+1)*width])
			}
		})
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, d.numLabels)
}
