package galaxc

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/Josh1108/GalaXC/encoder"
)

// Dataset yields batches for the trainer: it walks the seed nodes in
// epochs, samples the recursive neighborhood of each batch through the
// model's Query and yields the flattened context tensors as inputs and a
// multi-hot label matrix as labels.
//
// The spec of every batch is the model's ContextSpec for the batch size, a
// stable pointer, so the trainer compiles the model graph once. Batches
// are always full: a trailing partial epoch batch is dropped.
//
// It implements train.Dataset and is safe for concurrent Yield calls.
type Dataset struct {
	name       string
	model      *Model
	seeds      []int32
	seedLabels [][]int32
	batchSize  int
	spec       *encoder.Context[*tensors.Tensor]

	// infinite datasets reshuffle and restart instead of ending the
	// epoch with io.EOF.
	infinite bool
	shuffle  bool

	mu       sync.Mutex
	order    []int32
	position int
	rng      *rand.Rand
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a dataset over the given seed nodes. seedLabels[i]
// lists the positive label ids of seeds[i]. Infinite datasets loop forever
// reshuffling between epochs (the training setup); finite ones yield each
// full batch once per epoch, in order, and then io.EOF (the eval setup).
func NewDataset(name string, model *Model, seeds []int32, seedLabels [][]int32, batchSize int, infinite bool) *Dataset {
	if len(seeds) != len(seedLabels) {
		Panicf("galaxc.NewDataset(%q): %d seeds but %d label lists", name, len(seeds), len(seedLabels))
	}
	if batchSize <= 0 || batchSize > len(seeds) {
		Panicf("galaxc.NewDataset(%q): batch size %d invalid for %d seeds", name, batchSize, len(seeds))
	}
	ds := &Dataset{
		name:       name,
		model:      model,
		seeds:      seeds,
		seedLabels: seedLabels,
		batchSize:  batchSize,
		spec:       model.ContextSpec(batchSize),
		infinite:   infinite,
		shuffle:    infinite,
		order:      make([]int32, len(seeds)),
		rng:        rand.New(rand.NewPCG(13, 31)),
	}
	for ii := range ds.order {
		ds.order[ii] = int32(ii)
	}
	if ds.shuffle {
		ds.shuffleLocked()
	}
	return ds
}

// WithShuffle enables shuffling between epochs also for finite datasets.
func (ds *Dataset) WithShuffle() *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = true
	ds.shuffleLocked()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

func (ds *Dataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
}

// nextBatch picks the seed positions of the next batch, handling epoch
// ends. It returns io.EOF on a finite dataset once no full batch is left.
func (ds *Dataset) nextBatch() ([]int32, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			return nil, io.EOF
		}
		ds.position = 0
		if ds.shuffle {
			ds.shuffleLocked()
		}
	}
	batch := make([]int32, ds.batchSize)
	for ii := range batch {
		batch[ii] = ds.order[ds.position+ii]
	}
	ds.position += ds.batchSize
	return batch, nil
}

// Yield implements train.Dataset: it returns the stable context spec, the
// flattened neighborhood tensors of the batch and its [batchSize,
// NumLabels] multi-hot label matrix.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	positions, err := ds.nextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	batchSeeds := make([]int32, len(positions))
	for ii, pos := range positions {
		batchSeeds[ii] = ds.seeds[pos]
	}

	hood := ds.model.Query(batchSeeds)
	multiHot := make([]float32, ds.batchSize*ds.model.NumLabels)
	for row, pos := range positions {
		for _, labelID := range ds.seedLabels[pos] {
			if labelID < 0 || int(labelID) >= ds.model.NumLabels {
				Panicf("galaxc dataset %q: seed %d has label %d, valid range is [0, %d)",
					ds.name, ds.seeds[pos], labelID, ds.model.NumLabels)
			}
			multiHot[row*ds.model.NumLabels+int(labelID)] = 1
		}
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(multiHot, ds.batchSize, ds.model.NumLabels)}
	return ds.spec, hood.Flatten(), labels, nil
}

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	if ds.shuffle {
		ds.shuffleLocked()
	}
}
