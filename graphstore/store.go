// Package graphstore holds the node-neighborhood graph the encoders sample
// from: node features plus a compact edge structure supporting fixed fan-out
// neighbor sampling.
//
// The sampling contract is strict: SampleNeighbors always returns exactly
// `len(nodes)*k` neighbor ids, node-major then neighbor-minor, repeating
// neighbors (or falling back to a self-loop) whenever a node has fewer than
// `k` true neighbors. Downstream shape invariants depend on it.
package graphstore

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"sync"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Store is the graph collaborator consumed by the encoders.
//
// Implementations must honor the sampling contract described in the package
// documentation. Both methods keep the input order: row `i` of the returned
// features corresponds to `nodes[i]`, and neighbors of `nodes[i]` occupy
// positions `[i*k, (i+1)*k)` of the returned slice.
type Store interface {
	NumNodes() int
	FeatureDim() int

	// SampleNeighbors returns exactly len(nodes)*k neighbor ids.
	SampleNeighbors(nodes []int32, k int) []int32

	// NodeFeatures returns a (Float32)[len(nodes), FeatureDim()] tensor.
	NodeFeatures(nodes []int32) *tensors.Tensor
}

// InMemory is a Store backed by a CSR edge structure and a dense feature
// table, both held in RAM.
//
// The fields are exported for gob serialization; treat them as read-only
// after Build.
type InMemory struct {
	NodeCount int
	FeatDim   int

	// Starts has one entry per node, holding the *end* offset of the
	// node's edge list: edges of node `i` live in
	// EdgeTargets[Starts[i-1]:Starts[i]], with an implicit 0 start.
	Starts      []int32
	EdgeTargets []int32

	// Features is the row-major [NodeCount, FeatDim] feature table.
	Features []float32

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Store = (*InMemory)(nil)

// Build creates an InMemory store from a dense feature table and an edge
// list given as parallel (source, target) slices. Edges are directed; add
// both directions for a symmetric graph.
func Build(features []float32, featureDim int, sources, targets []int32) *InMemory {
	if featureDim <= 0 || len(features)%featureDim != 0 {
		Panicf("graphstore.Build: len(features)=%d is not a multiple of featureDim=%d",
			len(features), featureDim)
	}
	numNodes := len(features) / featureDim
	if numNodes == 0 || numNodes > math.MaxInt32 {
		Panicf("graphstore.Build: invalid number of nodes %d", numNodes)
	}
	if len(sources) != len(targets) {
		Panicf("graphstore.Build: len(sources)=%d != len(targets)=%d", len(sources), len(targets))
	}

	s := &InMemory{
		NodeCount:   numNodes,
		FeatDim:     featureDim,
		Features:    features,
		Starts:      make([]int32, numNodes),
		EdgeTargets: make([]int32, len(targets)),
		rng:         rand.New(rand.NewPCG(42, 17)),
	}

	// Order edges by source node, then fill the CSR arrays.
	order := make([]int, len(sources))
	for ii := range order {
		order[ii] = ii
	}
	sort.Slice(order, func(i, j int) bool { return sources[order[i]] < sources[order[j]] })
	currentSource := int32(0)
	for row, edgeIdx := range order {
		src, tgt := sources[edgeIdx], targets[edgeIdx]
		if src < 0 || int(src) >= numNodes {
			Panicf("graphstore.Build: edge #%d has source node %d, valid range is [0, %d)", edgeIdx, src, numNodes)
		}
		if tgt < 0 || int(tgt) >= numNodes {
			Panicf("graphstore.Build: edge #%d has target node %d, valid range is [0, %d)", edgeIdx, tgt, numNodes)
		}
		for currentSource < src {
			s.Starts[currentSource] = int32(row)
			currentSource++
		}
		s.EdgeTargets[row] = tgt
	}
	for ; int(currentSource) < numNodes; currentSource++ {
		s.Starts[currentSource] = int32(len(targets))
	}
	return s
}

// WithSeed re-seeds the sampling RNG -- used by tests for determinism.
// It returns the store to allow chaining after Build.
func (s *InMemory) WithSeed(seed uint64) *InMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	return s
}

// NumNodes implements Store.
func (s *InMemory) NumNodes() int { return s.NodeCount }

// FeatureDim implements Store.
func (s *InMemory) FeatureDim() int { return s.FeatDim }

// Neighbors returns the target nodes of the given source node.
// The returned slice aliases the store, don't modify it.
func (s *InMemory) Neighbors(node int32) []int32 {
	if node < 0 || int(node) >= s.NodeCount {
		Panicf("graphstore: invalid node index %d (store has %d nodes)", node, s.NodeCount)
	}
	var start int32
	if node > 0 {
		start = s.Starts[node-1]
	}
	return s.EdgeTargets[start:s.Starts[node]]
}

// SampleNeighbors implements Store. For each node it samples `k` of its
// neighbors without replacement where possible; nodes with fewer than `k`
// neighbors have them repeated round-robin, and isolated nodes fall back to
// a self-loop. The result is always exactly `len(nodes)*k` ids.
func (s *InMemory) SampleNeighbors(nodes []int32, k int) []int32 {
	if k <= 0 {
		Panicf("graphstore: SampleNeighbors requires k > 0, got %d", k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sampled := make([]int32, 0, len(nodes)*k)
	var scratch []int32
	for _, node := range nodes {
		edges := s.Neighbors(node)
		switch {
		case len(edges) == 0:
			for ii := 0; ii < k; ii++ {
				sampled = append(sampled, node)
			}
		case len(edges) <= k:
			for ii := 0; ii < k; ii++ {
				sampled = append(sampled, edges[ii%len(edges)])
			}
		default:
			// Partial Fisher-Yates: only the first k positions are needed.
			scratch = append(scratch[:0], edges...)
			for ii := 0; ii < k; ii++ {
				jj := ii + s.rng.IntN(len(scratch)-ii)
				scratch[ii], scratch[jj] = scratch[jj], scratch[ii]
				sampled = append(sampled, scratch[ii])
			}
		}
	}
	return sampled
}

// NodeFeatures implements Store.
func (s *InMemory) NodeFeatures(nodes []int32) *tensors.Tensor {
	rows := make([]float32, len(nodes)*s.FeatDim)
	for ii, node := range nodes {
		if node < 0 || int(node) >= s.NodeCount {
			Panicf("graphstore: invalid node index %d (store has %d nodes)", node, s.NodeCount)
		}
		copy(rows[ii*s.FeatDim:(ii+1)*s.FeatDim], s.Features[int(node)*s.FeatDim:(int(node)+1)*s.FeatDim])
	}
	return tensors.FromFlatDataAndDimensions(rows, len(nodes), s.FeatDim)
}

// NumEdges returns the total number of directed edges in the store.
func (s *InMemory) NumEdges() int { return len(s.EdgeTargets) }

// String returns a short human-readable description of the store.
func (s *InMemory) String() string {
	return fmt.Sprintf("graphstore.InMemory: %s nodes, %s edges, feature dim %d",
		humanize.Comma(int64(s.NodeCount)), humanize.Comma(int64(s.NumEdges())), s.FeatDim)
}

func initGob() {
	gob.Register(&InMemory{})
}

// Save serializes the store (features and edges included) so experiments
// can reload it without rebuilding the CSR arrays.
func (s *InMemory) Save(filePath string) (err error) {
	initGob()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save graph store", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(s); err != nil {
		return errors.WithMessagef(err, "encoding graph store to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// Load reloads a store saved with Save.
func Load(filePath string) (*InMemory, error) {
	initGob()
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load graph store", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	s := &InMemory{}
	if err = dec.Decode(s); err != nil {
		return nil, errors.WithMessagef(err, "decoding graph store from %q", filePath)
	}
	s.rng = rand.New(rand.NewPCG(42, 17))
	return s, nil
}
