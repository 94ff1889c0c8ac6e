// Package ann wraps an HNSW approximate-nearest-neighbor index over label
// representation vectors. It is used to shortlist candidate labels for an
// embedding before the classifier scores them, so inference never touches
// the full label space.
package ann

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"

	"github.com/coder/hnsw"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Index is a cosine-distance HNSW index over fixed-dimension vectors,
// keyed by their row number at Fit time.
type Index struct {
	graph      *hnsw.Graph[int32]
	dim        int
	numVectors int
	numThreads int

	mu sync.RWMutex
}

// New creates an empty index. m is the maximum number of graph links per
// vector, efSearch the size of the candidate pool during search and
// numThreads the query fan-out of Predict.
func New(m, efSearch, numThreads int) *Index {
	if m <= 0 {
		Panicf("ann.New: M must be positive, got %d", m)
	}
	if efSearch <= 0 {
		Panicf("ann.New: efSearch must be positive, got %d", efSearch)
	}
	if numThreads <= 0 {
		Panicf("ann.New: number of threads must be positive, got %d", numThreads)
	}
	graph := hnsw.NewGraph[int32]()
	graph.M = m
	graph.EfSearch = efSearch
	graph.Distance = hnsw.CosineDistance
	return &Index{graph: graph, numThreads: numThreads}
}

// NumVectors returns the number of indexed vectors.
func (idx *Index) NumVectors() int { return idx.numVectors }

// Fit indexes the rows of a (Float32)[numVectors, dim] tensor; row i is
// searchable under key i. It may be called repeatedly, subsequent calls
// append rows with keys continuing where the previous call stopped.
func (idx *Index) Fit(vectors *tensors.Tensor) {
	if vectors.Rank() != 2 || vectors.DType() != dtypes.Float32 {
		Panicf("ann: Fit requires a (Float32)[numVectors, dim] tensor, got %s", vectors.Shape())
	}
	numRows, dim := vectors.Shape().Dim(0), vectors.Shape().Dim(1)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.numVectors == 0 {
		idx.dim = dim
	} else if dim != idx.dim {
		Panicf("ann: Fit with %d-dimensional vectors, index holds %d-dimensional ones", dim, idx.dim)
	}
	vectors.ConstFlatData(func(data any) {
		flat := data.([]float32)
		for row := 0; row < numRows; row++ {
			vec := make([]float32, dim)
			copy(vec, flat[row*dim:(row+1)*dim])
			idx.graph.Add(hnsw.MakeNode(int32(idx.numVectors+row), vec))
		}
	})
	idx.numVectors += numRows
	klog.V(1).Infof("ann: indexed %d vectors (%d total)", numRows, idx.numVectors)
}

// Predict returns the keys and cosine distances of the k nearest indexed
// vectors for each query row, nearest first. Queries are fanned out over
// the configured number of threads. Rows may come back with fewer than k
// results if the index holds fewer vectors.
func (idx *Index) Predict(queries *tensors.Tensor, k int) (keys [][]int32, distances [][]float32) {
	if queries.Rank() != 2 || queries.DType() != dtypes.Float32 {
		Panicf("ann: Predict requires a (Float32)[numQueries, dim] tensor, got %s", queries.Shape())
	}
	if k <= 0 {
		Panicf("ann: Predict requires k > 0, got %d", k)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.numVectors == 0 {
		Panicf("ann: Predict on an empty index, call Fit first")
	}
	numQueries, dim := queries.Shape().Dim(0), queries.Shape().Dim(1)
	if dim != idx.dim {
		Panicf("ann: %d-dimensional queries against a %d-dimensional index", dim, idx.dim)
	}

	keys = make([][]int32, numQueries)
	distances = make([][]float32, numQueries)
	queries.ConstFlatData(func(data any) {
		flat := data.([]float32)
		var wg sync.WaitGroup
		rowsPerThread := (numQueries + idx.numThreads - 1) / idx.numThreads
		for start := 0; start < numQueries; start += rowsPerThread {
			end := min(start+rowsPerThread, numQueries)
			wg.Add(1)
			go func(start, end int) {
				defer wg.Done()
				for row := start; row < end; row++ {
					query := flat[row*dim : (row+1)*dim]
					neighbors := idx.graph.Search(query, k)
					keys[row] = make([]int32, len(neighbors))
					distances[row] = make([]float32, len(neighbors))
					for ii, neighbor := range neighbors {
						keys[row][ii] = neighbor.Key
						distances[row][ii] = idx.graph.Distance(query, neighbor.Value)
					}
				}
			}(start, end)
		}
		wg.Wait()
	})
	return
}

// Save writes the index to a file: a small header with the vector count
// and dimension, followed by the exported graph. Load restores it.
func (idx *Index) Save(filePath string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save ann index", filePath)
	}
	header := []int32{int32(idx.numVectors), int32(idx.dim), int32(idx.numThreads)}
	if err = binary.Write(f, binary.LittleEndian, header); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing ann index header to %q", filePath)
	}
	if err = idx.graph.Export(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "exporting ann index to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// Load restores an index saved with Save.
func Load(filePath string) (*Index, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q to load ann index", filePath)
	}
	defer func() { _ = f.Close() }()
	// hnsw.Graph.Import requires an io.ByteReader.
	reader := bufio.NewReader(f)
	header := make([]int32, 3)
	if err = binary.Read(reader, binary.LittleEndian, header); err != nil {
		return nil, errors.Wrapf(err, "reading ann index header from %q", filePath)
	}
	graph := hnsw.NewGraph[int32]()
	if err = graph.Import(reader); err != nil {
		return nil, errors.WithMessagef(err, "importing ann index from %q", filePath)
	}
	return &Index{
		graph:      graph,
		numVectors: int(header[0]),
		dim:        int(header[1]),
		numThreads: int(header[2]),
	}, nil
}
