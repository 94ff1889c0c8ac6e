package ann

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVectors() *tensors.Tensor {
	// Four well-separated directions.
	return tensors.FromFlatDataAndDimensions([]float32{
		1, 0,
		0, 1,
		-1, 0,
		0, -1,
	}, 4, 2)
}

func TestIndexPredict(t *testing.T) {
	idx := New(8, 32, 2)
	idx.Fit(testVectors())
	require.Equal(t, 4, idx.NumVectors())

	queries := tensors.FromFlatDataAndDimensions([]float32{
		0.9, 0.1,
		-0.1, -0.8,
		0.2, 0.9,
	}, 3, 2)
	keys, distances := idx.Predict(queries, 2)
	require.Len(t, keys, 3)
	require.Len(t, distances, 3)

	assert.Equal(t, int32(0), keys[0][0], "nearest to (0.9, 0.1) is (1, 0)")
	assert.Equal(t, int32(3), keys[1][0], "nearest to (-0.1, -0.8) is (0, -1)")
	assert.Equal(t, int32(1), keys[2][0], "nearest to (0.2, 0.9) is (0, 1)")

	for row := range distances {
		require.Len(t, distances[row], 2)
		assert.LessOrEqual(t, distances[row][0], distances[row][1], "distances sorted nearest first")
	}
}

func TestIndexValidation(t *testing.T) {
	assert.Panics(t, func() { New(0, 32, 1) })
	assert.Panics(t, func() { New(8, 0, 1) })
	assert.Panics(t, func() { New(8, 32, 0) })

	idx := New(8, 32, 1)
	queries := tensors.FromFlatDataAndDimensions(make([]float32, 4), 2, 2)
	assert.Panics(t, func() { idx.Predict(queries, 1) }, "empty index")

	idx.Fit(testVectors())
	assert.Panics(t, func() { idx.Predict(queries, 0) })
	assert.Panics(t, func() {
		idx.Predict(tensors.FromFlatDataAndDimensions(make([]float32, 6), 2, 3), 1)
	}, "dimension mismatch")
	assert.Panics(t, func() {
		idx.Fit(tensors.FromFlatDataAndDimensions(make([]float32, 6), 2, 3))
	}, "dimension mismatch on append")
}

func TestIndexSaveLoad(t *testing.T) {
	idx := New(8, 32, 2)
	idx.Fit(testVectors())
	filePath := filepath.Join(t.TempDir(), "index.bin")
	require.NoError(t, idx.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	require.Equal(t, 4, loaded.NumVectors())

	queries := tensors.FromFlatDataAndDimensions([]float32{0.9, 0.1}, 1, 2)
	wantKeys, _ := idx.Predict(queries, 2)
	gotKeys, _ := loaded.Predict(queries, 2)
	assert.Equal(t, wantKeys, gotKeys)
}
