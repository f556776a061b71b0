package train

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipGradNormScalesDown(t *testing.T) {
	// Two gradients [3, 0] and [0, 4]: the global norm is 5.
	p1 := &Parameter{
		Name:  "a",
		Value: tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2),
		Grad:  tensors.FromFlatDataAndDimensions([]float32{3, 0}, 2),
	}
	p2 := &Parameter{
		Name:  "b",
		Value: tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2),
		Grad:  tensors.FromFlatDataAndDimensions([]float32{0, 4}, 2),
	}

	totalNorm, err := ClipGradNorm([]*Parameter{p1, p2}, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, totalNorm, 1e-6)

	// After clipping the global norm is (close to) maxNorm.
	var sumSquares float64
	for _, p := range []*Parameter{p1, p2} {
		for _, g := range tensors.CopyFlatData[float32](p.Grad) {
			sumSquares += float64(g) * float64(g)
		}
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSquares), 1e-4)
}

func TestClipGradNormLeavesSmallGradientsAlone(t *testing.T) {
	p := &Parameter{
		Name:  "a",
		Value: tensors.FromFlatDataAndDimensions([]float64{0}, 1),
		Grad:  tensors.FromFlatDataAndDimensions([]float64{0.3}, 1),
	}
	totalNorm, err := ClipGradNorm([]*Parameter{p}, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, totalNorm, 1e-12)
	assert.Equal(t, []float64{0.3}, tensors.CopyFlatData[float64](p.Grad))
}

func TestClipGradNormSkipsNilGradients(t *testing.T) {
	withGrad := &Parameter{
		Name:  "a",
		Value: tensors.FromFlatDataAndDimensions([]float32{0}, 1),
		Grad:  tensors.FromFlatDataAndDimensions([]float32{6}, 1),
	}
	without := &Parameter{
		Name:  "b",
		Value: tensors.FromFlatDataAndDimensions([]float32{0}, 1),
	}
	totalNorm, err := ClipGradNorm([]*Parameter{withGrad, without}, 3.0)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, totalNorm, 1e-6)
	assert.Nil(t, without.Grad)
}

func TestClipGradNormValidation(t *testing.T) {
	_, err := ClipGradNorm(nil, 0)
	require.Error(t, err)

	intGrad := &Parameter{
		Name:  "counts",
		Value: tensors.FromFlatDataAndDimensions([]int32{1}, 1),
		Grad:  tensors.FromFlatDataAndDimensions([]int32{1}, 1),
	}
	_, err = ClipGradNorm([]*Parameter{intGrad}, 1.0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counts")
}
