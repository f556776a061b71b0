package train

import (
	"math"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ClipGradNorm rescales the gradients of params in place so their global L2 norm does
// not exceed maxNorm, and returns the pre-clipping norm. The norm sums the squared
// norms of every parameter's gradient; parameters without a gradient contribute zero.
func ClipGradNorm(params []*Parameter, maxNorm float64) (totalNorm float64, err error) {
	if maxNorm <= 0 {
		return 0, errors.Errorf("maxNorm must be positive, got %g", maxNorm)
	}
	var sumSquares float64
	for _, param := range params {
		if param.Grad == nil {
			continue
		}
		normSq, err := gradNormSquared(param)
		if err != nil {
			return 0, err
		}
		sumSquares += normSq
	}
	totalNorm = math.Sqrt(sumSquares)
	if totalNorm <= maxNorm {
		return totalNorm, nil
	}
	const epsilon = 1e-6
	scale := maxNorm / (totalNorm + epsilon)
	for _, param := range params {
		if param.Grad == nil {
			continue
		}
		scaleGrad(param, scale)
	}
	return totalNorm, nil
}

func gradNormSquared(param *Parameter) (float64, error) {
	var sum float64
	switch param.Grad.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData[float32](param.Grad, func(flat []float32) {
			for _, v := range flat {
				sum += float64(v) * float64(v)
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](param.Grad, func(flat []float64) {
			for _, v := range flat {
				sum += v * v
			}
		})
	default:
		return 0, errors.Errorf("gradient clipping does not support dtype %s of parameter %q",
			param.Grad.DType(), param.Name)
	}
	return sum, nil
}

func scaleGrad(param *Parameter, scale float64) {
	switch param.Grad.DType() {
	case dtypes.Float32:
		tensors.MutableFlatData[float32](param.Grad, func(flat []float32) {
			s := float32(scale)
			for i := range flat {
				flat[i] *= s
			}
		})
	case dtypes.Float64:
		tensors.MutableFlatData[float64](param.Grad, func(flat []float64) {
			for i := range flat {
				flat[i] *= scale
			}
		})
	}
}
