package train

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// SGD is a plain stochastic gradient descent optimizer: value -= lr * grad.
//
// It exists as the reference Optimizer implementation; richer optimizers plug in behind
// the same interface.
type SGD struct {
	params       []*Parameter
	learningRate float64
}

var _ Optimizer = (*SGD)(nil)

// NewSGD creates an SGD optimizer over the module's parameters.
func NewSGD(module Module, learningRate float64) *SGD {
	return &SGD{params: module.Parameters(), learningRate: learningRate}
}

// Step applies one gradient descent update. Parameters without a gradient are skipped.
func (opt *SGD) Step() error {
	for _, param := range opt.params {
		if param.Grad == nil {
			continue
		}
		if !param.Grad.Shape().Equal(param.Value.Shape()) {
			return errors.Errorf("parameter %q: gradient shape %s does not match value shape %s",
				param.Name, param.Grad.Shape(), param.Value.Shape())
		}
		if err := applyUpdate(param, opt.learningRate); err != nil {
			return err
		}
	}
	return nil
}

// ZeroGrad clears all gradients.
func (opt *SGD) ZeroGrad() {
	for _, param := range opt.params {
		param.Grad = nil
	}
}

func applyUpdate(param *Parameter, learningRate float64) error {
	switch param.Value.DType() {
	case dtypes.Float32:
		applyUpdateFlat[float32](param, float32(learningRate))
	case dtypes.Float64:
		applyUpdateFlat[float64](param, learningRate)
	default:
		return errors.Errorf("optimizer does not support dtype %s of parameter %q",
			param.Value.DType(), param.Name)
	}
	return nil
}

func applyUpdateFlat[T float32 | float64](param *Parameter, learningRate T) {
	tensors.MutableFlatData[T](param.Value, func(values []T) {
		tensors.ConstFlatData[T](param.Grad, func(grads []T) {
			for i, grad := range grads {
				values[i] -= learningRate * grad
			}
		})
	})
}
