package train

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModule is a minimal Module with externally controlled parameters.
type fakeModule struct {
	params []*Parameter
	loss   *tensors.Tensor
	err    error
}

func (m *fakeModule) TrainingStep(batch any) (*tensors.Tensor, error) { return m.loss, m.err }
func (m *fakeModule) ValidationStep(batch any) (*tensors.Tensor, error) {
	return m.loss, m.err
}
func (m *fakeModule) TestStep(batch any) (*tensors.Tensor, error) { return m.loss, m.err }
func (m *fakeModule) PredictStep(batch any) (any, error)          { return batch, m.err }
func (m *fakeModule) Parameters() []*Parameter                    { return m.params }

func TestSGDStep(t *testing.T) {
	param := &Parameter{
		Name:  "weights",
		Value: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
		Grad:  tensors.FromFlatDataAndDimensions([]float32{0.5, 1}, 2),
	}
	skipped := &Parameter{
		Name:  "frozen",
		Value: tensors.FromFlatDataAndDimensions([]float32{7}, 1),
	}
	module := &fakeModule{params: []*Parameter{param, skipped}}
	opt := NewSGD(module, 0.1)

	require.NoError(t, opt.Step())
	assert.InDeltaSlice(t, []float32{0.95, 1.9}, tensors.CopyFlatData[float32](param.Value), 1e-6)
	assert.Equal(t, []float32{7}, tensors.CopyFlatData[float32](skipped.Value),
		"parameters without a gradient stay untouched")

	opt.ZeroGrad()
	assert.Nil(t, param.Grad)
}

func TestSGDRejectsShapeMismatch(t *testing.T) {
	param := &Parameter{
		Name:  "weights",
		Value: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
		Grad:  tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3),
	}
	opt := NewSGD(&fakeModule{params: []*Parameter{param}}, 0.1)
	err := opt.Step()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")
}

func TestSGDFloat64(t *testing.T) {
	param := &Parameter{
		Name:  "bias",
		Value: tensors.FromFlatDataAndDimensions([]float64{10}, 1),
		Grad:  tensors.FromFlatDataAndDimensions([]float64{2}, 1),
	}
	opt := NewSGD(&fakeModule{params: []*Parameter{param}}, 0.5)
	require.NoError(t, opt.Step())
	assert.InDeltaSlice(t, []float64{9}, tensors.CopyFlatData[float64](param.Value), 1e-12)
}
