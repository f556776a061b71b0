package train

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/photonml/photon/collective"
)

// Metric is the metric-state protocol: metric formulas themselves live outside the
// framework, this is only the surface a strategy/loop needs to accumulate, synchronize
// across ranks, and read out a value.
type Metric interface {
	// Name identifies the metric in logs and sinks.
	Name() string

	// Update folds one observed value into the metric state.
	Update(value *tensors.Tensor) error

	// Sync merges the metric state across all ranks of the group.
	Sync(g collective.Group) error

	// Compute returns the current metric value.
	Compute() (float64, error)

	// Reset clears the state for the next epoch.
	Reset()
}

// Mean accumulates the mean of scalar observations, e.g. a running mean loss.
type Mean struct {
	name  string
	sum   float64
	count int64
}

var _ Metric = (*Mean)(nil)

// NewMean creates an empty running-mean metric.
func NewMean(name string) *Mean { return &Mean{name: name} }

// Name identifies the metric.
func (m *Mean) Name() string { return m.name }

// Update adds one scalar observation.
func (m *Mean) Update(value *tensors.Tensor) error {
	scalar, err := ScalarToFloat64(value)
	if err != nil {
		return errors.WithMessagef(err, "metric %q", m.name)
	}
	m.sum += scalar
	m.count++
	return nil
}

// Sync all-reduces sum and count, so Compute afterwards returns the global mean.
// All ranks must call Sync at the same point.
func (m *Mean) Sync(g collective.Group) error {
	state := tensors.FromFlatDataAndDimensions([]float64{m.sum, float64(m.count)}, 2)
	reduced, err := g.AllReduce(state, collective.ReduceSum)
	if err != nil {
		return errors.WithMessagef(err, "failed to sync metric %q", m.name)
	}
	flat := tensors.CopyFlatData[float64](reduced)
	m.sum, m.count = flat[0], int64(flat[1])
	return nil
}

// Compute returns the mean of all observations so far.
func (m *Mean) Compute() (float64, error) {
	if m.count == 0 {
		return 0, errors.Errorf("metric %q has no observations", m.name)
	}
	return m.sum / float64(m.count), nil
}

// Reset clears the accumulated state.
func (m *Mean) Reset() {
	m.sum = 0
	m.count = 0
}

// ScalarToFloat64 reads a scalar tensor of any numeric dtype as float64.
func ScalarToFloat64(t *tensors.Tensor) (float64, error) {
	if t == nil {
		return 0, errors.New("nil tensor")
	}
	if !t.IsScalar() {
		return 0, errors.Errorf("expected a scalar tensor, got shape %s", t.Shape())
	}
	switch t.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t)), nil
	case dtypes.Float64:
		return tensors.ToScalar[float64](t), nil
	case dtypes.Int32:
		return float64(tensors.ToScalar[int32](t)), nil
	case dtypes.Int64:
		return float64(tensors.ToScalar[int64](t)), nil
	}
	return 0, errors.Errorf("unsupported scalar dtype %s", t.DType())
}
