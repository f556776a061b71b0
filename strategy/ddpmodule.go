package strategy

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/train"
)

// syncModule wraps a module for distributed data parallel training: after the inner
// module's training step produced gradients, every parameter gradient is mean-reduced
// across the process group in place, so the optimizer steps identically on all replicas.
type syncModule struct {
	inner      train.Module
	group      collective.Group
	findUnused bool
	ctx        train.ExecutionContext
}

var _ train.Module = (*syncModule)(nil)

func newSyncModule(inner train.Module, group collective.Group, findUnused bool, ctx train.ExecutionContext) *syncModule {
	if findUnused {
		ctx.RankZeroWarningf("gradient synchronization substitutes zero gradients for parameters " +
			"without one; if every parameter always receives a gradient, disable " +
			"FindUnusedParameters to save the extra reductions")
	}
	return &syncModule{inner: inner, group: group, findUnused: findUnused, ctx: ctx}
}

// TrainingStep runs the inner step and synchronizes the resulting gradients.
func (m *syncModule) TrainingStep(batch any) (*tensors.Tensor, error) {
	loss, err := m.inner.TrainingStep(batch)
	if err != nil {
		return nil, err
	}
	if err := m.syncGradients(); err != nil {
		return nil, err
	}
	return loss, nil
}

// syncGradients mean-reduces every parameter gradient across the group, in parameter
// order. All ranks must traverse the same parameters: with findUnused, a parameter
// without a gradient contributes zeros; without it, the rank skips the reduction and the
// ranks' collective sequences diverge, which the process group reports as a mismatch (or
// stalls on, exactly as the underlying deadlock it is).
func (m *syncModule) syncGradients() error {
	for _, param := range m.inner.Parameters() {
		grad := param.Grad
		if grad == nil {
			if !m.findUnused {
				continue
			}
			grad = tensors.FromShape(param.Value.Shape())
		}
		reduced, err := m.group.AllReduce(grad, collective.ReduceMean)
		if err != nil {
			return errors.WithMessagef(err, "rank %d failed to synchronize the gradient of %q",
				m.ctx.GlobalRank, param.Name)
		}
		param.Grad = reduced
	}
	return nil
}

// ValidationStep delegates to the inner module.
func (m *syncModule) ValidationStep(batch any) (*tensors.Tensor, error) {
	return m.inner.ValidationStep(batch)
}

// TestStep delegates to the inner module.
func (m *syncModule) TestStep(batch any) (*tensors.Tensor, error) {
	return m.inner.TestStep(batch)
}

// PredictStep delegates to the inner module.
func (m *syncModule) PredictStep(batch any) (any, error) {
	return m.inner.PredictStep(batch)
}

// Parameters returns the inner module's parameters.
func (m *syncModule) Parameters() []*train.Parameter {
	return m.inner.Parameters()
}
