package strategy

import (
	"github.com/pkg/errors"

	"github.com/photonml/photon/train"
)

// ddpOptimizer decorates an optimizer with the strategy's step gate: it keeps the
// optimizer's own type and state intact and only refuses to step before the strategy is
// set up, when the gradients could not have been synchronized yet.
type ddpOptimizer struct {
	inner    train.Optimizer
	strategy *DDP
}

var _ train.Optimizer = (*ddpOptimizer)(nil)

// Step applies the inner optimizer after checking the strategy is ready.
func (o *ddpOptimizer) Step() error {
	if err := o.strategy.requireSetup("optimizer Step"); err != nil {
		return errors.WithMessage(err, "optimizer stepped outside a set-up strategy")
	}
	return o.inner.Step()
}

// ZeroGrad delegates to the inner optimizer.
func (o *ddpOptimizer) ZeroGrad() { o.inner.ZeroGrad() }

// Unwrap returns the decorated optimizer.
func (o *ddpOptimizer) Unwrap() train.Optimizer { return o.inner }
