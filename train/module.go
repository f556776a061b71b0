package train

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// Parameter is one named, trainable tensor of a Module, together with the gradient the
// last backward pass produced for it. Grad is nil when the parameter did not participate
// in the last step's forward path.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// Module is the user's model as seen by the framework. A Module computes its own forward
// and backward pass (typically through the underlying GoMLX graph machinery) and exposes
// its parameters so strategies and optimizers can operate on them.
//
// TrainingStep must populate the gradients of the parameters it used; the eval steps
// must not touch gradients.
type Module interface {
	// TrainingStep runs forward+backward for one batch and returns the loss.
	TrainingStep(batch any) (loss *tensors.Tensor, err error)

	// ValidationStep evaluates one batch and returns the validation loss.
	ValidationStep(batch any) (*tensors.Tensor, error)

	// TestStep evaluates one batch and returns the test loss.
	TestStep(batch any) (*tensors.Tensor, error)

	// PredictStep runs inference for one batch.
	PredictStep(batch any) (any, error)

	// Parameters returns the module's trainable parameters. The slice and Parameter
	// pointers must be stable across steps: strategies mutate Grad in place.
	Parameters() []*Parameter
}

// Dataset yields batches for the loop. Yield returns io.EOF at the end of an epoch;
// Reset rewinds it for the next one.
type Dataset interface {
	// Name identifies the dataset in logs.
	Name() string

	// Yield returns the next batch or io.EOF.
	Yield() (batch any, err error)

	// Reset restarts the dataset from the beginning.
	Reset() error
}

// Optimizer updates a Module's parameters from their gradients.
//
// Strategies may decorate an Optimizer (see strategy.WrapOptimizer) to interpose
// gradient synchronization, preserving this same public surface.
type Optimizer interface {
	// Step applies one update from the current gradients.
	Step() error

	// ZeroGrad clears the gradients before the next accumulation.
	ZeroGrad()
}
