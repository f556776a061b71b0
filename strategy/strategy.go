// Package strategy maps a training loop's step calls onto a specific hardware and
// parallelism configuration.
//
// A Strategy owns this rank's replica of the model, the process group used for
// gradient synchronization and the checkpoint IO. The same user-authored loop runs
// unmodified on a SingleDevice strategy or on DDP across many processes; only the
// strategy changes.
//
// Strategies move through a strictly forward lifecycle:
//
//	Constructed -> Launched -> EnvironmentSetUp -> ModelSetUp -> Running -> TornDown
//
// Re-entering ModelSetUp (e.g. a validate-only run after a fit on the same strategy) is
// only possible while Running has not yet wrapped the model for gradient
// synchronization.
package strategy

import (
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/photonml/photon/checkpoint"
	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/train"
)

// State of the strategy lifecycle. Transitions are strictly forward.
type State int

const (
	StateConstructed State = iota
	StateLaunched
	StateEnvironmentSetUp
	StateModelSetUp
	StateRunning
	StateTornDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateLaunched:
		return "launched"
	case StateEnvironmentSetUp:
		return "environment-set-up"
	case StateModelSetUp:
		return "model-set-up"
	case StateRunning:
		return "running"
	case StateTornDown:
		return "torn-down"
	}
	return "invalid"
}

// Strategy is the interface the training loop drives.
//
// Setup must be called once per run phase before any step; Teardown releases the
// process group and device, and is safe to call after a partial setup and more than
// once.
type Strategy interface {
	// Setup executes the Launched -> ModelSetUp sequence for the given phase, binding
	// the module to this rank's device. Idempotent against double-setup.
	Setup(phase train.Phase, module train.Module) error

	// Context returns the execution context assembled during setup.
	Context() train.ExecutionContext

	// TrainingStep forwards one batch through the (possibly gradient-synchronizing)
	// model.
	TrainingStep(batch any) (*tensors.Tensor, error)

	// ValidationStep forwards one batch through the inner model; no gradient
	// synchronization happens since no backward pass occurs.
	ValidationStep(batch any) (*tensors.Tensor, error)

	// TestStep forwards one batch through the inner model.
	TestStep(batch any) (*tensors.Tensor, error)

	// PredictStep runs inference on one batch through the inner model.
	PredictStep(batch any) (any, error)

	// Barrier blocks until all ranks reached it. Pass-through before launch.
	Barrier() error

	// Reduce combines a tensor across ranks. Non-tensor values pass through unchanged
	// (a permissive contract, not an error).
	Reduce(value any, op collective.ReduceOp) (any, error)

	// AllGather stacks a tensor across ranks, shape (worldSize, ...).
	AllGather(t *tensors.Tensor) (*tensors.Tensor, error)

	// BroadcastTensor sends src's tensor to every rank.
	BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error)

	// SaveCheckpoint writes the training state; only global rank 0 writes, all ranks
	// must call it (it synchronizes on completion).
	SaveCheckpoint(state *checkpoint.State, path string) error

	// LoadCheckpoint reads a checkpoint on every rank.
	LoadCheckpoint(path string) (*checkpoint.State, error)

	// Teardown unwraps the model, releases the process group and the device. Safe to
	// call even if Setup partially failed, and idempotent.
	Teardown() error
}
