package strategy

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/accelerator"
	"github.com/photonml/photon/checkpoint"
	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/train"
)

// SingleDevice runs the whole training process on one device of one process. All
// collectives are pass-throughs, which lets the same loop code run unchanged.
type SingleDevice struct {
	accel  accelerator.Accelerator
	device accelerator.Device
	ckptIO checkpoint.IO

	state  State
	module train.Module
	ctx    train.ExecutionContext
}

var _ Strategy = (*SingleDevice)(nil)

// NewSingleDevice creates a strategy bound to one device.
func NewSingleDevice(accel accelerator.Accelerator, device accelerator.Device) *SingleDevice {
	return &SingleDevice{
		accel:  accel,
		device: device,
		ckptIO: checkpoint.NewFileIO(),
		ctx:    train.ExecutionContext{WorldSize: 1, NumNodes: 1},
	}
}

// WithCheckpointIO replaces the checkpoint IO plugin. Returns the strategy for chaining.
func (s *SingleDevice) WithCheckpointIO(io checkpoint.IO) *SingleDevice {
	s.ckptIO = io
	return s
}

// Setup binds the module to the device. Idempotent.
func (s *SingleDevice) Setup(phase train.Phase, module train.Module) error {
	if s.state == StateTornDown {
		return errors.Errorf("strategy already torn down, cannot set up for phase %s", phase)
	}
	s.ctx.Phase = phase
	if s.state >= StateModelSetUp {
		s.module = module
		return nil
	}
	if err := s.accel.InitDevice(s.device); err != nil {
		return errors.WithMessagef(err, "failed to initialize device %s", s.device)
	}
	s.module = module
	s.state = StateModelSetUp
	klog.V(1).Infof("single-device strategy set up on %s for phase %s", s.device, phase)
	return nil
}

// Context returns the (trivial) execution context.
func (s *SingleDevice) Context() train.ExecutionContext { return s.ctx }

// TrainingStep runs one training step on the module.
func (s *SingleDevice) TrainingStep(batch any) (loss *tensors.Tensor, err error) {
	if err = s.requireSetup("TrainingStep"); err != nil {
		return nil, err
	}
	s.state = StateRunning
	err = exceptions.TryCatch[error](func() {
		loss, err = s.module.TrainingStep(batch)
		if err != nil {
			panic(err)
		}
	})
	return loss, err
}

// ValidationStep runs one validation step on the module.
func (s *SingleDevice) ValidationStep(batch any) (*tensors.Tensor, error) {
	if err := s.requireSetup("ValidationStep"); err != nil {
		return nil, err
	}
	return s.module.ValidationStep(batch)
}

// TestStep runs one test step on the module.
func (s *SingleDevice) TestStep(batch any) (*tensors.Tensor, error) {
	if err := s.requireSetup("TestStep"); err != nil {
		return nil, err
	}
	return s.module.TestStep(batch)
}

// PredictStep runs one inference step on the module.
func (s *SingleDevice) PredictStep(batch any) (any, error) {
	if err := s.requireSetup("PredictStep"); err != nil {
		return nil, err
	}
	return s.module.PredictStep(batch)
}

// Barrier is a pass-through with one process.
func (s *SingleDevice) Barrier() error { return nil }

// Reduce returns the value unchanged: the reduction over one rank is the identity.
func (s *SingleDevice) Reduce(value any, op collective.ReduceOp) (any, error) {
	return value, nil
}

// AllGather stacks the single contribution, shape (1, ...).
func (s *SingleDevice) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	return collective.Noop().AllGather(t)
}

// BroadcastTensor returns the tensor unchanged.
func (s *SingleDevice) BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	return t, nil
}

// SaveCheckpoint writes the training state through the checkpoint IO.
func (s *SingleDevice) SaveCheckpoint(state *checkpoint.State, path string) error {
	return s.ckptIO.Save(state, path)
}

// LoadCheckpoint reads a checkpoint through the checkpoint IO.
func (s *SingleDevice) LoadCheckpoint(path string) (*checkpoint.State, error) {
	return s.ckptIO.Load(path)
}

// Teardown releases the device. Idempotent.
func (s *SingleDevice) Teardown() error {
	if s.state == StateTornDown {
		return nil
	}
	var err error
	if s.state >= StateModelSetUp {
		err = s.accel.TeardownDevice(s.device)
	}
	s.module = nil
	s.state = StateTornDown
	return err
}

func (s *SingleDevice) requireSetup(op string) error {
	if s.state < StateModelSetUp || s.state == StateTornDown {
		return errors.Errorf("%s called on a strategy in state %s, want at least %s",
			op, s.state, StateModelSetUp)
	}
	return nil
}
