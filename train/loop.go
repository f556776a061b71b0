package train

import (
	"io"
	"sort"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Stepper is what the loop needs from a strategy: the ability to run one training step.
type Stepper interface {
	// TrainingStep runs forward+backward (and any cross-rank gradient synchronization)
	// for one batch and returns the loss.
	TrainingStep(batch any) (*tensors.Tensor, error)
}

// Priority for hooks, the lowest values run first. Defaults to 0, negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, loss *tensors.Tensor) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop drives epochs and batches, invoking the Stepper every step and calling the
// registered hooks. In itself it doesn't do much; checkpointing, progress bars and
// early stopping attach through the hooks.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Stepper runs the actual step; usually a strategy.
	Stepper Stepper

	// Context of the run, for rank-conditional hooks.
	Context ExecutionContext

	// LoopStep currently being executed, starting from 0.
	LoopStep int

	// StartStep is the value of LoopStep at the start of the current run.
	StartStep int

	// EndStep is one past the last step to execute, or -1 when running to the end of
	// the dataset.
	EndStep int

	// Epoch currently running, starting from 0.
	Epoch int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	onStart []*hook[OnStartFn]
	onStep  []*hook[OnStepFn]
	onEnd   []*hook[OnEndFn]
}

type hook[F any] struct {
	name     string
	priority Priority
	fn       F
}

// NewLoop creates a training loop driving the given stepper.
func NewLoop(stepper Stepper, ctx ExecutionContext) *Loop {
	return &Loop{Stepper: stepper, Context: ctx, EndStep: -1}
}

// OnStart registers a hook called once before the first step of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart = insertHook(loop.onStart, &hook[OnStartFn]{name: name, priority: priority, fn: fn})
}

// OnStep registers a hook called after every training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep = insertHook(loop.onStep, &hook[OnStepFn]{name: name, priority: priority, fn: fn})
}

// OnEnd registers a hook called once after the last step of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd = insertHook(loop.onEnd, &hook[OnEndFn]{name: name, priority: priority, fn: fn})
}

func insertHook[F any](hooks []*hook[F], h *hook[F]) []*hook[F] {
	hooks = append(hooks, h)
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].priority < hooks[j].priority })
	return hooks
}

// RunEpochs trains for numEpochs passes over the dataset.
func (loop *Loop) RunEpochs(ds Dataset, numEpochs int) error {
	if err := loop.start(ds); err != nil {
		return err
	}
	for epoch := 0; epoch < numEpochs; epoch++ {
		loop.Epoch = epoch
		if err := loop.runEpoch(ds); err != nil {
			return err
		}
		if err := ds.Reset(); err != nil {
			return errors.WithMessagef(err, "failed to reset dataset %q after epoch %d", ds.Name(), epoch)
		}
	}
	return loop.end()
}

// RunSteps trains for exactly numSteps steps, resetting the dataset whenever it ends.
func (loop *Loop) RunSteps(ds Dataset, numSteps int) error {
	if err := loop.start(ds); err != nil {
		return err
	}
	loop.EndStep = loop.StartStep + numSteps
	for loop.LoopStep < loop.EndStep {
		batch, err := ds.Yield()
		if err == io.EOF {
			if err := ds.Reset(); err != nil {
				return errors.WithMessagef(err, "failed to reset dataset %q", ds.Name())
			}
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed", ds.Name())
		}
		if err := loop.step(batch); err != nil {
			return err
		}
	}
	return loop.end()
}

func (loop *Loop) runEpoch(ds Dataset) error {
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed", ds.Name())
		}
		if err := loop.step(batch); err != nil {
			return err
		}
	}
}

func (loop *Loop) start(ds Dataset) error {
	loop.StartStep = loop.LoopStep
	for _, h := range loop.onStart {
		if err := h.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", h.name)
		}
	}
	return nil
}

func (loop *Loop) step(batch any) error {
	startTime := time.Now()
	loss, err := loop.Stepper.TrainingStep(batch)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return errors.WithMessagef(err, "training step %d", loop.LoopStep)
	}
	loop.LoopStep++
	for _, h := range loop.onStep {
		if err := h.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", h.name)
		}
	}
	return nil
}

func (loop *Loop) end() error {
	for _, h := range loop.onEnd {
		if err := h.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", h.name)
		}
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of the steps run so far, or zero
// if none ran yet.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(loop.TrainStepDurations))
	copy(sorted, loop.TrainStepDurations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// EveryNSteps registers a hook that runs fn every n training steps.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	loop.OnStep(name, priority, func(loop *Loop, loss *tensors.Tensor) error {
		if loop.LoopStep%n != 0 {
			return nil
		}
		return fn(loop, loss)
	})
}
