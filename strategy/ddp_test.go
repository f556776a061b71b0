package strategy

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/train"
)

func TestDDPSetupLifecycle(t *testing.T) {
	const worldSize = 2
	errs := runDDPRanks(t, worldSize, nil, func(rank int, d *DDP) error {
		module := &testModule{stepFn: func(any) (*tensors.Tensor, error) {
			return tensors.FromScalar(float32(1)), nil
		}}
		if err := d.Setup(train.PhaseFit, module); err != nil {
			return err
		}

		ctx := d.Context()
		assert.Equal(t, rank, ctx.GlobalRank)
		assert.Equal(t, rank, ctx.LocalRank)
		assert.Equal(t, 0, ctx.NodeRank)
		assert.Equal(t, worldSize, ctx.WorldSize)
		assert.Equal(t, rank == 0, ctx.IsGlobalZero())
		assert.Equal(t, train.PhaseFit, ctx.Phase)

		if err := d.Barrier(); err != nil {
			return err
		}
		if err := d.Teardown(); err != nil {
			return err
		}
		// Idempotent, also after the group is gone.
		if err := d.Teardown(); err != nil {
			return err
		}
		_, err := d.TrainingStep(nil)
		assert.Error(t, err, "steps after teardown must fail")
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}
}

func TestDDPSetupDerivesRankFromEnvironment(t *testing.T) {
	errs := runDDPRanks(t, 2, nil, func(rank int, d *DDP) error {
		module := &testModule{stepFn: func(any) (*tensors.Tensor, error) {
			return tensors.FromScalar(float32(1)), nil
		}}
		if err := d.Setup(train.PhaseFit, module); err != nil {
			return err
		}
		// The strategy published the derived facts back into the cluster environment.
		globalRank, err := d.env.GlobalRank()
		require.NoError(t, err)
		assert.Equal(t, rank, globalRank)
		worldSize, err := d.env.WorldSize()
		require.NoError(t, err)
		assert.Equal(t, 2, worldSize)
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}
}

func TestDDPTrainingStepAveragesGradients(t *testing.T) {
	const worldSize = 2
	var mu sync.Mutex
	grads := make([][]float32, worldSize)
	losses := make([]float64, worldSize)

	errs := runDDPRanks(t, worldSize, nil, func(rank int, d *DDP) error {
		param := newParam("weights", 0, 0)
		module := &testModule{params: []*train.Parameter{param}}
		module.stepFn = func(any) (*tensors.Tensor, error) {
			scale := float32(rank + 1)
			param.Grad = tensors.FromFlatDataAndDimensions([]float32{scale, 10 * scale}, 2)
			return tensors.FromScalar(float32(rank)), nil
		}

		if err := d.Setup(train.PhaseFit, module); err != nil {
			return err
		}
		loss, err := d.TrainingStep(nil)
		if err != nil {
			return err
		}
		mu.Lock()
		grads[rank] = tensors.CopyFlatData[float32](param.Grad)
		losses[rank] = float64(tensors.ToScalar[float32](loss))
		mu.Unlock()
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}

	// mean([1,10], [2,20]) on every replica.
	for rank := 0; rank < worldSize; rank++ {
		assert.InDeltaSlicef(t, []float32{1.5, 15}, grads[rank], 1e-6,
			"rank %d must hold the averaged gradient", rank)
	}
	// The loss stays local: only gradients are synchronized.
	assert.Equal(t, float64(0), losses[0])
	assert.Equal(t, float64(1), losses[1])
}

func TestDDPFindUnusedParametersSubstitutesZeros(t *testing.T) {
	const worldSize = 2
	var mu sync.Mutex
	gradsA := make([][]float32, worldSize)
	gradsB := make([][]float32, worldSize)

	errs := runDDPRanks(t, worldSize, nil, func(rank int, d *DDP) error {
		paramA := newParam("a", 0)
		paramB := newParam("b", 0)
		module := &testModule{params: []*train.Parameter{paramA, paramB}}
		module.stepFn = func(any) (*tensors.Tensor, error) {
			paramA.Grad = tensors.FromFlatDataAndDimensions([]float32{float32(2 * (rank + 1))}, 1)
			if rank == 0 {
				// Only rank 0's forward path uses b.
				paramB.Grad = tensors.FromFlatDataAndDimensions([]float32{4}, 1)
			}
			return tensors.FromScalar(float32(0)), nil
		}

		if err := d.Setup(train.PhaseFit, module); err != nil {
			return err
		}
		if _, err := d.TrainingStep(nil); err != nil {
			return err
		}
		mu.Lock()
		gradsA[rank] = tensors.CopyFlatData[float32](paramA.Grad)
		gradsB[rank] = tensors.CopyFlatData[float32](paramB.Grad)
		mu.Unlock()
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}

	for rank := 0; rank < worldSize; rank++ {
		assert.InDeltaSlice(t, []float32{3}, gradsA[rank], 1e-6) // mean(2, 4)
		assert.InDeltaSlice(t, []float32{2}, gradsB[rank], 1e-6, // mean(4, 0)
			"the unused parameter contributes zeros")
	}
}

func TestDDPWithoutFindUnusedParametersFails(t *testing.T) {
	// With detection off, ranks disagreeing on which parameters got gradients run
	// mismatched collectives; shapes are chosen differently per parameter so the
	// mismatch is caught instead of silently mis-reducing.
	configure := func(b *DDPBuilder) { b.FindUnusedParameters(false) }
	errs := runDDPRanks(t, 2, configure, func(rank int, d *DDP) error {
		paramA := newParam("a", 0, 0, 0)
		paramB := newParam("b", 0, 0)
		module := &testModule{params: []*train.Parameter{paramA, paramB}}
		module.stepFn = func(any) (*tensors.Tensor, error) {
			if rank == 0 {
				paramA.Grad = tensors.FromFlatDataAndDimensions([]float32{1, 1, 1}, 3)
			}
			paramB.Grad = tensors.FromFlatDataAndDimensions([]float32{2, 2}, 2)
			return tensors.FromScalar(float32(0)), nil
		}
		if err := d.Setup(train.PhaseFit, module); err != nil {
			return err
		}
		_, err := d.TrainingStep(nil)
		return err
	})
	for rank, err := range errs {
		assert.Errorf(t, err, "rank %d must observe the gradient-sync divergence", rank)
	}
}

func TestDDPEvalStepsBypassGradientSync(t *testing.T) {
	// Validation/test run through the inner module: no collectives, so no coordination
	// between ranks is required here even though the group is up.
	errs := runDDPRanks(t, 2, nil, func(rank int, d *DDP) error {
		module := &testModule{stepFn: func(any) (*tensors.Tensor, error) {
			t.Error("TrainingStep must not be called during validation")
			return nil, nil
		}}
		if err := d.Setup(train.PhaseValidate, module); err != nil {
			return err
		}
		loss, err := d.ValidationStep(nil)
		if err != nil {
			return err
		}
		assert.InDelta(t, 0.25, float64(tensors.ToScalar[float32](loss)), 1e-6)

		out, err := d.PredictStep("batch-7")
		if err != nil {
			return err
		}
		assert.Equal(t, "batch-7", out)
		return nil
	})
	for rank, err := range errs {
		require.NoErrorf(t, err, "rank %d failed", rank)
	}
}

func TestDDPRebindPhase(t *testing.T) {
	d := newTestDDP(t, 0, 1, freePort(t), nil)
	defer func() { _ = d.Teardown() }()

	module := &testModule{stepFn: func(any) (*tensors.Tensor, error) {
		return tensors.FromScalar(float32(1)), nil
	}}
	require.NoError(t, d.Setup(train.PhaseFit, module))
	require.Equal(t, train.PhaseFit, d.Context().Phase)

	// A later validate run on the same strategy only rebinds phase and module.
	require.NoError(t, d.Setup(train.PhaseValidate, module))
	assert.Equal(t, train.PhaseValidate, d.Context().Phase)

	loss, err := d.ValidationStep(nil)
	require.NoError(t, err)
	assert.NotNil(t, loss)
}

func TestDDPSingleProcessCollectivesArePassThrough(t *testing.T) {
	d := newTestDDP(t, 0, 1, freePort(t), nil)
	defer func() { _ = d.Teardown() }()
	module := &testModule{stepFn: func(any) (*tensors.Tensor, error) {
		return tensors.FromScalar(float32(1)), nil
	}}
	require.NoError(t, d.Setup(train.PhaseFit, module))

	// Non-tensor values pass through reductions unchanged.
	out, err := d.Reduce("not a tensor", collective.ReduceMean)
	require.NoError(t, err)
	assert.Equal(t, "not a tensor", out)

	reduced, err := d.Reduce(tensors.FromScalar(float32(3)), collective.ReduceSum)
	require.NoError(t, err)
	assert.Equal(t, float32(3), tensors.ToScalar[float32](reduced.(*tensors.Tensor)))

	gathered, err := d.AllGather(tensors.FromScalar(float32(9)))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, gathered.Shape().Dimensions)

	require.NoError(t, d.Barrier())
}

func TestWrapOptimizer(t *testing.T) {
	d := newTestDDP(t, 0, 1, freePort(t), nil)
	defer func() { _ = d.Teardown() }()

	param := newParam("w", 1)
	module := &testModule{params: []*train.Parameter{param}}
	module.stepFn = func(any) (*tensors.Tensor, error) {
		param.Grad = tensors.FromFlatDataAndDimensions([]float32{1}, 1)
		return tensors.FromScalar(float32(0)), nil
	}

	wrapped := d.WrapOptimizer(train.NewSGD(module, 0.5))
	assert.Same(t, wrapped, d.WrapOptimizer(wrapped), "wrapping is idempotent")

	// Stepping before setup is the bug the decorator exists to catch.
	require.Error(t, wrapped.Step())

	require.NoError(t, d.Setup(train.PhaseFit, module))
	_, err := d.TrainingStep(nil)
	require.NoError(t, err)
	require.NoError(t, wrapped.Step())
	assert.InDeltaSlice(t, []float32{0.5}, tensors.CopyFlatData[float32](param.Value), 1e-6)

	wrapped.ZeroGrad()
	assert.Nil(t, param.Grad)
}

func TestDDPBuilderValidation(t *testing.T) {
	accel := cpuAccelerator(t)
	env := &testEnv{}

	_, err := ConfigDDP(accel, env).Done()
	require.Error(t, err, "devices are required")

	_, err = ConfigDDP(accel, env).Devices(cpuDevices(2)).NumNodes(0).Done()
	require.Error(t, err)

	_, err = ConfigDDP(accel, env).Devices(cpuDevices(2)).ProcessGroupBackend("gloo").Done()
	require.Error(t, err, "unknown backend names are rejected")

	_, err = ConfigDDP(accel, env).DeviceSpec("bogus").Done()
	require.Error(t, err)

	d, err := ConfigDDP(accel, env).DeviceSpec("2").Done()
	require.NoError(t, err)
	assert.Len(t, d.devices, 2)
	assert.Equal(t, BackendTCP, d.pgBackend)
}

func TestResolveBackend(t *testing.T) {
	device := cpuDevices(1)[0]

	backend, err := resolveBackend("", device)
	require.NoError(t, err)
	assert.Equal(t, BackendTCP, backend)

	t.Setenv(EnvProcessGroupBackend, "tcp")
	backend, err = resolveBackend("", device)
	require.NoError(t, err)
	assert.Equal(t, BackendTCP, backend)

	t.Setenv(EnvProcessGroupBackend, "nccl")
	_, err = resolveBackend("", device)
	require.Error(t, err)

	// An explicit override beats the environment.
	backend, err = resolveBackend("tcp", device)
	require.NoError(t, err)
	assert.Equal(t, BackendTCP, backend)
}

func TestDDPSetupRejectsOutOfRangeRanks(t *testing.T) {
	d := newTestDDP(t, 3, 2, freePort(t), func(b *DDPBuilder) {
		b.JoinTimeout(time.Second)
	})
	err := d.Setup(train.PhaseFit, &testModule{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local rank")
}
