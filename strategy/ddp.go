package strategy

import (
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/accelerator"
	"github.com/photonml/photon/checkpoint"
	"github.com/photonml/photon/cluster"
	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/launcher"
	"github.com/photonml/photon/train"
)

const (
	// EnvProcessGroupBackend overrides the process-group backend selection.
	EnvProcessGroupBackend = "PHOTON_PG_BACKEND"

	// BackendTCP is the built-in gob-over-TCP process group backend.
	BackendTCP = "tcp"
)

// DDP implements distributed data parallel training: every process holds a full replica
// of the model, consumes its own shard of the data, and gradients are mean-reduced
// across the process group after each backward pass, so all replicas take the same
// optimizer step.
type DDP struct {
	accel  accelerator.Accelerator
	env    cluster.Environment
	ckptIO checkpoint.IO

	devices        []accelerator.Device
	numNodes       int
	findUnused     bool
	pgBackend      string
	joinTimeout    time.Duration
	deadlockWait   time.Duration
	forceReconcile bool

	state           State
	device          accelerator.Device
	deviceInit      bool
	group           collective.Group
	module          train.Module
	syncer          *syncModule
	reconciler      *reconciler
	ctx             train.ExecutionContext
	spawnedChildren bool
}

var _ Strategy = (*DDP)(nil)

// DDPBuilder configures a DDP strategy. Use ConfigDDP to create it, chain the options
// and call Done.
type DDPBuilder struct {
	d   *DDP
	err error
}

// ConfigDDP starts the configuration of a DDP strategy on the given accelerator and
// cluster environment. Devices (or DeviceSpec) must be set before Done.
func ConfigDDP(accel accelerator.Accelerator, env cluster.Environment) *DDPBuilder {
	return &DDPBuilder{d: &DDP{
		accel:        accel,
		env:          env,
		ckptIO:       checkpoint.NewFileIO(),
		numNodes:     1,
		findUnused:   true,
		deadlockWait: DefaultDeadlockWait,
	}}
}

// Devices sets the devices of this node; one worker process is assigned per device.
func (b *DDPBuilder) Devices(devices []accelerator.Device) *DDPBuilder {
	b.d.devices = devices
	return b
}

// DeviceSpec parses a device spec ("auto", "4", "0,2,3") through the accelerator and
// uses the result as the node's devices.
func (b *DDPBuilder) DeviceSpec(spec string) *DDPBuilder {
	if b.err != nil {
		return b
	}
	devices, err := b.d.accel.ParseDevices(spec)
	if err != nil {
		b.err = err
		return b
	}
	b.d.devices = devices
	return b
}

// NumNodes sets the number of nodes participating in the run. Defaults to 1.
func (b *DDPBuilder) NumNodes(n int) *DDPBuilder {
	b.d.numNodes = n
	return b
}

// FindUnusedParameters controls whether gradient synchronization substitutes zeros for
// parameters that received no gradient. Defaults to true, which is forgiving but costs
// extra reductions; with false, a module whose ranks disagree on which parameters got
// gradients will fail (or stall) in the collective layer.
func (b *DDPBuilder) FindUnusedParameters(enabled bool) *DDPBuilder {
	b.d.findUnused = enabled
	return b
}

// ProcessGroupBackend selects the communication backend by name, overriding both the
// PHOTON_PG_BACKEND environment variable and the per-device default.
func (b *DDPBuilder) ProcessGroupBackend(name string) *DDPBuilder {
	b.d.pgBackend = name
	return b
}

// JoinTimeout bounds the process-group rendezvous during setup.
func (b *DDPBuilder) JoinTimeout(timeout time.Duration) *DDPBuilder {
	b.d.joinTimeout = timeout
	return b
}

// DeadlockWait sets how long the deadlock reconciler waits for the sibling ranks'
// sentinel files before declaring a deadlock.
func (b *DDPBuilder) DeadlockWait(wait time.Duration) *DDPBuilder {
	b.d.deadlockWait = wait
	return b
}

// CheckpointIO replaces the checkpoint IO plugin. Defaults to the file-based one.
func (b *DDPBuilder) CheckpointIO(io checkpoint.IO) *DDPBuilder {
	b.d.ckptIO = io
	return b
}

// ForceReconciliation enables the deadlock reconciler even when this process did not
// spawn its siblings. Equivalent to PHOTON_RECONCILE_PROCESS=1.
func (b *DDPBuilder) ForceReconciliation() *DDPBuilder {
	b.d.forceReconcile = true
	return b
}

// Done validates the configuration and returns the strategy.
func (b *DDPBuilder) Done() (*DDP, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := b.d
	if len(d.devices) == 0 {
		return nil, errors.New("DDP requires at least one device -- set Devices or DeviceSpec")
	}
	if d.numNodes < 1 {
		return nil, errors.Errorf("DDP requires at least one node, got %d", d.numNodes)
	}
	backend, err := resolveBackend(d.pgBackend, d.devices[0])
	if err != nil {
		return nil, err
	}
	d.pgBackend = backend
	return d, nil
}

// resolveBackend picks the process-group backend: explicit override first, then the
// PHOTON_PG_BACKEND environment variable, then the default for the device type.
func resolveBackend(override string, device accelerator.Device) (string, error) {
	backend := override
	if backend == "" {
		backend = os.Getenv(EnvProcessGroupBackend)
	}
	if backend == "" {
		backend = defaultBackendFor(device)
	}
	if backend != BackendTCP {
		return "", errors.Errorf("unknown process group backend %q (available: %s)",
			backend, BackendTCP)
	}
	return backend, nil
}

func defaultBackendFor(device accelerator.Device) string {
	// All device types currently rendezvous over TCP; a device-local transport slots in
	// here per type.
	return BackendTCP
}

// ConfigureLauncher returns the launcher matching the cluster environment: attach-only
// when the scheduler creates the workers, self-spawning otherwise. In the self-spawning
// case the strategy remembers that it owns child processes, which enables deadlock
// reconciliation for the whole group.
func (d *DDP) ConfigureLauncher() launcher.Launcher {
	if d.env.CreatesProcessesExternally() {
		return launcher.NewAttachLauncher(d.env)
	}
	d.spawnedChildren = true
	return launcher.NewSubprocessLauncher(d.env, len(d.devices), d.numNodes)
}

// Setup runs the Launched -> EnvironmentSetUp -> ModelSetUp sequence: it derives the
// global rank, rendezvouses the process group, shares PIDs for deadlock reconciliation,
// initializes this rank's device and (for the fit phase) wraps the module for gradient
// synchronization.
//
// Calling Setup again on an already set-up strategy only rebinds the module and phase.
func (d *DDP) Setup(phase train.Phase, module train.Module) error {
	if d.state == StateTornDown {
		return errors.Errorf("strategy already torn down, cannot set up for phase %s", phase)
	}
	if d.state >= StateModelSetUp {
		return d.rebind(phase, module)
	}
	if d.state < StateLaunched {
		d.state = StateLaunched
	}
	if d.state < StateEnvironmentSetUp {
		if err := d.setupEnvironment(); err != nil {
			return err
		}
	}
	return d.setupModel(phase, module)
}

// setupEnvironment derives the ranks, builds the process group and the reconciler.
func (d *DDP) setupEnvironment() error {
	numProcesses := len(d.devices)
	localRank := d.env.LocalRank()
	if localRank < 0 || localRank >= numProcesses {
		return errors.Errorf("local rank %d out of range for %d devices", localRank, numProcesses)
	}
	nodeRank := d.env.NodeRank()
	if nodeRank < 0 || nodeRank >= d.numNodes {
		return errors.Errorf("node rank %d out of range for %d nodes", nodeRank, d.numNodes)
	}
	globalRank := nodeRank*numProcesses + localRank
	worldSize := d.numNodes * numProcesses
	d.env.SetGlobalRank(globalRank)
	d.env.SetWorldSize(worldSize)
	d.ctx = train.ExecutionContext{
		GlobalRank: globalRank,
		LocalRank:  localRank,
		NodeRank:   nodeRank,
		WorldSize:  worldSize,
		NumNodes:   d.numNodes,
	}

	klog.V(1).Infof("%s: joining process group (backend %s, rendezvous %s:%d)",
		d.ctx, d.pgBackend, d.env.MainAddress(), d.env.MainPort())
	group, err := collective.NewGroup(collective.Config{
		Rank:        globalRank,
		WorldSize:   worldSize,
		MainAddr:    d.env.MainAddress(),
		MainPort:    d.env.MainPort(),
		JoinTimeout: d.joinTimeout,
	})
	if err != nil {
		return errors.WithMessagef(err, "rank %d failed to set up the process group", globalRank)
	}
	d.group = group

	// Whether rank 0 spawned the workers decides reconciliation for every rank, so all
	// ranks must agree on it.
	spawned, err := collective.BroadcastValue(d.group, d.spawnedChildren, 0)
	if err != nil {
		return errors.WithMessage(err, "failed to share launcher topology across ranks")
	}
	d.spawnedChildren = spawned

	if d.shouldReconcile() {
		rec, err := newReconciler(d.ctx, numProcesses, d.group, d.deadlockWait)
		if err != nil {
			return errors.WithMessage(err, "failed to set up deadlock reconciliation")
		}
		d.reconciler = rec
	}
	d.state = StateEnvironmentSetUp
	d.ctx.RankZeroInfof("distributed run with %d processes on %d node(s)", worldSize, d.numNodes)
	return nil
}

func (d *DDP) shouldReconcile() bool {
	if d.ctx.WorldSize < 2 {
		return false
	}
	return d.forceReconcile || d.spawnedChildren || os.Getenv(EnvReconcileProcess) == "1"
}

// setupModel binds the module to this rank's device; only the fit phase of a
// multi-process run wraps it for gradient synchronization.
func (d *DDP) setupModel(phase train.Phase, module train.Module) error {
	d.ctx.Phase = phase
	d.device = d.devices[d.ctx.LocalRank]
	if err := d.accel.InitDevice(d.device); err != nil {
		return errors.WithMessagef(err, "rank %d failed to initialize device %s",
			d.ctx.GlobalRank, d.device)
	}
	d.deviceInit = true
	d.module = module
	if phase == train.PhaseFit && d.ctx.WorldSize > 1 {
		d.syncer = newSyncModule(module, d.group, d.findUnused, d.ctx)
	} else {
		d.syncer = nil
	}
	d.state = StateModelSetUp
	return nil
}

// rebind handles Setup on an already set-up strategy, e.g. a validate run following fit.
func (d *DDP) rebind(phase train.Phase, module train.Module) error {
	d.ctx.Phase = phase
	d.module = module
	if phase == train.PhaseFit && d.ctx.WorldSize > 1 {
		d.syncer = newSyncModule(module, d.group, d.findUnused, d.ctx)
	} else {
		d.syncer = nil
	}
	return nil
}

// Context returns the execution context assembled during setup.
func (d *DDP) Context() train.ExecutionContext { return d.ctx }

// TrainingStep runs one training step; in the fit phase of a multi-process run the
// module's gradients are mean-reduced across ranks before returning.
//
// A panic out of the module is converted to an error and, when reconciliation is
// enabled, checked against the sibling ranks: if the siblings did not fail too, they are
// killed and a *DeadlockError is returned instead of letting the group hang on the dead
// rank's collectives.
func (d *DDP) TrainingStep(batch any) (loss *tensors.Tensor, err error) {
	if err = d.requireSetup("TrainingStep"); err != nil {
		return nil, err
	}
	d.state = StateRunning
	stepper := train.Stepper(d.module)
	if d.syncer != nil {
		stepper = d.syncer
	}
	err = exceptions.TryCatch[error](func() {
		loss, err = stepper.TrainingStep(batch)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, d.handleRunError(err)
	}
	return loss, nil
}

// handleRunError runs deadlock reconciliation on a failed step.
func (d *DDP) handleRunError(stepErr error) error {
	if d.reconciler == nil {
		return stepErr
	}
	if deadlockErr := d.reconciler.Reconcile(traceOf(stepErr)); deadlockErr != nil {
		return deadlockErr
	}
	// Every sibling failed as well: a genuine error, not a deadlock.
	return stepErr
}

// ValidationStep runs one validation step through the inner module; no gradient
// synchronization, since no backward pass occurs.
func (d *DDP) ValidationStep(batch any) (*tensors.Tensor, error) {
	if err := d.requireSetup("ValidationStep"); err != nil {
		return nil, err
	}
	return d.module.ValidationStep(batch)
}

// TestStep runs one test step through the inner module.
func (d *DDP) TestStep(batch any) (*tensors.Tensor, error) {
	if err := d.requireSetup("TestStep"); err != nil {
		return nil, err
	}
	return d.module.TestStep(batch)
}

// PredictStep runs one inference step through the inner module.
func (d *DDP) PredictStep(batch any) (any, error) {
	if err := d.requireSetup("PredictStep"); err != nil {
		return nil, err
	}
	return d.module.PredictStep(batch)
}

// Barrier blocks until all ranks reached it; a pass-through before the group exists.
func (d *DDP) Barrier() error { return d.groupOrNoop().Barrier() }

// Reduce combines a tensor across ranks; non-tensor values pass through unchanged.
func (d *DDP) Reduce(value any, op collective.ReduceOp) (any, error) {
	t, ok := value.(*tensors.Tensor)
	if !ok {
		return value, nil
	}
	return d.groupOrNoop().AllReduce(t, op)
}

// AllGather stacks the tensor across ranks into shape (worldSize, ...).
func (d *DDP) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	return d.groupOrNoop().AllGather(t)
}

// BroadcastTensor sends src's tensor to every rank.
func (d *DDP) BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	return d.groupOrNoop().BroadcastTensor(t, src)
}

// SaveCheckpoint writes the state on global rank 0 only, then synchronizes all ranks so
// none races ahead of a checkpoint that is still being written.
func (d *DDP) SaveCheckpoint(state *checkpoint.State, path string) error {
	var saveErr error
	if d.ctx.IsGlobalZero() {
		saveErr = d.ckptIO.Save(state, path)
	}
	if err := d.groupOrNoop().Barrier(); err != nil && saveErr == nil {
		saveErr = err
	}
	return saveErr
}

// LoadCheckpoint reads the checkpoint on every rank.
func (d *DDP) LoadCheckpoint(path string) (*checkpoint.State, error) {
	return d.ckptIO.Load(path)
}

// WrapOptimizer interposes the strategy between the loop and an optimizer: the wrapped
// optimizer refuses to step before the strategy is set up, so no replica can diverge by
// stepping on unsynchronized gradients. Already wrapped optimizers pass through.
func (d *DDP) WrapOptimizer(opt train.Optimizer) train.Optimizer {
	if _, ok := opt.(*ddpOptimizer); ok {
		return opt
	}
	return &ddpOptimizer{inner: opt, strategy: d}
}

// Teardown unwraps the module, removes the reconciliation state, closes the process
// group and releases the device. Idempotent, and safe after a partial setup.
func (d *DDP) Teardown() error {
	if d.state == StateTornDown {
		return nil
	}
	d.syncer = nil
	d.module = nil
	if d.reconciler != nil {
		d.reconciler.cleanup()
		d.reconciler = nil
	}
	var firstErr error
	if d.group != nil {
		firstErr = d.group.Close()
		d.group = nil
	}
	if d.deviceInit {
		if err := d.accel.TeardownDevice(d.device); err != nil && firstErr == nil {
			firstErr = err
		}
		d.deviceInit = false
	}
	d.state = StateTornDown
	return firstErr
}

func (d *DDP) groupOrNoop() collective.Group {
	if d.group == nil {
		return collective.Noop()
	}
	return d.group
}

func (d *DDP) requireSetup(op string) error {
	if d.state < StateModelSetUp || d.state == StateTornDown {
		return errors.Errorf("%s called on a strategy in state %s, want at least %s",
			op, d.state, StateModelSetUp)
	}
	return nil
}
