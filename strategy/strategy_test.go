package strategy

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"

	"github.com/photonml/photon/accelerator"
	"github.com/photonml/photon/cluster"
	"github.com/photonml/photon/train"
)

// testEnv is a cluster environment with directly injected topology, standing in for a
// scheduler that already created the worker processes.
type testEnv struct {
	localRank, nodeRank int
	port                int

	mu                    sync.Mutex
	globalRank, worldSize int
	globalSet, worldSet   bool
}

var _ cluster.Environment = (*testEnv)(nil)

func (e *testEnv) CreatesProcessesExternally() bool { return true }
func (e *testEnv) MainAddress() string              { return "127.0.0.1" }
func (e *testEnv) MainPort() int                    { return e.port }
func (e *testEnv) LocalRank() int                   { return e.localRank }
func (e *testEnv) NodeRank() int                    { return e.nodeRank }

func (e *testEnv) SetGlobalRank(rank int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalRank, e.globalSet = rank, true
}

func (e *testEnv) GlobalRank() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.globalSet {
		return 0, &cluster.UninitializedError{Field: "global_rank"}
	}
	return e.globalRank, nil
}

func (e *testEnv) SetWorldSize(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.worldSize, e.worldSet = n, true
}

func (e *testEnv) WorldSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.worldSet {
		return 0, &cluster.UninitializedError{Field: "world_size"}
	}
	return e.worldSize, nil
}

func cpuAccelerator(t *testing.T) accelerator.Accelerator {
	t.Helper()
	accel, err := accelerator.NewByName("cpu")
	require.NoError(t, err)
	return accel
}

func cpuDevices(n int) []accelerator.Device {
	devices := make([]accelerator.Device, n)
	for i := range devices {
		devices[i] = accelerator.Device{Type: "cpu", Index: i}
	}
	return devices
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// newTestDDP builds a single-node DDP strategy for one in-process "rank".
func newTestDDP(t *testing.T, localRank, numProcesses, port int, configure func(*DDPBuilder)) *DDP {
	t.Helper()
	builder := ConfigDDP(cpuAccelerator(t), &testEnv{localRank: localRank, port: port}).
		Devices(cpuDevices(numProcesses)).
		JoinTimeout(10 * time.Second)
	if configure != nil {
		configure(builder)
	}
	d, err := builder.Done()
	require.NoError(t, err)
	return d
}

// runDDPRanks runs fn once per rank, each with its own DDP strategy sharing one
// rendezvous port, and returns the per-rank errors. Teardown always runs.
func runDDPRanks(t *testing.T, worldSize int, configure func(*DDPBuilder), fn func(rank int, d *DDP) error) []error {
	t.Helper()
	port := freePort(t)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := newTestDDP(t, rank, worldSize, port, configure)
			defer func() { _ = d.Teardown() }()
			errs[rank] = fn(rank, d)
		}(rank)
	}
	wg.Wait()
	return errs
}

// testModule is a Module whose training step is injected per test.
type testModule struct {
	params []*train.Parameter
	stepFn func(batch any) (*tensors.Tensor, error)
}

func (m *testModule) TrainingStep(batch any) (*tensors.Tensor, error) {
	return m.stepFn(batch)
}

func (m *testModule) ValidationStep(batch any) (*tensors.Tensor, error) {
	return tensors.FromScalar(float32(0.25)), nil
}

func (m *testModule) TestStep(batch any) (*tensors.Tensor, error) {
	return tensors.FromScalar(float32(0.5)), nil
}

func (m *testModule) PredictStep(batch any) (any, error) { return batch, nil }

func (m *testModule) Parameters() []*train.Parameter { return m.params }

func newParam(name string, values ...float32) *train.Parameter {
	return &train.Parameter{
		Name:  name,
		Value: tensors.FromFlatDataAndDimensions(values, len(values)),
	}
}
