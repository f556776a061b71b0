package strategy

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonml/photon/train"
)

// killRecorder stands in for SIGKILL so tests never touch real processes.
type killRecorder struct {
	mu   sync.Mutex
	pids []int
}

func (r *killRecorder) kill(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
	return nil
}

func (r *killRecorder) killed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pids...)
}

func newTestReconciler(t *testing.T, recorder *killRecorder) *reconciler {
	t.Helper()
	return &reconciler{
		ctx: train.ExecutionContext{
			GlobalRank: 0,
			LocalRank:  0,
			NodeRank:   0,
			WorldSize:  2,
			NumNodes:   1,
		},
		procsPerNode: 2,
		syncDir:      filepath.Join(t.TempDir(), "sync"),
		nodePids:     []int{os.Getpid(), 424242},
		wait:         50 * time.Millisecond,
		kill:         recorder.kill,
	}
}

func TestReconcileSharedFailure(t *testing.T) {
	recorder := &killRecorder{}
	rec := newTestReconciler(t, recorder)

	// The sibling rank already dropped its sentinel: everyone failed, no deadlock.
	require.NoError(t, os.MkdirAll(rec.syncDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rec.syncDir, "1.photon"), []byte("1"), 0o644))

	require.NoError(t, rec.Reconcile("shared trace"))
	assert.Empty(t, recorder.killed(), "no process is killed when all ranks failed")
}

func TestReconcileKillsDeadlockedSiblings(t *testing.T) {
	recorder := &killRecorder{}
	rec := newTestReconciler(t, recorder)

	err := rec.Reconcile("rank 0 exploded here")
	require.Error(t, err)

	var deadlock *DeadlockError
	require.ErrorAs(t, err, &deadlock)
	assert.Equal(t, 0, deadlock.Rank)
	assert.Contains(t, deadlock.Trace, "rank 0 exploded here")
	assert.Contains(t, deadlock.Error(), "rank 0 exploded here",
		"the original failure survives in the error")

	assert.Equal(t, []int{424242}, recorder.killed(), "only the siblings are killed, never self")

	_, statErr := os.Stat(rec.syncDir)
	assert.True(t, os.IsNotExist(statErr), "the sync directory is removed after reconciliation")
}

func TestReconcileSingleProcessIsNoop(t *testing.T) {
	recorder := &killRecorder{}
	rec := newTestReconciler(t, recorder)
	rec.ctx.WorldSize = 1
	require.NoError(t, rec.Reconcile("trace"))
	assert.Empty(t, recorder.killed())

	var nilRec *reconciler
	require.NoError(t, nilRec.Reconcile("trace"))
}

func TestReconcileCleanup(t *testing.T) {
	rec := newTestReconciler(t, &killRecorder{})
	require.NoError(t, os.MkdirAll(rec.syncDir, 0o755))
	rec.cleanup()
	_, err := os.Stat(rec.syncDir)
	assert.True(t, os.IsNotExist(err))
}

// End-to-end: rank 0 fails mid-step while rank 1 blocks in gradient sync. Rank 0's
// reconciliation must turn the would-be hang into a *DeadlockError, and tearing rank 0
// down must unblock rank 1 with an error of its own.
func TestDDPDeadlockReconciliation(t *testing.T) {
	const worldSize = 2
	port := freePort(t)
	recorder := &killRecorder{}
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := newTestDDP(t, rank, worldSize, port, func(b *DDPBuilder) {
				b.ForceReconciliation().DeadlockWait(200 * time.Millisecond)
			})
			defer func() { _ = d.Teardown() }()

			param := newParam("w", 0)
			module := &testModule{params: []*train.Parameter{param}}
			module.stepFn = func(any) (*tensors.Tensor, error) {
				if rank == 0 {
					return nil, assert.AnError
				}
				// Rank 1 proceeds into gradient sync and blocks on the missing rank 0.
				param.Grad = tensors.FromFlatDataAndDimensions([]float32{1}, 1)
				return tensors.FromScalar(float32(0)), nil
			}

			if err := d.Setup(train.PhaseFit, module); err != nil {
				errs[rank] = err
				return
			}
			require.NotNil(t, d.reconciler, "forced reconciliation must build the reconciler")
			d.reconciler.kill = recorder.kill

			_, errs[rank] = d.TrainingStep(nil)
		}(rank)
	}
	wg.Wait()

	var deadlock *DeadlockError
	require.ErrorAs(t, errs[0], &deadlock, "rank 0 must report the deadlock")
	assert.Equal(t, 0, deadlock.Rank)
	assert.Contains(t, deadlock.Trace, assert.AnError.Error())

	// Rank 1 was unblocked by rank 0's teardown rather than hanging forever.
	require.Error(t, errs[1])

	// Both ranks run in this one test process, so the PID exchange collapses to self
	// PIDs and nothing may actually be killed.
	assert.Empty(t, recorder.killed())
}
