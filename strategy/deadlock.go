package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/collective"
	"github.com/photonml/photon/train"
)

// EnvReconcileProcess opts a rank into deadlock reconciliation ("1" enables it) when the
// processes were created externally. Self-spawned runs enable it automatically.
const EnvReconcileProcess = "PHOTON_RECONCILE_PROCESS"

// DefaultDeadlockWait is how long a failed rank waits for its siblings' sentinel files
// before concluding they are stuck in a collective.
var DefaultDeadlockWait = 3 * time.Second

// sentinelSuffix of the per-rank files written into the sync directory.
const sentinelSuffix = ".photon"

// DeadlockError reports that this rank failed while its sibling ranks kept waiting in a
// collective; the siblings were killed so the job terminates instead of hanging. Trace
// carries the original failure, which would otherwise die with the deadlocked processes.
type DeadlockError struct {
	Rank  int
	Trace string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("rank %d failed while the other ranks deadlocked waiting for it; "+
		"sibling processes were terminated. Original failure:\n%s", e.Rank, e.Trace)
}

// reconciler detects the "one rank died, the rest wait forever" failure mode.
//
// At setup time all ranks exchange PIDs and the node's local rank 0 creates a sync
// directory shared by the node. When a rank fails, it drops a sentinel file there and
// waits; if the node's other ranks do not all drop their own sentinel within the wait
// (because they are blocked in a collective), the failed rank kills them.
type reconciler struct {
	ctx          train.ExecutionContext
	procsPerNode int
	syncDir      string
	nodePids     []int

	wait time.Duration

	// kill terminates one sibling process; replaceable in tests.
	kill func(pid int) error
}

// newReconciler exchanges PIDs and establishes the per-node sync directory. It runs two
// collectives (an all-gather and one broadcast per node), so all ranks must construct it
// at the same point of setup.
func newReconciler(ctx train.ExecutionContext, procsPerNode int, group collective.Group, wait time.Duration) (*reconciler, error) {
	if wait <= 0 {
		wait = DefaultDeadlockWait
	}
	gathered, err := group.AllGather(tensors.FromScalar(int64(os.Getpid())))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to exchange process IDs")
	}
	allPids := tensors.CopyFlatData[int64](gathered)
	if len(allPids) != ctx.WorldSize {
		return nil, errors.Errorf("expected %d process IDs, got %d", ctx.WorldSize, len(allPids))
	}
	nodeStart := ctx.NodeRank * procsPerNode
	nodePids := make([]int, procsPerNode)
	for i := range nodePids {
		nodePids[i] = int(allPids[nodeStart+i])
	}

	// Each node's local rank 0 names the directory; everyone on the node learns it
	// through a broadcast rooted at that rank.
	var dir string
	if ctx.IsLocalZero() {
		dir = filepath.Join(os.TempDir(), "photon-sync-"+uuid.NewString())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create deadlock sync directory %q", dir)
		}
	}
	var nodeDir string
	for node := 0; node < ctx.NumNodes; node++ {
		shared, err := collective.BroadcastValue(group, dir, node*procsPerNode)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to share the sync directory of node %d", node)
		}
		if node == ctx.NodeRank {
			nodeDir = shared
		}
	}

	return &reconciler{
		ctx:          ctx,
		procsPerNode: procsPerNode,
		syncDir:      nodeDir,
		nodePids:     nodePids,
		wait:         wait,
		kill:         func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) },
	}, nil
}

// Reconcile is called by a rank whose run just failed. It returns nil when all sibling
// ranks on the node report their own failure within the wait (an ordinary shared error),
// and a *DeadlockError after killing the siblings when they do not.
func (r *reconciler) Reconcile(trace string) error {
	if r == nil || r.ctx.WorldSize < 2 {
		return nil
	}
	// The directory may already be gone if another rank reconciled first.
	if err := os.MkdirAll(r.syncDir, 0o755); err != nil {
		klog.Errorf("rank %d: cannot access sync directory %q: %v", r.ctx.GlobalRank, r.syncDir, err)
		return nil
	}
	sentinel := filepath.Join(r.syncDir, fmt.Sprintf("%d%s", r.ctx.GlobalRank, sentinelSuffix))
	if err := os.WriteFile(sentinel, []byte("1"), 0o644); err != nil {
		klog.Errorf("rank %d: cannot write sentinel %q: %v", r.ctx.GlobalRank, sentinel, err)
		return nil
	}
	time.Sleep(r.wait)

	entries, err := os.ReadDir(r.syncDir)
	if err == nil && len(entries) == r.procsPerNode {
		// Every rank on the node failed on its own; nothing is deadlocked.
		return nil
	}

	klog.Errorf("rank %d failed while its sibling ranks are blocked in a collective; "+
		"terminating them", r.ctx.GlobalRank)
	self := os.Getpid()
	for _, pid := range r.nodePids {
		if pid == self {
			continue
		}
		if err := r.kill(pid); err != nil {
			// Process may be gone already.
			klog.V(1).Infof("rank %d: kill(%d): %v", r.ctx.GlobalRank, pid, err)
		}
	}
	_ = os.RemoveAll(r.syncDir)
	return &DeadlockError{Rank: r.ctx.GlobalRank, Trace: trace}
}

// cleanup removes the sync directory on a clean teardown.
func (r *reconciler) cleanup() {
	if r.ctx.IsLocalZero() {
		_ = os.RemoveAll(r.syncDir)
	}
}

// traceOf renders an error with its stack trace when it carries one.
func traceOf(err error) string {
	return fmt.Sprintf("%+v", err)
}
