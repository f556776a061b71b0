package launcher

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/cluster"
	"github.com/photonml/photon/pkg/support/xsync"
)

// DefaultStartTimeout bounds how long the parent waits for spawned children to exit
// after the entry function finished.
var DefaultStartTimeout = 30 * time.Second

// SubprocessLauncher spawns numProcesses-1 additional copies of the current executable,
// one per device, each with a rank-specific environment, while the calling process
// becomes local rank 0. In a re-executed child, Launch detects the inherited rank and
// simply runs the entry function.
//
// If any child exits with a failure while the entry function is still running, the
// launch fails as a whole: remaining children are killed and an error is returned,
// rather than letting a collective hang on the missing rank forever.
type SubprocessLauncher struct {
	env          cluster.Environment
	numProcesses int
	numNodes     int

	// execCommand builds the command for one child rank; replaceable in tests.
	execCommand func(spec LaunchSpec) *exec.Cmd
}

var _ Launcher = (*SubprocessLauncher)(nil)

// NewSubprocessLauncher returns a launcher that self-spawns numProcesses workers on this
// node. numNodes is carried into the children's environment for rank arithmetic.
func NewSubprocessLauncher(env cluster.Environment, numProcesses, numNodes int) *SubprocessLauncher {
	l := &SubprocessLauncher{
		env:          env,
		numProcesses: numProcesses,
		numNodes:     numNodes,
	}
	l.execCommand = l.selfCommand
	return l
}

// selfCommand re-invokes the current executable with the same arguments and the child's
// rank-specific environment appended.
func (l *SubprocessLauncher) selfCommand(spec LaunchSpec) *exec.Cmd {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), spec.Env()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd
}

// Launch spawns the sibling workers (unless this process is itself a spawned worker or
// the environment created them externally) and runs fn as this rank.
func (l *SubprocessLauncher) Launch(fn EntryFn) error {
	if l.env.CreatesProcessesExternally() || isSpawnedWorker() {
		return fn()
	}
	return l.launchChildren(fn)
}

func (l *SubprocessLauncher) launchChildren(fn EntryFn) error {
	nodeRank := l.env.NodeRank()
	worldSize := l.numNodes * l.numProcesses

	children := make([]*exec.Cmd, 0, l.numProcesses-1)
	childFailed := xsync.NewLatchWithValue[error]()
	var exited sync.WaitGroup
	for localRank := 1; localRank < l.numProcesses; localRank++ {
		spec := LaunchSpec{
			LocalRank:  localRank,
			GlobalRank: nodeRank*l.numProcesses + localRank,
			NodeRank:   nodeRank,
			WorldSize:  worldSize,
			MainAddr:   l.env.MainAddress(),
			MainPort:   l.env.MainPort(),
		}
		cmd := l.execCommand(spec)
		klog.V(1).Infof("launcher: spawning worker %s", spec)
		if err := cmd.Start(); err != nil {
			killAll(children)
			return errors.Wrapf(err, "failed to start worker process for %s", spec)
		}
		children = append(children, cmd)
		exited.Add(1)
		go func(rank int, cmd *exec.Cmd) {
			defer exited.Done()
			if err := cmd.Wait(); err != nil {
				childFailed.Trigger(errors.Wrapf(err, "worker process (local rank %d) failed", rank))
			}
		}(localRank, cmd)
	}

	// This process is local rank 0.
	entryDone := xsync.NewLatchWithValue[error]()
	go func() { entryDone.Trigger(fn()) }()

	select {
	case <-entryDone.WaitChan():
		// Children that outlive a failed rank 0 would hang on its collectives.
		if err := entryDone.Wait(); err != nil {
			killAll(children)
			return err
		}
	case <-childFailed.WaitChan():
		killAll(children)
		return childFailed.Wait()
	}

	return l.waitChildren(children, &exited, childFailed)
}

// waitChildren gives the children a bounded window to exit after rank 0 finished.
func (l *SubprocessLauncher) waitChildren(children []*exec.Cmd, exited *sync.WaitGroup, childFailed *xsync.LatchWithValue[error]) error {
	allExited := make(chan struct{})
	go func() {
		exited.Wait()
		close(allExited)
	}()
	timer := time.NewTimer(DefaultStartTimeout)
	defer timer.Stop()
	select {
	case <-allExited:
		if childFailed.Test() {
			return childFailed.Wait()
		}
		return nil
	case <-childFailed.WaitChan():
		killAll(children)
		return childFailed.Wait()
	case <-timer.C:
		killAll(children)
		return errors.Errorf("worker processes did not exit within %s after rank 0 finished", DefaultStartTimeout)
	}
}

func killAll(children []*exec.Cmd) {
	for _, cmd := range children {
		if cmd.Process != nil {
			// Kill on an already-exited process reports ErrProcessDone; ignored.
			_ = cmd.Process.Kill()
		}
	}
}
