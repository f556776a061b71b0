// Package launcher brings the target number of worker processes into existence and
// ensures each ends up calling the same entry function with the correct rank assignment.
//
// Two launchers exist:
//
//   - SubprocessLauncher re-invokes the current executable once per additional worker,
//     with rank-specific PHOTON_* environment variables set, while the calling process
//     becomes rank 0. Used when the cluster environment does not create processes
//     externally.
//   - AttachLauncher is for schedulers that already created all N processes: it only
//     determines this process's rank from the environment and runs the entry function.
package launcher

import (
	"fmt"
	"os"
	"strconv"

	"github.com/photonml/photon/cluster"
)

// EntryFn is the per-rank entry point of a distributed run: typically it sets up the
// strategy, runs the training loop and tears down.
type EntryFn func() error

// Launcher runs an entry function on every rank of the distributed run.
type Launcher interface {
	// Launch runs fn on this rank, creating or attaching to sibling worker processes as
	// needed. It returns fn's error for this rank; on rank 0 of a self-spawned run, a
	// child process failure also fails the launch.
	Launch(fn EntryFn) error
}

// LaunchSpec is the typed description of one worker's identity, applied to the OS
// environment only at the process-spawn boundary.
type LaunchSpec struct {
	LocalRank  int
	GlobalRank int
	NodeRank   int
	WorldSize  int
	MainAddr   string
	MainPort   int
}

// Env renders the spec as PHOTON_* environment variable assignments.
func (s LaunchSpec) Env() []string {
	return []string{
		cluster.EnvLocalRank + "=" + strconv.Itoa(s.LocalRank),
		cluster.EnvGlobalRank + "=" + strconv.Itoa(s.GlobalRank),
		cluster.EnvNodeRank + "=" + strconv.Itoa(s.NodeRank),
		cluster.EnvWorldSize + "=" + strconv.Itoa(s.WorldSize),
		cluster.EnvMainAddr + "=" + s.MainAddr,
		cluster.EnvMainPort + "=" + strconv.Itoa(s.MainPort),
	}
}

// String implements fmt.Stringer.
func (s LaunchSpec) String() string {
	return fmt.Sprintf("LaunchSpec(global=%d, local=%d, node=%d, world=%d, rendezvous=%s:%d)",
		s.GlobalRank, s.LocalRank, s.NodeRank, s.WorldSize, s.MainAddr, s.MainPort)
}

// isSpawnedWorker reports whether this process is a child re-executed by a
// SubprocessLauncher (as opposed to the original rank-0 parent).
func isSpawnedWorker() bool {
	rank, found := os.LookupEnv(cluster.EnvLocalRank)
	return found && rank != "0"
}

// AttachLauncher is the launcher for externally created processes: the scheduler already
// spawned all workers, so Launch only runs the entry function in this process.
type AttachLauncher struct {
	env cluster.Environment
}

// NewAttachLauncher returns an AttachLauncher for the given environment.
func NewAttachLauncher(env cluster.Environment) *AttachLauncher {
	return &AttachLauncher{env: env}
}

// Launch runs fn in this process.
func (l *AttachLauncher) Launch(fn EntryFn) error {
	return fn()
}
