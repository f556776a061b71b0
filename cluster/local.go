package cluster

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// LocalEnvironment is the default environment for runs where this process spawns its own
// workers (CreatesProcessesExternally is false). The rendezvous endpoint is the loopback
// interface with a free port picked at construction time.
//
// Child processes re-executed by the subprocess launcher inherit the parent's choice of
// port (and their local rank) through the PHOTON_* environment variables.
type LocalEnvironment struct {
	rankState
	mainPort  int
	localRank int
	nodeRank  int
}

var _ Environment = (*LocalEnvironment)(nil)

// NewLocalEnvironment creates a LocalEnvironment.
//
// In the parent process (no PHOTON_MAIN_PORT set), it reserves a free TCP port on
// loopback for the rendezvous. In a re-executed child it adopts the port and local rank
// the launcher placed in the environment.
func NewLocalEnvironment() (*LocalEnvironment, error) {
	env := &LocalEnvironment{}
	if _, found := os.LookupEnv(EnvMainPort); found {
		// Child process: the launcher already decided the topology.
		var err error
		if env.mainPort, err = lookupIntEnv(EnvMainPort); err != nil {
			return nil, err
		}
		if env.localRank, err = lookupIntEnv(EnvLocalRank); err != nil {
			return nil, err
		}
		return env, nil
	}
	port, err := findFreePort()
	if err != nil {
		return nil, err
	}
	env.mainPort = port
	return env, nil
}

// CreatesProcessesExternally returns false: the subprocess launcher owns the worker
// lifecycle for this environment.
func (env *LocalEnvironment) CreatesProcessesExternally() bool { return false }

// MainAddress returns the loopback address.
func (env *LocalEnvironment) MainAddress() string { return "127.0.0.1" }

// MainPort returns the rendezvous port reserved at construction.
func (env *LocalEnvironment) MainPort() int { return env.mainPort }

// LocalRank returns this process's rank within the node.
func (env *LocalEnvironment) LocalRank() int { return env.localRank }

// NodeRank returns 0: LocalEnvironment is single-node.
func (env *LocalEnvironment) NodeRank() int { return env.nodeRank }

// findFreePort asks the kernel for a free TCP port on loopback.
// The listener is closed immediately; there is a small window in which another process
// could grab the port, acceptable for a local development environment.
func findFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "failed to reserve a rendezvous port on loopback")
	}
	defer func() { _ = listener.Close() }()
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return 0, errors.Wrap(err, "failed to parse reserved listener address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to parse reserved port %q", portStr)
	}
	return port, nil
}
