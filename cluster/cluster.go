// Package cluster translates externally-supplied scheduler state (environment variables
// or an explicit launch protocol) into rank and world-size facts.
//
// An Environment answers two questions for the rest of the system: "who am I?" (global,
// local and node rank) and "how do I find everyone else?" (main address and port of the
// rendezvous endpoint). It never creates processes itself -- that is the launcher's job.
package cluster

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables recognized by EnvVarEnvironment and set by the subprocess
// launcher on its children. They are only read/written at the OS boundary; internally
// all topology information travels as typed values.
const (
	EnvMainAddr   = "PHOTON_MAIN_ADDR"
	EnvMainPort   = "PHOTON_MAIN_PORT"
	EnvGlobalRank = "PHOTON_GLOBAL_RANK"
	EnvLocalRank  = "PHOTON_LOCAL_RANK"
	EnvNodeRank   = "PHOTON_NODE_RANK"
	EnvWorldSize  = "PHOTON_WORLD_SIZE"
)

// Environment provides the process-topology facts for one worker in a distributed run.
//
// Global rank and world size are set exactly once by the strategy during setup
// (Strategy.Setup computes globalRank = nodeRank*numProcesses + localRank) and are
// immutable afterwards. Reading them before they are set returns an UninitializedError.
type Environment interface {
	// CreatesProcessesExternally reports whether an external job scheduler (and not this
	// process) is responsible for spawning the workers. When false, the subprocess
	// launcher self-spawns the siblings.
	CreatesProcessesExternally() bool

	// MainAddress is the rendezvous address for the communication backend.
	MainAddress() string

	// MainPort is the rendezvous port for the communication backend.
	MainPort() int

	// SetGlobalRank records this process's global rank. Called once during setup.
	SetGlobalRank(rank int)

	// GlobalRank returns the rank set by SetGlobalRank, or an UninitializedError if it
	// was never set.
	GlobalRank() (int, error)

	// SetWorldSize records the total number of worker processes. Called once during setup.
	SetWorldSize(n int)

	// WorldSize returns the size set by SetWorldSize, or an UninitializedError if it was
	// never set.
	WorldSize() (int, error)

	// LocalRank is this process's rank within its node.
	LocalRank() int

	// NodeRank is the index of the node this process runs on.
	NodeRank() int
}

// UninitializedError is returned when GlobalRank or WorldSize is read before the
// launcher/strategy initialized it. Defaulting the rank to 0 in a multi-process context
// would silently create a second "rank 0", so this is always an error.
type UninitializedError struct {
	Field string
}

// Error implements the error interface.
func (e *UninitializedError) Error() string {
	return fmt.Sprintf("cluster environment field %q read before it was initialized by the launcher", e.Field)
}

// rankState holds the set-once global rank / world size shared by all Environment
// implementations.
type rankState struct {
	globalRank, worldSize int
	globalRankSet         bool
	worldSizeSet          bool
}

func (s *rankState) SetGlobalRank(rank int) {
	s.globalRank = rank
	s.globalRankSet = true
}

func (s *rankState) GlobalRank() (int, error) {
	if !s.globalRankSet {
		return 0, &UninitializedError{Field: "global_rank"}
	}
	return s.globalRank, nil
}

func (s *rankState) SetWorldSize(n int) {
	s.worldSize = n
	s.worldSizeSet = true
}

func (s *rankState) WorldSize() (int, error) {
	if !s.worldSizeSet {
		return 0, &UninitializedError{Field: "world_size"}
	}
	return s.worldSize, nil
}

// lookupIntEnv parses the integer environment variable key.
// Absence is an error that names the missing variable.
func lookupIntEnv(key string) (int, error) {
	value, found := os.LookupEnv(key)
	if !found {
		return 0, errors.Errorf("required environment variable %s is not set", key)
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "environment variable %s=%q is not a valid integer", key, value)
	}
	return parsed, nil
}
