package cluster

import (
	"os"

	"github.com/pkg/errors"
)

// EnvVarEnvironment reads the process topology from PHOTON_* environment variables set
// by an external job scheduler that created all worker processes itself.
//
// All required variables must be present: this environment fails fast at construction,
// naming the missing variable, instead of silently defaulting the rank to 0 in a
// multi-process context.
type EnvVarEnvironment struct {
	rankState
	mainAddr  string
	mainPort  int
	localRank int
	nodeRank  int
}

var _ Environment = (*EnvVarEnvironment)(nil)

// DetectEnvVarEnvironment reports whether the scheduler-provided variables are present,
// i.e., whether NewEnvVarEnvironment can succeed.
func DetectEnvVarEnvironment() bool {
	_, foundAddr := os.LookupEnv(EnvMainAddr)
	_, foundSize := os.LookupEnv(EnvWorldSize)
	return foundAddr && foundSize
}

// NewEnvVarEnvironment builds an EnvVarEnvironment from the PHOTON_* variables.
// It returns a configuration error naming the first missing or malformed variable.
func NewEnvVarEnvironment() (*EnvVarEnvironment, error) {
	mainAddr, found := os.LookupEnv(EnvMainAddr)
	if !found {
		return nil, errors.Errorf("required environment variable %s is not set", EnvMainAddr)
	}
	env := &EnvVarEnvironment{mainAddr: mainAddr}
	var err error
	if env.mainPort, err = lookupIntEnv(EnvMainPort); err != nil {
		return nil, err
	}
	if env.localRank, err = lookupIntEnv(EnvLocalRank); err != nil {
		return nil, err
	}
	if env.nodeRank, err = lookupIntEnv(EnvNodeRank); err != nil {
		return nil, err
	}
	globalRank, err := lookupIntEnv(EnvGlobalRank)
	if err != nil {
		return nil, err
	}
	worldSize, err := lookupIntEnv(EnvWorldSize)
	if err != nil {
		return nil, err
	}
	if globalRank < 0 || globalRank >= worldSize {
		return nil, errors.Errorf("invalid topology: %s=%d must be in [0, %s=%d)",
			EnvGlobalRank, globalRank, EnvWorldSize, worldSize)
	}
	env.SetGlobalRank(globalRank)
	env.SetWorldSize(worldSize)
	return env, nil
}

// CreatesProcessesExternally returns true: the scheduler spawned the workers.
func (env *EnvVarEnvironment) CreatesProcessesExternally() bool { return true }

// MainAddress returns the scheduler-provided rendezvous address.
func (env *EnvVarEnvironment) MainAddress() string { return env.mainAddr }

// MainPort returns the scheduler-provided rendezvous port.
func (env *EnvVarEnvironment) MainPort() int { return env.mainPort }

// LocalRank returns this process's rank within its node.
func (env *EnvVarEnvironment) LocalRank() int { return env.localRank }

// NodeRank returns the index of the node this process runs on.
func (env *EnvVarEnvironment) NodeRank() int { return env.nodeRank }
