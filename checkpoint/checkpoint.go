// Package checkpoint serializes training state to durable storage and back.
//
// A checkpoint is a State: model weights, per-optimizer and per-scheduler states, the
// user's hyperparameters and framework metadata (version, epoch, global step). The IO
// interface is the pluggable serialization protocol; FileIO is the default gob-based
// implementation with atomic writes, so a crash mid-save never corrupts an existing
// checkpoint.
package checkpoint

import (
	"github.com/gomlx/gomlx/types/tensors"
)

// Version of the checkpoint format written by this package.
const Version = "photon-1"

// State is the checkpoint mapping. All fields are optional on load: checkpoints written
// by older versions simply leave the newer fields zero.
type State struct {
	// ModelState maps parameter names to their tensors.
	ModelState map[string]*tensors.Tensor

	// OptimizerStates holds one state mapping per optimizer, in optimizer order.
	OptimizerStates []map[string]*tensors.Tensor

	// SchedulerStates holds one state mapping per learning-rate scheduler, in order.
	SchedulerStates []map[string]float64

	// Hyperparameters is the user-attached configuration. Values must be gob-encodable;
	// a value that is not gets dropped (with a warning) at save time rather than failing
	// the whole save.
	Hyperparameters map[string]any

	// Version of the framework that wrote the checkpoint.
	Version string

	// Epoch at save time.
	Epoch int

	// GlobalStep at save time.
	GlobalStep int64
}

// IO is the checkpoint serialization protocol. Strategies own an IO and may substitute
// implementations (e.g. one that merges shards) without the training loop noticing.
type IO interface {
	// Save writes state to path. The write is atomic: a crash mid-save leaves any
	// previous file at path intact and no partial file behind.
	Save(state *State, path string) error

	// Load reads a checkpoint written by Save. Missing optional fields are tolerated.
	Load(path string) (*State, error)
}
