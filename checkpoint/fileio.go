package checkpoint

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/photonml/photon/pkg/support/fsutil"
)

// FileIO saves and loads checkpoints as gob streams on the local (or network)
// filesystem.
//
// Saving is atomic (temp-file-then-rename) and recovers from exactly one class of
// failure: a hyperparameter value gob cannot encode is dropped from the checkpoint with
// a warning, and the save retried, instead of losing the entire checkpoint.
type FileIO struct{}

var _ IO = (*FileIO)(nil)

// NewFileIO returns a filesystem-backed checkpoint IO.
func NewFileIO() *FileIO { return &FileIO{} }

// Save writes state to path atomically. A leading "~" in path refers to the user's
// home directory.
func (f *FileIO) Save(state *State, path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	if state.Version == "" {
		state.Version = Version
	}
	var buf bytes.Buffer
	if err := state.encodeTo(&buf); err != nil {
		var dropErr error
		state, dropErr = dropUnencodableHyperparameters(state, err)
		if dropErr != nil {
			return dropErr
		}
		buf.Reset()
		if err := state.encodeTo(&buf); err != nil {
			return errors.WithMessagef(err, "failed to encode checkpoint for %q after dropping hyperparameters", path)
		}
	}
	return fsutil.AtomicWrite(path, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}

// Load reads a checkpoint written by Save. A leading "~" in path refers to the user's
// home directory.
func (f *FileIO) Load(path string) (*State, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint %q", path)
	}
	defer func() { _ = file.Close() }()
	state := &State{}
	if err := state.decodeFrom(file); err != nil {
		return nil, errors.WithMessagef(err, "failed to decode checkpoint %q", path)
	}
	return state, nil
}

// dropUnencodableHyperparameters probes each hyperparameter value individually and
// removes the ones gob cannot encode, warning once per dropped key. If no
// hyperparameter is at fault, the original encoding error is returned.
func dropUnencodableHyperparameters(state *State, encodeErr error) (*State, error) {
	dropped := false
	kept := make(map[string]any, len(state.Hyperparameters))
	for key, value := range state.Hyperparameters {
		var probe bytes.Buffer
		if err := gob.NewEncoder(&probe).Encode(&stateHeader{Hyperparameters: map[string]any{key: value}}); err != nil {
			klog.Warningf("checkpoint: hyperparameter %q dropped from checkpoint, its value is not serializable: %v",
				key, err)
			dropped = true
			continue
		}
		kept[key] = value
	}
	if !dropped {
		return nil, encodeErr
	}
	clone := *state
	clone.Hyperparameters = kept
	return &clone, nil
}
