package checkpoint

import (
	"encoding/gob"
	"io"
	"sort"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

func init() {
	// Hyperparameters travel inside an `any`, which gob only accepts for registered
	// concrete types. Users with richer types must gob.Register them (or see the value
	// dropped with a warning at save time).
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
	gob.Register([]any(nil))
	gob.Register([]string(nil))
	gob.Register([]float64(nil))
	gob.Register(map[string]any(nil))
}

// stateHeader is the plain-gob part of a checkpoint; tensors follow it in the stream in
// the key order recorded here.
type stateHeader struct {
	Version         string
	Epoch           int
	GlobalStep      int64
	SchedulerStates []map[string]float64
	Hyperparameters map[string]any
	ModelKeys       []string
	OptimizerKeys   [][]string
}

// encodeTo writes the state as a single gob stream: header first, then every tensor via
// its own serialization, in the header's deterministic key order.
func (s *State) encodeTo(w io.Writer) error {
	encoder := gob.NewEncoder(w)
	header := stateHeader{
		Version:         s.Version,
		Epoch:           s.Epoch,
		GlobalStep:      s.GlobalStep,
		SchedulerStates: s.SchedulerStates,
		Hyperparameters: s.Hyperparameters,
		ModelKeys:       sortedKeys(s.ModelState),
		OptimizerKeys:   make([][]string, len(s.OptimizerStates)),
	}
	for i, optState := range s.OptimizerStates {
		header.OptimizerKeys[i] = sortedKeys(optState)
	}
	if err := encoder.Encode(&header); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint header")
	}
	for _, key := range header.ModelKeys {
		if err := s.ModelState[key].GobSerialize(encoder); err != nil {
			return errors.WithMessagef(err, "failed to encode model tensor %q", key)
		}
	}
	for i, keys := range header.OptimizerKeys {
		for _, key := range keys {
			if err := s.OptimizerStates[i][key].GobSerialize(encoder); err != nil {
				return errors.WithMessagef(err, "failed to encode optimizer #%d tensor %q", i, key)
			}
		}
	}
	return nil
}

// decodeFrom reads a stream written by encodeTo.
func (s *State) decodeFrom(r io.Reader) error {
	decoder := gob.NewDecoder(r)
	var header stateHeader
	if err := decoder.Decode(&header); err != nil {
		return errors.Wrap(err, "failed to decode checkpoint header")
	}
	s.Version = header.Version
	s.Epoch = header.Epoch
	s.GlobalStep = header.GlobalStep
	s.SchedulerStates = header.SchedulerStates
	s.Hyperparameters = header.Hyperparameters
	s.ModelState = make(map[string]*tensors.Tensor, len(header.ModelKeys))
	for _, key := range header.ModelKeys {
		t, err := tensors.GobDeserialize(decoder)
		if err != nil {
			return errors.WithMessagef(err, "failed to decode model tensor %q", key)
		}
		s.ModelState[key] = t
	}
	s.OptimizerStates = make([]map[string]*tensors.Tensor, len(header.OptimizerKeys))
	for i, keys := range header.OptimizerKeys {
		s.OptimizerStates[i] = make(map[string]*tensors.Tensor, len(keys))
		for _, key := range keys {
			t, err := tensors.GobDeserialize(decoder)
			if err != nil {
				return errors.WithMessagef(err, "failed to decode optimizer #%d tensor %q", i, key)
			}
			s.OptimizerStates[i][key] = t
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
