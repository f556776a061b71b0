package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *State {
	return &State{
		ModelState: map[string]*tensors.Tensor{
			"dense/weights": tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
			"dense/bias":    tensors.FromFlatDataAndDimensions([]float32{0.1, 0.2, 0.3}, 3),
		},
		OptimizerStates: []map[string]*tensors.Tensor{
			{"momentum": tensors.FromFlatDataAndDimensions([]float64{0.9, 0.8}, 2)},
		},
		SchedulerStates: []map[string]float64{
			{"last_lr": 0.001, "step": 42},
		},
		Hyperparameters: map[string]any{
			"learning_rate": 0.001,
			"optimizer":     "sgd",
			"batch_size":    32,
			"augment":       true,
		},
		Epoch:      3,
		GlobalStep: 1200,
	}
}

func requireTensorEqual(t *testing.T, want, got *tensors.Tensor) {
	t.Helper()
	require.NotNil(t, got)
	assert.True(t, want.Equal(got), "tensors differ: want %s, got %s", want, got)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epoch3.ckpt")
	state := sampleState()
	require.NoError(t, NewFileIO().Save(state, path))

	loaded, err := NewFileIO().Load(path)
	require.NoError(t, err)

	assert.Equal(t, Version, loaded.Version, "save stamps the format version")
	assert.Equal(t, 3, loaded.Epoch)
	assert.Equal(t, int64(1200), loaded.GlobalStep)
	assert.Equal(t, state.Hyperparameters, loaded.Hyperparameters)
	assert.Equal(t, state.SchedulerStates, loaded.SchedulerStates)

	require.Len(t, loaded.ModelState, 2)
	for name, want := range state.ModelState {
		requireTensorEqual(t, want, loaded.ModelState[name])
	}
	require.Len(t, loaded.OptimizerStates, 1)
	requireTensorEqual(t, state.OptimizerStates[0]["momentum"], loaded.OptimizerStates[0]["momentum"])
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	io := NewFileIO()

	first := sampleState()
	require.NoError(t, io.Save(first, path))

	second := sampleState()
	second.Epoch = 4
	require.NoError(t, io.Save(second, path))

	loaded, err := io.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Epoch)

	// No temporary files survive a completed save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model.ckpt", entries[0].Name())
}

func TestUnserializableHyperparameterIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckpt")
	state := sampleState()
	// gob cannot encode channels; the save must drop the key, not fail.
	state.Hyperparameters["results_chan"] = make(chan int)

	require.NoError(t, NewFileIO().Save(state, path))

	loaded, err := NewFileIO().Load(path)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Hyperparameters, "results_chan")
	assert.Equal(t, "sgd", loaded.Hyperparameters["optimizer"], "encodable keys survive")
	assert.Equal(t, 0.001, loaded.Hyperparameters["learning_rate"])
}

func TestMinimalStateRoundTrips(t *testing.T) {
	// Every field beyond the metadata is optional.
	path := filepath.Join(t.TempDir(), "minimal.ckpt")
	require.NoError(t, NewFileIO().Save(&State{GlobalStep: 7}, path))

	loaded, err := NewFileIO().Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.GlobalStep)
	assert.Empty(t, loaded.ModelState)
	assert.Empty(t, loaded.OptimizerStates)
	assert.Empty(t, loaded.SchedulerStates)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewFileIO().Load(filepath.Join(t.TempDir(), "absent.ckpt"))
	require.Error(t, err)
}

func TestSaveToMissingDirectory(t *testing.T) {
	err := NewFileIO().Save(sampleState(), filepath.Join(t.TempDir(), "no", "such", "dir", "x.ckpt"))
	require.Error(t, err)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.ckpt")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))
	_, err := NewFileIO().Load(path)
	require.Error(t, err)
}
