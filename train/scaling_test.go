package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thresholdProbe fits every batch size up to (and including) limit.
func thresholdProbe(limit int, calls *int) ProbeFn {
	return func(batchSize int) (ProbeOutcome, error) {
		*calls++
		if batchSize <= limit {
			return ProbeOK, nil
		}
		return ProbeExhausted, nil
	}
}

func TestScaleBatchSize(t *testing.T) {
	for _, test := range []struct {
		name  string
		limit int
		start int
		want  int
	}{
		{name: "grow then bisect", limit: 13, start: 2, want: 13},
		{name: "start already at limit", limit: 8, start: 8, want: 8},
		{name: "power of two boundary", limit: 16, start: 1, want: 16},
		{name: "start above limit shrinks first", limit: 5, start: 16, want: 5},
		{name: "limit one", limit: 1, start: 8, want: 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			var calls int
			got, err := ScaleBatchSize(thresholdProbe(test.limit, &calls), test.start, 100)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
			assert.LessOrEqual(t, calls, 100)
		})
	}
}

func TestScaleBatchSizeNothingFits(t *testing.T) {
	var calls int
	_, err := ScaleBatchSize(thresholdProbe(0, &calls), 8, 100)
	require.Error(t, err)
}

func TestScaleBatchSizeTrialBudget(t *testing.T) {
	// With a single trial allowed, a fitting start is returned as-is.
	var calls int
	got, err := ScaleBatchSize(thresholdProbe(100, &calls), 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, 1, calls)
}

func TestScaleBatchSizeProbeErrorAborts(t *testing.T) {
	probe := func(batchSize int) (ProbeOutcome, error) {
		return ProbeOK, assert.AnError
	}
	_, err := ScaleBatchSize(probe, 4, 100)
	require.ErrorIs(t, err, assert.AnError)
}

func TestScaleBatchSizeValidation(t *testing.T) {
	probe := func(int) (ProbeOutcome, error) { return ProbeOK, nil }
	_, err := ScaleBatchSize(probe, 0, 10)
	require.Error(t, err)
	_, err = ScaleBatchSize(probe, 4, 0)
	require.Error(t, err)
}
