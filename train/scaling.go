package train

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProbeOutcome is the structured result of attempting one workload size: either it fit,
// or the resource (typically device memory) was exhausted. Probes report exhaustion as a
// value, not by matching error messages.
type ProbeOutcome int

const (
	// ProbeOK means the workload completed within the resource budget.
	ProbeOK ProbeOutcome = iota

	// ProbeExhausted means the workload exceeded the resource budget.
	ProbeExhausted
)

// ProbeFn attempts a workload of the given batch size. A non-nil error is a real
// failure and aborts the search; resource exhaustion is reported via the outcome.
type ProbeFn func(batchSize int) (ProbeOutcome, error)

// ScaleBatchSize finds the largest batch size the probe can sustain: it grows the size
// by powers of two from start until the first exhaustion, then binary-searches the
// boundary. maxTrials bounds the total number of probe calls.
//
// It returns the largest batch size that succeeded. If even a batch size of 1 is
// exhausted, an error is returned.
func ScaleBatchSize(probe ProbeFn, start, maxTrials int) (int, error) {
	if start < 1 {
		return 0, errors.Errorf("starting batch size must be >= 1, got %d", start)
	}
	if maxTrials < 1 {
		return 0, errors.Errorf("maxTrials must be >= 1, got %d", maxTrials)
	}

	trials := 0
	attempt := func(size int) (ProbeOutcome, error) {
		trials++
		outcome, err := probe(size)
		if err != nil {
			return outcome, errors.WithMessagef(err, "batch size probe failed at size %d", size)
		}
		klog.V(1).Infof("batch size probe: size %d -> %s", size,
			map[ProbeOutcome]string{ProbeOK: "ok", ProbeExhausted: "exhausted"}[outcome])
		return outcome, nil
	}

	// Shrink first if the starting size already does not fit.
	size := start
	lastGood := 0
	for {
		outcome, err := attempt(size)
		if err != nil {
			return 0, err
		}
		if outcome == ProbeOK {
			lastGood = size
			break
		}
		if size == 1 {
			return 0, errors.New("even a batch size of 1 exhausts the resource budget")
		}
		if trials >= maxTrials {
			return 0, errors.Errorf("no fitting batch size found within %d trials", maxTrials)
		}
		size /= 2
	}

	// Grow by powers of two until the first exhaustion.
	firstBad := 0
	for trials < maxTrials {
		next := lastGood * 2
		outcome, err := attempt(next)
		if err != nil {
			return 0, err
		}
		if outcome == ProbeExhausted {
			firstBad = next
			break
		}
		lastGood = next
	}
	if firstBad == 0 {
		return lastGood, nil
	}

	// Binary-search the boundary in (lastGood, firstBad).
	for trials < maxTrials && firstBad-lastGood > 1 {
		mid := lastGood + (firstBad-lastGood)/2
		outcome, err := attempt(mid)
		if err != nil {
			return 0, err
		}
		if outcome == ProbeOK {
			lastGood = mid
		} else {
			firstBad = mid
		}
	}
	return lastGood, nil
}
