// Package train holds the user-facing training vocabulary: the Module a user implements,
// the Dataset/Loop that drive it, optimizers, and the narrow peripheral protocols
// (logger sink, metric state) the rest of the framework talks to.
//
// The actual mapping of step calls onto hardware lives in the strategy package; the loop
// only sees a Stepper.
package train

import (
	"fmt"

	"k8s.io/klog/v2"
)

// Phase is the trainer phase a run is in. Only PhaseFit performs backward passes, and
// therefore only PhaseFit requires gradient synchronization across ranks.
type Phase int

const (
	PhaseFit Phase = iota
	PhaseValidate
	PhaseTest
	PhasePredict
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseFit:
		return "fit"
	case PhaseValidate:
		return "validate"
	case PhaseTest:
		return "test"
	case PhasePredict:
		return "predict"
	}
	return "invalid"
}

// ExecutionContext carries the facts rank-conditional code needs, threaded explicitly
// through components instead of living in a process-wide mutable flag.
//
// It is assembled by the strategy during setup and immutable afterwards.
type ExecutionContext struct {
	GlobalRank int
	LocalRank  int
	NodeRank   int
	WorldSize  int
	NumNodes   int
	Phase      Phase
}

// IsGlobalZero reports whether this process is global rank 0.
func (c ExecutionContext) IsGlobalZero() bool { return c.GlobalRank == 0 }

// IsLocalZero reports whether this process is rank 0 within its node.
func (c ExecutionContext) IsLocalZero() bool { return c.LocalRank == 0 }

// String implements fmt.Stringer.
func (c ExecutionContext) String() string {
	return fmt.Sprintf("rank %d/%d (node %d, local %d, phase %s)",
		c.GlobalRank, c.WorldSize, c.NodeRank, c.LocalRank, c.Phase)
}

// RankZeroInfof logs on global rank 0 only; the usual gate for per-run (as opposed to
// per-rank) messages.
func (c ExecutionContext) RankZeroInfof(format string, args ...any) {
	if c.IsGlobalZero() {
		klog.Infof(format, args...)
	}
}

// RankZeroWarningf warns on global rank 0 only.
func (c ExecutionContext) RankZeroWarningf(format string, args ...any) {
	if c.IsGlobalZero() {
		klog.Warningf(format, args...)
	}
}
