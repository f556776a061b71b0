package train

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// LoggerSink is the logger-sink protocol: hosted experiment trackers plug in behind this
// interface; the framework itself only ships the klog-backed sink.
type LoggerSink interface {
	// LogMetrics records metric values for one global step.
	LogMetrics(step int64, metrics map[string]float64) error

	// Close flushes and releases the sink.
	Close() error
}

// KlogSink writes metrics to the process log, on global rank 0 only.
type KlogSink struct {
	ctx ExecutionContext
}

var _ LoggerSink = (*KlogSink)(nil)

// NewKlogSink returns a sink gated on the execution context's rank.
func NewKlogSink(ctx ExecutionContext) *KlogSink {
	return &KlogSink{ctx: ctx}
}

// LogMetrics logs the metrics in deterministic key order.
func (s *KlogSink) LogMetrics(step int64, metrics map[string]float64) error {
	if !s.ctx.IsGlobalZero() {
		return nil
	}
	parts := make([]string, 0, len(metrics))
	for name := range metrics {
		parts = append(parts, name)
	}
	sort.Strings(parts)
	for i, name := range parts {
		parts[i] = fmt.Sprintf("%s=%g", name, metrics[name])
	}
	klog.Infof("step %d: %s", step, strings.Join(parts, ", "))
	return nil
}

// Close is a no-op for the klog sink.
func (s *KlogSink) Close() error { return nil }
