package accelerator

import (
	"runtime"
)

// CPUName is the registered name of the CPU accelerator.
const CPUName = "cpu"

func init() {
	Register(CPUName, func() Accelerator { return &CPU{} })
}

// CPU is the accelerator for plain host execution. It is always available.
//
// CPU "devices" are virtual: asking for N devices yields N worker processes sharing the
// host cores, which is how multi-process data-parallel runs are exercised without
// dedicated hardware.
type CPU struct{}

var _ Accelerator = (*CPU)(nil)

// Name returns "cpu".
func (c *CPU) Name() string { return CPUName }

// IsAvailable always returns true for CPU.
func (c *CPU) IsAvailable() bool { return true }

// AutoDeviceCount returns 1: a single worker process is the sane default on CPU, where
// extra replicas contend for the same cores.
func (c *CPU) AutoDeviceCount() int { return 1 }

// ParseDevices translates a device spec into virtual CPU devices.
func (c *CPU) ParseDevices(spec string) ([]Device, error) {
	return parseDeviceSpec(CPUName, spec, c.AutoDeviceCount())
}

// DeviceStats reports process-level memory and scheduler stats; CPU devices are virtual
// so all of them report the same numbers.
func (c *CPU) DeviceStats(device Device) map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return map[string]any{
		"alloc_bytes":    memStats.Alloc,
		"sys_bytes":      memStats.Sys,
		"num_gc":         memStats.NumGC,
		"num_goroutines": runtime.NumGoroutine(),
		"num_cpus":       runtime.NumCPU(),
	}
}

// InitDevice is a no-op for CPU.
func (c *CPU) InitDevice(device Device) error { return nil }

// TeardownDevice is a no-op for CPU.
func (c *CPU) TeardownDevice(device Device) error { return nil }
