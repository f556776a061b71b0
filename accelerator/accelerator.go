// Package accelerator detects and represents the physical compute devices a training run
// executes on.
//
// An Accelerator deals with one class of hardware (CPU, GPU, ...). It knows how many
// devices are available, parses user-provided device specs ("auto", "4", "0,2,3") into
// concrete Device handles, and reports per-device stats. In the single-process-single-
// device model each worker process owns exactly one Device.
//
// Accelerators are registered by name, mirroring how compute backends register
// themselves, so alternative hardware support can be linked in by importing its package.
package accelerator

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device is a handle to one physical compute unit of an Accelerator.
type Device struct {
	// Type is the accelerator name this device belongs to, e.g. "cpu".
	Type string

	// Index of the device within its accelerator, starting at 0.
	Index int
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return d.Type + ":" + strconv.Itoa(d.Index)
}

// Accelerator is the capability interface for one class of compute hardware.
type Accelerator interface {
	// Name is the short accelerator name, e.g. "cpu".
	Name() string

	// IsAvailable reports whether this hardware class is usable on this host.
	IsAvailable() bool

	// AutoDeviceCount returns the device count used when the user asks for "auto".
	AutoDeviceCount() int

	// ParseDevices translates a device spec into concrete devices.
	// Accepted forms: "auto", a device count ("4"), or a comma-separated index list
	// ("0,2,3"). A configuration error names the offending spec.
	ParseDevices(spec string) ([]Device, error)

	// DeviceStats returns a metrics mapping for the device (memory, utilization, ...).
	DeviceStats(device Device) map[string]any

	// InitDevice prepares the device for exclusive use by this process.
	InitDevice(device Device) error

	// TeardownDevice releases any per-device resources. It must be safe to call after a
	// failed InitDevice.
	TeardownDevice(device Device) error
}

// Constructor builds an Accelerator.
type Constructor func() Accelerator

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an accelerator constructor under name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// PHOTON_ACCELERATOR is the environment variable naming the default accelerator to use.
const PHOTON_ACCELERATOR = "PHOTON_ACCELERATOR"

// New returns the default Accelerator: the one named by PHOTON_ACCELERATOR if set,
// otherwise the first registered one.
func New() (Accelerator, error) {
	if name, found := os.LookupEnv(PHOTON_ACCELERATOR); found {
		return NewByName(name)
	}
	return NewByName(firstRegistered)
}

// NewByName returns the registered Accelerator with the given name.
func NewByName(name string) (Accelerator, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New("no accelerators registered -- import an accelerator package, e.g. the built-in cpu")
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("accelerator %q is not registered (registered: %s)",
			name, strings.Join(registeredNames(), ", "))
	}
	return constructor(), nil
}

func registeredNames() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// parseDeviceSpec implements the shared spec grammar for accelerators.
func parseDeviceSpec(accelName, spec string, autoCount int) ([]Device, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.Errorf("empty device spec for accelerator %q", accelName)
	}
	if spec == "auto" {
		return sequentialDevices(accelName, autoCount), nil
	}
	if strings.Contains(spec, ",") {
		parts := strings.Split(spec, ",")
		devices := make([]Device, 0, len(parts))
		for _, part := range parts {
			index, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || index < 0 {
				return nil, errors.Errorf("invalid device index %q in spec %q for accelerator %q",
					part, spec, accelName)
			}
			devices = append(devices, Device{Type: accelName, Index: index})
		}
		return devices, nil
	}
	count, err := strconv.Atoi(spec)
	if err != nil || count <= 0 {
		return nil, errors.Errorf("invalid device spec %q for accelerator %q: "+
			`want "auto", a positive device count, or a comma-separated index list`, spec, accelName)
	}
	return sequentialDevices(accelName, count), nil
}

func sequentialDevices(accelName string, count int) []Device {
	devices := make([]Device, count)
	for i := range devices {
		devices[i] = Device{Type: accelName, Index: i}
	}
	return devices
}
