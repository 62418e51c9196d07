package tensor

import (
	"errors"
	"fmt"
	"strings"
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ErrAcceleratorUnavailable is returned when an accelerator is requested on a
// build or host that has none.
var ErrAcceleratorUnavailable = errors.New("no accelerator available")

// acceleratorProbe reports whether an accelerator backend is linked in. The
// default build computes on the host only.
var acceleratorProbe = func() bool { return false }

// ParseDevice maps a user-supplied device name to a DeviceType.
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "metal", "accelerator":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// ProbeDevice verifies the requested device can be used. Requesting an
// accelerator that is not present is fatal for callers.
func ProbeDevice(requested DeviceType) error {
	if requested == GPU && !acceleratorProbe() {
		return fmt.Errorf("device %s: %w", requested, ErrAcceleratorUnavailable)
	}
	return nil
}
