// Package adc defines the ADC capability used by the sampling worker and the
// drivers that provide it: Linux IIO sysfs, the TinyGo machine ADC on RP2040,
// and a simulated ECG source for host runs and tests.
package adc

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfRange is returned when a calibrated reading does not fit in 16 bits.
	ErrOutOfRange = errors.New("adc: calibrated value out of 16-bit range")

	// ErrUnsupported is returned when a driver is not available on this platform.
	ErrUnsupported = errors.New("adc: driver not supported on this platform")

	// ErrInjected is the failure produced by Simulated.FailAfter.
	ErrInjected = errors.New("adc: injected read failure")
)

// Reader performs one calibrated, blocking conversion.
//
// A Reader is not safe for concurrent use; callers share it through a guard.
type Reader interface {
	Read() (uint16, error)
}

// ReadFunc adapts a plain function to the Reader interface.
type ReadFunc func() (uint16, error)

// Read calls f.
func (f ReadFunc) Read() (uint16, error) {
	return f()
}

// Calibration maps a raw conversion to the reported sample: raw*Scale + Offset.
// A zero Scale means 1.
type Calibration struct {
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Apply converts raw into a calibrated 16-bit sample.
func (c Calibration) Apply(raw int64) (uint16, error) {
	scale := c.Scale
	if scale == 0 {
		scale = 1
	}
	v := math.Round(float64(raw)*scale + c.Offset)
	if v < 0 || v > math.MaxUint16 {
		return 0, fmt.Errorf("%w: raw=%d calibrated=%.0f", ErrOutOfRange, raw, v)
	}
	return uint16(v), nil
}
