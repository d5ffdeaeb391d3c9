//go:build !linux || tinygo

package groutine

import "errors"

// errPinUnsupported is reported by PinnedCPU where thread affinity is not
// available. On TinyGo multicore targets the scheduler owns core placement.
var errPinUnsupported = errors.New("cpu pinning not supported on this platform")

func pinCurrentThread(cpu int) error {
	return errPinUnsupported
}
