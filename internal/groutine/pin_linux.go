//go:build linux && !tinygo

package groutine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinCurrentThread restricts the calling OS thread to a single CPU.
func pinCurrentThread(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("invalid cpu %d", cpu)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	// pid 0 targets the calling thread.
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}
