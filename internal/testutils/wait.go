package testutils

import (
	"testing"
	"time"
)

// WaitErr waits for a single result from done and fails the test if none
// arrives within timeout.
func WaitErr(t testing.TB, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for result", timeout)
		return nil
	}
}

// WaitClosed waits for ch to be closed or to deliver a value.
func WaitClosed(t testing.TB, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}
