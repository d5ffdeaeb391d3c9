package groutine

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_NamesGoroutine(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "pump", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "pump", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoPinned_ReportsRequestedCPU(t *testing.T) {
	type result struct {
		name string
		cpu  int
		err  error
		ok   bool
	}
	got := make(chan result, 1)

	GoPinned(context.Background(), "sampler", 0, func(ctx context.Context) {
		cpu, err, ok := PinnedCPU(ctx)
		got <- result{name: GetName(ctx), cpu: cpu, err: err, ok: ok}
	})

	select {
	case r := <-got:
		assert.Equal(t, "sampler", r.name)
		assert.True(t, r.ok)
		assert.Equal(t, 0, r.cpu)
		if runtime.GOOS == "linux" {
			// CPU 0 always exists unless the test runs under a restricted cpuset.
			assert.NoError(t, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("pinned goroutine did not run")
	}
}

func TestGoPinned_InvalidCPUStillRuns(t *testing.T) {
	got := make(chan error, 1)
	GoPinned(context.Background(), "sampler", -1, func(ctx context.Context) {
		_, err, _ := PinnedCPU(ctx)
		got <- err
	})

	select {
	case err := <-got:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pinned goroutine did not run")
	}
}

func TestContextHelpers_NilAndPlain(t *testing.T) {
	//nolint:staticcheck // nil context is handled explicitly
	assert.Equal(t, "", GetName(nil))

	_, _, ok := PinnedCPU(context.Background())
	assert.False(t, ok)
}
