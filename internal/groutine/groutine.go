package groutine

import (
	"context"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const (
	goroutineNameKey ctxKey = "goroutine_name"
	pinnedCPUKey     ctxKey = "pinned_cpu"
)

type pinResult struct {
	cpu int
	err error
}

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "pump", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoPinned starts a named goroutine locked to its own OS thread and, where the
// platform allows it, restricted to the given CPU core. Pinning failures do
// not prevent fn from running; they are reported through PinnedCPU.
func GoPinned(parentCtx context.Context, name string, cpu int, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name, "cpu", strconv.Itoa(cpu))

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		// No UnlockOSThread: the thread's affinity changed, so it must die with fn.
		runtime.LockOSThread()

		ctx = context.WithValue(ctx, goroutineNameKey, name)
		ctx = context.WithValue(ctx, pinnedCPUKey, pinResult{cpu: cpu, err: pinCurrentThread(cpu)})
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PinnedCPU reports the core requested by GoPinned and whether pinning
// succeeded. ok is false for goroutines not started with GoPinned.
func PinnedCPU(ctx context.Context) (cpu int, err error, ok bool) {
	if ctx == nil {
		return 0, nil, false
	}
	if v, found := ctx.Value(pinnedCPUKey).(pinResult); found {
		return v.cpu, v.err, true
	}
	return 0, nil, false
}
