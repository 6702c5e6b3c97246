package inference

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"ftpipe/internal/logging"
)

// Releaser frees cached device memory held by a backend.
type Releaser interface {
	Release(ctx context.Context) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context) error

func (f ReleaserFunc) Release(ctx context.Context) error { return f(ctx) }

// WithDeviceScope runs fn for role with device memory released before and
// after it. Release happens on every exit path; a panic in fn is re-raised
// after cleanup.
func WithDeviceScope(ctx context.Context, role string, r Releaser, fn func(ctx context.Context) error) error {
	log := logging.FromContext(ctx)
	release := func(phase string) {
		start := time.Now()
		if r != nil {
			if err := r.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("role", role).Str("phase", phase).Msg("release device memory")
			}
		}
		runtime.GC()
		debug.FreeOSMemory()
		log.Debug().Str("role", role).Str("phase", phase).Dur("dur", time.Since(start)).Msg("device scope released")
	}
	release("enter")
	defer func() {
		p := recover()
		release("exit")
		if p != nil {
			panic(p)
		}
	}()
	return fn(ctx)
}
