// Package supervisor owns the root context and runs the relay's
// long-running tasks under a single errgroup, so the first fatal error
// cancels every other task and Run returns that error to the caller.
package supervisor

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runnable is any long-running task that blocks until ctx is cancelled or it
// hits a fatal error.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunFunc adapts a plain function to Runnable, the way http.HandlerFunc
// adapts a function to http.Handler — for tasks like
// reflection.Responder.ResetLoop whose method isn't already named Run.
type RunFunc func(ctx context.Context) error

// Run calls f.
func (f RunFunc) Run(ctx context.Context) error { return f(ctx) }

// Deps bundles every long-running task the supervisor starts. Admin is
// nilable: when the admin bind address is unset, the admin surface is never
// constructed and no goroutine or socket for it exists.
type Deps struct {
	Engine       Runnable
	Heartbeat    Runnable
	Reflection   Runnable
	ReflectionGC Runnable
	Admin        Runnable
}

// Run starts every configured task under one errgroup and blocks until all
// of them return. The first non-nil error cancels the shared context; every
// other task is expected to observe ctx.Done() at its next suspension point
// and return nil.
func Run(ctx context.Context, deps Deps) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Engine.Run(ctx) })
	g.Go(func() error { return deps.Heartbeat.Run(ctx) })
	g.Go(func() error { return deps.Reflection.Run(ctx) })
	g.Go(func() error { return deps.ReflectionGC.Run(ctx) })
	if deps.Admin != nil {
		g.Go(func() error { return deps.Admin.Run(ctx) })
	}

	return g.Wait()
}
