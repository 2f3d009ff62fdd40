// Package runtime defines the blocking execution body hosted by every
// Daedalus worker: the four-hook Runtime contract, its lifecycle State, the
// CancelToken used to unblock it across goroutines, and WorkRuntime, a
// channel-fed Runtime that turns a Processor into a serve-forever body.
//
// A Runtime owns no lifecycle management of its own. It is driven by a
// supervisor (see pkg/supervisor) which calls the hooks in strict order from
// a dedicated goroutine: Setup, then ServeForever, then Teardown. Cancel is
// the one exception: it is invoked from the supervising goroutine to unblock
// ServeForever.
package runtime

import "context"

// Runtime is the pluggable blocking execution body managed by a supervisor.
//
// Setup and Teardown pair together as optional preparation and cleanup;
// embed Base to inherit no-op defaults. ServeForever and Cancel pair
// together as blocking and unblocking and are mandatory for every
// implementation.
//
// The supervisor guarantees the following ordering for one instance:
//
//  1. Setup runs first. If it returns an error, ServeForever and Teardown
//     are never invoked and the runtime is marked failed.
//  2. ServeForever runs next and blocks until Cancel unblocks it or it
//     fails internally. An error returned from it is treated as an
//     implicit cancellation.
//  3. Teardown runs last, whenever Setup succeeded, regardless of how
//     ServeForever exited. Teardown is about cleaning, not cancelling.
type Runtime interface {
	// Setup prepares the runtime before serving. Optional; return nil if
	// there is nothing to prepare.
	Setup() error

	// ServeForever blocks until unblocked by Cancel or until the runtime
	// decides to fail. It must block on, or poll, a cross-goroutine-safe
	// signal such as a CancelToken.
	ServeForever() error

	// Cancel unblocks a running ServeForever in bounded time. It is called
	// from the supervising goroutine, never from inside ServeForever, and
	// must be idempotent. The signal must stick: a Cancel delivered before
	// ServeForever starts causes it to return immediately.
	Cancel() error

	// Teardown cleans up after ServeForever has been unblocked. Optional.
	Teardown() error
}

// Base provides no-op Setup and Teardown so concrete runtimes only have to
// implement the mandatory ServeForever/Cancel pair.
//
// Example:
//
//	type tailer struct {
//	    runtime.Base
//	    token *runtime.CancelToken
//	}
type Base struct{}

// Setup is a no-op.
func (Base) Setup() error { return nil }

// Teardown is a no-op.
func (Base) Teardown() error { return nil }

// Worker is implemented by runtimes that accept units of work while serving.
// Groups dispatch to their replicas through this interface; a Runtime that
// does not implement it can still be supervised but cannot receive work.
type Worker interface {
	Runtime

	// Submit hands a unit to the runtime. It blocks until the unit is
	// queued, the context expires, or the runtime has been cancelled.
	Submit(ctx context.Context, unit Unit) error

	// Results returns the channel on which processed units are emitted.
	// The channel is closed by Teardown.
	Results() <-chan Result

	// Pending returns the number of units submitted but not yet resolved.
	Pending() int

	// Idle reports whether the runtime has no outstanding work.
	Idle() bool
}
