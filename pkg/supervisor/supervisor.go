// Package supervisor bridges one runtime's lifecycle across a goroutine
// boundary. A Supervisor owns exactly one runtime.Runtime, drives it through
// setup, serve, and teardown in a dedicated goroutine, and exposes a safe,
// idempotent cancellation entry point to the goroutine that created it.
//
// The lifecycle state machine is transitioned only by the supervising
// goroutine; callers observe it read-only through State. Failures never
// panic the caller's goroutine: they are converted into a terminal state
// plus an error retrievable through Err.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// DefaultCancelTimeout bounds how long a cancelled runtime may stay blocked
// in ServeForever before the supervisor gives up on it.
const DefaultCancelTimeout = 30 * time.Second

// Reporter receives supervisor failures for out-of-band error tracking.
// See pkg/reporting for a Sentry-backed implementation.
type Reporter interface {
	ReportFailure(err error, tags map[string]string)
}

// Supervisor drives one runtime through its lifecycle in its own goroutine.
type Supervisor struct {
	id            string
	name          string
	rt            runtime.Runtime
	logger        *zap.Logger
	reporter      Reporter
	cancelTimeout time.Duration
	idleFunc      func() bool

	state     atomic.Int32
	started   atomic.Bool
	cancelled atomic.Bool
	// timedOut freezes the state machine once a cancellation timeout has
	// been declared; the abandoned goroutine must not overwrite Failed.
	timedOut atomic.Bool

	mu  sync.Mutex
	err error

	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	cancelOnce sync.Once
	watchOnce  sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the zap logger. Default is a production logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithName sets a human-readable name used in logs and state maps.
func WithName(name string) Option {
	return func(s *Supervisor) {
		if name != "" {
			s.name = name
		}
	}
}

// WithCancelTimeout overrides DefaultCancelTimeout.
func WithCancelTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.cancelTimeout = d
		}
	}
}

// WithReporter wires a failure reporter. Optional; if nil, failures are
// only logged.
func WithReporter(r Reporter) Option {
	return func(s *Supervisor) {
		s.reporter = r
	}
}

// WithIdleFunc overrides the idle signal. By default the supervisor asks
// the runtime when it implements interface{ Idle() bool } and otherwise
// reports idle whenever it is serving.
func WithIdleFunc(f func() bool) Option {
	return func(s *Supervisor) {
		s.idleFunc = f
	}
}

// New creates a supervisor owning the given runtime. The runtime must not
// be shared with another supervisor.
func New(rt runtime.Runtime, opts ...Option) (*Supervisor, error) {
	if rt == nil {
		return nil, fmt.Errorf("%w: runtime cannot be nil", sdkerrors.ErrInvalidConfig)
	}

	logger, _ := zap.NewProduction()
	id := uuid.NewString()
	s := &Supervisor{
		id:            id,
		name:          "supervisor-" + id[:8],
		rt:            rt,
		logger:        logger,
		cancelTimeout: DefaultCancelTimeout,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	s.state.Store(int32(runtime.StateCreated))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the supervisor's unique identifier.
func (s *Supervisor) ID() string { return s.id }

// Name returns the supervisor's display name.
func (s *Supervisor) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Supervisor) State() runtime.State {
	return runtime.State(s.state.Load())
}

// Err returns the first failure recorded for this supervisor, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Runtime returns the owned runtime. Exposed for groups that need to reach
// the work-submission surface; lifecycle hooks must never be called on it
// directly.
func (s *Supervisor) Runtime() runtime.Runtime { return s.rt }

// Start spawns the supervising goroutine and returns immediately. Inside
// the goroutine, Setup, ServeForever, and Teardown run in strict order with
// the state machine transitioned at each step. Calling Start twice errors.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: supervisor %s", sdkerrors.ErrAlreadyStarted, s.name)
	}
	if err := ctx.Err(); err != nil {
		s.started.Store(false)
		return err
	}

	s.logger.Info("Supervisor starting", zap.String("supervisor", s.name))
	go s.run()
	return nil
}

// run is the supervising goroutine. It is the only writer of the state
// machine (outside the cancellation-timeout escape hatch).
func (s *Supervisor) run() {
	// A cancel delivered before Start still gets its timeout watchdog.
	if s.cancelled.Load() {
		s.armWatch()
	}

	s.setState(runtime.StateSettingUp)

	if err := s.rt.Setup(); err != nil {
		failure := fmt.Errorf("%w: %w", sdkerrors.ErrSetupFailed, err)
		s.recordErr(failure)
		s.report(failure)
		s.logger.Error("Runtime setup failed",
			zap.String("supervisor", s.name),
			zap.Error(err))
		s.setState(runtime.StateFailed)
		s.signalReady()
		s.signalDone()
		return
	}

	s.setState(runtime.StateServing)
	s.signalReady()
	s.logger.Info("Runtime serving", zap.String("supervisor", s.name))

	serveErr := s.rt.ServeForever()
	s.setState(runtime.StateCancelling)
	if serveErr != nil {
		failure := fmt.Errorf("%w: %w", sdkerrors.ErrRuntimeFailed, serveErr)
		s.recordErr(failure)
		s.report(failure)
		s.logger.Error("Runtime failed while serving",
			zap.String("supervisor", s.name),
			zap.Error(serveErr))
	}

	if err := s.rt.Teardown(); err != nil {
		failure := fmt.Errorf("%w: %w", sdkerrors.ErrTeardownFailed, err)
		s.recordErr(failure)
		s.report(failure)
		s.logger.Error("Runtime teardown failed",
			zap.String("supervisor", s.name),
			zap.Error(err))
	}
	s.setState(runtime.StateTornDown)

	s.setState(runtime.StateTerminated)
	s.logger.Info("Supervisor terminated", zap.String("supervisor", s.name))
	s.signalDone()
}

// Cancel delivers the cancellation signal to the runtime. It is idempotent
// and safe to call from any goroutine, including before the runtime reaches
// Serving: the signal sticks, so a late-starting ServeForever returns
// immediately and teardown still runs.
//
// State stays Serving for the whole cancel window: only the supervising
// goroutine transitions the machine, so Cancelling becomes observable once
// ServeForever has actually returned, not when the signal is delivered.
//
// If the runtime does not unblock within the cancel timeout, the supervisor
// records ErrCancellationTimeout, moves to Failed, and abandons its
// goroutine; the caller's goroutine is never blocked.
func (s *Supervisor) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		s.logger.Info("Cancelling supervisor", zap.String("supervisor", s.name))
		if err := s.rt.Cancel(); err != nil {
			s.logger.Error("Runtime cancel hook failed",
				zap.String("supervisor", s.name),
				zap.Error(err))
		}
		if s.started.Load() {
			s.armWatch()
		}
	})
}

// armWatch spawns the cancellation watchdog at most once. Cancel arms it
// when the supervisor is already running; run arms it for cancels that
// landed before Start.
func (s *Supervisor) armWatch() {
	s.watchOnce.Do(func() { go s.watchCancellation() })
}

func (s *Supervisor) watchCancellation() {
	timer := time.NewTimer(s.cancelTimeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		failure := fmt.Errorf("%w: runtime did not unblock within %s",
			sdkerrors.ErrCancellationTimeout, s.cancelTimeout)
		s.timedOut.Store(true)
		s.recordErr(failure)
		s.report(failure)
		s.logger.Error("Cancellation timed out, abandoning runtime",
			zap.String("supervisor", s.name),
			zap.Duration("timeout", s.cancelTimeout))
		s.state.Store(int32(runtime.StateFailed))
		s.signalReady()
		s.signalDone()
	}
}

// WaitUntilReady blocks until the runtime reaches Serving or a terminal
// state. It returns the startup failure if setup raised.
func (s *Supervisor) WaitUntilReady(ctx context.Context) error {
	if !s.started.Load() {
		return sdkerrors.ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}
	if s.State() == runtime.StateFailed {
		return s.Err()
	}
	return nil
}

// Join blocks until the supervisor reaches Terminated or Failed and returns
// the recorded failure, nil on a clean exit.
func (s *Supervisor) Join(ctx context.Context) error {
	if !s.started.Load() {
		return sdkerrors.ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
	}
	return s.Err()
}

// IsIdle reports whether the supervisor's runtime has no outstanding work.
// A supervisor that is not serving is never idle in the idle-shutdown
// sense; it is either still starting or already on its way out.
func (s *Supervisor) IsIdle() bool {
	if s.State() != runtime.StateServing {
		return false
	}
	if s.idleFunc != nil {
		return s.idleFunc()
	}
	if ir, ok := s.rt.(interface{ Idle() bool }); ok {
		return ir.Idle()
	}
	return true
}

func (s *Supervisor) setState(next runtime.State) {
	if s.timedOut.Load() {
		return
	}
	s.state.Store(int32(next))
}

func (s *Supervisor) recordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Supervisor) report(err error) {
	if s.reporter == nil {
		return
	}
	s.reporter.ReportFailure(err, map[string]string{
		"supervisor": s.name,
		"state":      s.State().String(),
	})
}

func (s *Supervisor) signalReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Supervisor) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
