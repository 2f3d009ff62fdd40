package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// WorkRuntime is a channel-fed Runtime that executes a Processor for every
// unit submitted to it. ServeForever blocks on the work queue and the
// cancellation token; processed units are emitted on the Results channel.
//
// A WorkRuntime tracks its outstanding work so that it only reports idle
// once every submitted unit has been resolved, which is what group-level
// idle shutdown keys on.
type WorkRuntime struct {
	Base

	id             string
	processor      Processor
	logger         *zap.Logger
	tracer         trace.Tracer
	token          *CancelToken
	work           chan Unit
	results        chan Result
	pending        atomic.Int64
	processed      atomic.Int64
	processTimeout time.Duration
	closeOnce      sync.Once
}

// WorkOption configures a WorkRuntime.
type WorkOption func(*WorkRuntime)

// WithQueueSize sets the capacity of the work queue. Default 16.
func WithQueueSize(n int) WorkOption {
	return func(w *WorkRuntime) {
		if n > 0 {
			w.work = make(chan Unit, n)
		}
	}
}

// WithProcessTimeout bounds the processing of a single unit. Default 30s.
func WithProcessTimeout(d time.Duration) WorkOption {
	return func(w *WorkRuntime) {
		if d > 0 {
			w.processTimeout = d
		}
	}
}

// WithLogger sets the zap logger. Default is a production logger.
func WithLogger(logger *zap.Logger) WorkOption {
	return func(w *WorkRuntime) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorkRuntime creates a WorkRuntime executing the given processor.
// Returns an error if the processor is nil.
func NewWorkRuntime(processor Processor, opts ...WorkOption) (*WorkRuntime, error) {
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}

	logger, _ := zap.NewProduction()
	w := &WorkRuntime{
		id:             uuid.NewString(),
		processor:      processor,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runtime"),
		token:          NewCancelToken(),
		work:           make(chan Unit, 16),
		results:        make(chan Result, 16),
		processTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ID returns the runtime's replica identifier.
func (w *WorkRuntime) ID() string { return w.id }

// ServeForever drains the work queue until the cancellation token fires.
// Units already submitted when cancellation arrives are dropped; their
// pending count is released so the runtime still converges to idle.
func (w *WorkRuntime) ServeForever() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.token.Done()
		cancel()
	}()

	w.logger.Info("Runtime serving", zap.String("replicaID", w.id))
	defer w.logger.Info("Runtime unblocked", zap.String("replicaID", w.id))

	for {
		select {
		case <-w.token.Done():
			w.drain()
			return nil
		case unit := <-w.work:
			w.process(ctx, unit)
		}
	}
}

// Cancel signals the token, unblocking ServeForever. Idempotent, safe to
// call before ServeForever starts.
func (w *WorkRuntime) Cancel() error {
	w.token.Cancel()
	return nil
}

// Teardown closes the results channel. Safe to call once per lifecycle.
func (w *WorkRuntime) Teardown() error {
	w.closeOnce.Do(func() { close(w.results) })
	return nil
}

// Submit hands a unit to the runtime. It blocks until the unit is queued,
// the context expires, or the runtime has been cancelled.
func (w *WorkRuntime) Submit(ctx context.Context, unit Unit) error {
	if w.token.Cancelled() {
		return sdkerrors.ErrStopped
	}

	w.pending.Add(1)
	select {
	case w.work <- unit:
		return nil
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	case <-w.token.Done():
		w.pending.Add(-1)
		return sdkerrors.ErrStopped
	}
}

// Results returns the channel on which processed units are emitted.
func (w *WorkRuntime) Results() <-chan Result {
	return w.results
}

// Pending returns the number of units submitted but not yet resolved.
func (w *WorkRuntime) Pending() int {
	return int(w.pending.Load())
}

// Processed returns the number of units resolved so far.
func (w *WorkRuntime) Processed() int64 {
	return w.processed.Load()
}

// Idle reports whether the runtime has no outstanding work.
func (w *WorkRuntime) Idle() bool {
	return w.pending.Load() == 0
}

func (w *WorkRuntime) process(ctx context.Context, unit Unit) {
	defer w.pending.Add(-1)
	defer w.processed.Add(1)

	ctx, span := w.tracer.Start(ctx, "runtime.process",
		trace.WithAttributes(
			attribute.String("replica.id", w.id),
			attribute.String("unit.id", unit.ID),
			attribute.String("unit.subject", unit.Subject),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, w.processTimeout)
	defer cancel()

	start := time.Now()
	out, err := w.processor.Process(processCtx, unit)
	span.SetAttributes(attribute.Int64("processing.duration_ms", time.Since(start).Milliseconds()))

	result := Result{UnitID: unit.ID, ReplicaID: w.id}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("Error processing unit",
			zap.String("replicaID", w.id),
			zap.String("unitID", unit.ID),
			zap.Duration("processingTime", time.Since(start)),
			zap.Error(err))
		result.Err = fmt.Errorf("unit %s: %w", unit.ID, err)
	} else {
		span.SetStatus(codes.Ok, "Unit processed successfully")
		result.Payload = out.Payload
	}

	select {
	case w.results <- result:
	case <-w.token.Done():
		// Cancelled before the result could be delivered; drop it.
		w.logger.Debug("Dropping result after cancellation",
			zap.String("replicaID", w.id),
			zap.String("unitID", unit.ID))
	}
}

// drain releases the pending count of units that were queued but will never
// be processed because cancellation arrived first.
func (w *WorkRuntime) drain() {
	for {
		select {
		case <-w.work:
			w.pending.Add(-1)
		default:
			return
		}
	}
}
