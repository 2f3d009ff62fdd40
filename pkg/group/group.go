// Package group orchestrates a replica set of supervised runtimes: N
// parallel replicas built from one runtime factory, optionally wrapped by
// single pre- and post-stage supervisors, with work routed per the
// configured polling and scheduling policies.
//
// Control flows top-down (group starts and cancels its supervisors);
// liveness and idle signals flow bottom-up. The group itself runs in the
// caller's goroutine and only issues non-blocking starts and cancels plus
// bounded waits for readiness.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
	"github.com/wehubfusion/Daedalus/pkg/supervisor"
)

// Group maintains N parallel supervisors plus optional pre/post stages and
// routes units of work among them.
type Group struct {
	cfg      Config
	factory  RuntimeFactory
	logger   *zap.Logger
	tracer   trace.Tracer
	reporter supervisor.Reporter
	delegate *remote.Client

	pre        *supervisor.Supervisor
	post       *supervisor.Supervisor
	replicas   []*supervisor.Supervisor
	workers    []runtime.Worker
	preWorker  runtime.Worker
	postWorker runtime.Worker

	results   chan runtime.Result
	rr        atomic.Uint64
	forwardWG sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	// stopping is closed when Stop begins; stopDone when it has finished.
	stopping chan struct{}
	stopDone chan struct{}

	mu       sync.Mutex
	stopErr  error
	outcomes map[string]*Outcome
}

// Outcome aggregates the per-replica results of one broadcast unit under
// PollAll. The outcome is partial/failed if any replica failed the unit;
// the other replicas are unaffected and keep serving subsequent units.
type Outcome struct {
	UnitID   string
	Results  []runtime.Result
	Failed   bool
	Expected int
}

// Complete reports whether every expected replica has resolved the unit.
func (o Outcome) Complete() bool {
	return len(o.Results) >= o.Expected
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the zap logger. Default is a production logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Group) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReporter wires a failure reporter into every supervisor the group
// spawns.
func WithReporter(r supervisor.Reporter) Option {
	return func(g *Group) {
		g.reporter = r
	}
}

// WithDelegate provides the control client used when the configuration
// selects delegated management. Required in that mode, ignored otherwise.
func WithDelegate(c *remote.Client) Option {
	return func(g *Group) {
		g.delegate = c
	}
}

// New validates the configuration and creates a group. No supervisor is
// spawned until Start. The factory may be nil only under delegated
// management, where the controller owns the runtimes.
func New(cfg Config, factory RuntimeFactory, opts ...Option) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, _ := zap.NewProduction()
	g := &Group{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		tracer:   otel.Tracer("daedalus/group"),
		stopping: make(chan struct{}),
		stopDone: make(chan struct{}),
		outcomes: make(map[string]*Outcome),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.delegated() {
		if g.delegate == nil {
			return nil, fmt.Errorf("%w: delegated management requires a control client", sdkerrors.ErrInvalidConfig)
		}
		return g, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: runtime factory cannot be nil", sdkerrors.ErrInvalidConfig)
	}
	return g, nil
}

// Name returns the group's configured name.
func (g *Group) Name() string { return g.cfg.Name }

func (g *Group) delegated() bool {
	return g.cfg.Remote.Access == remote.AccessDelegated
}

// Start spawns the topology (pre-stage, replicas, post-stage) concurrently
// and blocks until every supervisor is serving. On any startup failure the
// already-started supervisors are cancelled and the failure is returned;
// the group is then unusable.
//
// Under delegated management no local supervisor is spawned; the equivalent
// start request is issued to the remote controller instead.
func (g *Group) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: group %s", sdkerrors.ErrAlreadyStarted, g.cfg.Name)
	}

	if g.delegated() {
		g.logger.Info("Starting group via remote controller",
			zap.String("group", g.cfg.Name))
		return g.delegate.Start(ctx, g.cfg.Name)
	}

	if err := g.buildTopology(); err != nil {
		return err
	}

	sups := g.supervisors()
	g.logger.Info("Starting group",
		zap.String("group", g.cfg.Name),
		zap.Int("replicas", g.cfg.Replicas),
		zap.String("polling", g.cfg.Polling.String()),
		zap.String("scheduling", g.cfg.Scheduling.String()),
		zap.Int("supervisors", len(sups)))

	for _, s := range sups {
		if err := s.Start(ctx); err != nil {
			g.abortStartup(ctx)
			return fmt.Errorf("starting %s: %w", s.Name(), err)
		}
	}
	for _, s := range sups {
		if err := s.WaitUntilReady(ctx); err != nil {
			g.logger.Error("Supervisor failed to become ready",
				zap.String("group", g.cfg.Name),
				zap.String("supervisor", s.Name()),
				zap.Error(err))
			g.abortStartup(ctx)
			return fmt.Errorf("waiting for %s: %w", s.Name(), err)
		}
	}

	g.wireDataPath()

	if g.cfg.ShutdownIdle {
		go g.monitorIdle()
	}

	g.logger.Info("Group serving", zap.String("group", g.cfg.Name))
	return nil
}

// buildTopology instantiates one supervisor per replica plus the optional
// pre/post stages, each wrapping its own runtime instance.
func (g *Group) buildTopology() error {
	supOpts := func(name string) []supervisor.Option {
		opts := []supervisor.Option{
			supervisor.WithName(name),
			supervisor.WithLogger(g.logger),
		}
		if g.reporter != nil {
			opts = append(opts, supervisor.WithReporter(g.reporter))
		}
		return opts
	}

	if g.cfg.UsesBefore != nil {
		rt := g.cfg.UsesBefore()
		s, err := supervisor.New(rt, supOpts("before")...)
		if err != nil {
			return err
		}
		g.pre = s
		g.preWorker, _ = rt.(runtime.Worker)
	}

	g.replicas = make([]*supervisor.Supervisor, 0, g.cfg.Replicas)
	g.workers = make([]runtime.Worker, 0, g.cfg.Replicas)
	for i := 0; i < g.cfg.Replicas; i++ {
		rt := g.factory()
		s, err := supervisor.New(rt, supOpts(fmt.Sprintf("replica-%d", i))...)
		if err != nil {
			return err
		}
		g.replicas = append(g.replicas, s)
		w, _ := rt.(runtime.Worker)
		g.workers = append(g.workers, w)
	}

	if g.cfg.UsesAfter != nil {
		rt := g.cfg.UsesAfter()
		s, err := supervisor.New(rt, supOpts("after")...)
		if err != nil {
			return err
		}
		g.post = s
		g.postWorker, _ = rt.(runtime.Worker)
	}

	return nil
}

// supervisors returns all owned supervisors in topology order: pre-stage,
// replicas, post-stage.
func (g *Group) supervisors() []*supervisor.Supervisor {
	sups := make([]*supervisor.Supervisor, 0, len(g.replicas)+2)
	if g.pre != nil {
		sups = append(sups, g.pre)
	}
	sups = append(sups, g.replicas...)
	if g.post != nil {
		sups = append(sups, g.post)
	}
	return sups
}

func (g *Group) abortStartup(ctx context.Context) {
	for _, s := range g.supervisors() {
		s.Cancel()
	}
	for _, s := range g.supervisors() {
		if err := s.Join(ctx); err != nil && !errors.Is(err, sdkerrors.ErrNotStarted) {
			g.logger.Warn("Supervisor exited with error during startup abort",
				zap.String("supervisor", s.Name()),
				zap.Error(err))
		}
	}
}

// wireDataPath connects the worker runtimes' result channels: replicas feed
// the post-stage when configured, otherwise the group's Results channel;
// the pre-stage feeds the replica set.
func (g *Group) wireDataPath() {
	if !g.workersAvailable() {
		return
	}

	g.results = make(chan runtime.Result, 16*len(g.workers))

	if g.preWorker != nil {
		g.forwardWG.Add(1)
		go func() {
			defer g.forwardWG.Done()
			for r := range g.preWorker.Results() {
				if r.Err != nil {
					// Pre-stage failures never reach the replicas.
					g.deliver(r)
					continue
				}
				unit := runtime.Unit{ID: r.UnitID, Payload: r.Payload}
				if err := g.dispatchToReplicas(context.Background(), unit); err != nil {
					g.deliver(runtime.Result{UnitID: r.UnitID, Err: err})
				}
			}
		}()
	}

	for _, w := range g.workers {
		g.forwardWG.Add(1)
		go func(w runtime.Worker) {
			defer g.forwardWG.Done()
			for r := range w.Results() {
				g.recordOutcome(r)
				g.forwardReplicaResult(r)
			}
		}(w)
	}

	if g.postWorker != nil {
		g.forwardWG.Add(1)
		go func() {
			defer g.forwardWG.Done()
			for r := range g.postWorker.Results() {
				g.deliver(r)
			}
		}()
	}

	// Results closes only after every forwarder has returned, which the
	// stop order guarantees happens teardown by teardown.
	go func() {
		g.forwardWG.Wait()
		close(g.results)
	}()
}

func (g *Group) workersAvailable() bool {
	for _, w := range g.workers {
		if w == nil {
			return false
		}
	}
	return len(g.workers) > 0
}

func (g *Group) forwardReplicaResult(r runtime.Result) {
	if g.postWorker != nil && r.Err == nil {
		unit := runtime.Unit{ID: r.UnitID, Payload: r.Payload}
		if err := g.postWorker.Submit(context.Background(), unit); err != nil {
			g.deliver(runtime.Result{UnitID: r.UnitID, ReplicaID: r.ReplicaID, Err: err})
		}
		return
	}
	g.deliver(r)
}

func (g *Group) deliver(r runtime.Result) {
	select {
	case g.results <- r:
	case <-g.stopping:
		// The group is shutting down; late results are dropped.
	}
}

// Results returns the fan-in of replica results, routed through the
// post-stage when one is configured. The channel closes after Stop once
// every in-flight result has drained. Nil when the replica runtimes do not
// accept work or management is delegated.
func (g *Group) Results() <-chan runtime.Result {
	return g.results
}

// Dispatch routes one unit of work into the group. Under PollAny exactly
// one replica consumes it, chosen by the scheduling policy; under PollAll
// every replica receives it exactly once and the aggregated outcome is
// available through Outcome. When a pre-stage is configured the unit passes
// through it first.
func (g *Group) Dispatch(ctx context.Context, unit runtime.Unit) error {
	if !g.started.Load() {
		return sdkerrors.ErrNotStarted
	}
	if g.delegated() {
		return fmt.Errorf("%w: a delegated group routes work on the controller side", sdkerrors.ErrInvalidConfig)
	}
	select {
	case <-g.stopping:
		return sdkerrors.ErrStopped
	default:
	}
	if !g.workersAvailable() {
		return fmt.Errorf("%w: replica runtimes do not accept work", sdkerrors.ErrInvalidConfig)
	}

	ctx, span := g.tracer.Start(ctx, "group.Dispatch",
		trace.WithAttributes(
			attribute.String("group", g.cfg.Name),
			attribute.String("unit.id", unit.ID),
			attribute.String("polling", g.cfg.Polling.String()),
		))
	defer span.End()

	if g.cfg.Polling == PollAll {
		g.registerOutcome(unit.ID)
	}

	var err error
	if g.preWorker != nil {
		err = g.preWorker.Submit(ctx, unit)
	} else {
		err = g.dispatchToReplicas(ctx, unit)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "dispatched")
	return nil
}

func (g *Group) dispatchToReplicas(ctx context.Context, unit runtime.Unit) error {
	if g.cfg.Polling == PollAll {
		return g.broadcast(ctx, unit)
	}

	idx := g.pickReplica()
	return g.workers[idx].Submit(ctx, unit)
}

// pickReplica applies the scheduling policy. Load balancing reads each
// worker's pending count, which is incremented synchronously on submit, so
// back-to-back dispatches spread across idle replicas. Ties go to the
// replica that has processed the fewest units so far.
func (g *Group) pickReplica() int {
	switch g.cfg.Scheduling {
	case ScheduleRoundRobin:
		return int((g.rr.Add(1) - 1) % uint64(len(g.workers)))
	default: // ScheduleLoadBalance
		best := 0
		bestPending := g.workers[0].Pending()
		for i := 1; i < len(g.workers); i++ {
			p := g.workers[i].Pending()
			if p < bestPending || (p == bestPending && processedCount(g.workers[i]) < processedCount(g.workers[best])) {
				best, bestPending = i, p
			}
		}
		return best
	}
}

func processedCount(w runtime.Worker) int64 {
	if pc, ok := w.(interface{ Processed() int64 }); ok {
		return pc.Processed()
	}
	return 0
}

// broadcast delivers the unit to every replica exactly once. A submission
// failure on one replica marks the outcome failed but does not stop
// delivery to the others.
func (g *Group) broadcast(ctx context.Context, unit runtime.Unit) error {
	var errs []error
	for i, w := range g.workers {
		if err := w.Submit(ctx, unit); err != nil {
			g.failOutcome(unit.ID)
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Group) registerOutcome(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[unitID] = &Outcome{UnitID: unitID, Expected: len(g.workers)}
}

func (g *Group) failOutcome(unitID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.outcomes[unitID]; ok {
		o.Failed = true
		o.Expected--
	}
}

func (g *Group) recordOutcome(r runtime.Result) {
	if g.cfg.Polling != PollAll {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.outcomes[r.UnitID]
	if !ok {
		return
	}
	o.Results = append(o.Results, r)
	if r.Err != nil {
		o.Failed = true
	}
}

// Outcome returns the aggregation state of one broadcast unit. The second
// return is false for unknown units or when polling is not PollAll.
func (g *Group) Outcome(unitID string) (Outcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.outcomes[unitID]
	if !ok {
		return Outcome{}, false
	}
	return o.snapshot(), true
}

// Outcomes returns the aggregation state of every broadcast unit dispatched
// so far, keyed by unit ID. Empty unless polling is PollAll.
func (g *Group) Outcomes() map[string]Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Outcome, len(g.outcomes))
	for id, o := range g.outcomes {
		out[id] = o.snapshot()
	}
	return out
}

func (o *Outcome) snapshot() Outcome {
	s := *o
	s.Results = append([]runtime.Result(nil), o.Results...)
	return s
}

// Stop cancels the whole topology in a deterministic order: post-stage
// first (so no replica output is dropped mid-flight), then all replicas
// concurrently, then the pre-stage (so nothing can feed replicas that are
// already cancelling). The group is only considered stopped once every
// supervisor reached Terminated or Failed. Idempotent; concurrent calls
// wait for the first one.
func (g *Group) Stop(ctx context.Context) error {
	if !g.started.Load() {
		return sdkerrors.ErrNotStarted
	}

	if g.delegated() {
		return g.delegate.Cancel(ctx, g.cfg.Name)
	}

	g.stopOnce.Do(func() {
		close(g.stopping)
		g.logger.Info("Stopping group", zap.String("group", g.cfg.Name))

		var errs []error
		stopOne := func(s *supervisor.Supervisor) {
			s.Cancel()
			if err := s.Join(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}

		if g.post != nil {
			stopOne(g.post)
		}

		var wg sync.WaitGroup
		replicaErrs := make([]error, len(g.replicas))
		for i, s := range g.replicas {
			wg.Add(1)
			go func(i int, s *supervisor.Supervisor) {
				defer wg.Done()
				s.Cancel()
				if err := s.Join(ctx); err != nil {
					replicaErrs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				}
			}(i, s)
		}
		wg.Wait()
		for _, err := range replicaErrs {
			if err != nil {
				errs = append(errs, err)
			}
		}

		if g.pre != nil {
			stopOne(g.pre)
		}

		g.mu.Lock()
		g.stopErr = errors.Join(errs...)
		g.mu.Unlock()

		g.logger.Info("Group stopped",
			zap.String("group", g.cfg.Name),
			zap.Bool("clean", len(errs) == 0))
		close(g.stopDone)
	})

	select {
	case <-g.stopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopErr
}

// States returns the lifecycle state of every owned supervisor keyed by
// name. Empty under delegated management; use Status instead.
func (g *Group) States() map[string]runtime.State {
	states := make(map[string]runtime.State)
	for _, s := range g.supervisors() {
		states[s.Name()] = s.State()
	}
	return states
}

// Status returns the per-supervisor states of a delegated group as reported
// by its remote controller.
func (g *Group) Status(ctx context.Context) (map[string]runtime.State, error) {
	if !g.delegated() {
		return g.States(), nil
	}
	return g.delegate.Status(ctx, g.cfg.Name)
}

// Errs returns the recorded failure of every owned supervisor keyed by
// name. Supervisors without a failure are omitted; one replica's failure is
// never promoted to a group crash.
func (g *Group) Errs() map[string]error {
	errs := make(map[string]error)
	for _, s := range g.supervisors() {
		if err := s.Err(); err != nil {
			errs[s.Name()] = err
		}
	}
	return errs
}

// monitorIdle ticks until it observes every replica idle at the same time,
// then stops the group exactly once. A replica only reports idle when it
// has no outstanding unit, so idle shutdown cannot race in-flight work.
func (g *Group) monitorIdle() {
	ticker := time.NewTicker(g.cfg.IdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopping:
			return
		case <-ticker.C:
			if g.allReplicasIdle() {
				g.logger.Info("All replicas idle, shutting down group",
					zap.String("group", g.cfg.Name))
				if err := g.Stop(context.Background()); err != nil {
					g.logger.Error("Idle shutdown failed",
						zap.String("group", g.cfg.Name),
						zap.Error(err))
				}
				return
			}
		}
	}
}

func (g *Group) allReplicasIdle() bool {
	for _, s := range g.replicas {
		if !s.IsIdle() {
			return false
		}
	}
	return true
}
