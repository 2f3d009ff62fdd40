package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// mockRuntime is a configurable runtime recording hook invocations.
type mockRuntime struct {
	setupErr error
	serveErr error
	tdErr    error
	// ignoreCancel simulates a runtime that never honors its token.
	ignoreCancel bool

	token *runtime.CancelToken

	mu        sync.Mutex
	calls     []string
	setups    int32
	serves    int32
	teardowns int32
}

func newMockRuntime() *mockRuntime {
	return &mockRuntime{token: runtime.NewCancelToken()}
}

func (m *mockRuntime) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockRuntime) callOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockRuntime) Setup() error {
	atomic.AddInt32(&m.setups, 1)
	m.record("setup")
	return m.setupErr
}

func (m *mockRuntime) ServeForever() error {
	atomic.AddInt32(&m.serves, 1)
	m.record("serve")
	if m.serveErr != nil {
		return m.serveErr
	}
	if m.ignoreCancel {
		// Block forever; this runtime is broken by design of the test.
		select {}
	}
	<-m.token.Done()
	return nil
}

func (m *mockRuntime) Cancel() error {
	if !m.ignoreCancel {
		m.token.Cancel()
	}
	return nil
}

func (m *mockRuntime) Teardown() error {
	atomic.AddInt32(&m.teardowns, 1)
	m.record("teardown")
	return m.tdErr
}

// recordingReporter captures reported failures.
type recordingReporter struct {
	mu      sync.Mutex
	reports []error
}

func (r *recordingReporter) ReportFailure(err error, tags map[string]string) {
	r.mu.Lock()
	r.reports = append(r.reports, err)
	r.mu.Unlock()
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func newTestSupervisor(t *testing.T, rt runtime.Runtime, opts ...Option) *Supervisor {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	s, err := New(rt, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, sdkerrors.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for nil runtime, got: %v", err)
	}
}

func TestLifecycleOrder(t *testing.T) {
	rt := newMockRuntime()
	s := newTestSupervisor(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}
	if got := s.State(); got != runtime.StateServing {
		t.Errorf("Expected serving, got %s", got)
	}

	s.Cancel()
	if err := s.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if got := s.State(); got != runtime.StateTerminated {
		t.Errorf("Expected terminated, got %s", got)
	}
	expected := []string{"setup", "serve", "teardown"}
	got := rt.callOrder()
	if len(got) != len(expected) {
		t.Fatalf("Expected calls %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Expected %s at position %d, got %s", expected[i], i, got[i])
		}
	}
}

func TestStartTwice(t *testing.T) {
	rt := newMockRuntime()
	s := newTestSupervisor(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, sdkerrors.ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got: %v", err)
	}

	s.Cancel()
	s.Join(ctx)
}

func TestSetupFailure(t *testing.T) {
	rt := newMockRuntime()
	rt.setupErr = errors.New("no database")
	reporter := &recordingReporter{}
	s := newTestSupervisor(t, rt, WithReporter(reporter))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := s.WaitUntilReady(ctx)
	if !sdkerrors.IsSetupFailure(err) {
		t.Errorf("Expected a setup failure, got: %v", err)
	}
	if err := s.Join(ctx); !sdkerrors.IsSetupFailure(err) {
		t.Errorf("Expected setup failure from Join, got: %v", err)
	}

	if got := s.State(); got != runtime.StateFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	// Neither ServeForever nor Teardown may run after a failed setup.
	if n := atomic.LoadInt32(&rt.serves); n != 0 {
		t.Errorf("Expected 0 serves, got %d", n)
	}
	if n := atomic.LoadInt32(&rt.teardowns); n != 0 {
		t.Errorf("Expected 0 teardowns, got %d", n)
	}
	if reporter.count() != 1 {
		t.Errorf("Expected 1 reported failure, got %d", reporter.count())
	}
}

func TestServeFailureStillTearsDown(t *testing.T) {
	rt := newMockRuntime()
	rt.serveErr = errors.New("connection lost")
	s := newTestSupervisor(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := s.Join(ctx)
	if !sdkerrors.IsRuntimeFailure(err) {
		t.Errorf("Expected a runtime failure, got: %v", err)
	}
	// A serve error is an implicit cancellation: teardown still runs and
	// the supervisor reaches the clean terminal state.
	if n := atomic.LoadInt32(&rt.teardowns); n != 1 {
		t.Errorf("Expected 1 teardown, got %d", n)
	}
	if got := s.State(); got != runtime.StateTerminated {
		t.Errorf("Expected terminated, got %s", got)
	}
}

func TestTeardownFailureIsBestEffort(t *testing.T) {
	rt := newMockRuntime()
	rt.tdErr = errors.New("leaking socket")
	s := newTestSupervisor(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}
	s.Cancel()

	err := s.Join(ctx)
	if !errors.Is(err, sdkerrors.ErrTeardownFailed) {
		t.Errorf("Expected teardown failure, got: %v", err)
	}
	if got := s.State(); got != runtime.StateTerminated {
		t.Errorf("Teardown failure must not reopen the machine, got %s", got)
	}
}

func TestCancelIdempotentConcurrent(t *testing.T) {
	rt := newMockRuntime()
	s := newTestSupervisor(t, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
	}
	wg.Wait()

	if err := s.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if n := atomic.LoadInt32(&rt.teardowns); n != 1 {
		t.Errorf("Teardown must run exactly once, ran %d times", n)
	}
}

func TestCancelBeforeServing(t *testing.T) {
	rt := newMockRuntime()
	s := newTestSupervisor(t, rt)

	// Cancel before Start: the signal sticks and teardown still happens.
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if n := atomic.LoadInt32(&rt.teardowns); n != 1 {
		t.Errorf("Expected exactly one teardown, got %d", n)
	}
	if got := s.State(); got != runtime.StateTerminated {
		t.Errorf("Expected terminated, got %s", got)
	}
}

func TestCancellationTimeout(t *testing.T) {
	rt := newMockRuntime()
	rt.ignoreCancel = true
	reporter := &recordingReporter{}
	s := newTestSupervisor(t, rt,
		WithCancelTimeout(50*time.Millisecond),
		WithReporter(reporter))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}

	s.Cancel()

	err := s.Join(ctx)
	if !sdkerrors.IsCancellationTimeout(err) {
		t.Errorf("Expected a cancellation timeout, got: %v", err)
	}
	if got := s.State(); got != runtime.StateFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	if reporter.count() != 1 {
		t.Errorf("Expected 1 reported failure, got %d", reporter.count())
	}
}

func TestCancelBeforeStartStillTimesOut(t *testing.T) {
	rt := newMockRuntime()
	rt.ignoreCancel = true
	reporter := &recordingReporter{}
	s := newTestSupervisor(t, rt,
		WithCancelTimeout(50*time.Millisecond),
		WithReporter(reporter))

	// The cancel lands before Start; the watchdog must still be armed so a
	// runtime that ignores the signal cannot hang the supervisor forever.
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := s.Join(ctx)
	if !sdkerrors.IsCancellationTimeout(err) {
		t.Errorf("Expected a cancellation timeout, got: %v", err)
	}
	if got := s.State(); got != runtime.StateFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	if reporter.count() != 1 {
		t.Errorf("Expected 1 reported failure, got %d", reporter.count())
	}
}

func TestWaitUntilReadyBeforeStart(t *testing.T) {
	s := newTestSupervisor(t, newMockRuntime())

	if err := s.WaitUntilReady(context.Background()); !errors.Is(err, sdkerrors.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got: %v", err)
	}
	if err := s.Join(context.Background()); !errors.Is(err, sdkerrors.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got: %v", err)
	}
}

func TestIsIdle(t *testing.T) {
	rt := newMockRuntime()
	s := newTestSupervisor(t, rt)

	if s.IsIdle() {
		t.Error("A supervisor that is not serving is never idle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady failed: %v", err)
	}
	// mockRuntime does not track work, so a serving supervisor is idle.
	if !s.IsIdle() {
		t.Error("Expected idle while serving without work")
	}

	s.Cancel()
	s.Join(ctx)
	if s.IsIdle() {
		t.Error("A terminated supervisor is not idle")
	}
}
