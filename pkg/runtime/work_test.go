package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func echoProcessor() Processor {
	return ProcessorFunc(func(ctx context.Context, unit Unit) (Unit, error) {
		return unit, nil
	})
}

func TestNewWorkRuntimeValidation(t *testing.T) {
	if _, err := NewWorkRuntime(nil); err == nil {
		t.Error("Expected error for nil processor")
	}

	w, err := NewWorkRuntime(echoProcessor(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if w.ID() == "" {
		t.Error("Expected a generated replica ID")
	}
}

func TestWorkRuntimeProcessesUnits(t *testing.T) {
	w, err := NewWorkRuntime(ProcessorFunc(func(ctx context.Context, unit Unit) (Unit, error) {
		unit.Payload = []byte(strings.ToUpper(string(unit.Payload)))
		return unit, nil
	}), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- w.ServeForever() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unit := NewUnit("test", []byte("hello"))
	if err := w.Submit(ctx, unit); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case r := <-w.Results():
		if r.UnitID != unit.ID {
			t.Errorf("Expected result for unit %s, got %s", unit.ID, r.UnitID)
		}
		if r.Err != nil {
			t.Errorf("Expected no processing error, got: %v", r.Err)
		}
		if string(r.Payload) != "HELLO" {
			t.Errorf("Expected HELLO, got %s", r.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for result")
	}

	// The counters settle just after the result is emitted.
	deadline := time.After(time.Second)
	for w.Processed() != 1 || !w.Idle() {
		select {
		case <-deadline:
			t.Fatalf("Counters did not settle: processed=%d idle=%v", w.Processed(), w.Idle())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Expected clean serve exit, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeForever did not unblock after Cancel")
	}
}

func TestWorkRuntimeProcessorError(t *testing.T) {
	w, err := NewWorkRuntime(ProcessorFunc(func(ctx context.Context, unit Unit) (Unit, error) {
		return unit, errors.New("bad unit")
	}), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	go w.ServeForever()
	defer w.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unit := NewUnit("test", []byte("x"))
	if err := w.Submit(ctx, unit); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case r := <-w.Results():
		if r.Err == nil {
			t.Error("Expected a failed result")
		}
		if !strings.Contains(r.Err.Error(), "bad unit") {
			t.Errorf("Expected processor error in result, got: %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for result")
	}
}

func TestWorkRuntimeSubmitAfterCancel(t *testing.T) {
	w, err := NewWorkRuntime(echoProcessor(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- w.ServeForever() }()

	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	<-serveDone

	err = w.Submit(context.Background(), NewUnit("test", nil))
	if !errors.Is(err, sdkerrors.ErrStopped) {
		t.Errorf("Expected ErrStopped, got: %v", err)
	}
}

func TestWorkRuntimeCancelBeforeServe(t *testing.T) {
	w, err := NewWorkRuntime(echoProcessor(), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// The signal must stick: a cancel delivered before ServeForever starts
	// causes it to return immediately.
	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- w.ServeForever() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ServeForever did not observe a pre-delivered cancel")
	}
}

func TestWorkRuntimePendingConverges(t *testing.T) {
	block := make(chan struct{})
	w, err := NewWorkRuntime(ProcessorFunc(func(ctx context.Context, unit Unit) (Unit, error) {
		<-block
		return unit, nil
	}), WithLogger(zap.NewNop()), WithQueueSize(8))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	go w.ServeForever()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := w.Submit(ctx, NewUnit("test", []byte(fmt.Sprintf("u-%d", i)))); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if w.Idle() {
		t.Error("Runtime should not be idle with queued work")
	}
	if got := w.Pending(); got != 3 {
		t.Errorf("Expected 3 pending units, got %d", got)
	}

	close(block)
	go func() {
		for range w.Results() {
		}
	}()

	deadline := time.After(time.Second)
	for w.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Pending did not converge to 0, still %d", w.Pending())
		case <-time.After(10 * time.Millisecond):
		}
	}

	w.Cancel()
	w.Teardown()
}
