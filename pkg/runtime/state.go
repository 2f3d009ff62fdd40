package runtime

import "fmt"

// State describes where a runtime is in its lifecycle. A state is owned by
// exactly one supervisor and is only ever transitioned by the goroutine that
// drives the runtime; everything else observes it read-only.
//
// The machine is strictly linear with a single error shortcut:
//
//	Created -> SettingUp -> Serving -> Cancelling -> TornDown -> Terminated
//	           SettingUp -> Failed
//
// Failed is absorbing: a runtime whose Setup raised never serves and never
// tears down. No state is ever revisited.
type State int32

const (
	// StateCreated is the initial state before Start.
	StateCreated State = iota

	// StateSettingUp means Setup is running.
	StateSettingUp

	// StateServing means Setup succeeded and ServeForever is blocking.
	StateServing

	// StateCancelling means ServeForever has been unblocked, either by
	// Cancel or by an error raised from inside it.
	StateCancelling

	// StateTornDown means Teardown has run.
	StateTornDown

	// StateTerminated is the clean terminal state.
	StateTerminated

	// StateFailed is the terminal state for setup failures and
	// cancellation timeouts.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSettingUp:
		return "setting_up"
	case StateServing:
		return "serving"
	case StateCancelling:
		return "cancelling"
	case StateTornDown:
		return "torn_down"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// ParseState converts a state name produced by String back into a State.
// It is used when lifecycle state crosses the remote-management boundary.
func ParseState(name string) (State, error) {
	for s := StateCreated; s <= StateFailed; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return StateCreated, fmt.Errorf("unknown runtime state %q", name)
}
