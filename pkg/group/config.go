package group

import (
	"fmt"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/remote"
	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// PollingPolicy decides how a unit of work meets the replica set.
type PollingPolicy int

const (
	// PollAny hands each unit to exactly one replica, a mutual-exclusion
	// hand-off decided by the scheduling policy.
	PollAny PollingPolicy = iota

	// PollAll broadcasts each unit to every replica exactly once; the
	// group aggregates the per-replica outcomes.
	PollAll
)

// String returns the lowercase name of the polling policy.
func (p PollingPolicy) String() string {
	switch p {
	case PollAny:
		return "any"
	case PollAll:
		return "all"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

func (p PollingPolicy) valid() bool {
	return p == PollAny || p == PollAll
}

// SchedulingPolicy decides which replica receives a unit under PollAny.
// New strategies are added as new tagged variants here, not as subclasses.
type SchedulingPolicy int

const (
	// ScheduleLoadBalance assigns each unit to the replica with the fewest
	// outstanding units at dispatch time.
	ScheduleLoadBalance SchedulingPolicy = iota

	// ScheduleRoundRobin rotates through the replicas in order.
	ScheduleRoundRobin
)

// String returns the lowercase name of the scheduling policy.
func (s SchedulingPolicy) String() string {
	switch s {
	case ScheduleLoadBalance:
		return "load_balance"
	case ScheduleRoundRobin:
		return "round_robin"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

func (s SchedulingPolicy) valid() bool {
	return s == ScheduleLoadBalance || s == ScheduleRoundRobin
}

// RuntimeFactory builds one runtime instance. Each replica receives its own
// instance from the same factory, so all replicas share a configuration but
// never an instance.
type RuntimeFactory func() runtime.Runtime

// Config describes a group: its replica set, routing policies, optional
// pre/post stages, idle shutdown, and how it is managed.
type Config struct {
	// Name identifies the group in logs and toward remote controllers.
	Name string

	// Replicas is the number of parallel replica supervisors. Must be >= 1.
	Replicas int

	// Polling selects single-consumer hand-off (PollAny) or broadcast
	// (PollAll). Default PollAny.
	Polling PollingPolicy

	// Scheduling selects the replica-assignment strategy under PollAny.
	// Default ScheduleLoadBalance.
	Scheduling SchedulingPolicy

	// UsesBefore, when set, inserts a single pre-stage supervisor in front
	// of the replica set. It is always single-replica regardless of
	// Replicas.
	UsesBefore RuntimeFactory

	// UsesAfter, when set, appends a single post-stage supervisor behind
	// the replica set. It is always single-replica regardless of Replicas.
	UsesAfter RuntimeFactory

	// ShutdownIdle makes the group cancel itself once every replica
	// reports idle simultaneously.
	ShutdownIdle bool

	// IdleInterval is the idle monitor tick. Default 500ms.
	IdleInterval time.Duration

	// Remote selects local management (default) or delegation to a remote
	// controller.
	Remote remote.Descriptor
}

// DefaultConfig returns a single-replica, locally managed configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Replicas:     1,
		Polling:      PollAny,
		Scheduling:   ScheduleLoadBalance,
		IdleInterval: 500 * time.Millisecond,
	}
}

// Validate checks the configuration. It runs synchronously at construction
// time, before any supervisor is spawned.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: group name cannot be empty", sdkerrors.ErrInvalidConfig)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("%w: replicas must be >= 1, got %d", sdkerrors.ErrInvalidConfig, c.Replicas)
	}
	if !c.Polling.valid() {
		return fmt.Errorf("%w: unknown polling policy %d", sdkerrors.ErrInvalidConfig, int(c.Polling))
	}
	if !c.Scheduling.valid() {
		return fmt.Errorf("%w: unknown scheduling policy %d", sdkerrors.ErrInvalidConfig, int(c.Scheduling))
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 500 * time.Millisecond
	}
	return nil
}
