// Package remote implements delegated lifecycle management: the descriptor
// selecting local versus remote control, the JSON-over-NATS request-reply
// control protocol, the Client used by a delegating group, and the
// Controller that serves lifecycle requests against locally owned entities.
//
// The runtime state-machine contract is preserved across the boundary: the
// controller runs real supervisors and reports their observed states; the
// client never transitions state itself.
package remote

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// AccessMode selects how a group or supervisor is managed.
type AccessMode int

const (
	// AccessLocal spawns supervisors in the caller's process.
	AccessLocal AccessMode = iota

	// AccessDelegated issues lifecycle requests to a remote controller
	// instead of spawning anything locally.
	AccessDelegated
)

// String returns the lowercase name of the access mode.
func (m AccessMode) String() string {
	switch m {
	case AccessLocal:
		return "local"
	case AccessDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

func (m AccessMode) valid() bool {
	return m == AccessLocal || m == AccessDelegated
}

// EntityKind tells a remote controller whether it is managing a whole
// group or a single supervisor.
type EntityKind int

const (
	// EntityGroup manages a replica set as one unit.
	EntityGroup EntityKind = iota

	// EntitySupervisor manages a single worker.
	EntitySupervisor
)

// String returns the lowercase name of the entity kind.
func (k EntityKind) String() string {
	switch k {
	case EntityGroup:
		return "group"
	case EntitySupervisor:
		return "supervisor"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k EntityKind) valid() bool {
	return k == EntityGroup || k == EntitySupervisor
}

// Descriptor is pure configuration describing whether an entity is managed
// locally or through a remote controller, and which kind of entity the
// controller should expect. It carries no runtime state.
type Descriptor struct {
	Access AccessMode
	Kind   EntityKind
}

// Validate checks the descriptor's tagged variants.
func (d Descriptor) Validate() error {
	if !d.Access.valid() {
		return fmt.Errorf("%w: unknown access mode %d", sdkerrors.ErrInvalidConfig, int(d.Access))
	}
	if !d.Kind.valid() {
		return fmt.Errorf("%w: unknown entity kind %d", sdkerrors.ErrInvalidConfig, int(d.Kind))
	}
	return nil
}
