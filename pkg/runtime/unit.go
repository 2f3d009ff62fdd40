package runtime

import "github.com/google/uuid"

// Unit is one opaque unit of work routed through a group. The payload wire
// format is owned by the processors on either end; the orchestration layer
// never inspects it.
type Unit struct {
	// ID identifies the unit across dispatch, processing, and aggregation.
	ID string

	// Subject is a routing hint carried with the unit (e.g. the subject a
	// message arrived on). May be empty.
	Subject string

	// Payload is the opaque body.
	Payload []byte
}

// NewUnit creates a unit with a generated ID.
func NewUnit(subject string, payload []byte) Unit {
	return Unit{
		ID:      uuid.NewString(),
		Subject: subject,
		Payload: payload,
	}
}

// Result is the outcome of processing one unit on one replica.
type Result struct {
	// UnitID is the ID of the unit this result resolves.
	UnitID string

	// ReplicaID identifies the runtime that produced the result.
	ReplicaID string

	// Payload is the processed body. Nil when Err is set.
	Payload []byte

	// Err is the processing failure, if any.
	Err error
}
