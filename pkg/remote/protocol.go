package remote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control subjects follow daedalus.control.<kind>.<op>. The entity ID rides
// in the request body, so one controller serves any number of entities on a
// fixed subject space.
const subjectPrefix = "daedalus.control"

const (
	opStart  = "start"
	opCancel = "cancel"
	opStatus = "status"
)

// controlSubject builds the subject for one kind/op pair.
func controlSubject(kind EntityKind, op string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, kind, op)
}

// subscribeSubject is the wildcard a controller listens on.
func subscribeSubject() string {
	return subjectPrefix + ".>"
}

// parseSubject extracts kind and op from a control subject.
func parseSubject(subject string) (kind, op string, err error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0]+"."+parts[1] != subjectPrefix {
		return "", "", fmt.Errorf("malformed control subject %q", subject)
	}
	return parts[2], parts[3], nil
}

// Request is one lifecycle request sent to a remote controller.
type Request struct {
	// ID names the managed entity on the controller side.
	ID string `json:"id"`

	// Kind echoes the entity kind for validation against the registration.
	Kind string `json:"kind"`
}

// Reply is the controller's answer to a Request.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// States maps supervisor names to lifecycle state names, as produced
	// by runtime.State.String. For a single supervisor it has one entry.
	States map[string]string `json:"states,omitempty"`
}

func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func decodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("malformed control request: %w", err)
	}
	return req, nil
}

func encodeReply(rep Reply) []byte {
	data, err := json.Marshal(rep)
	if err != nil {
		// Reply only holds strings and maps of strings; this cannot fail
		// at runtime, but never answer with an empty frame.
		return []byte(`{"ok":false,"error":"reply encoding failed"}`)
	}
	return data
}

func decodeReply(data []byte) (Reply, error) {
	var rep Reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return Reply{}, fmt.Errorf("malformed control reply: %w", err)
	}
	return rep, nil
}
