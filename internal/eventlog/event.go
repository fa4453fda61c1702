// Package eventlog implements the durable, append-only, per-session event
// record that is replayed to reconstruct session history.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of a session event.
type Type string

const (
	TypeStdin        Type = "stdin"
	TypeStdout       Type = "stdout"
	TypeStderr       Type = "stderr"
	TypeStatusChange Type = "status-change"
	TypeToolActivity Type = "tool-activity"
	TypeResize       Type = "resize"
	TypeError        Type = "error"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeStdin, TypeStdout, TypeStderr, TypeStatusChange, TypeToolActivity, TypeResize, TypeError:
		return true
	}
	return false
}

// Event is a single appended record in a session's log.
//
// Events are totally ordered by Seq within a session; Seq starts at 1 and has
// no gaps. Events are never mutated after append.
type Event struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// IOPayload carries raw bytes for stdin/stdout/stderr events.
type IOPayload struct {
	Data []byte `json:"data"`
}

// StatusPayload carries a session status transition.
type StatusPayload struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ResizePayload carries terminal geometry for resize events.
type ResizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ToolActivityPayload describes a sub-activity in an agent session, such as a
// tool invocation or the boundaries of a model turn.
type ToolActivityPayload struct {
	Name   string          `json:"name"`
	Phase  string          `json:"phase"` // "start" | "end"
	Detail json.RawMessage `json:"detail,omitempty"`
}

// ErrorPayload carries a normalized error report.
type ErrorPayload struct {
	Message string `json:"message"`
}

// MarshalPayload encodes a payload struct for appending.
func MarshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Payload structs above are always marshalable; this is unreachable
		// for the types the runtime produces.
		return json.RawMessage(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return raw
}
