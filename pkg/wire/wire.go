// Package wire defines the JSON frames exchanged over the realtime session
// transport. Both directions use a small envelope with a type tag and a raw
// payload so clients can dispatch without decoding frames they do not care
// about.
package wire

import (
	"encoding/json"
	"fmt"
)

// Client → server frame types.
const (
	TypeCreate = "create"
	TypeAttach = "attach"
	TypeDetach = "detach"
	TypeInput  = "input"
	TypeResize = "resize"
	TypeClose  = "close"
	TypePing   = "ping"
)

// Server → client frame types.
const (
	TypeCreated  = "created"
	TypeAttached = "attached"
	TypeClosed   = "closed"
	TypeDetached = "detached"
	TypeEvent    = "event"
	TypeActivity = "activity"
	TypeError    = "error"
	TypePong     = "pong"
)

// Error codes carried by ErrorPayload.
const (
	CodeBadRequest        = "bad-request"
	CodeSessionNotFound   = "session-not-found"
	CodeSessionNotRunning = "session-not-running"
	CodeSpawnFailed       = "spawn-failed"
	CodeResizeUnsupported = "resize-unsupported"
	CodePersistenceFailed = "persistence-failed"
	CodeInternal          = "internal"
)

// Frame is the envelope for both directions.
type Frame struct {
	// Type selects the payload shape.
	Type string `json:"type"`
	// Ref echoes the client-chosen request reference on replies so callers
	// can correlate. Optional.
	Ref string `json:"ref,omitempty"`
	// Data is the type-specific payload.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(typ, ref string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s frame: %w", typ, err)
	}
	return Frame{Type: typ, Ref: ref, Data: data}, nil
}

// Decode unmarshals the frame payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s frame: %w", f.Type, err)
	}
	return nil
}

// CreatePayload asks the server to create (or join) a session.
type CreatePayload struct {
	SessionID     string         `json:"sessionId,omitempty"`
	Kind          string         `json:"kind"`
	WorkspacePath string         `json:"workspacePath"`
	Options       map[string]any `json:"options,omitempty"`
}

// AttachPayload subscribes the connection to a session's event stream
// starting after AfterSeq.
type AttachPayload struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq"`
}

// DetachPayload unsubscribes the connection from a session without touching
// the session itself.
type DetachPayload struct {
	SessionID string `json:"sessionId"`
}

// InputPayload carries client input for a session.
type InputPayload struct {
	SessionID string `json:"sessionId"`
	// Data is base64 on the wire via encoding/json's []byte convention.
	Data []byte `json:"data"`
}

// ResizePayload reports the client terminal dimensions.
type ResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// ClosePayload asks the server to stop a session.
type ClosePayload struct {
	SessionID string `json:"sessionId"`
}

// CreatedPayload acknowledges a create with the resolved session view.
type CreatedPayload struct {
	Session json.RawMessage `json:"session"`
}

// AttachedPayload acknowledges an attach. Replayed backlog events follow as
// ordinary event frames, then the live stream continues seamlessly.
type AttachedPayload struct {
	SessionID string `json:"sessionId"`
	// BacklogTo is the highest seq that will arrive as replay, 0 when the
	// backlog is empty.
	BacklogTo int64 `json:"backlogTo"`
	// Live is false when the session already finished and only replay
	// follows.
	Live bool `json:"live"`
}

// DetachedPayload tells the client its subscription ended.
type DetachedPayload struct {
	SessionID string `json:"sessionId"`
	// Reason is one of "detach", "closed" or "lagged". After "lagged" the
	// client re-attaches with its last seen seq to resume losslessly.
	Reason string `json:"reason"`
}

// Detached reasons.
const (
	ReasonDetach = "detach"
	ReasonClosed = "closed"
	ReasonLagged = "lagged"
)

// EventPayload is one durable session event.
type EventPayload struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// ActivityPayload is an ephemeral activity transition. It carries no seq and
// is never replayed.
type ActivityPayload struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
