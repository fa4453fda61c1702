package session

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by manager operations. Adapter- and log-level
// failures are normalized into these before reaching the transport.
var (
	// ErrSessionNotFound means an operation referenced an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotRunning means input or resize was sent to a session that
	// is not in the running state.
	ErrSessionNotRunning = errors.New("session not running")
	// ErrResizeUnsupported means resize was requested for a session kind
	// without a terminal.
	ErrResizeUnsupported = errors.New("resize not supported for this session kind")
	// ErrSessionLive means a destructive operation targeted a session that
	// must be closed first.
	ErrSessionLive = errors.New("session is live")
	// ErrUnknownKind means create referenced a kind with no registered adapter.
	ErrUnknownKind = errors.New("unknown session kind")
)

// SpawnError reports that an adapter could not start; the session went to
// errored without ever reaching running.
type SpawnError struct {
	Kind Kind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s session: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PersistenceError reports that an event-log append could not be durably
// committed after bounded retries; the session is forced to errored rather
// than continuing in an inconsistent state.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("event log persistence failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
