// Package adapter defines the uniform contract between the run-session
// manager and the per-kind process implementations.
//
// An adapter wraps one underlying process (or SDK call) behind
// start/write/resize/stop and reports everything it observes through an
// explicit emission sink. The manager owns ordering: adapters never talk to
// the event log or to clients directly.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/fwdslsh/dispatch/internal/eventlog"
)

// ActivityState is the derived, queryable summary of what a session is
// currently doing.
type ActivityState string

const (
	// ActivityIdle means the session is not doing anything right now.
	ActivityIdle ActivityState = "idle"
	// ActivityProcessing means work is in flight but no output is streaming
	// (e.g. an agent awaiting a tool result).
	ActivityProcessing ActivityState = "processing"
	// ActivityStreaming means output is actively flowing.
	ActivityStreaming ActivityState = "streaming"
)

// Session status values carried in status-change payloads.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusErrored  = "errored"
)

// Emission is one unit of adapter output destined for the event log.
type Emission struct {
	Type    eventlog.Type
	Payload json.RawMessage
}

// Sink receives everything an adapter produces.
//
// Emit carries durable events (appended to the session log, fanned out to
// clients). EmitActivity carries ephemeral activity transitions that are
// broadcast but never persisted. Implementations must not block: the manager
// funnels emissions through the per-session actor queue.
//
// A process that dies mid-life reports it by emitting a final status-change
// (StatusStopped or StatusErrored) followed by no further data events; the
// manager has no other way to learn about adapter death.
type Sink interface {
	Emit(em Emission)
	EmitActivity(state ActivityState)
}

// StartSpec configures an adapter start.
type StartSpec struct {
	// SessionID is the run-session identity, for logging only.
	SessionID string
	// WorkspacePath is the working directory for the underlying process.
	WorkspacePath string
	// Options holds adapter-specific settings (shell path, agent model, ...).
	// Adapters must tolerate missing keys.
	Options map[string]any
}

// Handle controls one live underlying process.
type Handle interface {
	// Write delivers input bytes to the process. Atomic per invocation.
	Write(p []byte) error
	// Resize adjusts terminal geometry. Kinds without a terminal return an
	// error.
	Resize(cols, rows uint16) error
	// Stop terminates the process and waits for it to exit. Idempotent. The
	// terminal status-change still arrives through the sink.
	Stop(ctx context.Context) error
}

// Adapter starts underlying processes of one session kind.
//
// Start is synchronous: a process that cannot be started (binary missing,
// spawn rejected, malformed options) fails here and the session never
// reaches running.
type Adapter interface {
	Start(ctx context.Context, spec StartSpec, sink Sink) (Handle, error)
}

// StringOption reads a string option, returning fallback when absent.
func StringOption(opts map[string]any, key, fallback string) string {
	if opts == nil {
		return fallback
	}
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntOption reads an integer option, returning fallback when absent.
//
// JSON decoding produces float64 for numbers; both forms are accepted.
func IntOption(opts map[string]any, key string, fallback int) int {
	if opts == nil {
		return fallback
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
