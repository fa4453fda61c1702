// Package session implements the run-session manager: it owns the registry
// of live sessions, drives process adapters, serializes event-log appends per
// session, and fans events out to any number of attached clients.
package session

import (
	"context"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
)

// Kind identifies which adapter backs a session.
type Kind string

const (
	// KindShell is an interactive shell under a PTY.
	KindShell Kind = "shell"
	// KindAgent is an AI coding agent session.
	KindAgent Kind = "agent"
)

// Valid reports whether k is a known session kind.
func (k Kind) Valid() bool {
	return k == KindShell || k == KindAgent
}

// Status is the lifecycle state of a run session.
//
// Transitions: starting → running → stopped|errored. The terminal states
// admit no further stdin/stdout events, only the final status-change.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusErrored  Status = "errored"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusErrored
}

// ActivityState re-exports the adapter-level activity summary.
type ActivityState = adapter.ActivityState

// Session is one managed lifecycle of an underlying interactive process,
// identified by a stable id independent of any client connection.
//
// While live it is owned exclusively by the manager's per-session actor;
// the directory row mirrors it for restart recovery.
type Session struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	WorkspacePath string         `json:"workspacePath"`
	Status        Status         `json:"status"`
	Options       map[string]any `json:"options,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Directory is the narrow repository interface over durable session
// metadata. The manager never derives session truth from it while a session
// is live; it is the mirror, not the source.
type Directory interface {
	// Upsert creates the session row, or reactivates an existing one while
	// preserving its event log position.
	Upsert(ctx context.Context, s Session) error
	// Get returns ErrSessionNotFound for unknown ids.
	Get(ctx context.Context, id string) (Session, error)
	List(ctx context.Context, limit int) ([]Session, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	// ListUnfinished returns sessions still marked starting or running,
	// used for restart recovery.
	ListUnfinished(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error
}
