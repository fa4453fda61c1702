// Package fakeadapter provides an in-process scripted adapter for tests.
package fakeadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
)

// Adapter is a scripted in-memory adapter. By default every Write echoes the
// same bytes back as a stdout event.
type Adapter struct {
	// StartErr, when set, makes Start fail synchronously.
	StartErr error
	// StartDelay delays Start, for exercising start timeouts.
	StartDelay time.Duration
	// EchoPrefix is prepended to echoed output.
	EchoPrefix string

	mu      sync.Mutex
	handles []*Handle
}

// New creates a fake adapter.
func New() *Adapter {
	return &Adapter{}
}

// Start returns a scripted handle, or StartErr if configured.
func (a *Adapter) Start(ctx context.Context, spec adapter.StartSpec, sink adapter.Sink) (adapter.Handle, error) {
	if a.StartDelay > 0 {
		select {
		case <-time.After(a.StartDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.StartErr != nil {
		return nil, a.StartErr
	}

	h := &Handle{
		sessionID: spec.SessionID,
		prefix:    a.EchoPrefix,
		sink:      sink,
		done:      make(chan struct{}),
	}
	a.mu.Lock()
	a.handles = append(a.handles, h)
	a.mu.Unlock()
	return h, nil
}

// Handles returns every handle started so far.
func (a *Adapter) Handles() []*Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Handle, len(a.handles))
	copy(out, a.handles)
	return out
}

// Handle is a live fake process.
type Handle struct {
	sessionID string
	prefix    string
	sink      adapter.Sink

	mu       sync.Mutex
	stopped  bool
	writes   [][]byte
	lastCols uint16
	lastRows uint16

	done chan struct{}
}

// Write echoes the input back through the sink as stdout.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return fmt.Errorf("fake process stopped")
	}
	data := make([]byte, len(p))
	copy(data, p)
	h.writes = append(h.writes, data)
	h.mu.Unlock()

	h.sink.EmitActivity(adapter.ActivityStreaming)
	h.sink.Emit(adapter.Emission{
		Type:    eventlog.TypeStdout,
		Payload: eventlog.MarshalPayload(eventlog.IOPayload{Data: append([]byte(h.prefix), data...)}),
	})
	h.sink.EmitActivity(adapter.ActivityIdle)
	return nil
}

// Resize records the requested geometry.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("fake process stopped")
	}
	h.lastCols, h.lastRows = cols, rows
	return nil
}

// LastSize returns the most recent Resize geometry.
func (h *Handle) LastSize() (uint16, uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCols, h.lastRows
}

// Writes returns all bytes written so far.
func (h *Handle) Writes() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.writes))
	copy(out, h.writes)
	return out
}

// Stop emits the terminal status-change, like a real process exiting.
func (h *Handle) Stop(_ context.Context) error {
	h.terminate(adapter.StatusStopped, "")
	return nil
}

// Die simulates an unexpected mid-life process death.
func (h *Handle) Die(msg string) {
	h.terminate(adapter.StatusErrored, msg)
}

func (h *Handle) terminate(status, msg string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.sink.EmitActivity(adapter.ActivityIdle)
	h.sink.Emit(adapter.Emission{
		Type:    eventlog.TypeStatusChange,
		Payload: eventlog.MarshalPayload(eventlog.StatusPayload{Status: status, Error: msg}),
	})
	close(h.done)
}
