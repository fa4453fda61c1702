// Package shelladapter runs an interactive shell under a PTY.
package shelladapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
)

// streamQuiet is how long output must be absent before the session is
// considered idle again.
const streamQuiet = 500 * time.Millisecond

// Adapter starts interactive shells.
type Adapter struct {
	// DefaultShell is used when the session options carry no "shell" entry.
	DefaultShell string
}

// New creates a shell adapter with the given default shell binary.
func New(defaultShell string) *Adapter {
	return &Adapter{DefaultShell: defaultShell}
}

// Start spawns the shell attached to a fresh PTY and begins pumping output.
func (a *Adapter) Start(_ context.Context, spec adapter.StartSpec, sink adapter.Sink) (adapter.Handle, error) {
	shell := adapter.StringOption(spec.Options, "shell", a.DefaultShell)
	if shell == "" {
		return nil, fmt.Errorf("no shell configured")
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("shell binary %q not found: %w", shell, err)
	}
	if spec.WorkspacePath != "" {
		if info, err := os.Stat(spec.WorkspacePath); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("workspace path %q is not a directory", spec.WorkspacePath)
		}
	}

	cols := adapter.IntOption(spec.Options, "cols", 80)
	rows := adapter.IntOption(spec.Options, "rows", 24)

	cmd := exec.Command(shell)
	cmd.Dir = spec.WorkspacePath
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	h := &handle{
		sessionID: spec.SessionID,
		cmd:       cmd,
		ptyFile:   ptyFile,
		sink:      sink,
		done:      make(chan struct{}),
	}
	go h.readLoop()
	go h.reap()

	logger.Debugf("[shell] session %s: started %s (pid %d)", spec.SessionID, shell, cmd.Process.Pid)
	return h, nil
}

type handle struct {
	sessionID string
	cmd       *exec.Cmd
	sink      adapter.Sink

	mu      sync.Mutex
	ptyFile *os.File
	stopped bool

	// done closes after the process has been reaped and the terminal
	// status-change emitted.
	done chan struct{}
}

// readLoop pumps PTY output into the sink until the process side closes.
//
// stdout and stderr are merged by the PTY, so everything is emitted as
// stdout events.
func (h *handle) readLoop() {
	var idleTimer *time.Timer
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptyFile.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.sink.Emit(adapter.Emission{
				Type:    eventlog.TypeStdout,
				Payload: eventlog.MarshalPayload(eventlog.IOPayload{Data: data}),
			})
			h.sink.EmitActivity(adapter.ActivityStreaming)
			if idleTimer == nil {
				idleTimer = time.AfterFunc(streamQuiet, func() {
					h.sink.EmitActivity(adapter.ActivityIdle)
				})
			} else {
				idleTimer.Reset(streamQuiet)
			}
		}
		if err != nil {
			// EIO is the normal PTY read result once the child exits.
			if err != io.EOF {
				logger.Tracef("[shell] session %s: pty read ended: %v", h.sessionID, err)
			}
			if idleTimer != nil {
				idleTimer.Stop()
			}
			return
		}
	}
}

// reap waits for process exit and emits the terminal status-change.
func (h *handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()

	status := adapter.StatusStopped
	msg := ""
	if err != nil && !stopped {
		// Non-zero exit of an interactive shell the user quit is routine;
		// only a signalled/failed process without a Stop call is a crash.
		if _, ok := err.(*exec.ExitError); !ok {
			status = adapter.StatusErrored
			msg = err.Error()
		}
	}

	h.sink.EmitActivity(adapter.ActivityIdle)
	h.sink.Emit(adapter.Emission{
		Type:    eventlog.TypeStatusChange,
		Payload: eventlog.MarshalPayload(eventlog.StatusPayload{Status: status, Error: msg}),
	})
	close(h.done)
}

func (h *handle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptyFile == nil {
		return fmt.Errorf("pty closed")
	}
	_, err := h.ptyFile.Write(p)
	return err
}

func (h *handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptyFile == nil {
		return fmt.Errorf("pty closed")
	}
	return pty.Setsize(h.ptyFile, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop terminates the shell and waits for the reaper to finish.
func (h *handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.stopped {
		h.stopped = true
		if h.cmd.Process != nil {
			// SIGHUP lets the shell run its exit hooks; the hard kill below
			// covers shells that ignore it.
			_ = h.cmd.Process.Signal(syscall.SIGHUP)
			go func(cmd *exec.Cmd) {
				time.Sleep(500 * time.Millisecond)
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}(h.cmd)
		}
		if h.ptyFile != nil {
			_ = h.ptyFile.Close()
		}
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
