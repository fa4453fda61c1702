package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
	"github.com/fwdslsh/dispatch/internal/metrics"
)

const (
	defaultStartTimeout = 30 * time.Second
	defaultStopTimeout  = 10 * time.Second
)

// ActivityNotifier receives ephemeral activity transitions for live sessions.
// Calls are made from session loop goroutines and must not block.
type ActivityNotifier func(sessionID string, state ActivityState)

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Directory Directory
	Log       eventlog.Store
	Adapters  map[Kind]adapter.Adapter
	Metrics   *metrics.Metrics

	// StartTimeout bounds adapter spawn. Zero means the default.
	StartTimeout time.Duration
	// StopTimeout bounds graceful adapter shutdown before the session is
	// finalized anyway. Zero means the default.
	StopTimeout time.Duration
}

// Manager owns the set of live sessions and is the only entry point for
// session operations. Each live session is backed by one actor goroutine that
// serializes its event-log appends.
type Manager struct {
	dir      Directory
	log      eventlog.Store
	adapters map[Kind]adapter.Adapter
	met      *metrics.Metrics

	startTimeout time.Duration
	stopTimeout  time.Duration

	mu   sync.Mutex
	live map[string]*sessionActor

	activityFn atomic.Value // ActivityNotifier
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Manager{
		dir:          cfg.Directory,
		log:          cfg.Log,
		adapters:     cfg.Adapters,
		met:          cfg.Metrics,
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
		live:         make(map[string]*sessionActor),
	}
}

// SetActivityNotifier installs the ephemeral activity callback. Call before
// sessions are created.
func (m *Manager) SetActivityNotifier(fn ActivityNotifier) {
	m.activityFn.Store(fn)
}

func (m *Manager) notifyActivity(sessionID string, state ActivityState) {
	if fn, ok := m.activityFn.Load().(ActivityNotifier); ok && fn != nil {
		fn(sessionID, state)
	}
}

// CreateSpec describes a session to create. A zero ID means the manager picks
// one.
type CreateSpec struct {
	ID            string
	Kind          Kind
	WorkspacePath string
	Options       map[string]any
}

// NewSessionID returns a fresh lexicographically sortable session id.
func NewSessionID() string {
	return strings.ToLower(ulid.Make().String())
}

// Create spawns a new session and blocks until the adapter start resolved.
// Creating an id that is already live is idempotent: the call joins the
// in-flight start instead of spawning a second process.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (Session, error) {
	if spec.ID == "" {
		spec.ID = NewSessionID()
	}
	impl, ok := m.adapters[spec.Kind]
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}

	m.mu.Lock()
	if a, live := m.live[spec.ID]; live {
		m.mu.Unlock()
		return a.awaitStart(ctx)
	}

	now := time.Now().UTC()
	sess := Session{
		ID:            spec.ID,
		Kind:          spec.Kind,
		WorkspacePath: spec.WorkspacePath,
		Status:        StatusStarting,
		Options:       spec.Options,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	a := newSessionActor(m, impl, sess)
	m.live[spec.ID] = a
	m.mu.Unlock()

	// The directory row must exist before the actor starts: seq allocation
	// lives on it.
	if err := m.dir.Upsert(ctx, sess); err != nil {
		a.startErr = &PersistenceError{Err: err}
		close(a.startDone)
		close(a.done)
		m.remove(spec.ID)
		return Session{}, a.startErr
	}

	go a.run()
	return a.awaitStart(ctx)
}

// Attach returns the backlog after afterSeq plus a live subscription that
// continues the stream with no gap and no duplicate. For sessions that are
// not live the subscription is already closed and the backlog is the full
// remaining history.
func (m *Manager) Attach(ctx context.Context, id string, afterSeq int64) ([]eventlog.Event, *Subscription, error) {
	if a := m.actor(id); a != nil {
		if _, err := a.awaitStart(ctx); err == nil {
			backlog, sub, aerr := m.attachLive(ctx, a, afterSeq)
			if aerr == nil {
				return backlog, sub, nil
			}
			if !errors.Is(aerr, errActorExited) {
				return nil, nil, aerr
			}
			// The session finished while we attached; fall through to replay.
		} else if ctx.Err() != nil {
			return nil, nil, err
		}
	}

	if _, err := m.dir.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	backlog, err := m.log.ReadFrom(ctx, id, afterSeq, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read session history: %w", err)
	}
	return backlog, newClosedSubscription(id), nil
}

func (m *Manager) attachLive(ctx context.Context, a *sessionActor, afterSeq int64) ([]eventlog.Event, *Subscription, error) {
	reply := make(chan attachResult, 1)
	if err := a.send(ctx, attachCmd{ctx: ctx, afterSeq: afterSeq, reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case res := <-reply:
		return res.backlog, res.sub, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-a.done:
		// The command may have been processed right before the loop exited.
		select {
		case res := <-reply:
			return res.backlog, res.sub, res.err
		default:
			return nil, nil, errActorExited
		}
	}
}

// SendInput records the input as a stdin event and delivers it to the
// session's process.
func (m *Manager) SendInput(ctx context.Context, id string, data []byte) error {
	a := m.actor(id)
	if a == nil {
		return m.notRunning(ctx, id)
	}
	if _, err := a.awaitStart(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return ErrSessionNotRunning
	}
	return m.roundTrip(ctx, a, inputCmd{data: data, reply: make(chan error, 1)})
}

// Resize records a resize event and propagates it to the terminal. Only shell
// sessions have a terminal.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows uint16) error {
	a := m.actor(id)
	if a == nil {
		sess, err := m.dir.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Kind != KindShell {
			return ErrResizeUnsupported
		}
		return ErrSessionNotRunning
	}
	if a.kind != KindShell {
		return ErrResizeUnsupported
	}
	if _, err := a.awaitStart(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return ErrSessionNotRunning
	}
	return m.roundTrip(ctx, a, resizeCmd{cols: cols, rows: rows, reply: make(chan error, 1)})
}

// Close stops a live session and waits for it to finalize. Closing a session
// that already reached a terminal status is a no-op.
func (m *Manager) Close(ctx context.Context, id string) error {
	a := m.actor(id)
	if a == nil {
		sess, err := m.dir.Get(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}
		// A non-terminal row without a live actor is leftover from an
		// unclean shutdown; reconcile it here.
		m.markStale(ctx, sess.ID)
		return nil
	}

	if _, err := a.awaitStart(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return nil
	}

	reply := make(chan error, 1)
	if err := a.send(ctx, stopCmd{reply: reply}); err != nil {
		if errors.Is(err, errActorExited) {
			return nil
		}
		return err
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActivityState reports the derived activity of a session. Sessions that are
// not live are idle.
func (m *Manager) ActivityState(ctx context.Context, id string) (ActivityState, error) {
	if a := m.actor(id); a != nil {
		return a.activityState(), nil
	}
	if _, err := m.dir.Get(ctx, id); err != nil {
		return "", err
	}
	return adapter.ActivityIdle, nil
}

// Get returns the current view of one session.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	if a := m.actor(id); a != nil {
		return a.snapshot(), nil
	}
	return m.dir.Get(ctx, id)
}

// List returns sessions ordered by recency, live actors overlaying their
// directory rows.
func (m *Manager) List(ctx context.Context, limit int) ([]Session, error) {
	sessions, err := m.dir.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for i, s := range sessions {
		if a, ok := m.live[s.ID]; ok {
			sessions[i] = a.snapshot()
		}
	}
	m.mu.Unlock()
	return sessions, nil
}

// Delete removes a finished session and its event history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m.actor(id) != nil {
		return ErrSessionLive
	}
	sess, err := m.dir.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() {
		return ErrSessionLive
	}
	if err := m.log.Purge(ctx, id); err != nil {
		return fmt.Errorf("failed to purge session events: %w", err)
	}
	return m.dir.Delete(ctx, id)
}

// RecoverStale reconciles directory rows left in starting or running by an
// unclean shutdown. Their processes are gone; mark them errored so clients
// attaching later see a truthful terminal event.
func (m *Manager) RecoverStale(ctx context.Context) error {
	stale, err := m.dir.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished sessions: %w", err)
	}
	for _, s := range stale {
		if m.actor(s.ID) != nil {
			continue
		}
		m.markStale(ctx, s.ID)
	}
	if len(stale) > 0 {
		logger.Infof("[session] recovered %d stale session(s)", len(stale))
	}
	return nil
}

func (m *Manager) markStale(ctx context.Context, id string) {
	payload := eventlog.MarshalPayload(eventlog.StatusPayload{
		Status: adapter.StatusErrored,
		Error:  "server shut down while session was live",
	})
	if _, err := m.log.Append(ctx, id, eventlog.TypeStatusChange, payload); err != nil {
		logger.Warnf("[session] %s: failed to append recovery event: %v", id, err)
	} else {
		m.met.EventsAppended.WithLabelValues(string(eventlog.TypeStatusChange)).Inc()
	}
	if err := m.dir.UpdateStatus(ctx, id, StatusErrored); err != nil {
		logger.Warnf("[session] %s: failed to mark stale session errored: %v", id, err)
	}
}

// Shutdown closes every live session concurrently and waits for all of them
// to finalize.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Close(gctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
				return fmt.Errorf("failed to close session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) actor(id string) *sessionActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

// roundTrip sends a command carrying an error reply channel and waits for the
// answer, treating actor exit as the session no longer running.
func (m *Manager) roundTrip(ctx context.Context, a *sessionActor, cmd any) error {
	var reply chan error
	switch c := cmd.(type) {
	case inputCmd:
		reply = c.reply
	case resizeCmd:
		reply = c.reply
	}
	if err := a.send(ctx, cmd); err != nil {
		if errors.Is(err, errActorExited) {
			return ErrSessionNotRunning
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionNotRunning
		}
	}
}

// notRunning distinguishes unknown sessions from finished ones.
func (m *Manager) notRunning(ctx context.Context, id string) error {
	if _, err := m.dir.Get(ctx, id); err != nil {
		return err
	}
	return ErrSessionNotRunning
}
