package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
)

// actorQueueSize buffers adapter emissions and client commands. Producers
// block (with an exit escape hatch) rather than drop: the event log must see
// everything.
const actorQueueSize = 256

// appendBackoffs paces event-log append retries. The first entry is the
// initial attempt.
var appendBackoffs = []time.Duration{0, 50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

var errActorExited = errors.New("session actor exited")

// sessionActor owns one live session. All event-log appends, seq-sensitive
// reads, and adapter calls for the session are funneled through its single
// loop goroutine, which is the serialization point required for gapless seq
// assignment.
type sessionActor struct {
	id            string
	kind          Kind
	workspacePath string
	options       map[string]any

	impl adapter.Adapter
	mgr  *Manager

	handle adapter.Handle
	cmds   chan any

	// Loop-goroutine-owned state.
	subs      map[int64]*Subscription
	nextSubID int64
	status    Status
	stopping  bool

	// Cross-goroutine snapshots.
	info     atomic.Value // Session
	activity atomic.Value // ActivityState

	// startErr is written once before startDone closes.
	startErr  error
	startDone chan struct{}
	// done closes when the loop goroutine has fully exited.
	done chan struct{}
}

// Commands.
type (
	emissionCmd struct{ em adapter.Emission }
	activityCmd struct{ state ActivityState }
	attachCmd   struct {
		ctx      context.Context
		afterSeq int64
		reply    chan attachResult
	}
	inputCmd struct {
		data  []byte
		reply chan error
	}
	resizeCmd struct {
		cols, rows uint16
		reply      chan error
	}
	stopCmd         struct{ reply chan error }
	stopCompleteCmd struct{}
	detachCmd       struct{ subID int64 }
)

type attachResult struct {
	backlog []eventlog.Event
	sub     *Subscription
	err     error
}

func newSessionActor(mgr *Manager, impl adapter.Adapter, s Session) *sessionActor {
	a := &sessionActor{
		id:            s.ID,
		kind:          s.Kind,
		workspacePath: s.WorkspacePath,
		options:       s.Options,
		impl:          impl,
		mgr:           mgr,
		cmds:          make(chan any, actorQueueSize),
		subs:          make(map[int64]*Subscription),
		status:        StatusStarting,
		startDone:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	a.info.Store(s)
	a.activity.Store(adapter.ActivityIdle)
	return a
}

// actorSink adapts the actor queue to the adapter emission contract.
type actorSink struct{ a *sessionActor }

func (s actorSink) Emit(em adapter.Emission) {
	select {
	case s.a.cmds <- emissionCmd{em: em}:
	case <-s.a.done:
		// Late emission after the session already finalized; nothing left to
		// record it against.
	}
}

func (s actorSink) EmitActivity(state adapter.ActivityState) {
	select {
	case s.a.cmds <- activityCmd{state: state}:
	case <-s.a.done:
	}
}

// run starts the adapter and, on success, enters the serialization loop.
func (a *sessionActor) run() {
	defer close(a.done)
	defer a.mgr.remove(a.id)

	startCtx, cancel := context.WithTimeout(context.Background(), a.mgr.startTimeout)
	handle, err := a.impl.Start(startCtx, adapter.StartSpec{
		SessionID:     a.id,
		WorkspacePath: a.workspacePath,
		Options:       a.options,
	}, actorSink{a})
	cancel()

	if err != nil {
		a.mgr.met.SpawnFailures.WithLabelValues(string(a.kind)).Inc()
		a.setStatus(StatusErrored)
		if derr := a.mgr.dir.UpdateStatus(context.Background(), a.id, StatusErrored); derr != nil {
			logger.Errorf("[session] %s: failed to record spawn failure: %v", a.id, derr)
		}
		if _, aerr := a.append(eventlog.TypeStatusChange, eventlog.MarshalPayload(eventlog.StatusPayload{
			Status: adapter.StatusErrored,
			Error:  err.Error(),
		})); aerr != nil {
			logger.Errorf("[session] %s: failed to append spawn failure event: %v", a.id, aerr)
		}
		a.startErr = &SpawnError{Kind: a.kind, Err: err}
		close(a.startDone)
		return
	}
	a.handle = handle

	// Seq 1 is the starting→running transition.
	if _, aerr := a.append(eventlog.TypeStatusChange, eventlog.MarshalPayload(eventlog.StatusPayload{
		Status: adapter.StatusRunning,
	})); aerr != nil {
		logger.Errorf("[session] %s: cannot persist startup event: %v", a.id, aerr)
		a.setStatus(StatusErrored)
		_ = a.mgr.dir.UpdateStatus(context.Background(), a.id, StatusErrored)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.mgr.stopTimeout)
			defer cancel()
			_ = handle.Stop(ctx)
		}()
		a.startErr = &PersistenceError{Err: aerr}
		close(a.startDone)
		return
	}

	a.setStatus(StatusRunning)
	if derr := a.mgr.dir.UpdateStatus(context.Background(), a.id, StatusRunning); derr != nil {
		logger.Warnf("[session] %s: failed to mirror running status: %v", a.id, derr)
	}
	a.mgr.met.SessionsActive.Inc()
	defer a.mgr.met.SessionsActive.Dec()
	close(a.startDone)

	logger.Infof("[session] %s: running (%s in %s)", a.id, a.kind, a.workspacePath)
	a.loop()
}

// loop is the per-session serialization point. It returns when the session
// reaches a terminal status.
func (a *sessionActor) loop() {
	for raw := range a.cmds {
		switch cmd := raw.(type) {
		case emissionCmd:
			if a.handleEmission(cmd.em) {
				return
			}
		case activityCmd:
			a.setActivity(cmd.state)
		case attachCmd:
			a.handleAttach(cmd)
		case inputCmd:
			cmd.reply <- a.handleInput(cmd.data)
			if a.status.Terminal() {
				return
			}
		case resizeCmd:
			cmd.reply <- a.handleResize(cmd.cols, cmd.rows)
			if a.status.Terminal() {
				return
			}
		case stopCmd:
			a.handleStop(cmd)
		case stopCompleteCmd:
			// The adapter's terminal status-change normally arrives (and ends
			// the loop) before Stop returns. Reaching here means it never
			// came; synthesize the terminal event.
			logger.Warnf("[session] %s: adapter stopped without terminal event", a.id)
			a.finalize(StatusStopped, eventlog.MarshalPayload(eventlog.StatusPayload{Status: adapter.StatusStopped}))
			return
		case detachCmd:
			if sub, ok := a.subs[cmd.subID]; ok {
				delete(a.subs, cmd.subID)
				close(sub.ch)
				a.mgr.met.Subscribers.Dec()
			}
		default:
			logger.Warnf("[session] %s: unknown actor command %T", a.id, raw)
		}
	}
}

// handleEmission appends and fans out one adapter emission. Returns true when
// the session reached a terminal status and the loop must exit.
func (a *sessionActor) handleEmission(em adapter.Emission) bool {
	// Terminal sessions admit no further events; a persistence failure may
	// have finalized the session while emissions were still queued.
	if a.status.Terminal() {
		return true
	}
	if em.Type == eventlog.TypeStatusChange {
		var sp eventlog.StatusPayload
		_ = json.Unmarshal(em.Payload, &sp)
		status := StatusStopped
		if sp.Status == adapter.StatusErrored {
			status = StatusErrored
			logger.Warnf("[session] %s: adapter died: %s", a.id, sp.Error)
		}
		a.finalize(status, em.Payload)
		return true
	}

	seq, err := a.append(em.Type, em.Payload)
	if err != nil {
		a.failPersistence(err)
		return true
	}
	a.fanout(a.event(seq, em.Type, em.Payload))
	return false
}

func (a *sessionActor) handleAttach(cmd attachCmd) {
	backlog, err := a.mgr.log.ReadFrom(cmd.ctx, a.id, cmd.afterSeq, 0)
	if err != nil {
		cmd.reply <- attachResult{err: fmt.Errorf("failed to read backlog: %w", err)}
		return
	}

	a.nextSubID++
	id := a.nextSubID
	sub := &Subscription{
		id:        id,
		sessionID: a.id,
		live:      true,
		ch:        make(chan eventlog.Event, subscriptionBuffer),
	}
	sub.detach = func() {
		select {
		case a.cmds <- detachCmd{subID: id}:
		case <-a.done:
		}
	}
	a.subs[id] = sub
	a.mgr.met.Subscribers.Inc()
	cmd.reply <- attachResult{backlog: backlog, sub: sub}
}

func (a *sessionActor) handleInput(data []byte) error {
	if a.status != StatusRunning || a.stopping {
		return ErrSessionNotRunning
	}

	seq, err := a.append(eventlog.TypeStdin, eventlog.MarshalPayload(eventlog.IOPayload{Data: data}))
	if err != nil {
		a.failPersistence(err)
		return &PersistenceError{Err: err}
	}
	a.fanout(a.event(seq, eventlog.TypeStdin, eventlog.MarshalPayload(eventlog.IOPayload{Data: data})))

	if werr := a.handle.Write(data); werr != nil {
		return fmt.Errorf("failed to write to session process: %w", werr)
	}
	return nil
}

func (a *sessionActor) handleResize(cols, rows uint16) error {
	if a.status != StatusRunning || a.stopping {
		return ErrSessionNotRunning
	}

	payload := eventlog.MarshalPayload(eventlog.ResizePayload{Cols: cols, Rows: rows})
	seq, err := a.append(eventlog.TypeResize, payload)
	if err != nil {
		a.failPersistence(err)
		return &PersistenceError{Err: err}
	}
	a.fanout(a.event(seq, eventlog.TypeResize, payload))

	if rerr := a.handle.Resize(cols, rows); rerr != nil {
		return fmt.Errorf("failed to resize session terminal: %w", rerr)
	}
	return nil
}

func (a *sessionActor) handleStop(cmd stopCmd) {
	if a.stopping {
		cmd.reply <- nil
		return
	}
	a.stopping = true
	cmd.reply <- nil

	handle := a.handle
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.mgr.stopTimeout)
		defer cancel()
		if err := handle.Stop(ctx); err != nil {
			logger.Warnf("[session] %s: adapter stop: %v", a.id, err)
		}
		select {
		case a.cmds <- stopCompleteCmd{}:
		case <-a.done:
		}
	}()
}

// finalize appends the terminal status-change, mirrors the directory row, and
// releases all subscribers. Exactly one terminal event is appended per
// session: the loop exits immediately after.
func (a *sessionActor) finalize(status Status, payload json.RawMessage) {
	seq, err := a.append(eventlog.TypeStatusChange, payload)
	if err != nil {
		logger.Errorf("[session] %s: failed to persist terminal event: %v", a.id, err)
		status = StatusErrored
	} else {
		a.fanout(a.event(seq, eventlog.TypeStatusChange, payload))
	}

	a.setStatus(status)
	a.setActivity(adapter.ActivityIdle)
	if derr := a.mgr.dir.UpdateStatus(context.Background(), a.id, status); derr != nil {
		logger.Errorf("[session] %s: failed to mirror terminal status: %v", a.id, derr)
	}
	a.closeSubs()
	logger.Infof("[session] %s: %s", a.id, status)
}

// failPersistence forces the session to errored after append retries were
// exhausted. The event that could not be written is already lost durably, so
// the session must not continue as if consistent.
func (a *sessionActor) failPersistence(err error) {
	logger.Errorf("[session] %s: append failed after retries, forcing errored: %v", a.id, err)

	if a.handle != nil {
		handle := a.handle
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.mgr.stopTimeout)
			defer cancel()
			_ = handle.Stop(ctx)
		}()
	}

	a.setStatus(StatusErrored)
	a.setActivity(adapter.ActivityIdle)
	if derr := a.mgr.dir.UpdateStatus(context.Background(), a.id, StatusErrored); derr != nil {
		logger.Errorf("[session] %s: failed to mirror errored status: %v", a.id, derr)
	}

	// Single best-effort terminal append; persistence may still be down.
	payload := eventlog.MarshalPayload(eventlog.StatusPayload{
		Status: adapter.StatusErrored,
		Error:  "event log persistence failed",
	})
	if seq, aerr := a.mgr.log.Append(context.Background(), a.id, eventlog.TypeStatusChange, payload); aerr == nil {
		a.fanout(a.event(seq, eventlog.TypeStatusChange, payload))
	}
	a.closeSubs()
}

// append writes one event through the log with bounded backoff.
func (a *sessionActor) append(typ eventlog.Type, payload json.RawMessage) (int64, error) {
	var lastErr error
	for i, backoff := range appendBackoffs {
		if backoff > 0 {
			time.Sleep(backoff)
			a.mgr.met.AppendRetries.Inc()
		}
		seq, err := a.mgr.log.Append(context.Background(), a.id, typ, payload)
		if err == nil {
			a.mgr.met.EventsAppended.WithLabelValues(string(typ)).Inc()
			return seq, nil
		}
		lastErr = err
		if i < len(appendBackoffs)-1 {
			logger.Warnf("[session] %s: append attempt %d failed: %v", a.id, i+1, err)
		}
	}
	return 0, lastErr
}

func (a *sessionActor) event(seq int64, typ eventlog.Type, payload json.RawMessage) eventlog.Event {
	return eventlog.Event{
		SessionID: a.id,
		Seq:       seq,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// fanout delivers one event to every subscriber. A subscriber whose buffer is
// full is dropped: it re-attaches with its last seen seq, which the replay
// contract makes lossless. Fanout never blocks the actor.
func (a *sessionActor) fanout(ev eventlog.Event) {
	for id, sub := range a.subs {
		select {
		case sub.ch <- ev:
		default:
			logger.Warnf("[session] %s: dropping slow subscriber %d", a.id, id)
			sub.lagged.Store(true)
			delete(a.subs, id)
			close(sub.ch)
			a.mgr.met.Subscribers.Dec()
		}
	}
}

func (a *sessionActor) closeSubs() {
	for id, sub := range a.subs {
		delete(a.subs, id)
		close(sub.ch)
		a.mgr.met.Subscribers.Dec()
	}
}

func (a *sessionActor) setStatus(status Status) {
	a.status = status
	s := a.info.Load().(Session)
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	a.info.Store(s)
}

func (a *sessionActor) setActivity(state ActivityState) {
	if a.activity.Load().(ActivityState) == state {
		return
	}
	a.activity.Store(state)
	a.mgr.notifyActivity(a.id, state)
}

// snapshot returns the current session view. Safe from any goroutine.
func (a *sessionActor) snapshot() Session {
	return a.info.Load().(Session)
}

// activityState returns the current derived activity. Safe from any
// goroutine; a pure read.
func (a *sessionActor) activityState() ActivityState {
	return a.activity.Load().(ActivityState)
}

// awaitStart blocks until the adapter start resolved either way.
func (a *sessionActor) awaitStart(ctx context.Context) (Session, error) {
	select {
	case <-a.startDone:
		if a.startErr != nil {
			return Session{}, a.startErr
		}
		return a.snapshot(), nil
	case <-ctx.Done():
		return Session{}, ctx.Err()
	}
}

// send enqueues a command unless the actor already exited.
func (a *sessionActor) send(ctx context.Context, cmd any) error {
	select {
	case a.cmds <- cmd:
		return nil
	case <-a.done:
		return errActorExited
	case <-ctx.Done():
		return ctx.Err()
	}
}
