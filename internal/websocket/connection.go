package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/logger"
	"github.com/fwdslsh/dispatch/internal/session"
	"github.com/fwdslsh/dispatch/pkg/wire"
)

const (
	// sendBuffer bounds the per-connection outbound queue.
	sendBuffer = 512
	writeWait  = 10 * time.Second
	// opTimeout bounds a single client request against the manager. Create
	// may legitimately wait out the full adapter start timeout.
	opTimeout = 60 * time.Second
)

// connection serves one websocket client. Inbound frames are handled on the
// read loop, which keeps input ordering; all outbound frames funnel through
// the send channel so the write loop is the only goroutine touching the
// socket for writes.
type connection struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send   chan wire.Frame
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*subEntry
}

// subEntry is one session subscription held by this connection.
type subEntry struct {
	sub *session.Subscription
	// detached marks an explicit client detach so the goodbye frame carries
	// the right reason.
	detached atomic.Bool
}

func newConnection(hub *Hub, ws *websocket.Conn) *connection {
	return &connection{
		id:     uuid.New().String(),
		hub:    hub,
		ws:     ws,
		send:   make(chan wire.Frame, sendBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]*subEntry),
	}
}

func (c *connection) readLoop() {
	for {
		var frame wire.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("[ws] %s: read error: %v", c.id, err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				logger.Debugf("[ws] %s: write error: %v", c.id, err)
				_ = c.ws.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// shutdown releases every subscription and closes the socket. Safe to call
// more than once.
func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		for id, entry := range c.subs {
			entry.detached.Store(true)
			entry.sub.Close()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		_ = c.ws.Close()
	})
}

func (c *connection) dispatch(frame wire.Frame) {
	switch frame.Type {
	case wire.TypePing:
		c.trySend(wire.Frame{Type: wire.TypePong, Ref: frame.Ref})
	case wire.TypeCreate:
		c.handleCreate(frame)
	case wire.TypeAttach:
		c.handleAttach(frame)
	case wire.TypeDetach:
		c.handleDetach(frame)
	case wire.TypeInput:
		c.handleInput(frame)
	case wire.TypeResize:
		c.handleResize(frame)
	case wire.TypeClose:
		c.handleClose(frame)
	default:
		c.sendError(frame.Ref, "", wire.CodeBadRequest, "unknown frame type: "+frame.Type)
	}
}

func (c *connection) handleCreate(frame wire.Frame) {
	var req wire.CreatePayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	sess, err := c.hub.manager.Create(ctx, session.CreateSpec{
		ID:            req.SessionID,
		Kind:          session.Kind(req.Kind),
		WorkspacePath: req.WorkspacePath,
		Options:       req.Options,
	})
	if err != nil {
		c.sendError(frame.Ref, req.SessionID, errorCode(err), err.Error())
		return
	}

	data, err := json.Marshal(sess)
	if err != nil {
		c.sendError(frame.Ref, sess.ID, wire.CodeInternal, err.Error())
		return
	}
	c.reply(wire.TypeCreated, frame.Ref, wire.CreatedPayload{Session: data})
}

func (c *connection) handleAttach(frame wire.Frame) {
	var req wire.AttachPayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	backlog, sub, err := c.hub.manager.Attach(ctx, req.SessionID, req.AfterSeq)
	if err != nil {
		c.sendError(frame.Ref, req.SessionID, errorCode(err), err.Error())
		return
	}

	entry := &subEntry{sub: sub}
	c.mu.Lock()
	if prev, ok := c.subs[req.SessionID]; ok {
		prev.detached.Store(true)
		prev.sub.Close()
	}
	c.subs[req.SessionID] = entry
	c.mu.Unlock()

	var backlogTo int64
	if n := len(backlog); n > 0 {
		backlogTo = backlog[n-1].Seq
	}
	c.reply(wire.TypeAttached, frame.Ref, wire.AttachedPayload{
		SessionID: req.SessionID,
		BacklogTo: backlogTo,
		Live:      sub.Live(),
	})
	go c.forward(req.SessionID, entry, backlog)
}

func (c *connection) handleDetach(frame wire.Frame) {
	var req wire.DetachPayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}

	c.mu.Lock()
	entry, ok := c.subs[req.SessionID]
	c.mu.Unlock()
	if !ok {
		c.sendError(frame.Ref, req.SessionID, wire.CodeBadRequest, "not attached to session")
		return
	}
	entry.detached.Store(true)
	entry.sub.Close()
}

func (c *connection) handleInput(frame wire.Frame) {
	var req wire.InputPayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.hub.manager.SendInput(ctx, req.SessionID, req.Data); err != nil {
		c.sendError(frame.Ref, req.SessionID, errorCode(err), err.Error())
	}
}

func (c *connection) handleResize(frame wire.Frame) {
	var req wire.ResizePayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		c.sendError(frame.Ref, req.SessionID, wire.CodeBadRequest, "cols and rows must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.hub.manager.Resize(ctx, req.SessionID, req.Cols, req.Rows); err != nil {
		c.sendError(frame.Ref, req.SessionID, errorCode(err), err.Error())
	}
}

func (c *connection) handleClose(frame wire.Frame) {
	var req wire.ClosePayload
	if err := frame.Decode(&req); err != nil {
		c.sendError(frame.Ref, "", wire.CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.hub.manager.Close(ctx, req.SessionID); err != nil {
		c.sendError(frame.Ref, req.SessionID, errorCode(err), err.Error())
		return
	}
	c.reply(wire.TypeClosed, frame.Ref, wire.ClosePayload{SessionID: req.SessionID})
}

// forward replays the backlog and then streams live events until the
// subscription ends, closing with a detached frame that tells the client why.
func (c *connection) forward(sessionID string, entry *subEntry, backlog []eventlog.Event) {
	for _, ev := range backlog {
		if !c.sendFrame(eventFrame(ev)) {
			return
		}
	}
	for ev := range entry.sub.Events() {
		if !c.sendFrame(eventFrame(ev)) {
			return
		}
	}

	c.mu.Lock()
	if c.subs[sessionID] == entry {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()

	reason := wire.ReasonClosed
	if entry.sub.Lagged() {
		reason = wire.ReasonLagged
	} else if entry.detached.Load() {
		reason = wire.ReasonDetach
	}
	c.reply(wire.TypeDetached, "", wire.DetachedPayload{SessionID: sessionID, Reason: reason})
}

// follows reports whether this connection is subscribed to the session.
func (c *connection) follows(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// sendFrame queues a frame, blocking until there is room. Returns false if
// the connection closed first.
func (c *connection) sendFrame(frame wire.Frame) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.closed:
		return false
	}
}

// trySend queues a frame without blocking. Used for ephemeral frames that may
// be dropped under pressure.
func (c *connection) trySend(frame wire.Frame) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *connection) reply(typ, ref string, payload any) {
	frame, err := wire.NewFrame(typ, ref, payload)
	if err != nil {
		logger.Errorf("[ws] %s: failed to encode %s frame: %v", c.id, typ, err)
		return
	}
	c.sendFrame(frame)
}

func (c *connection) sendError(ref, sessionID, code, message string) {
	c.reply(wire.TypeError, ref, wire.ErrorPayload{SessionID: sessionID, Code: code, Message: message})
}

func eventFrame(ev eventlog.Event) wire.Frame {
	frame, _ := wire.NewFrame(wire.TypeEvent, "", wire.EventPayload{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
	})
	return frame
}

// errorCode maps manager errors to wire error codes.
func errorCode(err error) string {
	var spawnErr *session.SpawnError
	var persistErr *session.PersistenceError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return wire.CodeSessionNotFound
	case errors.Is(err, session.ErrSessionNotRunning):
		return wire.CodeSessionNotRunning
	case errors.Is(err, session.ErrResizeUnsupported):
		return wire.CodeResizeUnsupported
	case errors.Is(err, session.ErrUnknownKind):
		return wire.CodeBadRequest
	case errors.As(err, &spawnErr):
		return wire.CodeSpawnFailed
	case errors.As(err, &persistErr):
		return wire.CodePersistenceFailed
	default:
		return wire.CodeInternal
	}
}
