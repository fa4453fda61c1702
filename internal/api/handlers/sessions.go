package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/session"
)

// SessionHandler serves the REST view of the session directory. The realtime
// transport is the primary surface; these endpoints exist for listing,
// inspection and cleanup.
type SessionHandler struct {
	manager *session.Manager
	log     eventlog.Store
}

func NewSessionHandler(manager *session.Manager, log eventlog.Store) *SessionHandler {
	return &SessionHandler{manager: manager, log: log}
}

// CreateSessionRequest represents the request to create a session
type CreateSessionRequest struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind" binding:"required"`
	WorkspacePath string         `json:"workspacePath" binding:"required"`
	Options       map[string]any `json:"options"`
}

// ListSessions handles GET /v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	sessions, err := h.manager.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	// Raw array, not wrapped.
	c.JSON(http.StatusOK, sessions)
}

// CreateSession handles POST /v1/sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := h.manager.Create(c.Request.Context(), session.CreateSpec{
		ID:            req.ID,
		Kind:          session.Kind(req.Kind),
		WorkspacePath: req.WorkspacePath,
		Options:       req.Options,
	})
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession handles GET /v1/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession handles DELETE /v1/sessions/:id
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseSession handles POST /v1/sessions/:id/close
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if err := h.manager.Close(c.Request.Context(), c.Param("id")); err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetActivity handles GET /v1/sessions/:id/activity
func (h *SessionHandler) GetActivity(c *gin.Context) {
	state, err := h.manager.ActivityState(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// ListEvents handles GET /v1/sessions/:id/events?after=&limit=
// Events are returned in seq order starting after the given seq, so clients
// can page through a session's full history.
func (h *SessionHandler) ListEvents(c *gin.Context) {
	id := c.Param("id")

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after parameter"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}

	if _, err := h.manager.Get(c.Request.Context(), id); err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	events, err := h.log.ReadFrom(c.Request.Context(), id, after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read events"})
		return
	}
	c.JSON(http.StatusOK, events)
}

// errorStatus maps manager errors to HTTP status codes
func errorStatus(err error) (int, string) {
	var spawnErr *session.SpawnError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrSessionLive):
		return http.StatusConflict, "session is still live"
	case errors.Is(err, session.ErrSessionNotRunning):
		return http.StatusConflict, "session is not running"
	case errors.Is(err, session.ErrUnknownKind):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
