package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/adapter/fakeadapter"
	"github.com/fwdslsh/dispatch/internal/api/handlers"
	"github.com/fwdslsh/dispatch/internal/database"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/session"
)

func newTestRouter(t *testing.T) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := eventlog.NewSQLStore(db.DB)
	manager := session.NewManager(session.ManagerConfig{
		Directory: session.NewSQLDirectory(db.DB),
		Log:       store,
		Adapters: map[session.Kind]adapter.Adapter{
			session.KindShell: fakeadapter.New(),
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	h := handlers.NewSessionHandler(manager, store)
	router := gin.New()
	v1 := router.Group("/v1")
	v1.GET("/sessions", h.ListSessions)
	v1.POST("/sessions", h.CreateSession)
	v1.GET("/sessions/:id", h.GetSession)
	v1.DELETE("/sessions/:id", h.DeleteSession)
	v1.POST("/sessions/:id/close", h.CloseSession)
	v1.GET("/sessions/:id/activity", h.GetActivity)
	v1.GET("/sessions/:id/events", h.ListEvents)
	return router, manager
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/sessions",
		`{"kind":"shell","workspacePath":"/tmp"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var sess session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, session.StatusRunning, sess.Status)

	w = doRequest(router, http.MethodGet, "/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodPost, "/v1/sessions",
		`{"kind":"teleporter","workspacePath":"/tmp"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessions(t *testing.T) {
	router, manager := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := manager.Create(ctx, session.CreateSpec{Kind: session.KindShell, WorkspacePath: "/tmp"})
		require.NoError(t, err)
	}

	w := doRequest(router, http.MethodGet, "/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 3)
}

func TestListEventsPagination(t *testing.T) {
	router, manager := newTestRouter(t)
	ctx := context.Background()

	sess, err := manager.Create(ctx, session.CreateSpec{Kind: session.KindShell, WorkspacePath: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, manager.SendInput(ctx, sess.ID, []byte("a")))
	require.NoError(t, manager.SendInput(ctx, sess.ID, []byte("b")))

	w := doRequest(router, http.MethodGet, "/v1/sessions/"+sess.ID+"/events?after=1&limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var events []eventlog.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
}

func TestCloseAndDeleteSession(t *testing.T) {
	router, manager := newTestRouter(t)
	ctx := context.Background()

	sess, err := manager.Create(ctx, session.CreateSpec{Kind: session.KindShell, WorkspacePath: "/tmp"})
	require.NoError(t, err)

	w := doRequest(router, http.MethodDelete, "/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusConflict, w.Code, "live session cannot be deleted")

	w = doRequest(router, http.MethodPost, "/v1/sessions/"+sess.ID+"/close", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodDelete, "/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(router, http.MethodGet, "/v1/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetActivity(t *testing.T) {
	router, manager := newTestRouter(t)
	ctx := context.Background()

	sess, err := manager.Create(ctx, session.CreateSpec{Kind: session.KindShell, WorkspacePath: "/tmp"})
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/v1/sessions/"+sess.ID+"/activity", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"idle"}`, w.Body.String())
}

func TestUnknownSessionIs404(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{
		"/v1/sessions/nope",
		"/v1/sessions/nope/activity",
		"/v1/sessions/nope/events",
	} {
		w := doRequest(router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
