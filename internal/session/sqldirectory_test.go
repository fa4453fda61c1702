package session_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fwdslsh/dispatch/internal/database"
	"github.com/fwdslsh/dispatch/internal/eventlog"
	"github.com/fwdslsh/dispatch/internal/session"
)

func newDirectory(t *testing.T) (*session.SQLDirectory, *eventlog.SQLStore) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return session.NewSQLDirectory(db.DB), eventlog.NewSQLStore(db.DB)
}

func testSession(id string, status session.Status) session.Session {
	now := time.Now().UTC()
	return session.Session{
		ID: id, Kind: session.KindShell, WorkspacePath: "/tmp",
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
}

func TestUpsertPreservesSeqCounter(t *testing.T) {
	dir, store := newDirectory(t)
	ctx := context.Background()

	require.NoError(t, dir.Upsert(ctx, testSession("s1", session.StatusStarting)))

	seq, err := store.Append(ctx, "s1", eventlog.TypeStdout,
		eventlog.MarshalPayload(eventlog.IOPayload{Data: []byte("x")}))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	// Re-upserting the same id must not reset the allocator.
	require.NoError(t, dir.Upsert(ctx, testSession("s1", session.StatusRunning)))

	seq, err = store.Append(ctx, "s1", eventlog.TypeStdout,
		eventlog.MarshalPayload(eventlog.IOPayload{Data: []byte("y")}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestUpdateStatusUnknownSession(t *testing.T) {
	dir, _ := newDirectory(t)
	err := dir.UpdateStatus(context.Background(), "nope", session.StatusStopped)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestListUnfinished(t *testing.T) {
	dir, _ := newDirectory(t)
	ctx := context.Background()

	require.NoError(t, dir.Upsert(ctx, testSession("a", session.StatusStarting)))
	require.NoError(t, dir.Upsert(ctx, testSession("b", session.StatusRunning)))
	require.NoError(t, dir.Upsert(ctx, testSession("c", session.StatusStopped)))
	require.NoError(t, dir.Upsert(ctx, testSession("d", session.StatusErrored)))

	unfinished, err := dir.ListUnfinished(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, s := range unfinished {
		ids[s.ID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, ids)
}

func TestDeleteCascadesEvents(t *testing.T) {
	dir, store := newDirectory(t)
	ctx := context.Background()

	require.NoError(t, dir.Upsert(ctx, testSession("s1", session.StatusRunning)))
	_, err := store.Append(ctx, "s1", eventlog.TypeStdout,
		eventlog.MarshalPayload(eventlog.IOPayload{Data: []byte("x")}))
	require.NoError(t, err)

	require.NoError(t, dir.Delete(ctx, "s1"))

	_, err = dir.Get(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	events, err := store.ReadFrom(ctx, "s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
