package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the append/replay contract for the event log.
//
// Append must be called through a per-session serialization point (the
// session actor) so that concurrent callers never observe duplicate or
// out-of-order seq values. Each append durably commits before returning.
type Store interface {
	Append(ctx context.Context, sessionID string, typ Type, payload json.RawMessage) (int64, error)
	ReadFrom(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error)
	Each(ctx context.Context, sessionID string, afterSeq int64, fn func(Event) error) error
	LastSeq(ctx context.Context, sessionID string) (int64, error)
	Purge(ctx context.Context, sessionID string) error
}

// SQLStore implements Store on SQLite.
//
// Seq allocation and the event insert happen in one transaction, so a crash
// between the two never exposes a partial write: the event exists with its
// seq, or the seq was never allocated.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLite-backed event log store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Append allocates the next seq for the session and durably writes the event.
func (s *SQLStore) Append(ctx context.Context, sessionID string, typ Type, payload json.RawMessage) (int64, error) {
	if !typ.Valid() {
		return 0, fmt.Errorf("invalid event type %q", typ)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE sessions
		SET event_seq = event_seq + 1, updated_at = ?
		WHERE id = ?
		RETURNING event_seq
	`, now, sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("unknown session %q", sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to allocate seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, seq, string(typ), string(payload), now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return seq, nil
}

// ReadFrom returns up to limit events with seq strictly greater than afterSeq,
// in seq order. A limit <= 0 means no limit.
func (s *SQLStore) ReadFrom(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `
		SELECT session_id, seq, type, payload, timestamp
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
	`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// Each streams events with seq strictly greater than afterSeq to fn in order.
// Iteration stops at the first error returned by fn.
func (s *SQLStore) Each(ctx context.Context, sessionID string, afterSeq int64, fn func(Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, type, payload, timestamp
		FROM session_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
	`, sessionID, afterSeq)
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate events: %w", err)
	}
	return nil
}

// LastSeq returns the highest assigned seq for the session (0 if none).
func (s *SQLStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM session_events WHERE session_id = ?
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last seq: %w", err)
	}
	return seq.Int64, nil
}

// Purge deletes all events for a session. Only valid for fully-closed
// sessions; the caller enforces that.
func (s *SQLStore) Purge(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge events: %w", err)
	}
	return nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev      Event
		typ     string
		payload string
	)
	if err := rows.Scan(&ev.SessionID, &ev.Seq, &typ, &payload, &ev.Timestamp); err != nil {
		return Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Type = Type(typ)
	ev.Payload = json.RawMessage(payload)
	return ev, nil
}
