package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLDirectory implements Directory on SQLite. The sessions table doubles as
// the per-session seq allocator used by the event log store.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a SQLite-backed session directory.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) Upsert(ctx context.Context, s Session) error {
	opts, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("failed to encode session options: %w", err)
	}
	now := time.Now().UTC()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, kind, workspace_path, status, options_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			options_json = excluded.options_json,
			updated_at = excluded.updated_at
	`, s.ID, string(s.Kind), s.WorkspacePath, string(s.Status), string(opts), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (d *SQLDirectory) Get(ctx context.Context, id string) (Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, kind, workspace_path, status, options_json, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (d *SQLDirectory) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 150
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, kind, workspace_path, status, options_json, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (d *SQLDirectory) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (d *SQLDirectory) ListUnfinished(ctx context.Context) ([]Session, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, kind, workspace_path, status, options_json, created_at, updated_at
		FROM sessions WHERE status IN (?, ?)
	`, string(StatusStarting), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (d *SQLDirectory) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s    Session
		kind string
		stat string
		opts string
	)
	if err := row.Scan(&s.ID, &kind, &s.WorkspacePath, &stat, &opts, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	s.Kind = Kind(kind)
	s.Status = Status(stat)
	if opts != "" && opts != "null" {
		if err := json.Unmarshal([]byte(opts), &s.Options); err != nil {
			return Session{}, fmt.Errorf("failed to decode session options: %w", err)
		}
	}
	return s, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}
