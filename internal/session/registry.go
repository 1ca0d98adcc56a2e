package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id        TEXT PRIMARY KEY,
	state     TEXT NOT NULL,
	pid       INTEGER NOT NULL,
	startedAt INTEGER NOT NULL,
	endedAt   INTEGER
);
CREATE INDEX IF NOT EXISTS sessions_state ON sessions(state);
`

// Registry stores sessions in SQLite. Claim and Transition are single
// statements, so concurrent processes see compare-and-set semantics.
type Registry struct {
	db *sql.DB
}

// DefaultPath is the registry file under the data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "sessions.sqlite")
}

// OpenRegistry opens (creating if needed) the registry at path.
func OpenRegistry(ctx context.Context, path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Claim inserts s as ACTIVE if and only if no other session is ACTIVE.
func (r *Registry) Claim(ctx context.Context, s Session) error {
	if !ValidID(s.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, state, pid, startedAt)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM sessions WHERE state = ?)`,
		s.ID, StateActive, s.PID, s.StartedAt.UnixNano(), StateActive,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		return fmt.Errorf("claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if n == 0 {
		return ErrSessionActive
	}
	return nil
}

// Transition moves session id from one state to another. It fails with
// ErrStateConflict when the session is not in the expected state.
func (r *Registry) Transition(ctx context.Context, id string, from, to State, at time.Time) error {
	var endedAt any
	if to != StateActive {
		endedAt = at.UnixNano()
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, endedAt = ?
		WHERE id = ? AND state = ?`,
		to, endedAt, id, from,
	)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %s is not %s", ErrStateConflict, id, from)
	}
	return nil
}

// Active returns the ACTIVE session, or nil if there is none.
func (r *Registry) Active(ctx context.Context) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, state, pid, startedAt, endedAt
		FROM sessions
		WHERE state = ?
		LIMIT 1`, StateActive)
	s, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// Get returns the session with id.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, state, pid, startedAt, endedAt
		FROM sessions
		WHERE id = ?`, id)
	return scanSession(row)
}

// Recent returns up to limit sessions, newest first.
func (r *Registry) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, state, pid, startedAt, endedAt
		FROM sessions
		ORDER BY startedAt DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var state string
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&s.ID, &state, &s.PID, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.State = State(state)
	s.StartedAt = time.Unix(0, startedAt)
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}
