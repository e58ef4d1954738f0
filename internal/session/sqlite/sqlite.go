package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	"github.com/fleetmeter/fleetmeter-engine/internal/session"
)

// Store implements session.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite session store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// pragmas are per-connection; a single connection keeps them in force
	// and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	rate INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	quota_consumed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_sessions_username_status ON usage_sessions(username, status);
CREATE INDEX IF NOT EXISTS idx_usage_sessions_status_started ON usage_sessions(status, started_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open records a freshly admitted session.
func (s *Store) Open(ctx context.Context, username, resourceType string, rate int, startedAt time.Time) (session.Session, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return session.Session{}, errors.New("username required")
	}
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	id := uuid.New().String()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO usage_sessions(uuid, username, resource_type, rate, started_at, status)
VALUES(?, ?, ?, ?, ?, ?)`, id, username, resourceType, rate, startedAt, string(session.StatusActive))
	if err != nil {
		return session.Session{}, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		ID:           rowID,
		UUID:         id,
		Username:     username,
		ResourceType: resourceType,
		Rate:         rate,
		StartedAt:    startedAt,
		Status:       session.StatusActive,
	}, nil
}

// Get returns the session with the given id.
func (s *Store) Get(ctx context.Context, id int64) (session.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, uuid, username, resource_type, rate, started_at, ended_at, duration_minutes, quota_consumed, status
FROM usage_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Finish transitions an active session into a terminal state. The WHERE
// status='active' guard makes the transition atomic and retries no-ops.
func (s *Store) Finish(ctx context.Context, id int64, status session.Status, endedAt time.Time, durationMinutes, quotaConsumed int) (bool, error) {
	if status != session.StatusStopped && status != session.StatusCleanedUp {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE usage_sessions
SET status = ?, ended_at = ?, duration_minutes = ?, quota_consumed = ?
WHERE id = ? AND status = ?`,
		string(status), endedAt, durationMinutes, quotaConsumed, id, string(session.StatusActive))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListStale returns active sessions started before the cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, username, resource_type, rate, started_at, ended_at, duration_minutes, quota_consumed, status
FROM usage_sessions
WHERE status = ? AND started_at < ?
ORDER BY started_at`, string(session.StatusActive), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, ok, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

// ActiveCount returns the number of active sessions.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM usage_sessions WHERE status = ?`, string(session.StatusActive)).Scan(&n)
	return n, err
}

// ActiveFor returns the user's active session, if any.
func (s *Store) ActiveFor(ctx context.Context, username string) (session.Session, bool, error) {
	username = ledger.NormalizeUsername(username)
	row := s.db.QueryRowContext(ctx, `
SELECT id, uuid, username, resource_type, rate, started_at, ended_at, duration_minutes, quota_consumed, status
FROM usage_sessions
WHERE username = ? AND status = ?
ORDER BY started_at DESC LIMIT 1`, username, string(session.StatusActive))
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, bool, error) {
	var sess session.Session
	var status string
	var ended sql.NullTime
	err := row.Scan(&sess.ID, &sess.UUID, &sess.Username, &sess.ResourceType, &sess.Rate,
		&sess.StartedAt, &ended, &sess.DurationMinutes, &sess.QuotaConsumed, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, err
	}
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	sess.Status = session.Status(status)
	return sess, true, nil
}
