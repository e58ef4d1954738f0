// Package postgres provides a PostgreSQL implementation of session.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	"github.com/fleetmeter/fleetmeter-engine/internal/session"
)

// Store implements session.Store for PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config holds connection pool settings.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sensible defaults for connection pooling.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// New creates a new PostgreSQL session store with the given DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_sessions (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL UNIQUE,
	username TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	rate BIGINT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	duration_minutes BIGINT NOT NULL DEFAULT 0,
	quota_consumed BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	var rowID int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO usage_sessions(uuid, username, resource_type, rate, started_at, status)
VALUES($1, $2, $3, $4, $5, $6)
RETURNING id`, id, username, resourceType, rate, startedAt, string(session.StatusActive)).Scan(&rowID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// UUID collisions are effectively impossible; treat as a retryable
			// storage fault rather than silently reusing the row.
			return session.Session{}, fmt.Errorf("session uuid collision: %w", err)
		}
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
FROM usage_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// Finish transitions an active session into a terminal state.
func (s *Store) Finish(ctx context.Context, id int64, status session.Status, endedAt time.Time, durationMinutes, quotaConsumed int) (bool, error) {
	if status != session.StatusStopped && status != session.StatusCleanedUp {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE usage_sessions
SET status = $1, ended_at = $2, duration_minutes = $3, quota_consumed = $4
WHERE id = $5 AND status = $6`,
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
WHERE status = $1 AND started_at < $2
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
SELECT COUNT(*) FROM usage_sessions WHERE status = $1`, string(session.StatusActive)).Scan(&n)
	return n, err
}

// ActiveFor returns the user's active session, if any.
func (s *Store) ActiveFor(ctx context.Context, username string) (session.Session, bool, error) {
	username = ledger.NormalizeUsername(username)
	row := s.db.QueryRowContext(ctx, `
SELECT id, uuid, username, resource_type, rate, started_at, ended_at, duration_minutes, quota_consumed, status
FROM usage_sessions
WHERE username = $1 AND status = $2
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
