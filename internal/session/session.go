package session

import (
	"context"
	"time"
)

// Status is the lifecycle state of a tracked session. Stopped and CleanedUp
// are terminal; a session never leaves a terminal state.
type Status string

const (
	StatusActive    Status = "active"
	StatusStopped   Status = "stopped"
	StatusCleanedUp Status = "cleaned_up"
)

// Session is one tracked interval of resource usage, created when admission
// control approves a start request. The rate is snapshotted at start so later
// rate-table changes never change the cost of a running session.
type Session struct {
	ID              int64      `json:"id"`
	UUID            string     `json:"uuid"`
	Username        string     `json:"username"`
	ResourceType    string     `json:"resource_type"`
	Rate            int        `json:"rate"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	QuotaConsumed   int        `json:"quota_consumed"`
	Status          Status     `json:"status"`
}

// Terminal reports whether the session has reached a final state.
func (s Session) Terminal() bool {
	return s.Status == StatusStopped || s.Status == StatusCleanedUp
}

// Store is the durable session tracker.
type Store interface {
	// Open records a freshly admitted session in the active state.
	Open(ctx context.Context, username, resourceType string, rate int, startedAt time.Time) (Session, error)

	// Get returns the session with the given id; ok=false when unknown.
	Get(ctx context.Context, id int64) (Session, bool, error)

	// Finish transitions an active session into the given terminal status,
	// recording end time, duration, and the credits charged. It returns
	// ok=false without modifying anything when the session is unknown or
	// already terminal, which makes settlement retries idempotent.
	Finish(ctx context.Context, id int64, status Status, endedAt time.Time, durationMinutes, quotaConsumed int) (bool, error)

	// ListStale returns active sessions started before the cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]Session, error)

	// ActiveCount returns the number of sessions currently active.
	ActiveCount(ctx context.Context) (int, error)

	// ActiveFor returns the user's active session, if any.
	ActiveFor(ctx context.Context, username string) (Session, bool, error)

	Close() error
}
