package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetmeter/fleetmeter-engine/internal/session"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenAndGet(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	sess, err := store.Open(ctx, "Alice", "gpu", 2, started)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sess.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if sess.UUID == "" {
		t.Fatal("expected assigned uuid")
	}
	if sess.Username != "alice" {
		t.Fatalf("expected normalized username, got %q", sess.Username)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}
	if sess.Rate != 2 {
		t.Fatalf("expected rate snapshot 2, got %d", sess.Rate)
	}

	got, ok, err := store.Get(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.UUID != sess.UUID || got.ResourceType != "gpu" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.EndedAt != nil {
		t.Fatal("active session must have no end time")
	}
}

func TestFinishIsSingleWinner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	sess, err := store.Open(ctx, "bob", "cpu", 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ended := time.Now().UTC()
	ok, err := store.Finish(ctx, sess.ID, session.StatusStopped, ended, 23, 23)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !ok {
		t.Fatal("first finish must win")
	}

	// a second transition is refused without modifying the row
	ok, err = store.Finish(ctx, sess.ID, session.StatusStopped, ended.Add(time.Hour), 99, 99)
	if err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if ok {
		t.Fatal("second finish must lose")
	}

	got, _, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}
	if got.DurationMinutes != 23 || got.QuotaConsumed != 23 {
		t.Fatalf("first finish values must stick: %+v", got)
	}
	if got.EndedAt == nil {
		t.Fatal("expected end time recorded")
	}
}

func TestFinishUnknownSession(t *testing.T) {
	store := newStore(t)

	ok, err := store.Finish(context.Background(), 42, session.StatusStopped, time.Now(), 1, 1)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if ok {
		t.Fatal("unknown session must not be finishable")
	}
}

func TestListStaleFiltersByCutoffAndStatus(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old, err := store.Open(ctx, "alice", "cpu", 1, now.Add(-10*time.Hour))
	if err != nil {
		t.Fatalf("Open old: %v", err)
	}
	oldClosed, err := store.Open(ctx, "bob", "cpu", 1, now.Add(-10*time.Hour))
	if err != nil {
		t.Fatalf("Open oldClosed: %v", err)
	}
	if _, err := store.Finish(ctx, oldClosed.ID, session.StatusStopped, now, 600, 600); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := store.Open(ctx, "carol", "cpu", 1, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Open fresh: %v", err)
	}

	stale, err := store.ListStale(ctx, now.Add(-8*time.Hour))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected exactly the old active session, got %d", len(stale))
	}
	if stale[0].ID != old.ID {
		t.Fatalf("expected session %d, got %d", old.ID, stale[0].ID)
	}
}

func TestActiveCountAndActiveFor(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s1, err := store.Open(ctx, "alice", "cpu", 1, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Open(ctx, "bob", "gpu", 2, now); err != nil {
		t.Fatalf("Open: %v", err)
	}

	count, err := store.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 active, got %d", count)
	}

	got, ok, err := store.ActiveFor(ctx, "Alice")
	if err != nil || !ok {
		t.Fatalf("ActiveFor: ok=%v err=%v", ok, err)
	}
	if got.ID != s1.ID {
		t.Fatalf("expected session %d, got %d", s1.ID, got.ID)
	}

	if _, err := store.Finish(ctx, s1.ID, session.StatusCleanedUp, now, 1, 0); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, ok, err = store.ActiveFor(ctx, "alice"); err != nil {
		t.Fatalf("ActiveFor after finish: %v", err)
	} else if ok {
		t.Fatal("cleaned up session must not be active")
	}

	count, err = store.ActiveCount(ctx)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active, got %d", count)
	}
}
