// Package quota implements the session accounting engine: admission control,
// settlement, the stale-session reaper, and batch refresh rules, all on top
// of the durable ledger and session stores.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
	"github.com/fleetmeter/fleetmeter-engine/internal/rates"
	"github.com/fleetmeter/fleetmeter-engine/internal/session"
)

// Config is the immutable engine configuration, injected at construction so
// tests can override thresholds without shared state.
type Config struct {
	// Enabled gates all balance checks and deductions. When false the engine
	// admits every request and settles sessions without touching the ledger,
	// but sessions are still tracked.
	Enabled bool

	// DefaultQuota seeds the balance of users seen for the first time. A
	// value > 0 produces an initial_grant transaction on creation.
	DefaultQuota int

	// MinimumToStart denies admission when the balance is below this floor,
	// even if the estimated cost would fit.
	MinimumToStart int

	// StaleAfter is how long a session may stay active before the reaper
	// considers its termination signal lost.
	StaleAfter time.Duration

	// RetryAttempts bounds internal retries of transient storage conflicts.
	RetryAttempts int

	// RetryBackoff is the base delay between conflict retries; attempt n
	// waits n * RetryBackoff.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 8 * time.Hour
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	return c
}

// Engine coordinates the ledger, the session tracker, and the rate table.
type Engine struct {
	cfg      Config
	ledger   ledger.Store
	sessions session.Store
	rates    *rates.Table
	logger   *log.Logger

	// timeNow is overridable in tests
	timeNow func() time.Time
}

// NewEngine constructs the engine with its collaborators.
func NewEngine(cfg Config, ledgerStore ledger.Store, sessionStore session.Store, table *rates.Table, logger *log.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		ledger:   ledgerStore,
		sessions: sessionStore,
		rates:    table,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// Enabled reports whether balance enforcement is active.
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Rates returns the engine's rate table.
func (e *Engine) Rates() *rates.Table {
	return e.rates
}

// MinimumToStart returns the configured admission floor.
func (e *Engine) MinimumToStart() int {
	return e.cfg.MinimumToStart
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// TryStart runs the admission check and, on success, opens an active session
// with the current rate snapshotted. Admission never deducts balance; the
// deduction happens at settlement from actual usage. Balance is checked, not
// reserved, so concurrent starts by one user can transiently over-subscribe;
// this mirrors the request-time check of the source system.
func (e *Engine) TryStart(ctx context.Context, username, resourceType string, requestedMinutes int) (session.Session, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return session.Session{}, errors.New("username required")
	}
	if requestedMinutes <= 0 {
		return session.Session{}, fmt.Errorf("requested minutes must be positive, got %d", requestedMinutes)
	}
	rate := e.rates.Rate(resourceType)

	if e.cfg.Enabled {
		var row ledger.Row
		var created bool
		err := e.withRetry(func() error {
			var err error
			row, created, err = e.ledger.GetOrCreate(ctx, username, e.cfg.DefaultQuota)
			return err
		})
		if err != nil {
			return session.Session{}, err
		}
		if created {
			e.logf("[INFO] QuotaEngine: initialized ledger row for %s (balance=%d)", username, row.Balance)
		}

		if !row.Unlimited {
			estimated := e.rates.Cost(resourceType, requestedMinutes)
			if row.Balance < e.cfg.MinimumToStart || row.Balance < estimated {
				denial := &InsufficientQuotaError{
					Username:         username,
					Balance:          row.Balance,
					EstimatedCost:    estimated,
					Rate:             rate,
					RequestedMinutes: requestedMinutes,
					MinimumToStart:   e.cfg.MinimumToStart,
				}
				e.logf("[INFO] QuotaEngine: denied %s for %s: %s", resourceType, username, denial.Error())
				return session.Session{}, denial
			}
		}
	}

	sess, err := e.sessions.Open(ctx, username, resourceType, rate, e.timeNow().UTC())
	if err != nil {
		return session.Session{}, fmt.Errorf("open session: %w", err)
	}
	e.logf("[INFO] QuotaEngine: session %d started for %s (%s @ %d/min, requested %d min)",
		sess.ID, username, resourceType, rate, requestedMinutes)
	return sess, nil
}

// Settlement is the outcome of closing a session.
type Settlement struct {
	Session         session.Session `json:"session"`
	DurationMinutes int             `json:"duration_minutes"`
	Charged         int             `json:"charged"`
	NewBalance      int             `json:"new_balance"`
	AlreadyClosed   bool            `json:"already_closed"`
}

// Close settles a session: computes the billable duration from the snapshotted
// rate and deducts the actual cost. The deduction runs before the terminal
// transition, so a failed deduction leaves the session active and a later
// Close retry settles it in full; nothing is ever silently dropped. Closing
// an already-terminal session is a no-op reported via AlreadyClosed, never a
// double deduction: the terminal transition is an atomic single-winner
// update, and a close that loses that race reverses its own deduction, so
// concurrent retries of the same stop event leave exactly one net charge.
func (e *Engine) Close(ctx context.Context, sessionID int64, endedAt time.Time) (Settlement, error) {
	sess, ok, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return Settlement{}, err
	}
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %d", ErrUnknownSession, sessionID)
	}
	if sess.Terminal() {
		return Settlement{Session: sess, DurationMinutes: sess.DurationMinutes, Charged: 0, AlreadyClosed: true}, nil
	}

	if endedAt.IsZero() {
		endedAt = e.timeNow().UTC()
	}
	duration := rates.BillableMinutes(endedAt.Sub(sess.StartedAt))

	charge := 0
	if e.cfg.Enabled {
		row, _, err := e.ledger.Get(ctx, sess.Username)
		if err != nil {
			return Settlement{}, err
		}
		if !row.Unlimited {
			charge = sess.Rate * duration
		}
	}

	newBalance := 0
	if charge > 0 {
		err := e.withRetry(func() error {
			var err error
			newBalance, err = e.ledger.Add(ctx, sess.Username, -charge, ledger.Mutation{
				Type:         ledger.TypeUsage,
				ResourceType: sess.ResourceType,
				Description:  fmt.Sprintf("Session %d: %d min @ %d/min", sess.ID, duration, sess.Rate),
			})
			return err
		})
		if err != nil {
			e.logf("[ERROR] QuotaEngine: settlement deduction failed for session %d (%s), session stays active: %v",
				sess.ID, sess.Username, err)
			return Settlement{}, fmt.Errorf("settle session %d: %w", sess.ID, err)
		}
	}

	won, err := e.sessions.Finish(ctx, sess.ID, session.StatusStopped, endedAt, duration, charge)
	if err != nil {
		e.reverseCharge(ctx, sess, duration, charge)
		return Settlement{}, err
	}
	if !won {
		// A concurrent close reached the terminal state first and carries
		// the authoritative charge; ours is reversed.
		e.reverseCharge(ctx, sess, duration, charge)
		current, _, _ := e.sessions.Get(ctx, sess.ID)
		return Settlement{Session: current, DurationMinutes: current.DurationMinutes, AlreadyClosed: true}, nil
	}

	sess.Status = session.StatusStopped
	sess.EndedAt = &endedAt
	sess.DurationMinutes = duration
	sess.QuotaConsumed = charge
	e.logf("[INFO] QuotaEngine: session %d stopped for %s: %d min, charged %d", sess.ID, sess.Username, duration, charge)
	return Settlement{Session: sess, DurationMinutes: duration, Charged: charge, NewBalance: newBalance}, nil
}

// CleanupRecord describes one session reclaimed by the reaper.
type CleanupRecord struct {
	SessionID       int64  `json:"session_id"`
	Username        string `json:"username"`
	ResourceType    string `json:"resource_type"`
	DurationMinutes int    `json:"duration_minutes"`
}

// CleanupStale marks sessions stuck in the active state past the staleness
// threshold as cleaned_up. No settlement runs: a session that lost its
// termination signal has an unknown true duration, and under-charging beats
// billing for it. A per-session failure is logged and skipped so the sweep
// always covers the remaining rows.
func (e *Engine) CleanupStale(ctx context.Context) ([]CleanupRecord, error) {
	now := e.timeNow().UTC()
	cutoff := now.Add(-e.cfg.StaleAfter)

	stale, err := e.sessions.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}

	var cleaned []CleanupRecord
	for _, sess := range stale {
		duration := rates.BillableMinutes(now.Sub(sess.StartedAt))
		won, err := e.sessions.Finish(ctx, sess.ID, session.StatusCleanedUp, now, duration, 0)
		if err != nil {
			e.logf("[ERROR] QuotaEngine: failed to clean up session %d: %v", sess.ID, err)
			continue
		}
		if !won {
			continue
		}
		cleaned = append(cleaned, CleanupRecord{
			SessionID:       sess.ID,
			Username:        sess.Username,
			ResourceType:    sess.ResourceType,
			DurationMinutes: duration,
		})
		e.logf("[INFO] QuotaEngine: cleaned up stale session %d for %s: %d min (no charge)", sess.ID, sess.Username, duration)
	}
	return cleaned, nil
}

// RunReaper performs the startup sweep and then repeats it on the given
// interval until the context is cancelled. An interval of zero runs the
// startup sweep only.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	if _, err := e.CleanupStale(ctx); err != nil {
		e.logf("[ERROR] QuotaEngine: startup reaper sweep failed: %v", err)
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.CleanupStale(ctx); err != nil {
				e.logf("[ERROR] QuotaEngine: reaper sweep failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// ActiveSessionCount returns the number of active sessions.
func (e *Engine) ActiveSessionCount(ctx context.Context) (int, error) {
	return e.sessions.ActiveCount(ctx)
}

// ActiveSessionFor returns the user's active session, if any.
func (e *Engine) ActiveSessionFor(ctx context.Context, username string) (session.Session, bool, error) {
	return e.sessions.ActiveFor(ctx, username)
}

// Balances returns every ledger row, for the admin listing.
func (e *Engine) Balances(ctx context.Context) ([]ledger.Row, error) {
	return e.ledger.List(ctx)
}

// Balance returns the user's ledger row, or a zero row when none exists yet.
// Lookup only: no row is created.
func (e *Engine) Balance(ctx context.Context, username string) (ledger.Row, error) {
	username = ledger.NormalizeUsername(username)
	row, ok, err := e.ledger.Get(ctx, username)
	if err != nil {
		return ledger.Row{}, err
	}
	if !ok {
		row = ledger.Row{Username: username}
	}
	return row, nil
}

// UserDetail returns the row (zero row when absent) plus recent transactions.
func (e *Engine) UserDetail(ctx context.Context, username string, txLimit int) (ledger.Row, []ledger.Transaction, error) {
	username = ledger.NormalizeUsername(username)
	row, ok, err := e.ledger.Get(ctx, username)
	if err != nil {
		return ledger.Row{}, nil, err
	}
	if !ok {
		row = ledger.Row{Username: username}
	}
	txs, err := e.ledger.Transactions(ctx, username, txLimit)
	if err != nil {
		return ledger.Row{}, nil, err
	}
	return row, txs, nil
}

// reverseCharge returns a settlement deduction that turned out not to stand,
// because another close won the terminal transition or the transition itself
// failed. The reversal is a plain usage transaction with a positive amount,
// keeping the audit chain intact.
func (e *Engine) reverseCharge(ctx context.Context, sess session.Session, duration, charge int) {
	if charge == 0 {
		return
	}
	err := e.withRetry(func() error {
		_, err := e.ledger.Add(ctx, sess.Username, charge, ledger.Mutation{
			Type:         ledger.TypeUsage,
			ResourceType: sess.ResourceType,
			Description:  fmt.Sprintf("Session %d: settlement reversal (%d min @ %d/min)", sess.ID, duration, sess.Rate),
		})
		return err
	})
	if err != nil {
		e.logf("[ERROR] QuotaEngine: failed to reverse %d for session %d (%s): %v", charge, sess.ID, sess.Username, err)
	}
}

func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ledger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt) * e.cfg.RetryBackoff)
	}
	return err
}
