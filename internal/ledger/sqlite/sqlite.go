package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite ledger store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
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
CREATE TABLE IF NOT EXISTS quota_users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	balance INTEGER NOT NULL DEFAULT 0,
	unlimited INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS quota_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL,
	amount INTEGER NOT NULL,
	transaction_type TEXT NOT NULL,
	resource_type TEXT,
	description TEXT,
	balance_before INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	created_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_quota_transactions_user_created ON quota_transactions(username, created_at DESC);
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

// GetOrCreate loads the row for username, creating it lazily when absent.
func (s *Store) GetOrCreate(ctx context.Context, username string, defaultBalance int) (ledger.Row, bool, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return ledger.Row{}, false, errors.New("username required")
	}

	if row, ok, err := s.Get(ctx, username); err != nil || ok {
		return row, false, err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_users(username, balance, unlimited, created_at, updated_at)
VALUES(?, ?, 0, ?, ?)`, username, defaultBalance, now, now); err != nil {
		if isUniqueViolation(err) {
			// Lost a creation race; the winner's row is authoritative. The
			// open transaction holds the store's only connection, so it must
			// be released before the read-back can proceed.
			_ = tx.Rollback()
			row, _, getErr := s.Get(ctx, username)
			return row, false, getErr
		}
		return ledger.Row{}, false, wrapConflict(err)
	}

	if defaultBalance > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, description, balance_before, balance_after, created_at)
VALUES(?, ?, ?, ?, 0, ?, ?)`,
			username, defaultBalance, string(ledger.TypeInitialGrant),
			"Default quota for new user", defaultBalance, now); err != nil {
			return ledger.Row{}, false, wrapConflict(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
	return ledger.Row{Username: username, Balance: defaultBalance, UpdatedAt: now}, true, nil
}

// Get returns the row for username, if any.
func (s *Store) Get(ctx context.Context, username string) (ledger.Row, bool, error) {
	username = ledger.NormalizeUsername(username)
	var row ledger.Row
	var unlimited int
	err := s.db.QueryRowContext(ctx, `
SELECT username, balance, unlimited, updated_at FROM quota_users WHERE username = ?`, username).
		Scan(&row.Username, &row.Balance, &unlimited, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Row{}, false, nil
	}
	if err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
	row.Unlimited = unlimited != 0
	return row, true, nil
}

// Set atomically assigns the balance and appends the matching transaction.
func (s *Store) Set(ctx context.Context, username string, amount int, m ledger.Mutation) (int, error) {
	return s.mutate(ctx, username, m, func(current int) (int, bool) { return amount, true })
}

// Add atomically applies a signed delta and appends the matching transaction.
func (s *Store) Add(ctx context.Context, username string, delta int, m ledger.Mutation) (int, error) {
	return s.mutate(ctx, username, m, func(current int) (int, bool) { return current + delta, true })
}

// AddClamped applies delta and clamps the result into the given bounds, all
// against the balance read in the same transaction. A result equal to the
// current balance writes nothing.
func (s *Store) AddClamped(ctx context.Context, username string, delta int, minBalance, maxBalance *int, m ledger.Mutation) (int, int, error) {
	var before int
	after, err := s.mutate(ctx, username, m, func(current int) (int, bool) {
		before = current
		next := ledger.Clamp(current+delta, minBalance, maxBalance)
		return next, next != current
	})
	if err != nil {
		return 0, 0, err
	}
	return after - before, after, nil
}

// mutate runs one read-modify-write cycle in a single database transaction.
// SQLite serializes writers globally, which subsumes the per-username
// ordering requirement; readers are never blocked thanks to WAL. When apply
// reports false the cycle is abandoned and the current balance is returned
// untouched.
func (s *Store) mutate(ctx context.Context, username string, m ledger.Mutation, apply func(current int) (int, bool)) (int, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return 0, errors.New("username required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	var before int
	err = tx.QueryRowContext(ctx, `SELECT balance FROM quota_users WHERE username = ?`, username).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_users(username, balance, unlimited, created_at, updated_at)
VALUES(?, 0, 0, ?, ?)`, username, now, now); err != nil {
			return 0, wrapConflict(err)
		}
		before = 0
	} else if err != nil {
		return 0, wrapConflict(err)
	}

	after, write := apply(before)
	if !write {
		return before, nil
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE quota_users SET balance = ?, updated_at = ? WHERE username = ?`, after, now, username); err != nil {
		return 0, wrapConflict(err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, resource_type, description, balance_before, balance_after, created_at, created_by)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		username, after-before, string(m.Type), nullable(m.ResourceType), nullable(m.Description),
		before, after, now, nullable(m.CreatedBy)); err != nil {
		return 0, wrapConflict(err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapConflict(err)
	}
	return after, nil
}

// SetUnlimited toggles the unlimited flag, leaving the balance untouched.
func (s *Store) SetUnlimited(ctx context.Context, username string, unlimited bool, createdBy string) error {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return errors.New("username required")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int
	err = tx.QueryRowContext(ctx, `SELECT balance FROM quota_users WHERE username = ?`, username).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_users(username, balance, unlimited, created_at, updated_at)
VALUES(?, 0, ?, ?, ?)`, username, boolInt(unlimited), now, now); err != nil {
			return wrapConflict(err)
		}
		balance = 0
	} else if err != nil {
		return wrapConflict(err)
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE quota_users SET unlimited = ?, updated_at = ? WHERE username = ?`, boolInt(unlimited), now, username); err != nil {
			return wrapConflict(err)
		}
	}

	desc := "Unlimited disabled"
	if unlimited {
		desc = "Unlimited enabled"
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, description, balance_before, balance_after, created_at, created_by)
VALUES(?, 0, ?, ?, ?, ?, ?, ?)`,
		username, string(ledger.TypeSetUnlimited), desc, balance, balance, now, nullable(createdBy)); err != nil {
		return wrapConflict(err)
	}

	return wrapConflict(tx.Commit())
}

// List returns all ledger rows ordered by username.
func (s *Store) List(ctx context.Context) ([]ledger.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT username, balance, unlimited, updated_at FROM quota_users ORDER BY username`)
	if err != nil {
		return nil, wrapConflict(err)
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		var r ledger.Row
		var unlimited int
		if err := rows.Scan(&r.Username, &r.Balance, &unlimited, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Unlimited = unlimited != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transactions returns the latest transactions for a user, newest first.
func (s *Store) Transactions(ctx context.Context, username string, limit int) ([]ledger.Transaction, error) {
	username = ledger.NormalizeUsername(username)
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, username, amount, transaction_type, resource_type, description, balance_before, balance_after, created_at, created_by
FROM quota_transactions
WHERE username = ?
ORDER BY id DESC
LIMIT ?`, username, limit)
	if err != nil {
		return nil, wrapConflict(err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var txType string
		var resource, desc, createdBy sql.NullString
		if err := rows.Scan(&t.ID, &t.Username, &t.Amount, &txType, &resource, &desc, &t.BalanceBefore, &t.BalanceAfter, &t.CreatedAt, &createdBy); err != nil {
			return nil, err
		}
		t.Type = ledger.TransactionType(txType)
		t.ResourceType = resource.String
		t.Description = desc.String
		t.CreatedBy = createdBy.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// wrapConflict maps SQLite lock contention onto ledger.ErrConflict so the
// engine's bounded retry can recognize it.
func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
