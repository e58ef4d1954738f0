package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. Row-level locking
// (SELECT ... FOR UPDATE) serializes mutations per username while leaving
// other usernames free to proceed concurrently.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	balance BIGINT NOT NULL DEFAULT 0,
	unlimited BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS quota_transactions (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL,
	amount BIGINT NOT NULL,
	transaction_type TEXT NOT NULL,
	resource_type TEXT,
	description TEXT,
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
INSERT INTO quota_users(username, balance) VALUES($1, $2)
RETURNING updated_at`, username, defaultBalance).Scan(&updatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a creation race; read the winner's row back. The aborted
			// transaction is released first so the read never waits on a
			// connection our own transaction is holding.
			_ = tx.Rollback()
			row, _, getErr := s.Get(ctx, username)
			return row, false, getErr
		}
		return ledger.Row{}, false, wrapConflict(err)
	}

	if defaultBalance > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, description, balance_before, balance_after)
VALUES($1, $2, $3, $4, 0, $2)`,
			username, defaultBalance, string(ledger.TypeInitialGrant), "Default quota for new user"); err != nil {
			return ledger.Row{}, false, wrapConflict(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
	return ledger.Row{Username: username, Balance: defaultBalance, UpdatedAt: updatedAt}, true, nil
}

// Get returns the row for username, if any.
func (s *Store) Get(ctx context.Context, username string) (ledger.Row, bool, error) {
	username = ledger.NormalizeUsername(username)
	var row ledger.Row
	err := s.db.QueryRowContext(ctx, `
SELECT username, balance, unlimited, updated_at FROM quota_users WHERE username = $1`, username).
		Scan(&row.Username, &row.Balance, &row.Unlimited, &row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Row{}, false, nil
	}
	if err != nil {
		return ledger.Row{}, false, wrapConflict(err)
	}
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

// AddClamped applies delta and clamps the result into the given bounds
// against the row locked by the same transaction, so the result can never
// land outside the bounds regardless of concurrent writers.
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

func (s *Store) mutate(ctx context.Context, username string, m ledger.Mutation, apply func(current int) (int, bool)) (int, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return 0, errors.New("username required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	var before int
	err = tx.QueryRowContext(ctx, `
SELECT balance FROM quota_users WHERE username = $1 FOR UPDATE`, username).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		// Lazy creation; a concurrent creator surfaces as a unique violation
		// which the engine retries.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_users(username, balance) VALUES($1, 0)`, username); err != nil {
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
UPDATE quota_users SET balance = $1, updated_at = NOW() WHERE username = $2`, after, username); err != nil {
		return 0, wrapConflict(err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, resource_type, description, balance_before, balance_after, created_by)
VALUES($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''))`,
		username, after-before, string(m.Type), m.ResourceType, m.Description, before, after, m.CreatedBy); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapConflict(err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int
	err = tx.QueryRowContext(ctx, `
SELECT balance FROM quota_users WHERE username = $1 FOR UPDATE`, username).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_users(username, balance, unlimited) VALUES($1, 0, $2)`, username, unlimited); err != nil {
			return wrapConflict(err)
		}
		balance = 0
	} else if err != nil {
		return wrapConflict(err)
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE quota_users SET unlimited = $1, updated_at = NOW() WHERE username = $2`, unlimited, username); err != nil {
			return wrapConflict(err)
		}
	}

	desc := "Unlimited disabled"
	if unlimited {
		desc = "Unlimited enabled"
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO quota_transactions(username, amount, transaction_type, description, balance_before, balance_after, created_by)
VALUES($1, 0, $2, $3, $4, $4, NULLIF($5, ''))`,
		username, string(ledger.TypeSetUnlimited), desc, balance, createdBy); err != nil {
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
		if err := rows.Scan(&r.Username, &r.Balance, &r.Unlimited, &r.UpdatedAt); err != nil {
			return nil, err
		}
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
WHERE username = $1
ORDER BY id DESC
LIMIT $2`, username, limit)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// wrapConflict maps serialization and deadlock failures onto
// ledger.ErrConflict so the engine's bounded retry can recognize them.
func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		}
	}
	return err
}
