package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// TransactionType classifies a balance mutation in the audit log.
type TransactionType string

const (
	TypeUsage        TransactionType = "usage"
	TypeAdminSet     TransactionType = "admin_set"
	TypeAdminAdd     TransactionType = "admin_add"
	TypeAdminDeduct  TransactionType = "admin_deduct"
	TypeInitialGrant TransactionType = "initial_grant"
	TypeRefresh      TransactionType = "refresh"
	TypeSetUnlimited TransactionType = "set_unlimited"
)

// Row is one user's durable credit record.
type Row struct {
	Username  string    `json:"username"`
	Balance   int       `json:"balance"`
	Unlimited bool      `json:"unlimited"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is one immutable audit record. For every transaction,
// BalanceAfter = BalanceBefore + Amount, and BalanceAfter matches the row's
// balance as observed in the same atomic step as the mutation.
type Transaction struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	Amount        int             `json:"amount"`
	Type          TransactionType `json:"transaction_type"`
	ResourceType  string          `json:"resource_type,omitempty"`
	Description   string          `json:"description,omitempty"`
	BalanceBefore int             `json:"balance_before"`
	BalanceAfter  int             `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

// Mutation describes the audit metadata for one atomic balance change. The
// store applies the change and appends the matching transaction in a single
// step; no other writer can observe an intermediate state for the same
// username.
type Mutation struct {
	Type         TransactionType
	ResourceType string
	Description  string
	CreatedBy    string
}

// ErrConflict reports a transient storage-level conflict (lock contention,
// serialization failure). Callers retry with backoff up to a bounded count.
var ErrConflict = errors.New("ledger: storage conflict")

// Store is the durable ledger: per-user rows plus the append-only transaction
// log. Mutations for different usernames must not block each other; mutations
// for the same username are totally ordered.
type Store interface {
	// GetOrCreate loads the row for username, creating it with defaultBalance
	// when absent. The second result reports whether the row was just created
	// (a defaultBalance > 0 creation also appends an initial_grant transaction).
	GetOrCreate(ctx context.Context, username string, defaultBalance int) (Row, bool, error)

	// Get returns the row for username; ok=false when the user has no row.
	Get(ctx context.Context, username string) (Row, bool, error)

	// Set atomically assigns balance := amount and appends one transaction.
	Set(ctx context.Context, username string, amount int, m Mutation) (int, error)

	// Add atomically assigns balance := balance + delta (delta may be
	// negative) and appends one transaction. Balances may go negative.
	Add(ctx context.Context, username string, delta int, m Mutation) (int, error)

	// AddClamped atomically assigns balance := Clamp(balance + delta,
	// minBalance, maxBalance), reading the balance inside the same
	// transaction that writes it, so concurrent mutations can never land the
	// result outside the bounds. It returns the applied delta and the
	// resulting balance; an applied delta of zero means the row was already
	// at the bound and nothing was written, not even a transaction.
	AddClamped(ctx context.Context, username string, delta int, minBalance, maxBalance *int, m Mutation) (int, int, error)

	// SetUnlimited toggles the unlimited flag without touching the balance,
	// recording a set_unlimited transaction of amount zero.
	SetUnlimited(ctx context.Context, username string, unlimited bool, createdBy string) error

	// List returns all rows ordered by username.
	List(ctx context.Context) ([]Row, error)

	// Transactions returns up to limit transactions for username, newest first.
	Transactions(ctx context.Context, username string, limit int) ([]Transaction, error)

	Close() error
}

// NormalizeUsername lowercases and trims a username; every store and engine
// entry point goes through this so "Alice" and "alice" are one account.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Clamp bounds a balance into [minBalance, maxBalance]; a nil bound is open.
// When both bounds are set the caller must ensure min <= max.
func Clamp(balance int, minBalance, maxBalance *int) int {
	if maxBalance != nil && balance > *maxBalance {
		balance = *maxBalance
	}
	if minBalance != nil && balance < *minBalance {
		balance = *minBalance
	}
	return balance
}
