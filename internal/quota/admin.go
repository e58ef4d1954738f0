package quota

import (
	"context"
	"fmt"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
)

// AdminAction is the closed set of administrative balance operations. Using
// a typed variant instead of dispatching on raw strings keeps invalid-action
// states out of the engine entirely.
type AdminAction string

const (
	AdminSet          AdminAction = "set"
	AdminAdd          AdminAction = "add"
	AdminDeduct       AdminAction = "deduct"
	AdminSetUnlimited AdminAction = "set_unlimited"
)

// ParseAdminAction maps a wire-level action string onto the closed variant.
func ParseAdminAction(s string) (AdminAction, error) {
	switch AdminAction(s) {
	case AdminSet, AdminAdd, AdminDeduct, AdminSetUnlimited:
		return AdminAction(s), nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// AdminOp is one administrative mutation with its typed payload.
type AdminOp struct {
	Action      AdminAction
	Amount      int
	Unlimited   bool
	Description string
	Actor       string
}

// AdminApply executes an administrative operation and returns the updated
// row. Deductions are adds with a negated amount; none of these fail for
// "balance would go negative".
func (e *Engine) AdminApply(ctx context.Context, username string, op AdminOp) (ledger.Row, error) {
	username = ledger.NormalizeUsername(username)
	if username == "" {
		return ledger.Row{}, fmt.Errorf("username required")
	}

	err := e.withRetry(func() error {
		var err error
		switch op.Action {
		case AdminSet:
			desc := op.Description
			if desc == "" {
				desc = fmt.Sprintf("Balance set to %d", op.Amount)
			}
			_, err = e.ledger.Set(ctx, username, op.Amount, ledger.Mutation{
				Type: ledger.TypeAdminSet, Description: desc, CreatedBy: op.Actor,
			})
		case AdminAdd:
			desc := op.Description
			if desc == "" {
				desc = fmt.Sprintf("Added %d quota", op.Amount)
			}
			_, err = e.ledger.Add(ctx, username, op.Amount, ledger.Mutation{
				Type: ledger.TypeAdminAdd, Description: desc, CreatedBy: op.Actor,
			})
		case AdminDeduct:
			desc := op.Description
			if desc == "" {
				desc = fmt.Sprintf("Deducted %d quota", op.Amount)
			}
			_, err = e.ledger.Add(ctx, username, -op.Amount, ledger.Mutation{
				Type: ledger.TypeAdminDeduct, Description: desc, CreatedBy: op.Actor,
			})
		case AdminSetUnlimited:
			err = e.ledger.SetUnlimited(ctx, username, op.Unlimited, op.Actor)
		default:
			err = fmt.Errorf("unknown action %q", op.Action)
		}
		return err
	})
	if err != nil {
		return ledger.Row{}, err
	}

	row, _, err := e.ledger.Get(ctx, username)
	return row, err
}

// BatchItem is one entry of a batch balance assignment.
type BatchItem struct {
	Username string `json:"username"`
	Amount   int    `json:"amount"`
}

// BatchDetail reports the outcome for one user of a batch assignment.
type BatchDetail struct {
	Username string `json:"username"`
	Balance  int    `json:"balance,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchResult summarizes a batch assignment; partial success is reported,
// never all-or-nothing failure.
type BatchResult struct {
	Success int           `json:"success"`
	Failed  int           `json:"failed"`
	Details []BatchDetail `json:"details"`
}

// BatchSet assigns balances for multiple users. Each user's update is its own
// atomic mutation; one failure does not stop the rest.
func (e *Engine) BatchSet(ctx context.Context, items []BatchItem, actor string) BatchResult {
	result := BatchResult{Details: make([]BatchDetail, 0, len(items))}
	for _, item := range items {
		row, err := e.AdminApply(ctx, item.Username, AdminOp{Action: AdminSet, Amount: item.Amount, Actor: actor})
		if err != nil {
			result.Failed++
			result.Details = append(result.Details, BatchDetail{Username: ledger.NormalizeUsername(item.Username), Error: err.Error()})
			e.logf("[WARN] QuotaEngine: batch set failed for %s: %v", item.Username, err)
			continue
		}
		result.Success++
		result.Details = append(result.Details, BatchDetail{Username: row.Username, Balance: row.Balance})
	}
	return result
}
