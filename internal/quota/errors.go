package quota

import (
	"errors"
	"fmt"
)

// ErrUnknownSession reports a close/lookup against a session id the tracker
// has never seen.
var ErrUnknownSession = errors.New("unknown session")

// ErrInvalidRule reports a malformed refresh rule, rejected before any ledger
// row is touched.
var ErrInvalidRule = errors.New("invalid refresh rule")

// InsufficientQuotaError is an admission denial. It carries everything the
// REST layer needs to render a user-facing message; it is user-recoverable,
// not a system fault.
type InsufficientQuotaError struct {
	Username         string `json:"username"`
	Balance          int    `json:"balance"`
	EstimatedCost    int    `json:"estimated_cost"`
	Rate             int    `json:"rate"`
	RequestedMinutes int    `json:"requested_minutes"`
	MinimumToStart   int    `json:"minimum_to_start"`
}

func (e *InsufficientQuotaError) Error() string {
	if e.Balance < e.MinimumToStart {
		return fmt.Sprintf("insufficient quota (balance: %d, minimum to start: %d)", e.Balance, e.MinimumToStart)
	}
	max := 0
	if e.Rate > 0 {
		max = e.Balance / e.Rate
	}
	return fmt.Sprintf("insufficient quota for %d min (balance: %d, need: %d, rate: %d/min, max: %d min)",
		e.RequestedMinutes, e.Balance, e.EstimatedCost, e.Rate, max)
}

// IsInsufficientQuota reports whether err is an admission denial and returns
// the typed denial when it is.
func IsInsufficientQuota(err error) (*InsufficientQuotaError, bool) {
	var denial *InsufficientQuotaError
	if errors.As(err, &denial) {
		return denial, true
	}
	return nil, false
}
