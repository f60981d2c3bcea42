package copytrade

import "errors"

// Error taxonomy. The first four are expected per-follower outcomes: they
// terminate that follower's derived trade and never abort sibling followers
// or the leader trade. ErrLedgerInconsistency is fatal to the affected
// account: it halts new reservations and ledger appends until an operator
// clears it.
var (
	ErrInsufficientAllocation = errors.New("insufficient allocation")
	ErrRiskLimitExceeded      = errors.New("risk limit exceeded")
	ErrExchangeRejected       = errors.New("exchange rejected order")
	ErrExchangeTimeout        = errors.New("exchange timeout")
	ErrInvalidConfiguration   = errors.New("invalid configuration")
	ErrLedgerInconsistency    = errors.New("ledger inconsistency")

	ErrAllocationInactive = errors.New("allocation is inactive")
	ErrAccountHalted      = errors.New("account halted pending reconciliation")
	ErrNotFound           = errors.New("not found")
)

// Fatal reports whether an error class must halt the affected account
// instead of failing a single derived trade.
func Fatal(err error) bool {
	return errors.Is(err, ErrLedgerInconsistency)
}
