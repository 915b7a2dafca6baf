package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateRoundBacking verifies the escrow accounts match the round counters:
// the prize pool holds exactly the ticket money and pending fees hold exactly
// one entrance fee per player.
func (v *InvariantValidator) ValidateRoundBacking(prizePool, pendingFees int64) error {
	if got := v.tracker.GetBalance(NewSystemAccountKey(SubTypePrizePool)); got != prizePool {
		return fmt.Errorf("prize pool holds %d, tickets require %d", got, prizePool)
	}
	if got := v.tracker.GetBalance(NewSystemAccountKey(SubTypePendingFees)); got != pendingFees {
		return fmt.Errorf("pending fees hold %d, players require %d", got, pendingFees)
	}
	return nil
}

// ValidateAccumulatedFees verifies the operator account equals the fee counter
func (v *InvariantValidator) ValidateAccumulatedFees(accumulated int64) error {
	key := NewSystemAccountKey(SubTypeAccumulatedFees)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if got := v.tracker.GetBalance(key); got != accumulated {
		return fmt.Errorf("accumulated fees account holds %d, counter says %d", got, accumulated)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
