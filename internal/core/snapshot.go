package core

import (
	"RaffleLedger/internal/ledger"
	"RaffleLedger/internal/state"
	"fmt"
)

// SnapshotState is the core's complete in-memory state at one sequence.
type SnapshotState struct {
	Sequence        int64 // Last applied sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Round           *state.Round
	Ranges          []state.TicketRange
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *RaffleCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Ranges:          c.tickets.Ranges(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if c.round != nil {
		snap.Round = c.round.Clone()
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a fresh core. Replay continues at
// snap.Sequence+1.
func (c *RaffleCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if c.sequence != 1 {
		return fmt.Errorf("restore into a core at sequence %d", c.sequence)
	}
	if snap.Round == nil {
		return fmt.Errorf("snapshot at sequence %d has no round", snap.Sequence)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.replayValidator.SetExpected(c.sequence)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	c.round = snap.Round.Clone()
	if err := c.tickets.Restore(snap.Ranges); err != nil {
		return fmt.Errorf("restore tickets: %w", err)
	}

	c.idempotency.WarmLRU(snap.IdempotencyKeys)

	if err := c.postCheckInvariants(); err != nil {
		return fmt.Errorf("snapshot at sequence %d is inconsistent: %w", snap.Sequence, err)
	}

	c.updateGauges()
	return nil
}
