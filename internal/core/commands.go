package core

import (
	"RaffleLedger/internal/state"
	"fmt"
	"time"
)

// Commands carry a caller-chosen ID used as the idempotency key of the fact
// they produce, and a versioned timestamp assigned by the shell.

type EnterCommand struct {
	EntryID   string
	Player    state.Principal
	Payment   int64
	Timestamp time.Time
}

func (c EnterCommand) validate() error {
	if c.EntryID == "" {
		return fmt.Errorf("%w: entry id is required", ErrInvalidCommand)
	}
	if c.Player.IsZero() {
		return fmt.Errorf("%w: player is required", ErrInvalidCommand)
	}
	return nil
}

type UpkeepCommand struct {
	UpkeepID  string
	Timestamp time.Time
}

type FulfillCommand struct {
	Caller      state.Principal
	RequestID   string
	RandomWords []uint64
	Timestamp   time.Time
}

type WithdrawCommand struct {
	WithdrawalID string
	Caller       state.Principal
	Timestamp    time.Time
}

type CancelCommand struct {
	CancelID  string
	Caller    state.Principal
	Timestamp time.Time
}

type ReconcileCommand struct {
	ReconcileID string
	Observed    int64
	Timestamp   time.Time
}

func requireID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidCommand, kind)
	}
	return nil
}

// EntryReceipt is returned by a successful Enter.
type EntryReceipt struct {
	Sequence    int64
	RoundID     int64
	Range       state.TicketRange
	TicketCount int64
	Refund      int64
}

// UpkeepStatus is the result of CheckUpkeep.
type UpkeepStatus struct {
	Needed  bool
	Balance int64
	Players int64
	State   state.RoundState
	Elapsed time.Duration
}

// Settlement is returned by a successful fulfillment.
type Settlement struct {
	Sequence     int64
	RoundID      int64 // Round that was settled
	WinnerTicket int64
	Winner       state.Principal
	PrizePool    int64
	Fees         int64
}

// RaffleView is a consistent copy of every read accessor.
type RaffleView struct {
	Sequence        int64
	RoundID         int64
	State           state.RoundState
	EntranceFee     int64
	TicketPrice     int64
	Interval        time.Duration
	LastTimestamp   time.Time
	LastWinner      state.Principal
	TotalTickets    int64
	TotalPlayers    int64
	RangeCount      int
	AccumulatedFees int64
	HeldBalance     int64
	Operator        state.Principal
	Pending         *state.PendingRequest
	StateHash       [32]byte
}
