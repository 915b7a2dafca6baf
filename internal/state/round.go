package state

import "time"

// RoundState is the lifecycle flag of the current round.
type RoundState int32

const (
	RoundStateOpen RoundState = iota
	RoundStateCalculating
)

func (s RoundState) String() string {
	switch s {
	case RoundStateOpen:
		return "OPEN"
	case RoundStateCalculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// PendingRequest is the randomness request the round is waiting on.
type PendingRequest struct {
	RequestID   string
	RequestedAt time.Time
}

// Round holds everything about the raffle that is not a ticket range.
type Round struct {
	ID              int64
	State           RoundState
	LastTimestamp   time.Time
	LastWinner      Principal
	AccumulatedFees int64
	Pending         *PendingRequest
}

// NewRound creates the first round, opened at startedAt.
func NewRound(startedAt time.Time) *Round {
	return &Round{
		ID:            1,
		State:         RoundStateOpen,
		LastTimestamp: startedAt,
	}
}

// IsOpen reports whether entries and upkeep triggers are accepted.
func (r *Round) IsOpen() bool {
	return r.State == RoundStateOpen
}

// Clone returns a deep copy.
func (r *Round) Clone() *Round {
	out := *r
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	return &out
}
