package state

import (
	"fmt"
	"time"
)

// Fixed randomness request parameters.
const (
	RequestConfirmations = 3
	NumWords             = 1
)

// RaffleParams are the immutable construction-time inputs of a raffle.
type RaffleParams struct {
	EntranceFee      int64 // Fixed-point, accrues to the operator per entry
	TicketPrice      int64 // Fixed-point, goes to the prize pool per ticket
	Interval         time.Duration
	KeyHash          string
	SubscriptionID   uint64
	CallbackGasLimit uint32
	Oracle           Principal
	Operator         Principal

	// RequestTimeout is how long a randomness request may stay pending
	// before the operator is allowed to cancel it.
	RequestTimeout time.Duration
}

// Validate checks that the parameters describe a runnable raffle.
func (p RaffleParams) Validate() error {
	if p.TicketPrice <= 0 {
		return fmt.Errorf("ticket price must be positive, got %d", p.TicketPrice)
	}
	if p.EntranceFee < 0 {
		return fmt.Errorf("entrance fee must be non-negative, got %d", p.EntranceFee)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", p.Interval)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", p.RequestTimeout)
	}
	if p.Oracle.IsZero() {
		return fmt.Errorf("oracle principal is required")
	}
	if p.Operator.IsZero() {
		return fmt.Errorf("operator principal is required")
	}
	return nil
}

// MinimumPayment is the smallest payment that buys one ticket.
func (p RaffleParams) MinimumPayment() int64 {
	return p.TicketPrice + p.EntranceFee
}
