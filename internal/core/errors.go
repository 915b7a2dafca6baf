package core

import (
	"RaffleLedger/internal/state"
	"errors"
	"fmt"
)

// Command failures. Every one of them leaves the raffle unchanged.
var (
	ErrInsufficientPayment     = errors.New("insufficient payment")
	ErrRoundNotOpen            = errors.New("round not open")
	ErrRefundTransferFailed    = errors.New("refund transfer failed")
	ErrUpkeepNotNeeded         = errors.New("upkeep not needed")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrPrizeTransferFailed     = errors.New("prize transfer failed")
	ErrFeesTransferFailed      = errors.New("fees transfer failed")
	ErrUnknownRequest          = errors.New("unknown randomness request")
	ErrInvalidRandomWords      = errors.New("invalid random words")
	ErrRoundNotCalculating     = errors.New("round not calculating")
	ErrRequestNotExpired       = errors.New("randomness request not expired")
	ErrRandomnessRequestFailed = errors.New("randomness request failed")
	ErrDuplicateCommand        = errors.New("duplicate command")
	ErrInvalidCommand          = errors.New("invalid command")
)

// UpkeepNotNeededError carries the diagnostic values observed when the upkeep
// predicate was false.
type UpkeepNotNeededError struct {
	Balance int64
	Players int64
	State   state.RoundState
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("upkeep not needed: balance=%d players=%d state=%s", e.Balance, e.Players, e.State)
}

func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}

// RejectReason maps an error to a short metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrRoundNotOpen):
		return "round_not_open"
	case errors.Is(err, ErrRefundTransferFailed):
		return "refund_transfer_failed"
	case errors.Is(err, ErrUpkeepNotNeeded):
		return "upkeep_not_needed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPrizeTransferFailed):
		return "prize_transfer_failed"
	case errors.Is(err, ErrFeesTransferFailed):
		return "fees_transfer_failed"
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrInvalidRandomWords):
		return "invalid_random_words"
	case errors.Is(err, ErrRoundNotCalculating):
		return "round_not_calculating"
	case errors.Is(err, ErrRequestNotExpired):
		return "request_not_expired"
	case errors.Is(err, ErrRandomnessRequestFailed):
		return "randomness_request_failed"
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, ErrNotDurable):
		return "not_durable"
	default:
		return "other"
	}
}
