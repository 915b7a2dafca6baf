package core

import (
	"RaffleLedger/internal/state"
	"context"
)

// RandomnessRequest is what the core asks the oracle for.
type RandomnessRequest struct {
	KeyHash          string `json:"key_hash"`
	SubscriptionID   uint64 `json:"subscription_id"`
	Confirmations    uint16 `json:"confirmations"`
	CallbackGasLimit uint32 `json:"callback_gas_limit"`
	NumWords         uint32 `json:"num_words"`
	NativePayment    bool   `json:"native_payment"`
}

// RandomnessCoordinator submits a randomness request and returns the
// correlation token the fulfillment will carry.
type RandomnessCoordinator interface {
	RequestRandomWords(ctx context.Context, req RandomnessRequest) (string, error)
}

// Transferer moves funds from the raffle treasury to a principal.
type Transferer interface {
	Transfer(ctx context.Context, to state.Principal, amount int64, memo string) error
}
