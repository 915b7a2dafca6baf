package event

import "RaffleLedger/internal/state"

// Notification is an observable event published to subscribers after a fact
// commits. Name is the last token of the outbound subject.
type Notification interface {
	Name() string
}

type EnteredRaffle struct {
	Player      state.Principal `json:"player"`
	TicketCount int64           `json:"ticket_count"`
}

func (EnteredRaffle) Name() string { return "EnteredRaffle" }

type RequestedRaffleWinner struct {
	RequestID string `json:"request_id"`
}

func (RequestedRaffleWinner) Name() string { return "RequestedRaffleWinner" }

type PickedWinner struct {
	Winner state.Principal `json:"winner"`
}

func (PickedWinner) Name() string { return "PickedWinner" }

type FeesWithdrawnNotice struct {
	Operator state.Principal `json:"operator"`
	Amount   int64           `json:"amount"`
}

func (FeesWithdrawnNotice) Name() string { return "FeesWithdrawn" }

type CancelledRandomnessRequest struct {
	RequestID string `json:"request_id"`
}

func (CancelledRandomnessRequest) Name() string { return "CancelledRandomnessRequest" }

type BalanceReconciledNotice struct {
	Observed int64 `json:"observed"`
	Delta    int64 `json:"delta"`
}

func (BalanceReconciledNotice) Name() string { return "BalanceReconciled" }
