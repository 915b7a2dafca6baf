package event

import (
	"RaffleLedger/internal/state"
	"time"
)

// RaffleInitialized is the genesis fact. It fixes the first round's start time.
type RaffleInitialized struct {
	StartedAt time.Time `json:"started_at"`
}

func (e *RaffleInitialized) IdempotencyKey() string { return "genesis" }
func (e *RaffleInitialized) EventType() EventType   { return EventTypeRaffleInitialized }
func (e *RaffleInitialized) OccurredAt() time.Time  { return e.StartedAt }

// RaffleEntered records one accepted entry. The refund, if any, was already
// transferred back to the player when this fact was produced.
type RaffleEntered struct {
	EntryID     string          `json:"entry_id"` // Idempotency key
	Player      state.Principal `json:"player"`
	Payment     int64           `json:"payment"`
	FirstTicket int64           `json:"first_ticket"`
	TicketCount int64           `json:"ticket_count"`
	TicketCost  int64           `json:"ticket_cost"`
	EntranceFee int64           `json:"entrance_fee"`
	Refund      int64           `json:"refund"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e *RaffleEntered) IdempotencyKey() string { return e.EntryID }
func (e *RaffleEntered) EventType() EventType   { return EventTypeRaffleEntered }
func (e *RaffleEntered) OccurredAt() time.Time  { return e.Timestamp }

// LastTicket returns the inclusive end of the allocated range.
func (e *RaffleEntered) LastTicket() int64 {
	return e.FirstTicket + e.TicketCount - 1
}

// UpkeepPerformed records that randomness was requested and the round locked.
type UpkeepPerformed struct {
	UpkeepID  string    `json:"upkeep_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *UpkeepPerformed) IdempotencyKey() string { return e.UpkeepID }
func (e *UpkeepPerformed) EventType() EventType   { return EventTypeUpkeepPerformed }
func (e *UpkeepPerformed) OccurredAt() time.Time  { return e.Timestamp }

// RandomnessFulfilled records a settled round: winner resolved, prize paid,
// fees accrued.
type RandomnessFulfilled struct {
	RequestID    string          `json:"request_id"`
	RandomWords  []uint64        `json:"random_words"`
	WinnerTicket int64           `json:"winner_ticket"`
	Winner       state.Principal `json:"winner"`
	PrizePool    int64           `json:"prize_pool"`
	Fees         int64           `json:"fees"`
	TotalTickets int64           `json:"total_tickets"`
	TotalPlayers int64           `json:"total_players"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (e *RandomnessFulfilled) IdempotencyKey() string { return e.RequestID }
func (e *RandomnessFulfilled) EventType() EventType   { return EventTypeRandomnessFulfilled }
func (e *RandomnessFulfilled) OccurredAt() time.Time  { return e.Timestamp }

// FeesWithdrawn records a paid-out operator balance.
type FeesWithdrawn struct {
	WithdrawalID string          `json:"withdrawal_id"`
	Operator     state.Principal `json:"operator"`
	Amount       int64           `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (e *FeesWithdrawn) IdempotencyKey() string { return e.WithdrawalID }
func (e *FeesWithdrawn) EventType() EventType   { return EventTypeFeesWithdrawn }
func (e *FeesWithdrawn) OccurredAt() time.Time  { return e.Timestamp }

// RandomnessRequestCancelled records an abandoned oracle request.
type RandomnessRequestCancelled struct {
	CancelID  string    `json:"cancel_id"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *RandomnessRequestCancelled) IdempotencyKey() string { return e.CancelID }
func (e *RandomnessRequestCancelled) EventType() EventType   { return EventTypeRandomnessRequestCancelled }
func (e *RandomnessRequestCancelled) OccurredAt() time.Time  { return e.Timestamp }

// BalanceReconciled records drift between the treasury and the ledger.
type BalanceReconciled struct {
	ReconcileID string    `json:"reconcile_id"`
	Observed    int64     `json:"observed"`
	Delta       int64     `json:"delta"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *BalanceReconciled) IdempotencyKey() string { return e.ReconcileID }
func (e *BalanceReconciled) EventType() EventType   { return EventTypeBalanceReconciled }
func (e *BalanceReconciled) OccurredAt() time.Time  { return e.Timestamp }
