package query

import "time"

// RoundResponse is one row of round history.
type RoundResponse struct {
	RoundID      int64      `json:"round_id"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	TotalTickets int64      `json:"total_tickets"`
	TotalPlayers int64      `json:"total_players"`
	RequestID    *string    `json:"request_id,omitempty"`
	Winner       *string    `json:"winner,omitempty"`
	WinnerTicket *int64     `json:"winner_ticket,omitempty"`
	PrizePool    *int64     `json:"prize_pool,omitempty"`
	Fees         *int64     `json:"fees,omitempty"`
	SettledAt    *time.Time `json:"settled_at,omitempty"`
}

// EntryResponse is one accepted entry of a player.
type EntryResponse struct {
	EntryID     string    `json:"entry_id"`
	RoundID     int64     `json:"round_id"`
	Player      string    `json:"player"`
	FirstTicket int64     `json:"first_ticket"`
	LastTicket  int64     `json:"last_ticket"`
	TicketCount int64     `json:"ticket_count"`
	Payment     int64     `json:"payment"`
	Refund      int64     `json:"refund"`
	Sequence    int64     `json:"sequence"`
	EnteredAt   time.Time `json:"entered_at"`
}

// BalanceResponse is a projected ledger account balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// Page wraps a list response with the projection watermark it was read at.
type Page[T any] struct {
	Items        []T   `json:"items"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy         bool    `json:"is_healthy"`
	EventsChecked     int64   `json:"events_checked"`
	LastSequence      int64   `json:"last_sequence"`
	SequenceGaps      []int64 `json:"sequence_gaps,omitempty"`     // first missing sequence of each gap
	HashChainBreaks   []int64 `json:"hash_chain_breaks,omitempty"` // sequences whose prev_hash does not link
	MalformedJournals int64   `json:"malformed_journals"`
	ProjectionSum     int64   `json:"projection_sum"`
}
