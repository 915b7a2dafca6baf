package event

import (
	"time"
)

// EventType discriminator for fact payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRaffleInitialized
	EventTypeRaffleEntered
	EventTypeUpkeepPerformed
	EventTypeRandomnessFulfilled
	EventTypeFeesWithdrawn
	EventTypeRandomnessRequestCancelled
	EventTypeBalanceReconciled
)

// EventEnvelope wraps every fact in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from the command that produced the fact
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Round the fact was applied in (before any settlement increment)
	RoundID int64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded fact
	Payload []byte

	// SHA-256 of state AFTER applying this fact
	StateHash [32]byte

	// Previous fact's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all persisted facts implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

var eventTypeNames = map[EventType]string{
	EventTypeRaffleInitialized:          "RaffleInitialized",
	EventTypeRaffleEntered:              "RaffleEntered",
	EventTypeUpkeepPerformed:            "UpkeepPerformed",
	EventTypeRandomnessFulfilled:        "RandomnessFulfilled",
	EventTypeFeesWithdrawn:              "FeesWithdrawn",
	EventTypeRandomnessRequestCancelled: "RandomnessRequestCancelled",
	EventTypeBalanceReconciled:          "BalanceReconciled",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}
