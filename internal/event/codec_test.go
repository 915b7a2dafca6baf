package event_test

import (
	"RaffleLedger/internal/event"
	"testing"
	"time"
)

func TestDecode_RoundTripsEveryFact(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	facts := []event.Event{
		&event.RaffleInitialized{StartedAt: ts},
		&event.RaffleEntered{EntryID: "e1", Player: "alice", Payment: 75_000_000, FirstTicket: 0, TicketCount: 7, TicketCost: 70_000_000, EntranceFee: 1_000_000, Refund: 4_000_000, Timestamp: ts},
		&event.UpkeepPerformed{UpkeepID: "u1", RequestID: "req-1", Timestamp: ts},
		&event.RandomnessFulfilled{RequestID: "req-1", RandomWords: []uint64{13}, WinnerTicket: 6, Winner: "alice", PrizePool: 70_000_000, Fees: 1_000_000, Timestamp: ts},
		&event.FeesWithdrawn{WithdrawalID: "w1", Operator: "op", Amount: 1_000_000, Timestamp: ts},
		&event.RandomnessRequestCancelled{CancelID: "c1", RequestID: "req-2", Timestamp: ts},
		&event.BalanceReconciled{ReconcileID: "r1", Observed: 10, Delta: -5, Timestamp: ts},
	}

	for _, fact := range facts {
		payload, err := event.Encode(fact)
		if err != nil {
			t.Fatalf("encode %s: %v", fact.EventType(), err)
		}
		decoded, err := event.Decode(fact.EventType().String(), payload)
		if err != nil {
			t.Fatalf("decode %s: %v", fact.EventType(), err)
		}
		if decoded.EventType() != fact.EventType() {
			t.Errorf("type: got %s, want %s", decoded.EventType(), fact.EventType())
		}
		if decoded.IdempotencyKey() != fact.IdempotencyKey() {
			t.Errorf("%s key: got %q, want %q", fact.EventType(), decoded.IdempotencyKey(), fact.IdempotencyKey())
		}
		if !decoded.OccurredAt().Equal(ts) {
			t.Errorf("%s timestamp: got %v", fact.EventType(), decoded.OccurredAt())
		}
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode("TradeFill", []byte(`{}`)); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestDecode_MalformedPayload(t *testing.T) {
	if _, err := event.Decode("RaffleEntered", []byte(`{"ticket_count":"many"}`)); err == nil {
		t.Error("malformed payload should fail")
	}
}

func TestRaffleEntered_LastTicket(t *testing.T) {
	e := &event.RaffleEntered{FirstTicket: 4, TicketCount: 3}
	if got := e.LastTicket(); got != 6 {
		t.Errorf("got %d, want 6", got)
	}
}
