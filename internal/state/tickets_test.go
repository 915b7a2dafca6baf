package state_test

import (
	"RaffleLedger/internal/state"
	"fmt"
	"testing"
	"time"
)

func testParams() state.RaffleParams {
	return state.RaffleParams{
		EntranceFee:    1_000_000,  // 0.01
		TicketPrice:    10_000_000, // 0.1
		Interval:       30 * time.Second,
		Oracle:         "oracle",
		Operator:       "operator",
		RequestTimeout: time.Hour,
	}
}

func TestQuoteEntry_SevenTicketsWithRefund(t *testing.T) {
	q, ok := state.QuoteEntry(testParams(), 75_000_000) // 0.75
	if !ok {
		t.Fatal("0.75 should buy tickets")
	}
	if q.TicketCount != 7 {
		t.Errorf("tickets: got %d, want 7", q.TicketCount)
	}
	if q.Refund != 4_000_000 {
		t.Errorf("refund: got %d, want 4_000_000 (0.04)", q.Refund)
	}
	if q.TicketCost != 70_000_000 {
		t.Errorf("ticket cost: got %d, want 70_000_000", q.TicketCost)
	}
}

func TestQuoteEntry_Property(t *testing.T) {
	p := testParams()
	for k := int64(1); k <= 20; k++ {
		for _, r := range []int64{0, 1, p.TicketPrice / 2, p.TicketPrice - 1} {
			payment := p.EntranceFee + k*p.TicketPrice + r
			q, ok := state.QuoteEntry(p, payment)
			if !ok {
				t.Fatalf("payment %d rejected", payment)
			}
			if q.TicketCount != k || q.Refund != r {
				t.Errorf("payment %d: got (%d, %d), want (%d, %d)", payment, q.TicketCount, q.Refund, k, r)
			}
		}
	}
}

func TestQuoteEntry_BelowMinimum(t *testing.T) {
	p := testParams()
	if _, ok := state.QuoteEntry(p, p.MinimumPayment()-1); ok {
		t.Error("payment below ticket price + entrance fee should be rejected")
	}
	if _, ok := state.QuoteEntry(p, p.MinimumPayment()); !ok {
		t.Error("exact minimum should be accepted")
	}
}

func TestTicketLedger_ContiguousRanges(t *testing.T) {
	tl := state.NewTicketLedger()
	counts := []int64{3, 1, 7, 2, 5}
	for i, c := range counts {
		tl.Allocate(state.Principal(fmt.Sprintf("p%d", i)), c)
	}

	if err := tl.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tl.TotalTickets() != 18 {
		t.Errorf("total tickets: got %d, want 18", tl.TotalTickets())
	}
	if tl.TotalPlayers() != 5 {
		t.Errorf("total players: got %d, want 5", tl.TotalPlayers())
	}

	var next int64
	for i := 0; i < tl.RangeCount(); i++ {
		r, _ := tl.Range(i)
		if r.Start != next {
			t.Errorf("range %d: start %d, want %d", i, r.Start, next)
		}
		if r.Size() != counts[i] {
			t.Errorf("range %d: size %d, want %d", i, r.Size(), counts[i])
		}
		next = r.End + 1
	}
}

func TestTicketLedger_OwnerOf_Scenario(t *testing.T) {
	tl := state.NewTicketLedger()
	for _, p := range []state.Principal{"alice", "bob", "carol", "dave"} {
		tl.Allocate(p, 4)
	}

	// Ranges [0,3], [4,7], [8,11], [12,15]; 13 mod 16 belongs to dave.
	winner := 13 % tl.TotalTickets()
	r, ok := tl.OwnerOf(winner)
	if !ok {
		t.Fatal("ticket 13 should resolve")
	}
	if r.Owner != "dave" || r.Start != 12 || r.End != 15 {
		t.Errorf("got %+v, want dave [12,15]", r)
	}
}

func linearOwner(ranges []state.TicketRange, ticket int64) (state.Principal, bool) {
	for _, r := range ranges {
		if r.Start <= ticket && ticket <= r.End {
			return r.Owner, true
		}
	}
	return "", false
}

func TestTicketLedger_BinarySearchMatchesLinearScan(t *testing.T) {
	tl := state.NewTicketLedger()
	for i := int64(1); i <= 40; i++ {
		tl.Allocate(state.Principal(fmt.Sprintf("p%d", i)), i%7+1)
	}

	ranges := tl.Ranges()
	for ticket := int64(0); ticket < tl.TotalTickets(); ticket++ {
		want, _ := linearOwner(ranges, ticket)
		got, ok := tl.OwnerOf(ticket)
		if !ok || got.Owner != want {
			t.Fatalf("ticket %d: binary search %q, linear %q", ticket, got.Owner, want)
		}
	}

	if _, ok := tl.OwnerOf(tl.TotalTickets()); ok {
		t.Error("ticket past the end should not resolve")
	}
	if _, ok := tl.OwnerOf(-1); ok {
		t.Error("negative ticket should not resolve")
	}
}

func TestTicketLedger_ResetAndRestore(t *testing.T) {
	tl := state.NewTicketLedger()
	tl.Allocate("a", 2)
	tl.Allocate("b", 3)
	saved := tl.Ranges()

	tl.Reset()
	if tl.TotalTickets() != 0 || tl.TotalPlayers() != 0 || tl.RangeCount() != 0 {
		t.Fatal("reset should clear all counters and ranges")
	}

	if err := tl.Restore(saved); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if tl.TotalTickets() != 5 || tl.TotalPlayers() != 2 {
		t.Errorf("after restore: tickets=%d players=%d", tl.TotalTickets(), tl.TotalPlayers())
	}

	bad := []state.TicketRange{{Start: 0, End: 1, Owner: "a"}, {Start: 3, End: 4, Owner: "b"}}
	if err := tl.Restore(bad); err == nil {
		t.Error("restore with a gap should fail")
	}
}

func TestRaffleParams_Validate(t *testing.T) {
	p := testParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	p.TicketPrice = 0
	if err := p.Validate(); err == nil {
		t.Error("zero ticket price should be rejected")
	}

	p = testParams()
	p.Operator = ""
	if err := p.Validate(); err == nil {
		t.Error("missing operator should be rejected")
	}
}
