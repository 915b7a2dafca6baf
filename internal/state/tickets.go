package state

import (
	"fmt"
	"sort"
)

// TicketRange is a contiguous block of ticket indices with one owner.
// Bounds are inclusive.
type TicketRange struct {
	Start int64
	End   int64
	Owner Principal
}

// Size returns the number of tickets in the range.
func (r TicketRange) Size() int64 {
	return r.End - r.Start + 1
}

// Contains reports whether ticket falls inside the range.
func (r TicketRange) Contains(ticket int64) bool {
	return r.Start <= ticket && ticket <= r.End
}

// EntryQuote is what a payment buys.
type EntryQuote struct {
	TicketCount int64
	Refund      int64
	TicketCost  int64 // TicketCount * TicketPrice
}

// QuoteEntry splits a payment into tickets and refund. ok is false when the
// payment does not cover one ticket plus the entrance fee.
func QuoteEntry(params RaffleParams, payment int64) (EntryQuote, bool) {
	if payment < params.MinimumPayment() {
		return EntryQuote{}, false
	}

	spendable := payment - params.EntranceFee
	count := spendable / params.TicketPrice
	refund := spendable % params.TicketPrice

	return EntryQuote{
		TicketCount: count,
		Refund:      refund,
		TicketCost:  spendable - refund,
	}, true
}

// TicketLedger owns the ticket ranges and counters of the current round.
// Not thread-safe; only accessed from the single-threaded core.
type TicketLedger struct {
	ranges       []TicketRange
	totalTickets int64
	totalPlayers int64
}

func NewTicketLedger() *TicketLedger {
	return &TicketLedger{}
}

// Allocate appends a range of count tickets for owner and counts one player.
func (tl *TicketLedger) Allocate(owner Principal, count int64) TicketRange {
	if count <= 0 {
		panic(fmt.Sprintf("FATAL: allocate called with non-positive ticket count %d", count))
	}

	r := TicketRange{
		Start: tl.totalTickets,
		End:   tl.totalTickets + count - 1,
		Owner: owner,
	}
	tl.ranges = append(tl.ranges, r)
	tl.totalTickets += count
	tl.totalPlayers++
	return r
}

// OwnerOf resolves a ticket index to the range that contains it.
// Ranges are sorted and gap-free, so a binary search finds the unique match.
func (tl *TicketLedger) OwnerOf(ticket int64) (TicketRange, bool) {
	if ticket < 0 || ticket >= tl.totalTickets {
		return TicketRange{}, false
	}

	i := sort.Search(len(tl.ranges), func(i int) bool {
		return tl.ranges[i].End >= ticket
	})
	if i == len(tl.ranges) || !tl.ranges[i].Contains(ticket) {
		return TicketRange{}, false
	}
	return tl.ranges[i], true
}

// Range returns the range at index, in allocation order.
func (tl *TicketLedger) Range(index int) (TicketRange, bool) {
	if index < 0 || index >= len(tl.ranges) {
		return TicketRange{}, false
	}
	return tl.ranges[index], true
}

// Ranges returns a copy of all ranges.
func (tl *TicketLedger) Ranges() []TicketRange {
	out := make([]TicketRange, len(tl.ranges))
	copy(out, tl.ranges)
	return out
}

func (tl *TicketLedger) TotalTickets() int64 { return tl.totalTickets }
func (tl *TicketLedger) TotalPlayers() int64 { return tl.totalPlayers }
func (tl *TicketLedger) RangeCount() int     { return len(tl.ranges) }

// Reset clears the round.
func (tl *TicketLedger) Reset() {
	tl.ranges = nil
	tl.totalTickets = 0
	tl.totalPlayers = 0
}

// Restore replaces the ledger content with ranges, e.g. from a snapshot.
func (tl *TicketLedger) Restore(ranges []TicketRange) error {
	tl.Reset()
	for _, r := range ranges {
		if r.Start != tl.totalTickets || r.End < r.Start {
			return fmt.Errorf("range [%d,%d] does not continue at %d", r.Start, r.End, tl.totalTickets)
		}
		tl.ranges = append(tl.ranges, r)
		tl.totalTickets = r.End + 1
	}
	tl.totalPlayers = int64(len(tl.ranges))
	return nil
}

// Validate checks that ranges are ordered, non-overlapping and gap-free
// from 0 and that the counters agree with them.
func (tl *TicketLedger) Validate() error {
	var next int64
	for i, r := range tl.ranges {
		if r.Start != next {
			return fmt.Errorf("range %d starts at %d, want %d", i, r.Start, next)
		}
		if r.End < r.Start {
			return fmt.Errorf("range %d is empty: [%d,%d]", i, r.Start, r.End)
		}
		next = r.End + 1
	}
	if next != tl.totalTickets {
		return fmt.Errorf("ranges cover %d tickets, counter says %d", next, tl.totalTickets)
	}
	if int64(len(tl.ranges)) != tl.totalPlayers {
		return fmt.Errorf("%d ranges but %d players", len(tl.ranges), tl.totalPlayers)
	}
	return nil
}
