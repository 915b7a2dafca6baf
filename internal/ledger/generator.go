package ledger

import (
	"RaffleLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic batch and journal IDs, so a replayed
// event regenerates byte-identical journals.
var journalNamespace = uuid.MustParse("6f1c2b6e-3d1f-4c55-9a43-5b0d8f7e2a10")

// JournalGenerator creates balanced journal batches for raffle operations
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

type leg struct {
	debit  AccountKey
	credit AccountKey
	amount int64
	kind   JournalType
}

func (jg *JournalGenerator) build(eventRef string, sequence, timestamp int64, legs []leg) *Batch {
	batchID := uuid.NewSHA1(journalNamespace, []byte("batch:"+eventRef))

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for i, l := range legs {
		// Zero legs (e.g. a free entrance) produce no journal
		if l.amount == 0 {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("journal:%s:%d", eventRef, i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  l.debit,
			CreditAccount: l.credit,
			Amount:        l.amount,
			JournalType:   l.kind,
			Timestamp:     timestamp,
		})
	}

	return batch
}

// GenerateEntry books a ticket purchase.
// Moves funds: external:payments:{player} → system:prize_pool (tickets)
// and external:payments:{player} → system:pending_fees (entrance fee).
// The refund never enters the raffle's books.
func (jg *JournalGenerator) GenerateEntry(
	eventRef string,
	sequence, timestamp int64,
	player state.Principal,
	ticketCost, entranceFee int64,
) *Batch {
	payments := NewExternalAccountKey(SubTypeExternalPayments, player)
	return jg.build(eventRef, sequence, timestamp, []leg{
		{NewSystemAccountKey(SubTypePrizePool), payments, ticketCost, JournalTypeTicketPurchase},
		{NewSystemAccountKey(SubTypePendingFees), payments, entranceFee, JournalTypeEntranceFee},
	})
}

// GenerateSettlement pays the prize pool and accrues the round's fees.
// Moves funds: system:prize_pool → external:prizes:{winner}
// and system:pending_fees → system:accumulated_fees.
func (jg *JournalGenerator) GenerateSettlement(
	eventRef string,
	sequence, timestamp int64,
	winner state.Principal,
	prizePool, fees int64,
) *Batch {
	return jg.build(eventRef, sequence, timestamp, []leg{
		{NewExternalAccountKey(SubTypeExternalPrizes, winner), NewSystemAccountKey(SubTypePrizePool), prizePool, JournalTypePrizePayout},
		{NewSystemAccountKey(SubTypeAccumulatedFees), NewSystemAccountKey(SubTypePendingFees), fees, JournalTypeFeeAccrual},
	})
}

// GenerateFeeWithdrawal pays accumulated fees out to the operator.
func (jg *JournalGenerator) GenerateFeeWithdrawal(
	eventRef string,
	sequence, timestamp int64,
	operator state.Principal,
	amount int64,
) *Batch {
	return jg.build(eventRef, sequence, timestamp, []leg{
		{NewExternalAccountKey(SubTypeExternalFeeWithdrawals, operator), NewSystemAccountKey(SubTypeAccumulatedFees), amount, JournalTypeFeeWithdrawal},
	})
}

// GenerateAdjustment books the drift between the observed treasury balance and
// the ledger. A positive delta means the treasury holds more than recorded.
func (jg *JournalGenerator) GenerateAdjustment(eventRef string, sequence, timestamp, delta int64) *Batch {
	surplus := NewSystemAccountKey(SubTypeSurplus)
	drift := NewExternalAccountKey(SubTypeExternalDrift, "")

	if delta >= 0 {
		return jg.build(eventRef, sequence, timestamp, []leg{{surplus, drift, delta, JournalTypeAdjustment}})
	}
	return jg.build(eventRef, sequence, timestamp, []leg{{drift, surplus, -delta, JournalTypeAdjustment}})
}
