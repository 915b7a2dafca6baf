package core

import (
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/ledger"
	fpmath "RaffleLedger/internal/math"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotInitialized is returned by every command before the genesis fact.
var ErrNotInitialized = errors.New("raffle not initialized")

// RaffleCore is the single-threaded deterministic raffle engine.
//
// Every command runs as stage → external effect → commit. Preconditions and
// derived values are computed without touching state, then the one external
// effect (oracle request or treasury transfer) runs, and only on its success
// is the resulting fact applied. A failed command therefore leaves the state
// hash unchanged. Replay applies the same facts without effects.
type RaffleCore struct {
	params          state.RaffleParams
	sequence        int64 // Next sequence to assign
	hasher          *StateHasher
	balanceTracker  *ledger.BalanceTracker
	journalGen      *ledger.JournalGenerator
	validator       *ledger.InvariantValidator
	round           *state.Round // nil until the genesis fact
	tickets         *state.TicketLedger
	idempotency     *IdempotencyChecker
	replayValidator *SequenceValidator
	coordinator     RandomnessCoordinator
	transferer      Transferer
	metrics         *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need about one committed fact.
type CoreOutput struct {
	Envelope      *event.EventEnvelope
	Fact          event.Event
	Batch         *ledger.Batch
	Notifications []event.Notification
}

// CoreConfig wires the core's collaborators. Channels may be nil in tests
// that only inspect state.
type CoreConfig struct {
	Params         state.RaffleParams
	Coordinator    RandomnessCoordinator
	Transferer     Transferer
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Metrics        *observability.Metrics
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewRaffleCore(cfg CoreConfig) (*RaffleCore, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid raffle params: %w", err)
	}

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	balanceTracker := ledger.NewBalanceTracker()

	return &RaffleCore{
		params:          cfg.Params,
		sequence:        1,
		hasher:          NewStateHasher(),
		balanceTracker:  balanceTracker,
		journalGen:      ledger.NewJournalGenerator(),
		validator:       ledger.NewInvariantValidator(balanceTracker),
		tickets:         state.NewTicketLedger(),
		idempotency:     NewIdempotencyChecker(capacity, cfg.DBChecker),
		replayValidator: NewSequenceValidator(1),
		coordinator:     cfg.Coordinator,
		transferer:      cfg.Transferer,
		metrics:         cfg.Metrics,
		persistChan:     cfg.PersistChan,
		projectionChan:  cfg.ProjectionChan,
	}, nil
}

// Initialize commits the genesis fact on an empty log. It is a no-op once the
// raffle exists (restored from snapshot or replayed).
func (c *RaffleCore) Initialize(startedAt time.Time) error {
	if c.round != nil {
		return nil
	}
	if c.sequence != 1 {
		return fmt.Errorf("cannot initialize at sequence %d: log is not empty", c.sequence)
	}
	c.commit(&event.RaffleInitialized{StartedAt: startedAt.UTC()})
	return nil
}

// Initialized reports whether the genesis fact has been applied.
func (c *RaffleCore) Initialized() bool {
	return c.round != nil
}

// --- Commands ---

// Enter buys tickets for cmd.Player. The leftover that does not buy a whole
// ticket is refunded before anything is committed.
func (c *RaffleCore) Enter(ctx context.Context, cmd EnterCommand) (receipt *EntryReceipt, err error) {
	defer c.observe("enter", time.Now(), &err)

	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if c.round == nil {
		return nil, ErrNotInitialized
	}
	if c.isDuplicate(event.EventTypeRaffleEntered, cmd.EntryID) {
		return nil, fmt.Errorf("%w: entry %s", ErrDuplicateCommand, cmd.EntryID)
	}
	if !c.round.IsOpen() {
		return nil, ErrRoundNotOpen
	}

	quote, ok := state.QuoteEntry(c.params, cmd.Payment)
	if !ok {
		return nil, fmt.Errorf("%w: paid %d, minimum is %d", ErrInsufficientPayment, cmd.Payment, c.params.MinimumPayment())
	}

	totalAfter, ok := fpmath.AddChecked(c.tickets.TotalTickets(), quote.TicketCount)
	if ok {
		_, ok = fpmath.MulChecked(totalAfter, c.params.TicketPrice)
	}
	if !ok {
		return nil, fmt.Errorf("%w: entry would overflow the prize pool", ErrInvalidCommand)
	}

	if quote.Refund > 0 {
		if err := c.transferer.Transfer(ctx, cmd.Player, quote.Refund, "refund:"+cmd.EntryID); err != nil {
			c.recordTransferFailure("refund")
			return nil, fmt.Errorf("%w: %w", ErrRefundTransferFailed, err)
		}
	}

	fact := &event.RaffleEntered{
		EntryID:     cmd.EntryID,
		Player:      cmd.Player,
		Payment:     cmd.Payment,
		FirstTicket: c.tickets.TotalTickets(),
		TicketCount: quote.TicketCount,
		TicketCost:  quote.TicketCost,
		EntranceFee: c.params.EntranceFee,
		Refund:      quote.Refund,
		Timestamp:   cmd.Timestamp.UTC(),
	}
	roundID := c.round.ID
	out := c.commit(fact)

	return &EntryReceipt{
		Sequence: out.Envelope.Sequence,
		RoundID:  roundID,
		Range: state.TicketRange{
			Start: fact.FirstTicket,
			End:   fact.LastTicket(),
			Owner: fact.Player,
		},
		TicketCount: fact.TicketCount,
		Refund:      fact.Refund,
	}, nil
}

// CheckUpkeep evaluates the upkeep predicate at now. Read-only.
func (c *RaffleCore) CheckUpkeep(now time.Time) UpkeepStatus {
	if c.round == nil {
		return UpkeepStatus{}
	}

	elapsed := now.Sub(c.round.LastTimestamp)
	held := c.balanceTracker.HeldBalance()
	players := c.tickets.TotalPlayers()

	timePassed := elapsed >= c.params.Interval
	isOpen := c.round.IsOpen()
	hasBalance := held >= c.requiredBacking()
	hasPlayers := players > 0

	return UpkeepStatus{
		Needed:  timePassed && isOpen && hasBalance && hasPlayers,
		Balance: held,
		Players: players,
		State:   c.round.State,
		Elapsed: elapsed,
	}
}

// PerformUpkeep requests randomness and locks the round. No access control.
func (c *RaffleCore) PerformUpkeep(ctx context.Context, cmd UpkeepCommand) (requestID string, err error) {
	defer c.observe("perform_upkeep", time.Now(), &err)

	if err := requireID("upkeep", cmd.UpkeepID); err != nil {
		return "", err
	}
	if c.round == nil {
		return "", ErrNotInitialized
	}
	if c.isDuplicate(event.EventTypeUpkeepPerformed, cmd.UpkeepID) {
		return "", fmt.Errorf("%w: upkeep %s", ErrDuplicateCommand, cmd.UpkeepID)
	}

	status := c.CheckUpkeep(cmd.Timestamp)
	if !status.Needed {
		return "", &UpkeepNotNeededError{
			Balance: status.Balance,
			Players: status.Players,
			State:   status.State,
		}
	}

	token, err := c.coordinator.RequestRandomWords(ctx, c.RandomnessRequest())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRandomnessRequestFailed, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: coordinator returned an empty token", ErrRandomnessRequestFailed)
	}

	c.commit(&event.UpkeepPerformed{
		UpkeepID:  cmd.UpkeepID,
		RequestID: token,
		Timestamp: cmd.Timestamp.UTC(),
	})
	return token, nil
}

// RandomnessRequest returns the fixed request parameters.
func (c *RaffleCore) RandomnessRequest() RandomnessRequest {
	return RandomnessRequest{
		KeyHash:          c.params.KeyHash,
		SubscriptionID:   c.params.SubscriptionID,
		Confirmations:    state.RequestConfirmations,
		CallbackGasLimit: c.params.CallbackGasLimit,
		NumWords:         state.NumWords,
		NativePayment:    false,
	}
}

// FulfillRandomWords resolves the winner, pays the prize pool, accrues the
// round's fees and opens the next round, all as one unit.
func (c *RaffleCore) FulfillRandomWords(ctx context.Context, cmd FulfillCommand) (settlement *Settlement, err error) {
	defer c.observe("fulfill", time.Now(), &err)

	if c.round == nil {
		return nil, ErrNotInitialized
	}
	if cmd.Caller != c.params.Oracle {
		return nil, fmt.Errorf("%w: %s is not the oracle", ErrUnauthorized, cmd.Caller)
	}
	if c.round.Pending == nil || c.round.Pending.RequestID != cmd.RequestID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, cmd.RequestID)
	}
	if len(cmd.RandomWords) != state.NumWords {
		return nil, fmt.Errorf("%w: got %d words, want %d", ErrInvalidRandomWords, len(cmd.RandomWords), state.NumWords)
	}

	totalTickets := c.tickets.TotalTickets()
	if totalTickets == 0 {
		panic(fmt.Sprintf("FATAL: fulfillment for %s with zero tickets", cmd.RequestID))
	}

	winnerTicket := int64(cmd.RandomWords[0] % uint64(totalTickets))
	owner, ok := c.tickets.OwnerOf(winnerTicket)
	if !ok {
		panic(fmt.Sprintf("FATAL: ticket %d of %d has no owner", winnerTicket, totalTickets))
	}

	prizePool, fees := c.roundBacking()

	if err := c.transferer.Transfer(ctx, owner.Owner, prizePool, prizeMemo(cmd.RequestID, owner.Owner)); err != nil {
		c.recordTransferFailure("prize")
		return nil, fmt.Errorf("%w: %w", ErrPrizeTransferFailed, err)
	}

	roundID := c.round.ID
	fact := &event.RandomnessFulfilled{
		RequestID:    cmd.RequestID,
		RandomWords:  append([]uint64(nil), cmd.RandomWords...),
		WinnerTicket: winnerTicket,
		Winner:       owner.Owner,
		PrizePool:    prizePool,
		Fees:         fees,
		TotalTickets: totalTickets,
		TotalPlayers: c.tickets.TotalPlayers(),
		Timestamp:    cmd.Timestamp.UTC(),
	}
	out := c.commit(fact)

	if c.metrics != nil {
		c.metrics.RoundsSettled.Inc()
	}

	return &Settlement{
		Sequence:     out.Envelope.Sequence,
		RoundID:      roundID,
		WinnerTicket: winnerTicket,
		Winner:       owner.Owner,
		PrizePool:    prizePool,
		Fees:         fees,
	}, nil
}

// prizeMemo names a prize transfer. It is unique per randomness request and
// winner, so a round redrawn after a cancel never reuses an earlier payout.
func prizeMemo(requestID string, winner state.Principal) string {
	return fmt.Sprintf("prize:%s:%s", requestID, winner)
}

// WithdrawAccumulatedFees pays the whole operator balance to the operator.
// A zero balance succeeds without a transfer or a fact.
func (c *RaffleCore) WithdrawAccumulatedFees(ctx context.Context, cmd WithdrawCommand) (amount int64, err error) {
	defer c.observe("withdraw_fees", time.Now(), &err)

	if err := requireID("withdrawal", cmd.WithdrawalID); err != nil {
		return 0, err
	}
	if c.round == nil {
		return 0, ErrNotInitialized
	}
	if cmd.Caller != c.params.Operator {
		return 0, fmt.Errorf("%w: %s is not the operator", ErrUnauthorized, cmd.Caller)
	}
	if c.isDuplicate(event.EventTypeFeesWithdrawn, cmd.WithdrawalID) {
		return 0, fmt.Errorf("%w: withdrawal %s", ErrDuplicateCommand, cmd.WithdrawalID)
	}

	amount = c.round.AccumulatedFees
	if amount == 0 {
		return 0, nil
	}

	if err := c.transferer.Transfer(ctx, cmd.Caller, amount, "fees:"+cmd.WithdrawalID); err != nil {
		c.recordTransferFailure("fees")
		return 0, fmt.Errorf("%w: %w", ErrFeesTransferFailed, err)
	}

	c.commit(&event.FeesWithdrawn{
		WithdrawalID: cmd.WithdrawalID,
		Operator:     cmd.Caller,
		Amount:       amount,
		Timestamp:    cmd.Timestamp.UTC(),
	})
	return amount, nil
}

// CancelPendingRequest abandons a randomness request that has been pending
// for at least the request timeout. Tickets stay, so the next upkeep asks for
// fresh randomness for the same round.
func (c *RaffleCore) CancelPendingRequest(cmd CancelCommand) (requestID string, err error) {
	defer c.observe("cancel_request", time.Now(), &err)

	if err := requireID("cancel", cmd.CancelID); err != nil {
		return "", err
	}
	if c.round == nil {
		return "", ErrNotInitialized
	}
	if cmd.Caller != c.params.Operator {
		return "", fmt.Errorf("%w: %s is not the operator", ErrUnauthorized, cmd.Caller)
	}
	if c.isDuplicate(event.EventTypeRandomnessRequestCancelled, cmd.CancelID) {
		return "", fmt.Errorf("%w: cancel %s", ErrDuplicateCommand, cmd.CancelID)
	}
	if c.round.State != state.RoundStateCalculating || c.round.Pending == nil {
		return "", ErrRoundNotCalculating
	}

	age := cmd.Timestamp.Sub(c.round.Pending.RequestedAt)
	if age < c.params.RequestTimeout {
		return "", fmt.Errorf("%w: pending for %s, timeout is %s", ErrRequestNotExpired, age, c.params.RequestTimeout)
	}

	requestID = c.round.Pending.RequestID
	c.commit(&event.RandomnessRequestCancelled{
		CancelID:  cmd.CancelID,
		RequestID: requestID,
		Timestamp: cmd.Timestamp.UTC(),
	})
	return requestID, nil
}

// ReconcileBalance books the difference between the treasury's observed
// balance and the ledger's held balance. Returns the booked delta.
func (c *RaffleCore) ReconcileBalance(cmd ReconcileCommand) (delta int64, err error) {
	defer c.observe("reconcile", time.Now(), &err)

	if err := requireID("reconcile", cmd.ReconcileID); err != nil {
		return 0, err
	}
	if c.round == nil {
		return 0, ErrNotInitialized
	}
	if c.isDuplicate(event.EventTypeBalanceReconciled, cmd.ReconcileID) {
		return 0, fmt.Errorf("%w: reconcile %s", ErrDuplicateCommand, cmd.ReconcileID)
	}

	delta = cmd.Observed - c.balanceTracker.HeldBalance()
	if delta == 0 {
		return 0, nil
	}

	c.commit(&event.BalanceReconciled{
		ReconcileID: cmd.ReconcileID,
		Observed:    cmd.Observed,
		Delta:       delta,
		Timestamp:   cmd.Timestamp.UTC(),
	})
	return delta, nil
}

// --- Replay ---

// Replay re-applies a persisted fact without external effects and checks the
// recomputed state hash against the stored one. Facts already covered by a
// restored snapshot are skipped.
func (c *RaffleCore) Replay(env *event.EventEnvelope) error {
	skip, err := c.replayValidator.Validate(env.Sequence)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay sequence %d does not match core sequence %d", env.Sequence, c.sequence)
	}

	fact, err := event.Decode(env.EventType.String(), env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
	}

	out := c.apply(fact)
	if out.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("state hash mismatch at sequence %d: stored %x, recomputed %x",
			env.Sequence, env.StateHash, out.Envelope.StateHash)
	}

	c.idempotency.MarkProcessed(fact.EventType().String(), fact.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	c.updateGauges()
	return nil
}

// --- Commit pipeline ---

// commit applies a fact produced by a live command and fans the output out.
func (c *RaffleCore) commit(fact event.Event) CoreOutput {
	output := c.apply(fact)

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no fact is lost.
	if c.persistChan != nil {
		c.persistChan <- output
	}

	// Projections: non-blocking send, dropped on full. Projections can be
	// rebuilt from the event log.
	select {
	case c.projectionChan <- output:
	default:
		if c.projectionChan != nil && c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}

	c.idempotency.MarkProcessed(fact.EventType().String(), fact.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(fact.EventType().String()).Inc()
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
		if output.Batch != nil {
			for _, j := range output.Batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
	c.updateGauges()

	return output
}

// apply mutates state for one fact, checks invariants and extends the hash
// chain. It is the only place state changes, shared by commit and Replay.
func (c *RaffleCore) apply(fact event.Event) CoreOutput {
	seq := c.sequence
	ts := fact.OccurredAt().UnixMicro()
	ref := fact.IdempotencyKey()

	var roundID int64 = 1
	if c.round != nil {
		roundID = c.round.ID
	}

	var batch *ledger.Batch
	var notes []event.Notification

	switch e := fact.(type) {
	case *event.RaffleInitialized:
		if c.round != nil {
			panic("FATAL: genesis fact applied twice")
		}
		c.round = state.NewRound(e.StartedAt)

	case *event.RaffleEntered:
		c.mustBeInitialized(fact)
		if !c.round.IsOpen() {
			panic(fmt.Sprintf("FATAL: entry %s applied while round is %s", e.EntryID, c.round.State))
		}
		if e.FirstTicket != c.tickets.TotalTickets() {
			panic(fmt.Sprintf("FATAL: entry %s starts at ticket %d, ledger is at %d", e.EntryID, e.FirstTicket, c.tickets.TotalTickets()))
		}
		c.tickets.Allocate(e.Player, e.TicketCount)
		batch = c.journalGen.GenerateEntry(ref, seq, ts, e.Player, e.TicketCost, e.EntranceFee)
		notes = append(notes, event.EnteredRaffle{Player: e.Player, TicketCount: e.TicketCount})

	case *event.UpkeepPerformed:
		c.mustBeInitialized(fact)
		c.round.State = state.RoundStateCalculating
		c.round.Pending = &state.PendingRequest{RequestID: e.RequestID, RequestedAt: e.Timestamp}
		notes = append(notes, event.RequestedRaffleWinner{RequestID: e.RequestID})

	case *event.RandomnessFulfilled:
		c.mustBeInitialized(fact)
		batch = c.journalGen.GenerateSettlement(ref, seq, ts, e.Winner, e.PrizePool, e.Fees)
		c.round.AccumulatedFees += e.Fees
		c.tickets.Reset()
		c.round.LastTimestamp = e.Timestamp
		c.round.LastWinner = e.Winner
		c.round.State = state.RoundStateOpen
		c.round.Pending = nil
		c.round.ID++
		notes = append(notes, event.PickedWinner{Winner: e.Winner})

	case *event.FeesWithdrawn:
		c.mustBeInitialized(fact)
		batch = c.journalGen.GenerateFeeWithdrawal(ref, seq, ts, e.Operator, e.Amount)
		c.round.AccumulatedFees -= e.Amount
		notes = append(notes, event.FeesWithdrawnNotice{Operator: e.Operator, Amount: e.Amount})

	case *event.RandomnessRequestCancelled:
		c.mustBeInitialized(fact)
		c.round.State = state.RoundStateOpen
		c.round.Pending = nil
		notes = append(notes, event.CancelledRandomnessRequest{RequestID: e.RequestID})

	case *event.BalanceReconciled:
		c.mustBeInitialized(fact)
		batch = c.journalGen.GenerateAdjustment(ref, seq, ts, e.Delta)
		notes = append(notes, event.BalanceReconciledNotice{Observed: e.Observed, Delta: e.Delta})

	default:
		panic(fmt.Sprintf("FATAL: no handler for fact type %s", fact.EventType()))
	}

	if batch != nil && len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invalid batch for %s: %v", ref, err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch for %s: %v", ref, err))
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", fact.EventType(), ref, err))
	}

	payload, err := event.Encode(fact)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, c.computeStateDigest(batch))

	c.sequence++

	return CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: ref,
			EventType:      fact.EventType(),
			RoundID:        roundID,
			Timestamp:      fact.OccurredAt(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		},
		Fact:          fact,
		Batch:         batch,
		Notifications: notes,
	}
}

func (c *RaffleCore) mustBeInitialized(fact event.Event) {
	if c.round == nil {
		panic(fmt.Sprintf("FATAL: %s %s applied before genesis", fact.EventType(), fact.IdempotencyKey()))
	}
}

// postCheckInvariants verifies the ledger and the round agree after every fact.
func (c *RaffleCore) postCheckInvariants() error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if c.round == nil {
		return nil
	}
	if err := c.tickets.Validate(); err != nil {
		return err
	}

	prizePool, fees := c.roundBacking()
	if err := c.validator.ValidateRoundBacking(prizePool, fees); err != nil {
		return err
	}
	if err := c.validator.ValidateAccumulatedFees(c.round.AccumulatedFees); err != nil {
		return err
	}

	calculating := c.round.State == state.RoundStateCalculating
	if calculating != (c.round.Pending != nil) {
		return fmt.Errorf("round is %s but pending request present=%t", c.round.State, c.round.Pending != nil)
	}
	return nil
}

// roundBacking returns what the escrow accounts must hold for the current
// round. Overflow is rejected at entry time.
func (c *RaffleCore) roundBacking() (prizePool, fees int64) {
	return c.tickets.TotalTickets() * c.params.TicketPrice,
		c.tickets.TotalPlayers() * c.params.EntranceFee
}

func (c *RaffleCore) requiredBacking() int64 {
	prizePool, fees := c.roundBacking()
	return prizePool + fees
}

// computeStateDigest covers the balances touched by the batch and the whole
// round aggregate.
func (c *RaffleCore) computeStateDigest(batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+128)
	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	if c.round != nil {
		r := c.round
		digest = appendInt64LE(digest, r.ID)
		digest = appendInt64LE(digest, int64(r.State))
		digest = appendInt64LE(digest, r.LastTimestamp.UnixMicro())
		digest = appendString(digest, r.LastWinner.String())
		digest = appendInt64LE(digest, r.AccumulatedFees)
		digest = appendInt64LE(digest, c.tickets.TotalTickets())
		digest = appendInt64LE(digest, c.tickets.TotalPlayers())
		if r.Pending != nil {
			digest = appendString(digest, r.Pending.RequestID)
			digest = appendInt64LE(digest, r.Pending.RequestedAt.UnixMicro())
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56),
	)
}

// appendString writes a 2-byte length prefix then the bytes
func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)), byte(len(s)>>8))
	return append(buf, s...)
}

// --- Bookkeeping ---

func (c *RaffleCore) isDuplicate(eventType event.EventType, key string) bool {
	dup := c.idempotency.IsDuplicate(eventType.String(), key)
	if dup && c.metrics != nil {
		c.metrics.IdempotencyDuplicates.WithLabelValues(eventType.String(), "any").Inc()
	}
	return dup
}

func (c *RaffleCore) observe(operation string, start time.Time, err *error) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if *err != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(operation, RejectReason(*err)).Inc()
	}
}

func (c *RaffleCore) recordTransferFailure(kind string) {
	if c.metrics != nil {
		c.metrics.TransferFailures.WithLabelValues(kind).Inc()
	}
}

func (c *RaffleCore) updateGauges() {
	if c.metrics == nil || c.round == nil {
		return
	}
	c.metrics.CoreSequence.Set(float64(c.sequence - 1))
	c.metrics.RoundID.Set(float64(c.round.ID))
	c.metrics.RoundState.Set(float64(c.round.State))
	c.metrics.RoundTickets.Set(float64(c.tickets.TotalTickets()))
	c.metrics.RoundPlayers.Set(float64(c.tickets.TotalPlayers()))
	c.metrics.AccumulatedFees.Set(float64(c.round.AccumulatedFees))
	c.metrics.HeldBalance.Set(float64(c.balanceTracker.HeldBalance()))
}

// --- Accessors ---

// View returns a copy of every read accessor at the current sequence.
func (c *RaffleCore) View() RaffleView {
	v := RaffleView{
		Sequence:     c.sequence - 1,
		EntranceFee:  c.params.EntranceFee,
		TicketPrice:  c.params.TicketPrice,
		Interval:     c.params.Interval,
		TotalTickets: c.tickets.TotalTickets(),
		TotalPlayers: c.tickets.TotalPlayers(),
		RangeCount:   c.tickets.RangeCount(),
		HeldBalance:  c.balanceTracker.HeldBalance(),
		Operator:     c.params.Operator,
		StateHash:    c.hasher.GetPrevHash(),
	}
	if c.round != nil {
		r := c.round.Clone()
		v.RoundID = r.ID
		v.State = r.State
		v.LastTimestamp = r.LastTimestamp
		v.LastWinner = r.LastWinner
		v.AccumulatedFees = r.AccumulatedFees
		v.Pending = r.Pending
	}
	return v
}

// TicketRange returns the range at index in the current round.
func (c *RaffleCore) TicketRange(index int) (state.TicketRange, bool) {
	return c.tickets.Range(index)
}

// Params returns the construction-time parameters.
func (c *RaffleCore) Params() state.RaffleParams {
	return c.params
}

// Balance returns one ledger account balance.
func (c *RaffleCore) Balance(key ledger.AccountKey) int64 {
	return c.balanceTracker.GetBalance(key)
}

// GetSequence returns the last applied sequence (0 on an empty log).
func (c *RaffleCore) GetSequence() int64 {
	return c.sequence - 1
}

func (c *RaffleCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
