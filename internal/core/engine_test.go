package core_test

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/ledger"
	"RaffleLedger/internal/state"
	"context"
	"errors"
	"testing"
	"time"
)

var errTreasuryDown = errors.New("treasury unreachable")

// ============================================================================
// Test: Enter
// ============================================================================

func TestEnter_SplitsPaymentIntoTicketsAndRefund(t *testing.T) {
	r := newTestCore(t)

	receipt := mustEnter(t, r, "e1", "alice", 75_000_000)

	if receipt.TicketCount != 7 {
		t.Errorf("tickets: got %d, want 7", receipt.TicketCount)
	}
	if receipt.Refund != 4_000_000 {
		t.Errorf("refund: got %d, want 4_000_000", receipt.Refund)
	}
	if receipt.Range.Start != 0 || receipt.Range.End != 6 {
		t.Errorf("range: got [%d,%d], want [0,6]", receipt.Range.Start, receipt.Range.End)
	}

	sent := r.transferer.sent()
	if len(sent) != 1 || sent[0].To != "alice" || sent[0].Amount != 4_000_000 {
		t.Fatalf("refund transfer: got %+v", sent)
	}

	view := r.core.View()
	if view.TotalTickets != 7 || view.TotalPlayers != 1 {
		t.Errorf("totals: got tickets=%d players=%d", view.TotalTickets, view.TotalPlayers)
	}
	if got := r.core.Balance(ledger.NewSystemAccountKey(ledger.SubTypePrizePool)); got != 70_000_000 {
		t.Errorf("prize pool: got %d, want 70_000_000", got)
	}
	if got := r.core.Balance(ledger.NewSystemAccountKey(ledger.SubTypePendingFees)); got != testEntranceFee {
		t.Errorf("pending fees: got %d, want %d", got, testEntranceFee)
	}
}

func TestEnter_RangesAreContiguous(t *testing.T) {
	r := newTestCore(t)

	mustEnter(t, r, "e1", "alice", payFor(3))
	second := mustEnter(t, r, "e2", "bob", payFor(1))
	third := mustEnter(t, r, "e3", "alice", payFor(5))

	if second.Range.Start != 3 || second.Range.End != 3 {
		t.Errorf("second range: got [%d,%d], want [3,3]", second.Range.Start, second.Range.End)
	}
	if third.Range.Start != 4 || third.Range.End != 8 {
		t.Errorf("third range: got [%d,%d], want [4,8]", third.Range.Start, third.Range.End)
	}

	// A repeat entrant counts as another player
	if got := r.core.View().TotalPlayers; got != 3 {
		t.Errorf("players: got %d, want 3", got)
	}
}

func TestEnter_ExactPaymentSkipsRefund(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(2))

	if sent := r.transferer.sent(); len(sent) != 0 {
		t.Errorf("exact payment should not transfer, got %+v", sent)
	}
}

func TestEnter_InsufficientPayment_NoStateChange(t *testing.T) {
	r := newTestCore(t)
	before := r.core.GetStateHash()

	_, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID: "e1", Player: "alice", Payment: payFor(1) - 1, Timestamp: t0,
	})
	if !errors.Is(err, core.ErrInsufficientPayment) {
		t.Fatalf("got %v, want ErrInsufficientPayment", err)
	}
	if r.core.GetStateHash() != before {
		t.Error("state hash changed on rejected entry")
	}
	if len(r.drain()) != 0 {
		t.Error("rejected entry produced output")
	}
}

func TestEnter_RoundNotOpenCheckedFirst(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))
	mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))

	// Underpaying while CALCULATING reports the state, not the payment
	_, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID: "e2", Player: "bob", Payment: 1, Timestamp: t0.Add(testInterval),
	})
	if !errors.Is(err, core.ErrRoundNotOpen) {
		t.Fatalf("got %v, want ErrRoundNotOpen", err)
	}
}

func TestEnter_RefundFailure_NoStateChange(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(2))
	r.drain()
	before := r.core.GetStateHash()
	viewBefore := r.core.View()

	r.transferer.fail = errTreasuryDown
	_, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID: "e2", Player: "bob", Payment: payFor(3) + 5, Timestamp: t0,
	})
	if !errors.Is(err, core.ErrRefundTransferFailed) {
		t.Fatalf("got %v, want ErrRefundTransferFailed", err)
	}
	if !errors.Is(err, errTreasuryDown) {
		t.Error("cause should be wrapped")
	}

	if r.core.GetStateHash() != before {
		t.Error("state hash changed after failed refund")
	}
	if view := r.core.View(); view.TotalTickets != viewBefore.TotalTickets || view.TotalPlayers != viewBefore.TotalPlayers {
		t.Errorf("totals changed: %+v", view)
	}
	if len(r.drain()) != 0 {
		t.Error("failed entry produced output")
	}

	// Same entry ID is accepted once the treasury recovers
	r.transferer.fail = nil
	if _, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID: "e2", Player: "bob", Payment: payFor(3) + 5, Timestamp: t0,
	}); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestEnter_DuplicateEntryID(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))

	_, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID: "e1", Player: "alice", Payment: payFor(1), Timestamp: t0,
	})
	if !errors.Is(err, core.ErrDuplicateCommand) {
		t.Fatalf("got %v, want ErrDuplicateCommand", err)
	}
	if got := r.core.View().TotalTickets; got != 1 {
		t.Errorf("duplicate changed tickets: %d", got)
	}
}

func TestEnter_RequiresIDAndPlayer(t *testing.T) {
	r := newTestCore(t)
	for _, cmd := range []core.EnterCommand{
		{Player: "alice", Payment: payFor(1)},
		{EntryID: "e1", Payment: payFor(1)},
	} {
		if _, err := r.core.Enter(context.Background(), cmd); !errors.Is(err, core.ErrInvalidCommand) {
			t.Errorf("%+v: got %v, want ErrInvalidCommand", cmd, err)
		}
	}
}

func TestEnter_EmitsNotification(t *testing.T) {
	r := newTestCore(t)
	r.drain() // genesis

	mustEnter(t, r, "e1", "alice", payFor(2))
	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}

	notes := outputs[0].Notifications
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	entered, ok := notes[0].(event.EnteredRaffle)
	if !ok || entered.Player != "alice" || entered.TicketCount != 2 {
		t.Errorf("got %#v", notes[0])
	}
}

// ============================================================================
// Test: CheckUpkeep / PerformUpkeep
// ============================================================================

func TestCheckUpkeep_TruthTable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, r *testRig)
		at    time.Time
		want  bool
	}{
		{
			name: "no players",
			at:   t0.Add(testInterval),
			want: false,
		},
		{
			name:  "interval not elapsed",
			setup: func(t *testing.T, r *testRig) { mustEnter(t, r, "e1", "alice", payFor(1)) },
			at:    t0.Add(testInterval - time.Microsecond),
			want:  false,
		},
		{
			name:  "all conditions hold",
			setup: func(t *testing.T, r *testRig) { mustEnter(t, r, "e1", "alice", payFor(1)) },
			at:    t0.Add(testInterval),
			want:  true,
		},
		{
			name: "calculating",
			setup: func(t *testing.T, r *testRig) {
				mustEnter(t, r, "e1", "alice", payFor(1))
				mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))
			},
			at:   t0.Add(2 * testInterval),
			want: false,
		},
		{
			name: "treasury short of backing",
			setup: func(t *testing.T, r *testRig) {
				mustEnter(t, r, "e1", "alice", payFor(1))
				// Treasury reports less than the round owes
				if _, err := r.core.ReconcileBalance(core.ReconcileCommand{
					ReconcileID: "rec1", Observed: payFor(1) - 1, Timestamp: t0,
				}); err != nil {
					t.Fatal(err)
				}
			},
			at:   t0.Add(testInterval),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestCore(t)
			if tt.setup != nil {
				tt.setup(t, r)
			}
			if got := r.core.CheckUpkeep(tt.at); got.Needed != tt.want {
				t.Errorf("needed: got %v, want %v (%+v)", got.Needed, tt.want, got)
			}
		})
	}
}

func TestCheckUpkeep_IsReadOnly(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))
	before := r.core.GetStateHash()

	r.core.CheckUpkeep(t0.Add(testInterval))
	if r.core.GetStateHash() != before {
		t.Error("CheckUpkeep changed state")
	}
}

func TestPerformUpkeep_NotNeededCarriesDiagnostics(t *testing.T) {
	r := newTestCore(t)

	_, err := r.core.PerformUpkeep(context.Background(), core.UpkeepCommand{UpkeepID: "u1", Timestamp: t0})
	if !errors.Is(err, core.ErrUpkeepNotNeeded) {
		t.Fatalf("got %v, want ErrUpkeepNotNeeded", err)
	}

	var notNeeded *core.UpkeepNotNeededError
	if !errors.As(err, &notNeeded) {
		t.Fatalf("error should be *UpkeepNotNeededError, got %T", err)
	}
	if notNeeded.Balance != 0 || notNeeded.Players != 0 || notNeeded.State != state.RoundStateOpen {
		t.Errorf("diagnostics: got %+v", notNeeded)
	}
	if r.coordinator.n != 0 {
		t.Error("oracle should not be called")
	}
}

func TestPerformUpkeep_LocksRoundAndStoresToken(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(2))
	r.drain()

	at := t0.Add(testInterval)
	token := mustPerformUpkeep(t, r, "u1", at)

	view := r.core.View()
	if view.State != state.RoundStateCalculating {
		t.Errorf("state: got %s, want CALCULATING", view.State)
	}
	if view.Pending == nil || view.Pending.RequestID != token || !view.Pending.RequestedAt.Equal(at) {
		t.Errorf("pending: got %+v", view.Pending)
	}

	req := r.coordinator.requests[0]
	if req.Confirmations != 3 || req.NumWords != 1 || req.NativePayment {
		t.Errorf("request params: got %+v", req)
	}
	if req.KeyHash != "0xkeyhash" || req.SubscriptionID != 42 || req.CallbackGasLimit != 500_000 {
		t.Errorf("configured params not forwarded: %+v", req)
	}

	outputs := r.drain()
	if len(outputs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outputs))
	}
	if n, ok := outputs[0].Notifications[0].(event.RequestedRaffleWinner); !ok || n.RequestID != token {
		t.Errorf("notification: got %#v", outputs[0].Notifications[0])
	}
}

func TestPerformUpkeep_OracleFailureKeepsRoundOpen(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))
	before := r.core.GetStateHash()

	r.coordinator.fail = errors.New("nats: timeout")
	_, err := r.core.PerformUpkeep(context.Background(), core.UpkeepCommand{UpkeepID: "u1", Timestamp: t0.Add(testInterval)})
	if !errors.Is(err, core.ErrRandomnessRequestFailed) {
		t.Fatalf("got %v, want ErrRandomnessRequestFailed", err)
	}
	if r.core.View().State != state.RoundStateOpen {
		t.Error("round should stay OPEN")
	}
	if r.core.GetStateHash() != before {
		t.Error("state hash changed")
	}
}

// ============================================================================
// Test: FulfillRandomWords
// ============================================================================

func TestFulfill_ResolvesWinnerAndResets(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))

	settledAt := t0.Add(testInterval + 10*time.Second)
	s := mustFulfill(t, r, token, 13, settledAt)

	if s.WinnerTicket != 13 || s.Winner != "dave" {
		t.Errorf("winner: got ticket %d owner %s, want 13 dave", s.WinnerTicket, s.Winner)
	}
	if s.PrizePool != 16*testTicketPrice {
		t.Errorf("prize: got %d, want %d", s.PrizePool, 16*testTicketPrice)
	}
	if s.Fees != 4*testEntranceFee {
		t.Errorf("fees: got %d, want %d", s.Fees, 4*testEntranceFee)
	}

	sent := r.transferer.sent()
	last := sent[len(sent)-1]
	if last.To != "dave" || last.Amount != 16*testTicketPrice {
		t.Errorf("prize transfer: got %+v", last)
	}

	view := r.core.View()
	if view.State != state.RoundStateOpen || view.Pending != nil {
		t.Errorf("should reopen with no pending request: %+v", view)
	}
	if view.TotalTickets != 0 || view.TotalPlayers != 0 || view.RangeCount != 0 {
		t.Errorf("round not cleared: %+v", view)
	}
	if view.LastWinner != "dave" || !view.LastTimestamp.Equal(settledAt) {
		t.Errorf("last winner/timestamp: %s %v", view.LastWinner, view.LastTimestamp)
	}
	if view.AccumulatedFees != 4*testEntranceFee {
		t.Errorf("accumulated fees: got %d", view.AccumulatedFees)
	}
	if view.RoundID != 2 || s.RoundID != 1 {
		t.Errorf("round ids: view=%d settled=%d", view.RoundID, s.RoundID)
	}

	// Everything left in the treasury is the operator's
	if view.HeldBalance != view.AccumulatedFees {
		t.Errorf("held %d, fees %d", view.HeldBalance, view.AccumulatedFees)
	}
}

func TestFulfill_WordIsReducedModuloTickets(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))

	// 16*1000 + 5 → ticket 5 → bob
	s := mustFulfill(t, r, token, 16_005, t0.Add(testInterval))
	if s.WinnerTicket != 5 || s.Winner != "bob" {
		t.Errorf("got ticket %d owner %s, want 5 bob", s.WinnerTicket, s.Winner)
	}
}

func TestFulfill_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		cmd     func(token string) core.FulfillCommand
		wantErr error
	}{
		{
			name: "caller is not the oracle",
			cmd: func(token string) core.FulfillCommand {
				return core.FulfillCommand{Caller: "mallory", RequestID: token, RandomWords: []uint64{1}}
			},
			wantErr: core.ErrUnauthorized,
		},
		{
			name: "token mismatch",
			cmd: func(token string) core.FulfillCommand {
				return core.FulfillCommand{Caller: oracle, RequestID: "req-999", RandomWords: []uint64{1}}
			},
			wantErr: core.ErrUnknownRequest,
		},
		{
			name: "no words",
			cmd: func(token string) core.FulfillCommand {
				return core.FulfillCommand{Caller: oracle, RequestID: token}
			},
			wantErr: core.ErrInvalidRandomWords,
		},
		{
			name: "too many words",
			cmd: func(token string) core.FulfillCommand {
				return core.FulfillCommand{Caller: oracle, RequestID: token, RandomWords: []uint64{1, 2}}
			},
			wantErr: core.ErrInvalidRandomWords,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestCore(t)
			fourPlayerRound(t, r)
			token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))
			before := r.core.GetStateHash()

			_, err := r.core.FulfillRandomWords(context.Background(), tt.cmd(token))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if r.core.GetStateHash() != before {
				t.Error("state changed on rejected fulfillment")
			}
			if r.core.View().State != state.RoundStateCalculating {
				t.Error("round should stay CALCULATING")
			}
		})
	}
}

func TestFulfill_WhileOpenIsUnknown(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))

	_, err := r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller: oracle, RequestID: "req-1", RandomWords: []uint64{0},
	})
	if !errors.Is(err, core.ErrUnknownRequest) {
		t.Fatalf("got %v, want ErrUnknownRequest", err)
	}
}

func TestFulfill_DuplicateAfterSettlement(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))
	mustFulfill(t, r, token, 13, t0.Add(testInterval))

	_, err := r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller: oracle, RequestID: token, RandomWords: []uint64{13},
	})
	if !errors.Is(err, core.ErrUnknownRequest) {
		t.Fatalf("got %v, want ErrUnknownRequest", err)
	}
	if got := r.core.View().AccumulatedFees; got != 4*testEntranceFee {
		t.Errorf("fees accrued twice: %d", got)
	}
}

func TestFulfill_PrizeTransferFailure_StateUnchanged(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))
	r.drain()
	before := r.core.GetStateHash()

	r.transferer.fail = errTreasuryDown
	_, err := r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller: oracle, RequestID: token, RandomWords: []uint64{13}, Timestamp: t0.Add(testInterval),
	})
	if !errors.Is(err, core.ErrPrizeTransferFailed) {
		t.Fatalf("got %v, want ErrPrizeTransferFailed", err)
	}
	if r.core.GetStateHash() != before {
		t.Error("state hash changed after failed prize transfer")
	}

	view := r.core.View()
	if view.State != state.RoundStateCalculating || view.Pending == nil || view.Pending.RequestID != token {
		t.Errorf("round should still wait on %s: %+v", token, view)
	}
	if view.TotalTickets != 16 || view.AccumulatedFees != 0 {
		t.Errorf("settlement partially applied: %+v", view)
	}
	if len(r.drain()) != 0 {
		t.Error("failed fulfillment produced output")
	}

	// The oracle may redeliver the same fulfillment
	r.transferer.fail = nil
	s := mustFulfill(t, r, token, 13, t0.Add(testInterval))
	if s.Winner != "dave" {
		t.Errorf("winner after retry: %s", s.Winner)
	}
}

// ============================================================================
// Test: WithdrawAccumulatedFees
// ============================================================================

func settleOneRound(t *testing.T, r *testRig) {
	t.Helper()
	fourPlayerRound(t, r)
	token := mustPerformUpkeep(t, r, "u1", t0.Add(testInterval))
	mustFulfill(t, r, token, 0, t0.Add(testInterval))
}

func TestWithdraw_OperatorOnly(t *testing.T) {
	r := newTestCore(t)
	settleOneRound(t, r)
	before := r.core.GetStateHash()

	_, err := r.core.WithdrawAccumulatedFees(context.Background(), core.WithdrawCommand{
		WithdrawalID: "w1", Caller: "alice", Timestamp: t0,
	})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if r.core.GetStateHash() != before {
		t.Error("state changed on unauthorized withdrawal")
	}
}

func TestWithdraw_PaysOperatorAndZeroes(t *testing.T) {
	r := newTestCore(t)
	settleOneRound(t, r)

	amount, err := r.core.WithdrawAccumulatedFees(context.Background(), core.WithdrawCommand{
		WithdrawalID: "w1", Caller: operator, Timestamp: t0,
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount != 4*testEntranceFee {
		t.Errorf("amount: got %d, want %d", amount, 4*testEntranceFee)
	}

	sent := r.transferer.sent()
	last := sent[len(sent)-1]
	if last.To != operator || last.Amount != amount {
		t.Errorf("transfer: got %+v", last)
	}

	view := r.core.View()
	if view.AccumulatedFees != 0 || view.HeldBalance != 0 {
		t.Errorf("after withdrawal: fees=%d held=%d", view.AccumulatedFees, view.HeldBalance)
	}

	// Second withdrawal with nothing accrued performs no transfer
	transfersBefore := len(r.transferer.sent())
	amount, err = r.core.WithdrawAccumulatedFees(context.Background(), core.WithdrawCommand{
		WithdrawalID: "w2", Caller: operator, Timestamp: t0,
	})
	if err != nil || amount != 0 {
		t.Fatalf("zero withdrawal: amount=%d err=%v", amount, err)
	}
	if len(r.transferer.sent()) != transfersBefore {
		t.Error("zero withdrawal should not transfer")
	}
}

func TestWithdraw_TransferFailureKeepsBalance(t *testing.T) {
	r := newTestCore(t)
	settleOneRound(t, r)

	r.transferer.fail = errTreasuryDown
	_, err := r.core.WithdrawAccumulatedFees(context.Background(), core.WithdrawCommand{
		WithdrawalID: "w1", Caller: operator, Timestamp: t0,
	})
	if !errors.Is(err, core.ErrFeesTransferFailed) {
		t.Fatalf("got %v, want ErrFeesTransferFailed", err)
	}
	if got := r.core.View().AccumulatedFees; got != 4*testEntranceFee {
		t.Errorf("balance changed: %d", got)
	}
}

// ============================================================================
// Test: CancelPendingRequest
// ============================================================================

func TestCancel_Preconditions(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(1))

	_, err := r.core.CancelPendingRequest(core.CancelCommand{CancelID: "c1", Caller: operator, Timestamp: t0})
	if !errors.Is(err, core.ErrRoundNotCalculating) {
		t.Fatalf("open round: got %v, want ErrRoundNotCalculating", err)
	}

	requestedAt := t0.Add(testInterval)
	mustPerformUpkeep(t, r, "u1", requestedAt)

	_, err = r.core.CancelPendingRequest(core.CancelCommand{CancelID: "c2", Caller: "alice", Timestamp: requestedAt.Add(testTimeout)})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("non-operator: got %v, want ErrUnauthorized", err)
	}

	_, err = r.core.CancelPendingRequest(core.CancelCommand{CancelID: "c3", Caller: operator, Timestamp: requestedAt.Add(testTimeout - time.Second)})
	if !errors.Is(err, core.ErrRequestNotExpired) {
		t.Fatalf("too early: got %v, want ErrRequestNotExpired", err)
	}
}

func TestCancel_ReopensRoundAndOrphansToken(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	requestedAt := t0.Add(testInterval)
	stale := mustPerformUpkeep(t, r, "u1", requestedAt)

	cancelled, err := r.core.CancelPendingRequest(core.CancelCommand{
		CancelID: "c1", Caller: operator, Timestamp: requestedAt.Add(testTimeout),
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled != stale {
		t.Errorf("cancelled %s, want %s", cancelled, stale)
	}

	view := r.core.View()
	if view.State != state.RoundStateOpen || view.Pending != nil {
		t.Errorf("should be OPEN without pending: %+v", view)
	}
	if view.TotalTickets != 16 || view.TotalPlayers != 4 || !view.LastTimestamp.Equal(t0) {
		t.Errorf("round content should be kept: %+v", view)
	}

	// Late delivery for the abandoned token
	_, err = r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller: oracle, RequestID: stale, RandomWords: []uint64{13},
	})
	if !errors.Is(err, core.ErrUnknownRequest) {
		t.Fatalf("late fulfillment: got %v, want ErrUnknownRequest", err)
	}

	// The keeper asks again and the new token settles the same tickets
	fresh := mustPerformUpkeep(t, r, "u2", requestedAt.Add(testTimeout))
	if fresh == stale {
		t.Fatal("expected a fresh token")
	}
	if s := mustFulfill(t, r, fresh, 13, requestedAt.Add(testTimeout)); s.Winner != "dave" {
		t.Errorf("winner: %s", s.Winner)
	}
}

// ============================================================================
// Test: ReconcileBalance
// ============================================================================

func TestReconcile_BooksDrift(t *testing.T) {
	r := newTestCore(t)
	mustEnter(t, r, "e1", "alice", payFor(2))
	held := r.core.View().HeldBalance

	delta, err := r.core.ReconcileBalance(core.ReconcileCommand{ReconcileID: "r1", Observed: held + 500, Timestamp: t0})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if delta != 500 {
		t.Errorf("delta: got %d, want 500", delta)
	}
	if got := r.core.View().HeldBalance; got != held+500 {
		t.Errorf("held: got %d, want %d", got, held+500)
	}
	if got := r.core.Balance(ledger.NewSystemAccountKey(ledger.SubTypeSurplus)); got != 500 {
		t.Errorf("surplus: got %d", got)
	}

	// Matching balance books nothing
	r.drain()
	delta, err = r.core.ReconcileBalance(core.ReconcileCommand{ReconcileID: "r2", Observed: held + 500, Timestamp: t0})
	if err != nil || delta != 0 {
		t.Fatalf("no drift: delta=%d err=%v", delta, err)
	}
	if len(r.drain()) != 0 {
		t.Error("zero drift should not produce a fact")
	}
}

// ============================================================================
// Test: Initialize
// ============================================================================

func TestInitialize_Idempotent(t *testing.T) {
	r := newTestCore(t)
	seq := r.core.GetSequence()

	if err := r.core.Initialize(t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if r.core.GetSequence() != seq {
		t.Error("second Initialize should be a no-op")
	}
	if !r.core.View().LastTimestamp.Equal(t0) {
		t.Error("genesis timestamp overwritten")
	}
}

func TestCommands_BeforeInitialize(t *testing.T) {
	c, err := core.NewRaffleCore(core.CoreConfig{Params: testParams()})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Enter(context.Background(), core.EnterCommand{EntryID: "e1", Player: "alice", Payment: payFor(1)})
	if !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestNewRaffleCore_RejectsInvalidParams(t *testing.T) {
	p := testParams()
	p.TicketPrice = 0
	if _, err := core.NewRaffleCore(core.CoreConfig{Params: p}); err == nil {
		t.Error("zero ticket price should be rejected")
	}
}

func TestFulfill_PrizeMemoNamesRequestAndWinner(t *testing.T) {
	r := newTestCore(t)
	fourPlayerRound(t, r)
	requestedAt := t0.Add(testInterval)
	stale := mustPerformUpkeep(t, r, "u1", requestedAt)

	r.transferer.fail = errors.New("treasury unavailable")
	_, err := r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller: oracle, RequestID: stale, RandomWords: []uint64{13}, Timestamp: requestedAt,
	})
	if !errors.Is(err, core.ErrPrizeTransferFailed) {
		t.Fatalf("got %v, want ErrPrizeTransferFailed", err)
	}
	r.transferer.fail = nil

	if _, err := r.core.CancelPendingRequest(core.CancelCommand{
		CancelID: "c1", Caller: operator, Timestamp: requestedAt.Add(testTimeout),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Same round, new request and a different winner: the payout must not
	// collide with the abandoned one.
	fresh := mustPerformUpkeep(t, r, "u2", requestedAt.Add(testTimeout))
	s := mustFulfill(t, r, fresh, 0, requestedAt.Add(testTimeout))
	if s.Winner != "alice" {
		t.Fatalf("winner: %s", s.Winner)
	}

	sent := r.transferer.sent()
	if len(sent) != 1 {
		t.Fatalf("transfers: %+v", sent)
	}
	if want := "prize:" + fresh + ":alice"; sent[0].Memo != want {
		t.Errorf("memo: got %q, want %q", sent[0].Memo, want)
	}
}
