package core_test

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/state"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Test helpers ---

const (
	testTicketPrice = 10_000_000 // 0.1
	testEntranceFee = 1_000_000  // 0.01
	testInterval    = 30 * time.Second
	testTimeout     = 5 * time.Minute

	oracle   state.Principal = "oracle"
	operator state.Principal = "operator"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testParams() state.RaffleParams {
	return state.RaffleParams{
		EntranceFee:      testEntranceFee,
		TicketPrice:      testTicketPrice,
		Interval:         testInterval,
		KeyHash:          "0xkeyhash",
		SubscriptionID:   42,
		CallbackGasLimit: 500_000,
		Oracle:           oracle,
		Operator:         operator,
		RequestTimeout:   testTimeout,
	}
}

type transfer struct {
	To     state.Principal
	Amount int64
	Memo   string
}

type fakeTransferer struct {
	mu        sync.Mutex
	fail      error
	transfers []transfer
}

func (f *fakeTransferer) Transfer(ctx context.Context, to state.Principal, amount int64, memo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.transfers = append(f.transfers, transfer{To: to, Amount: amount, Memo: memo})
	return nil
}

func (f *fakeTransferer) sent() []transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transfer(nil), f.transfers...)
}

type fakeCoordinator struct {
	n        int
	fail     error
	requests []core.RandomnessRequest
}

func (f *fakeCoordinator) RequestRandomWords(ctx context.Context, req core.RandomnessRequest) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.n++
	f.requests = append(f.requests, req)
	return fmt.Sprintf("req-%d", f.n), nil
}

type testRig struct {
	core        *core.RaffleCore
	transferer  *fakeTransferer
	coordinator *fakeCoordinator
	persist     chan core.CoreOutput
}

// newTestCore creates an initialized RaffleCore with fake effects and a
// buffered persist channel. No DB checker, no metrics.
func newTestCore(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		transferer:  &fakeTransferer{},
		coordinator: &fakeCoordinator{},
		persist:     make(chan core.CoreOutput, 1024),
	}

	c, err := core.NewRaffleCore(core.CoreConfig{
		Params:      testParams(),
		Coordinator: rig.coordinator,
		Transferer:  rig.transferer,
		PersistChan: rig.persist,
	})
	if err != nil {
		t.Fatalf("NewRaffleCore: %v", err)
	}
	if err := c.Initialize(t0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	rig.core = c
	return rig
}

func (r *testRig) drain() []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case out := <-r.persist:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

// payFor returns the payment that buys exactly n tickets.
func payFor(n int64) int64 {
	return n*testTicketPrice + testEntranceFee
}

func mustEnter(t *testing.T, r *testRig, id string, player state.Principal, payment int64) *core.EntryReceipt {
	t.Helper()
	receipt, err := r.core.Enter(context.Background(), core.EnterCommand{
		EntryID:   id,
		Player:    player,
		Payment:   payment,
		Timestamp: t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Enter %s: %v", id, err)
	}
	return receipt
}

func mustPerformUpkeep(t *testing.T, r *testRig, id string, at time.Time) string {
	t.Helper()
	token, err := r.core.PerformUpkeep(context.Background(), core.UpkeepCommand{UpkeepID: id, Timestamp: at})
	if err != nil {
		t.Fatalf("PerformUpkeep %s: %v", id, err)
	}
	return token
}

func mustFulfill(t *testing.T, r *testRig, token string, word uint64, at time.Time) *core.Settlement {
	t.Helper()
	s, err := r.core.FulfillRandomWords(context.Background(), core.FulfillCommand{
		Caller:      oracle,
		RequestID:   token,
		RandomWords: []uint64{word},
		Timestamp:   at,
	})
	if err != nil {
		t.Fatalf("Fulfill %s: %v", token, err)
	}
	return s
}

// fourPlayerRound enters alice, bob, carol, dave with 4 tickets each:
// [0,3] [4,7] [8,11] [12,15].
func fourPlayerRound(t *testing.T, r *testRig) {
	t.Helper()
	for i, p := range []state.Principal{"alice", "bob", "carol", "dave"} {
		mustEnter(t, r, fmt.Sprintf("entry-%d", i), p, payFor(4))
	}
}
