package ingestion

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/payout"
	"RaffleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDepositUnverified marks an entry whose payment the treasury has not
// attested.
var ErrDepositUnverified = errors.New("entry payment not verified by treasury")

// CommandSink is the part of the sequencer that accepts commands.
type CommandSink interface {
	Enter(ctx context.Context, cmd core.EnterCommand) (*core.EntryReceipt, error)
	PerformUpkeep(ctx context.Context, cmd core.UpkeepCommand) (string, error)
	FulfillRandomWords(ctx context.Context, cmd core.FulfillCommand) (*core.Settlement, error)
	WithdrawAccumulatedFees(ctx context.Context, cmd core.WithdrawCommand) (int64, error)
	CancelPendingRequest(ctx context.Context, cmd core.CancelCommand) (string, error)
	ReconcileBalance(ctx context.Context, cmd core.ReconcileCommand) (int64, error)
}

// CommandGateway is the single entry point for commands coming from the
// NATS router and the API server. It stamps commands that arrive without
// a timestamp and assigns an ID to commands that arrive without one.
//
// A generated ID only protects against duplicates within this call.
// Callers that retry must supply their own.
//
// Entries are accepted only with a deposit receipt signed by the treasury
// for exactly that entry ID, player and payment. Without a treasury
// principal every entry is refused.
type CommandGateway struct {
	sink     CommandSink
	treasury state.Principal
	now      func() time.Time
}

func NewCommandGateway(sink CommandSink) *CommandGateway {
	return &CommandGateway{sink: sink, now: time.Now}
}

// WithTreasury sets the principal whose deposit receipts fund entries.
func (g *CommandGateway) WithTreasury(treasury state.Principal) *CommandGateway {
	g.treasury = treasury
	return g
}

// WithClock replaces the clock, for tests.
func (g *CommandGateway) WithClock(now func() time.Time) *CommandGateway {
	g.now = now
	return g
}

func (g *CommandGateway) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return g.now()
	}
	return ts
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// Enter forwards an entry once receipt proves its payment reached the
// treasury. The entry ID is never generated here: the receipt binds it.
func (g *CommandGateway) Enter(ctx context.Context, cmd core.EnterCommand, receipt *payout.DepositReceipt) (*core.EntryReceipt, error) {
	if err := g.verifyDeposit(cmd, receipt); err != nil {
		return nil, err
	}
	cmd.Timestamp = g.stamp(cmd.Timestamp)
	return g.sink.Enter(ctx, cmd)
}

func (g *CommandGateway) verifyDeposit(cmd core.EnterCommand, receipt *payout.DepositReceipt) error {
	if g.treasury.IsZero() {
		return fmt.Errorf("%w: no treasury configured", ErrDepositUnverified)
	}
	if receipt == nil {
		return fmt.Errorf("%w: entry %s carries no deposit receipt", ErrDepositUnverified, cmd.EntryID)
	}
	if receipt.EntryID != cmd.EntryID || receipt.Player != cmd.Player || receipt.Amount != cmd.Payment {
		return fmt.Errorf("%w: receipt covers %s/%s/%d, entry is %s/%s/%d", ErrDepositUnverified,
			receipt.EntryID, receipt.Player, receipt.Amount, cmd.EntryID, cmd.Player, cmd.Payment)
	}
	if err := receipt.Verify(g.treasury); err != nil {
		return fmt.Errorf("%w: %w", ErrDepositUnverified, err)
	}
	return nil
}

func (g *CommandGateway) PerformUpkeep(ctx context.Context, upkeepID string) (string, error) {
	return g.sink.PerformUpkeep(ctx, core.UpkeepCommand{
		UpkeepID:  orNewID(upkeepID),
		Timestamp: g.now(),
	})
}

func (g *CommandGateway) Fulfill(ctx context.Context, cmd core.FulfillCommand) (*core.Settlement, error) {
	cmd.Timestamp = g.stamp(cmd.Timestamp)
	return g.sink.FulfillRandomWords(ctx, cmd)
}

func (g *CommandGateway) WithdrawFees(ctx context.Context, caller state.Principal, withdrawalID string) (int64, error) {
	return g.sink.WithdrawAccumulatedFees(ctx, core.WithdrawCommand{
		WithdrawalID: orNewID(withdrawalID),
		Caller:       caller,
		Timestamp:    g.now(),
	})
}

func (g *CommandGateway) CancelRequest(ctx context.Context, caller state.Principal, cancelID string) (string, error) {
	return g.sink.CancelPendingRequest(ctx, core.CancelCommand{
		CancelID:  orNewID(cancelID),
		Caller:    caller,
		Timestamp: g.now(),
	})
}

func (g *CommandGateway) Reconcile(ctx context.Context, cmd core.ReconcileCommand) (int64, error) {
	cmd.ReconcileID = orNewID(cmd.ReconcileID)
	cmd.Timestamp = g.stamp(cmd.Timestamp)
	return g.sink.ReconcileBalance(ctx, cmd)
}
