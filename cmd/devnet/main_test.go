package main

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/ingestion"
	"RaffleLedger/internal/payout"
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// treasuryConn answers deposit requests from a DevTreasury in process.
type treasuryConn struct{ treasury *payout.DevTreasury }

func (c treasuryConn) RequestWithContext(_ context.Context, subj string, data []byte) (*nats.Msg, error) {
	return &nats.Msg{Subject: subj, Data: c.treasury.HandleDeposit(data)}, nil
}

func TestPayForEntry_DepositsOncePerEntry(t *testing.T) {
	treasurySigner := auth.NewSigner()
	treasury := payout.NewDevTreasury(treasurySigner)
	conn := treasuryConn{treasury}
	alice := auth.NewSigner()

	first, err := payForEntry(context.Background(), conn, alice, "e1", "0.11")
	require.NoError(t, err)
	again, err := payForEntry(context.Background(), conn, alice, "e1", "0.11")
	require.NoError(t, err)
	_, err = payForEntry(context.Background(), conn, alice, "e2", "0.21")
	require.NoError(t, err)

	require.Equal(t, int64(32_000_000), treasury.Held())
	require.Equal(t, first.Receipt.Signature, again.Receipt.Signature)

	data, err := json.Marshal(first)
	require.NoError(t, err)
	entry, err := ingestion.ParseEntry(data)
	require.NoError(t, err)

	gw := ingestion.NewCommandGateway(&acceptAll{}).WithTreasury(treasurySigner.Principal())
	_, err = gw.Enter(context.Background(), entry.Command, entry.Receipt)
	require.NoError(t, err)
}

func TestPayForEntry_RejectedDepositPublishesNothing(t *testing.T) {
	treasury := payout.NewDevTreasury(auth.NewSigner())
	conn := treasuryConn{treasury}
	alice := auth.NewSigner()

	_, err := payForEntry(context.Background(), conn, alice, "e1", "0.11")
	require.NoError(t, err)

	msg, err := payForEntry(context.Background(), conn, alice, "e1", "5")
	require.ErrorIs(t, err, payout.ErrDepositRejected)
	require.Nil(t, msg)
	require.Equal(t, int64(11_000_000), treasury.Held())

	_, err = payForEntry(context.Background(), conn, alice, "e2", "lots")
	require.Error(t, err)
}

// acceptAll is a sink that accepts every entry.
type acceptAll struct{}

func (acceptAll) Enter(context.Context, core.EnterCommand) (*core.EntryReceipt, error) {
	return &core.EntryReceipt{}, nil
}

func (acceptAll) PerformUpkeep(context.Context, core.UpkeepCommand) (string, error) {
	return "", nil
}

func (acceptAll) FulfillRandomWords(context.Context, core.FulfillCommand) (*core.Settlement, error) {
	return nil, nil
}

func (acceptAll) WithdrawAccumulatedFees(context.Context, core.WithdrawCommand) (int64, error) {
	return 0, nil
}

func (acceptAll) CancelPendingRequest(context.Context, core.CancelCommand) (string, error) {
	return "", nil
}

func (acceptAll) ReconcileBalance(context.Context, core.ReconcileCommand) (int64, error) {
	return 0, nil
}
