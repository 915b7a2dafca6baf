package payout

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/state"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var ErrTransferRejected = errors.New("treasury rejected transfer")

// transferNamespace derives transfer IDs from memos.
var transferNamespace = uuid.MustParse("9b0e4a52-3f1c-5d7e-8a6b-2c4d1e0f9a37")

// Requester is the subset of *nats.Conn used for request/reply.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSTransferer implements core.Transferer over NATS request/reply.
type NATSTransferer struct {
	nc      Requester
	timeout time.Duration
	logger  zerolog.Logger
}

var _ core.Transferer = (*NATSTransferer)(nil)

func NewNATSTransferer(nc Requester, timeout time.Duration) *NATSTransferer {
	return &NATSTransferer{
		nc:      nc,
		timeout: timeout,
		logger:  observability.NewLogger("payout"),
	}
}

// TransferID returns the idempotency key the treasury sees for a transfer
// of memo to recipient.
func TransferID(memo string, to state.Principal) string {
	return uuid.NewSHA1(transferNamespace, []byte(memo+"\n"+string(to))).String()
}

// Transfer asks the treasury to pay amount to to. A timeout, a transport
// error or any reply other than "ok" is a failure.
func (t *NATSTransferer) Transfer(ctx context.Context, to state.Principal, amount int64, memo string) error {
	req := TransferRequest{
		TransferID: TransferID(memo, to),
		To:         to,
		Amount:     amount,
		Memo:       memo,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal transfer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	msg, err := t.nc.RequestWithContext(ctx, SubjectTransfers, data)
	if err != nil {
		t.logger.Warn().Err(err).Str("memo", memo).Int64("amount", amount).Msg("transfer request failed")
		return fmt.Errorf("transfer %s: %w", memo, err)
	}

	var reply TransferReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("transfer %s: bad reply: %w", memo, err)
	}
	if reply.Status != StatusOK {
		t.logger.Warn().Str("memo", memo).Str("status", reply.Status).Str("reason", reply.Reason).Msg("transfer rejected")
		return fmt.Errorf("%w: %s (%s)", ErrTransferRejected, reply.Reason, memo)
	}

	t.logger.Info().
		Str("transfer_id", req.TransferID).
		Str("to", string(to)).
		Int64("amount", amount).
		Str("memo", memo).
		Dur("took", time.Since(start)).
		Msg("transfer completed")
	return nil
}
