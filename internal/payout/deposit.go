package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrDepositRejected = errors.New("treasury rejected deposit")

// RequestDeposit pays for an entry and returns the treasury's receipt.
func RequestDeposit(ctx context.Context, nc Requester, req DepositRequest) (*DepositReceipt, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal deposit: %w", err)
	}

	msg, err := nc.RequestWithContext(ctx, SubjectDeposits, data)
	if err != nil {
		return nil, fmt.Errorf("deposit %s: %w", req.EntryID, err)
	}

	var reply DepositReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("deposit %s: bad reply: %w", req.EntryID, err)
	}
	if reply.Status != StatusOK || reply.Receipt == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDepositRejected, reply.Reason, req.EntryID)
	}
	return reply.Receipt, nil
}
