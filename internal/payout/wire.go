// Package payout moves funds in and out of the raffle treasury. Players pay
// the treasury directly and get a signed deposit receipt that an entry must
// carry. Transfers are NATS request/reply calls to the treasury, which also
// publishes signed balance reports the service reconciles against.
package payout

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/state"
	"errors"
	"fmt"
	"strconv"
)

const (
	SubjectTransfers = "raffle.treasury.transfers"
	SubjectBalances  = "raffle.treasury.balances"
	SubjectDeposits  = "raffle.treasury.deposits"

	StatusOK       = "ok"
	StatusRejected = "rejected"
)

var (
	// ErrReportSigner is returned for a balance report not signed by the treasury.
	ErrReportSigner = errors.New("balance report signer mismatch")
	// ErrReceiptSigner is returned for a deposit receipt not signed by the treasury.
	ErrReceiptSigner = errors.New("deposit receipt signer mismatch")
)

// TransferRequest is sent on SubjectTransfers.
type TransferRequest struct {
	TransferID string          `json:"transfer_id"` // Stable per memo and recipient; the treasury dedups on it
	To         state.Principal `json:"to"`
	Amount     int64           `json:"amount"`
	Memo       string          `json:"memo"`
}

// TransferReply is the treasury's answer.
type TransferReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// BalanceReport is the treasury's view of what it holds for the raffle.
type BalanceReport struct {
	ReportID  string          `json:"report_id"`
	Observed  int64           `json:"observed"`
	Signer    state.Principal `json:"signer"`
	Signature []byte          `json:"signature"`
}

func reportMessage(reportID string, observed int64) []byte {
	return []byte("balance-report\n" + reportID + "\n" + strconv.FormatInt(observed, 10))
}

// SignBalanceReport builds a report signed by the treasury key.
func SignBalanceReport(signer *auth.Signer, reportID string, observed int64) (*BalanceReport, error) {
	sig, err := signer.Sign(reportMessage(reportID, observed))
	if err != nil {
		return nil, fmt.Errorf("sign balance report: %w", err)
	}
	return &BalanceReport{
		ReportID:  reportID,
		Observed:  observed,
		Signer:    signer.Principal(),
		Signature: sig,
	}, nil
}

// Verify checks the report signature and that it came from treasury.
func (r *BalanceReport) Verify(treasury state.Principal) error {
	if r.Signer != treasury {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrReportSigner, r.Signer, treasury)
	}
	return auth.Verify(r.Signer, reportMessage(r.ReportID, r.Observed), r.Signature)
}

// DepositRequest is sent on SubjectDeposits to pay for one entry.
type DepositRequest struct {
	EntryID string          `json:"entry_id"`
	Player  state.Principal `json:"player"`
	Amount  int64           `json:"amount"`
}

// DepositReply carries the receipt for an accepted deposit.
type DepositReply struct {
	Status  string          `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	Receipt *DepositReceipt `json:"receipt,omitempty"`
}

// DepositReceipt is the treasury's statement that Amount arrived from Player
// to pay for EntryID.
type DepositReceipt struct {
	EntryID   string          `json:"entry_id"`
	Player    state.Principal `json:"player"`
	Amount    int64           `json:"amount"`
	Signer    state.Principal `json:"signer"`
	Signature []byte          `json:"signature"`
}

func receiptMessage(entryID string, player state.Principal, amount int64) []byte {
	return []byte("deposit\n" + entryID + "\n" + string(player) + "\n" + strconv.FormatInt(amount, 10))
}

// SignDepositReceipt builds a receipt signed by the treasury key.
func SignDepositReceipt(signer *auth.Signer, entryID string, player state.Principal, amount int64) (*DepositReceipt, error) {
	sig, err := signer.Sign(receiptMessage(entryID, player, amount))
	if err != nil {
		return nil, fmt.Errorf("sign deposit receipt: %w", err)
	}
	return &DepositReceipt{
		EntryID:   entryID,
		Player:    player,
		Amount:    amount,
		Signer:    signer.Principal(),
		Signature: sig,
	}, nil
}

// Verify checks the receipt signature and that it came from treasury.
func (r *DepositReceipt) Verify(treasury state.Principal) error {
	if r.Signer != treasury {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrReceiptSigner, r.Signer, treasury)
	}
	return auth.Verify(r.Signer, receiptMessage(r.EntryID, r.Player, r.Amount), r.Signature)
}
