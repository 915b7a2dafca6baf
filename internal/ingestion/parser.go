package ingestion

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/math"
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"RaffleLedger/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed message")

// Parser turns raw messages into core commands. Every inbound message is
// signed; the parser verifies signatures before anything reaches the core.
type Parser struct {
	Oracle   state.Principal // Expected fulfillment signer
	Treasury state.Principal // Expected balance report signer; empty rejects reports
}

// ParseRawEvent converts a RawEvent into a command for the core. The
// returned value is one of Entry, core.FulfillCommand or
// core.ReconcileCommand, stamped with the receive time.
func (p *Parser) ParseRawEvent(raw RawEvent) (any, error) {
	switch raw.Kind {
	case KindEntry:
		e, err := ParseEntry(raw.Data)
		e.Command.Timestamp = raw.Timestamp
		return e, err
	case KindFulfillment:
		cmd, err := p.ParseFulfillment(raw.Subject, raw.Data)
		cmd.Timestamp = raw.Timestamp
		return cmd, err
	case KindBalanceReport:
		cmd, err := p.ParseBalanceReport(raw.Data)
		cmd.Timestamp = raw.Timestamp
		return cmd, err
	default:
		return nil, fmt.Errorf("%w: unknown kind %q on %s", ErrMalformed, raw.Kind, raw.Subject)
	}
}

// --- JSON wire formats ---

// EntryMessage is published on raffle.entries.<entry_id>. Payment is a
// decimal string ("0.75") so producers never deal in fixed-point units.
// Receipt is the treasury's proof that the payment arrived.
type EntryMessage struct {
	EntryID   string                 `json:"entry_id"`
	Player    state.Principal        `json:"player"`
	Payment   string                 `json:"payment"`
	Receipt   *payout.DepositReceipt `json:"receipt"`
	Signature []byte                 `json:"signature"`
}

// Entry is a verified entry message.
type Entry struct {
	Command core.EnterCommand
	Receipt *payout.DepositReceipt
}

// EntryCanonical is what a player signs for an entry.
func EntryCanonical(entryID, payment string) []byte {
	return []byte("enter\n" + entryID + "\n" + payment)
}

// EntrySubject returns the subject an entry is published on.
func EntrySubject(entryID string) string {
	return SubjectEntriesPrefix + entryID
}

// SignEntry builds a signed entry message for signer.
func SignEntry(signer *auth.Signer, entryID, payment string, receipt *payout.DepositReceipt) (*EntryMessage, error) {
	sig, err := signer.Sign(EntryCanonical(entryID, payment))
	if err != nil {
		return nil, err
	}
	return &EntryMessage{
		EntryID:   entryID,
		Player:    signer.Principal(),
		Payment:   payment,
		Receipt:   receipt,
		Signature: sig,
	}, nil
}

// ParseEntry checks the player's signature. The receipt is verified by the
// gateway, which knows the treasury principal.
func ParseEntry(data []byte) (Entry, error) {
	var m EntryMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Entry{}, fmt.Errorf("%w: entry: %v", ErrMalformed, err)
	}
	if m.EntryID == "" || strings.Contains(m.EntryID, ".") {
		return Entry{}, fmt.Errorf("%w: entry_id %q", ErrMalformed, m.EntryID)
	}
	if m.Player.IsZero() {
		return Entry{}, fmt.Errorf("%w: entry %s has no player", ErrMalformed, m.EntryID)
	}

	payment, err := math.ParseDecimal(m.Payment, math.AmountConfig)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry %s payment: %v", ErrMalformed, m.EntryID, err)
	}
	if payment < 0 {
		return Entry{}, fmt.Errorf("%w: entry %s has negative payment", ErrMalformed, m.EntryID)
	}

	if err := auth.Verify(m.Player, EntryCanonical(m.EntryID, m.Payment), m.Signature); err != nil {
		return Entry{}, fmt.Errorf("entry %s: %w", m.EntryID, err)
	}

	return Entry{
		Command: core.EnterCommand{
			EntryID: m.EntryID,
			Player:  m.Player,
			Payment: payment,
		},
		Receipt: m.Receipt,
	}, nil
}

// ParseFulfillment verifies an oracle fulfillment. The request ID in the
// body must match the subject token it arrived on.
func (p *Parser) ParseFulfillment(subject string, data []byte) (core.FulfillCommand, error) {
	token, ok := oracle.RequestIDFromSubject(subject)
	if !ok {
		return core.FulfillCommand{}, fmt.Errorf("%w: fulfillment subject %q", ErrMalformed, subject)
	}

	var f oracle.Fulfillment
	if err := json.Unmarshal(data, &f); err != nil {
		return core.FulfillCommand{}, fmt.Errorf("%w: fulfillment: %v", ErrMalformed, err)
	}
	if f.RequestID != token {
		return core.FulfillCommand{}, fmt.Errorf("%w: fulfillment for %q arrived on %q", ErrMalformed, f.RequestID, subject)
	}

	if err := f.Verify(p.Oracle); err != nil {
		return core.FulfillCommand{}, fmt.Errorf("fulfillment %s: %w", f.RequestID, err)
	}

	return core.FulfillCommand{
		Caller:      f.Signer,
		RequestID:   f.RequestID,
		RandomWords: f.RandomWords,
	}, nil
}

func (p *Parser) ParseBalanceReport(data []byte) (core.ReconcileCommand, error) {
	if p.Treasury.IsZero() {
		return core.ReconcileCommand{}, fmt.Errorf("%w: no treasury principal configured", ErrMalformed)
	}

	var r payout.BalanceReport
	if err := json.Unmarshal(data, &r); err != nil {
		return core.ReconcileCommand{}, fmt.Errorf("%w: balance report: %v", ErrMalformed, err)
	}
	if r.ReportID == "" || r.Observed < 0 {
		return core.ReconcileCommand{}, fmt.Errorf("%w: balance report %q observed=%d", ErrMalformed, r.ReportID, r.Observed)
	}

	if err := r.Verify(p.Treasury); err != nil {
		return core.ReconcileCommand{}, fmt.Errorf("balance report %s: %w", r.ReportID, err)
	}

	return core.ReconcileCommand{
		ReconcileID: r.ReportID,
		Observed:    r.Observed,
	}, nil
}
