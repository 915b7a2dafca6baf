package payout

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DevTreasury is an in-memory treasury for local runs. It answers transfer
// requests while its held balance covers them, dedups completed transfers on
// transfer ID, and signs balance reports.
type DevTreasury struct {
	mu       sync.Mutex
	held     int64
	paid     map[state.Principal]int64
	seen     map[string]TransferRequest // Completed transfers only
	deposits map[string]*DepositReceipt // By entry ID
	failNext int
	signer   *auth.Signer
	logger   zerolog.Logger
	subs     []*nats.Subscription
}

func NewDevTreasury(signer *auth.Signer) *DevTreasury {
	return &DevTreasury{
		paid:     make(map[state.Principal]int64),
		seen:     make(map[string]TransferRequest),
		deposits: make(map[string]*DepositReceipt),
		signer:   signer,
		logger:   observability.NewLogger("dev-treasury"),
	}
}

// Deposit adds funds that are not tied to an entry, such as the opening float.
func (d *DevTreasury) Deposit(amount int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held += amount
}

// FailNext makes the next n new transfers fail, for exercising failure paths.
func (d *DevTreasury) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// Held returns the current held balance.
func (d *DevTreasury) Held() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

// Paid returns the total paid to p.
func (d *DevTreasury) Paid(p state.Principal) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paid[p]
}

// HandleTransfer processes one encoded TransferRequest and returns the
// encoded reply. A completed transfer ID is answered "ok" again without
// paying twice; a rejected one is evaluated afresh on retry.
func (d *DevTreasury) HandleTransfer(data []byte) []byte {
	reply := d.handle(data)
	out, _ := json.Marshal(reply)
	return out
}

func (d *DevTreasury) handle(data []byte) TransferReply {
	var req TransferRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return TransferReply{Status: StatusRejected, Reason: "malformed request"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.seen[req.TransferID]; ok {
		if prev.To != req.To || prev.Amount != req.Amount {
			return TransferReply{Status: StatusRejected, Reason: "transfer id reused for a different transfer"}
		}
		return TransferReply{Status: StatusOK}
	}

	var reply TransferReply
	switch {
	case req.Amount <= 0 || req.To.IsZero():
		reply = TransferReply{Status: StatusRejected, Reason: "invalid transfer"}
	case d.failNext > 0:
		d.failNext--
		reply = TransferReply{Status: StatusRejected, Reason: "injected failure"}
	case req.Amount > d.held:
		reply = TransferReply{Status: StatusRejected, Reason: fmt.Sprintf("insufficient funds: held=%d", d.held)}
	default:
		d.held -= req.Amount
		d.paid[req.To] += req.Amount
		d.seen[req.TransferID] = req
		reply = TransferReply{Status: StatusOK}
	}

	d.logger.Info().
		Str("transfer_id", req.TransferID).
		Str("to", string(req.To)).
		Int64("amount", req.Amount).
		Str("memo", req.Memo).
		Str("status", reply.Status).
		Msg("transfer handled")
	return reply
}

// HandleDeposit processes one encoded DepositRequest: the funds are credited
// and a signed receipt is returned. A repeated request for the same entry
// gets the original receipt without crediting twice.
func (d *DevTreasury) HandleDeposit(data []byte) []byte {
	reply := d.deposit(data)
	out, _ := json.Marshal(reply)
	return out
}

func (d *DevTreasury) deposit(data []byte) DepositReply {
	var req DepositRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return DepositReply{Status: StatusRejected, Reason: "malformed request"}
	}
	if req.EntryID == "" || req.Player.IsZero() || req.Amount <= 0 {
		return DepositReply{Status: StatusRejected, Reason: "invalid deposit"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.deposits[req.EntryID]; ok {
		if prev.Player != req.Player || prev.Amount != req.Amount {
			return DepositReply{Status: StatusRejected, Reason: "entry already paid with a different deposit"}
		}
		return DepositReply{Status: StatusOK, Receipt: prev}
	}

	receipt, err := SignDepositReceipt(d.signer, req.EntryID, req.Player, req.Amount)
	if err != nil {
		return DepositReply{Status: StatusRejected, Reason: err.Error()}
	}
	d.held += req.Amount
	d.deposits[req.EntryID] = receipt

	d.logger.Info().
		Str("entry_id", req.EntryID).
		Str("player", string(req.Player)).
		Int64("amount", req.Amount).
		Msg("deposit received")
	return DepositReply{Status: StatusOK, Receipt: receipt}
}

// Report signs the current held balance.
func (d *DevTreasury) Report() (*BalanceReport, error) {
	return SignBalanceReport(d.signer, uuid.NewString(), d.Held())
}

// Publisher is the subset of jetstream.JetStream used to publish reports.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishReport publishes a signed report on SubjectBalances. The report ID
// is the message ID, so a retried publish is deduplicated by the stream.
func PublishReport(ctx context.Context, js Publisher, report *BalanceReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal balance report: %w", err)
	}
	if _, err := js.Publish(ctx, SubjectBalances, data, jetstream.WithMsgID(report.ReportID)); err != nil {
		return fmt.Errorf("publish balance report %s: %w", report.ReportID, err)
	}
	return nil
}

// Start answers transfer and deposit requests on nc until Stop.
func (d *DevTreasury) Start(nc *nats.Conn) error {
	handlers := map[string]func([]byte) []byte{
		SubjectTransfers: d.HandleTransfer,
		SubjectDeposits:  d.HandleDeposit,
	}
	for subject, handle := range handlers {
		handle := handle
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			if err := msg.Respond(handle(msg.Data)); err != nil {
				d.logger.Error().Err(err).Str("subject", msg.Subject).Msg("reply to treasury request")
			}
		})
		if err != nil {
			d.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		d.subs = append(d.subs, sub)
	}
	return nil
}

// Stop unsubscribes.
func (d *DevTreasury) Stop() {
	for _, sub := range d.subs {
		sub.Unsubscribe()
	}
	d.subs = nil
}
