package ingestion

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Disposition is what happens to an inbound message after dispatch.
type Disposition string

const (
	DispositionAck  Disposition = "ack"
	DispositionNak  Disposition = "nak"
	DispositionTerm Disposition = "term"
)

// Classify maps a parse or dispatch error to a disposition. Malformed,
// forged or unfunded messages are terminated. A transfer the treasury
// answered with a rejection is acknowledged: payouts are never retried
// automatically, and the round stays CALCULATING until an operator
// cancels the request. A transfer that got no answer is redelivered,
// since the treasury deduplicates on the transfer ID and a repeat only
// learns the outcome. A stopped or not yet initialized core is
// redelivered too. Everything else is a business rejection that
// redelivery cannot change, so it is acknowledged.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrDepositUnverified),
		errors.Is(err, auth.ErrBadPrincipal),
		errors.Is(err, auth.ErrBadSignature),
		errors.Is(err, oracle.ErrSignerMismatch),
		errors.Is(err, payout.ErrReportSigner),
		errors.Is(err, payout.ErrReceiptSigner),
		errors.Is(err, core.ErrInvalidCommand):
		return DispositionTerm
	case errors.Is(err, payout.ErrTransferRejected):
		return DispositionAck
	case errors.Is(err, core.ErrRefundTransferFailed),
		errors.Is(err, core.ErrPrizeTransferFailed),
		errors.Is(err, core.ErrRandomnessRequestFailed),
		errors.Is(err, core.ErrSequencerStopped),
		errors.Is(err, core.ErrNotInitialized),
		errors.Is(err, core.ErrNotDurable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return DispositionNak
	default:
		return DispositionAck
	}
}

// Router parses inbound messages and dispatches them through the gateway.
type Router struct {
	parser  *Parser
	gateway *CommandGateway
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRouter(parser *Parser, gateway *CommandGateway, metrics *observability.Metrics) *Router {
	return &Router{
		parser:  parser,
		gateway: gateway,
		metrics: metrics,
		logger:  observability.NewLogger("router"),
	}
}

// Run handles messages until ctx is cancelled or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it with the broker.
func (r *Router) Handle(ctx context.Context, raw RawEvent) Disposition {
	err := r.dispatch(ctx, raw)
	d := Classify(err)

	if r.metrics != nil {
		r.metrics.IngestMessages.WithLabelValues(string(raw.Kind), string(d)).Inc()
	}

	switch d {
	case DispositionAck:
		if err != nil {
			r.logger.Info().Err(err).Str("subject", raw.Subject).Msg("message rejected")
		}
		settle(raw.AckFunc)
	case DispositionNak:
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("message will be redelivered")
		settle(raw.NakFunc)
	case DispositionTerm:
		r.logger.Error().Err(err).Str("subject", raw.Subject).Msg("message terminated")
		settle(raw.TermFunc)
	}
	return d
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}

func (r *Router) dispatch(ctx context.Context, raw RawEvent) error {
	parsed, err := r.parser.ParseRawEvent(raw)
	if err != nil {
		return err
	}

	switch cmd := parsed.(type) {
	case Entry:
		receipt, err := r.gateway.Enter(ctx, cmd.Command, cmd.Receipt)
		if err != nil {
			return err
		}
		r.logger.Debug().
			Str("entry_id", cmd.Command.EntryID).
			Int64("round", receipt.RoundID).
			Int64("tickets", receipt.TicketCount).
			Int64("refund", receipt.Refund).
			Msg("entry accepted")
		return nil
	case core.FulfillCommand:
		s, err := r.gateway.Fulfill(ctx, cmd)
		if err != nil {
			return err
		}
		r.logger.Info().
			Int64("round", s.RoundID).
			Str("winner", string(s.Winner)).
			Int64("winner_ticket", s.WinnerTicket).
			Int64("prize", s.PrizePool).
			Msg("round settled")
		return nil
	case core.ReconcileCommand:
		delta, err := r.gateway.Reconcile(ctx, cmd)
		if err != nil {
			return err
		}
		if delta != 0 {
			r.logger.Warn().Str("report_id", cmd.ReconcileID).Int64("delta", delta).Msg("treasury balance reconciled")
		}
		return nil
	default:
		return fmt.Errorf("%w: no handler for %T", ErrMalformed, parsed)
	}
}
