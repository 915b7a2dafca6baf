package projection

import (
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// RoundStateSettled marks a round row whose winner was paid. The core only
// knows OPEN and CALCULATING; settled rounds exist only in the projection.
const RoundStateSettled = "SETTLED"

// ProjectionOutput is the projection's view of one committed fact.
// cmd/raffled bridges core.CoreOutput into this.
type ProjectionOutput struct {
	Sequence       int64
	RoundID        int64
	Fact           event.Event
	JournalEntries []JournalEntry
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
}

// execer is satisfied by *sql.Tx and *sql.DB.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ProjectionWorker updates projection tables from committed facts. It reads
// from the non-blocking projection channel, so it may miss outputs under load;
// RebuildProjections restores the tables from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence > pw.lastSeq+1 && pw.lastSeq > 0 {
				log.Printf("WARN: projection gap: last=%d got=%d, rebuild to backfill", pw.lastSeq, output.Sequence)
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent: a rebuild from the event log repairs this.
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
			}

			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence returns the last sequence the worker attempted.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOutput(ctx, tx, output); err != nil {
		return err
	}

	if err := updateWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Fact.EventType().String()).Observe(time.Since(start).Seconds())
	}
	return nil
}

// applyOutput writes one fact into every projection it touches.
func applyOutput(ctx context.Context, ex execer, output ProjectionOutput) error {
	for _, j := range output.JournalEntries {
		if err := updateBalanceProjection(ctx, ex, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := applyFact(ctx, ex, output.Sequence, output.RoundID, output.Fact); err != nil {
		return fmt.Errorf("%s projection: %w", output.Fact.EventType(), err)
	}
	return nil
}

func applyFact(ctx context.Context, ex execer, seq, roundID int64, fact event.Event) error {
	switch e := fact.(type) {
	case *event.RaffleInitialized:
		return openRound(ctx, ex, 1, e.StartedAt, seq)

	case *event.RaffleEntered:
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO projections.entries
				(entry_id, round_id, player, first_ticket, last_ticket, ticket_count, payment, refund, sequence, entered_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (entry_id) DO NOTHING
		`, e.EntryID, roundID, string(e.Player), e.FirstTicket, e.LastTicket(), e.TicketCount,
			e.Payment, e.Refund, seq, e.Timestamp); err != nil {
			return err
		}
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.rounds
			SET total_tickets = $2, total_players = total_players + 1, last_sequence = $3
			WHERE round_id = $1 AND last_sequence < $3
		`, roundID, e.LastTicket()+1, seq)
		return err

	case *event.UpkeepPerformed:
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.rounds
			SET state = 'CALCULATING', request_id = $2, last_sequence = $3
			WHERE round_id = $1
		`, roundID, e.RequestID, seq)
		return err

	case *event.RandomnessRequestCancelled:
		_, err := ex.ExecContext(ctx, `
			UPDATE projections.rounds
			SET state = 'OPEN', request_id = NULL, last_sequence = $2
			WHERE round_id = $1
		`, roundID, seq)
		return err

	case *event.RandomnessFulfilled:
		if _, err := ex.ExecContext(ctx, `
			UPDATE projections.rounds
			SET state = $2, winner = $3, winner_ticket = $4, prize_pool = $5, fees = $6,
			    total_tickets = $7, total_players = $8, request_id = $9, settled_at = $10, last_sequence = $11
			WHERE round_id = $1
		`, roundID, RoundStateSettled, string(e.Winner), e.WinnerTicket, e.PrizePool, e.Fees,
			e.TotalTickets, e.TotalPlayers, e.RequestID, e.Timestamp, seq); err != nil {
			return err
		}
		return openRound(ctx, ex, roundID+1, e.Timestamp, seq)

	case *event.FeesWithdrawn, *event.BalanceReconciled:
		return nil

	default:
		return fmt.Errorf("unhandled fact type %s", fact.EventType())
	}
}

func openRound(ctx context.Context, ex execer, roundID int64, startedAt time.Time, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.rounds (round_id, state, started_at, last_sequence)
		VALUES ($1, 'OPEN', $2, $3)
		ON CONFLICT (round_id) DO NOTHING
	`, roundID, startedAt, seq)
	return err
}

func updateBalanceProjection(ctx context.Context, ex execer, j JournalEntry, seq int64) error {
	// Debit increases the balance, credit decreases it.
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $4, last_sequence = $3, updated_at = NOW()
	`, j.CreditAccount, -j.Amount, seq, j.Amount); err != nil {
		return err
	}

	return nil
}

func updateWatermark(ctx context.Context, ex execer, seq int64) error {
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}
