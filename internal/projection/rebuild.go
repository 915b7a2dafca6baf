package projection

import (
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"log"
)

const rebuildPageSize = 1000

// RebuildProjections rebuilds every projection table from the event log in
// one transaction. Balances are aggregated from the journal; rounds and
// entries are re-derived by decoding each fact.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.rounds`,
		`TRUNCATE projections.entries`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	reader := persistence.NewSnapshotManager(db)
	var from, last int64 = 1, 0
	for {
		rows, err := reader.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		for _, row := range rows {
			fact, err := event.Decode(row.EventType, row.Payload)
			if err != nil {
				return fmt.Errorf("decode seq=%d: %w", row.Sequence, err)
			}
			if err := applyFact(ctx, tx, row.Sequence, row.RoundID, fact); err != nil {
				return fmt.Errorf("replay seq=%d: %w", row.Sequence, err)
			}
			last = row.Sequence
		}
		if len(rows) < rebuildPageSize {
			break
		}
		from = last + 1
	}

	if last > 0 {
		if err := updateWatermark(ctx, tx, last); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete (last_sequence=%d)", last)
	return nil
}
