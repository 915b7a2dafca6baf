package query

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/persistence"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	integrityPageSize = 1000
	maxReportedBreaks = 10
)

// QueryService provides read-only access to projection tables and the event
// log. List responses carry the projection watermark as AsOfSequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ClampLimit maps a requested page size into [1, MaxLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// ListRounds returns round history, newest first. beforeRound pages
// backwards when set.
func (qs *QueryService) ListRounds(ctx context.Context, limit int, beforeRound *int64) (*Page[RoundResponse], error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT round_id, state, started_at, total_tickets, total_players,
		       request_id, winner, winner_ticket, prize_pool, fees, settled_at
		FROM projections.rounds
	`
	args := []any{}
	if beforeRound != nil {
		query += " WHERE round_id < $1"
		args = append(args, *beforeRound)
	}
	query += fmt.Sprintf(" ORDER BY round_id DESC LIMIT $%d", len(args)+1)
	args = append(args, ClampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[RoundResponse]{Items: []RoundResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var r RoundResponse
		var requestID, winner sql.NullString
		var winnerTicket, prizePool, fees sql.NullInt64
		var settledAt sql.NullTime
		if err := rows.Scan(
			&r.RoundID, &r.State, &r.StartedAt, &r.TotalTickets, &r.TotalPlayers,
			&requestID, &winner, &winnerTicket, &prizePool, &fees, &settledAt,
		); err != nil {
			return nil, err
		}
		r.RequestID = nullString(requestID)
		r.Winner = nullString(winner)
		r.WinnerTicket = nullInt(winnerTicket)
		r.PrizePool = nullInt(prizePool)
		r.Fees = nullInt(fees)
		if settledAt.Valid {
			r.SettledAt = &settledAt.Time
		}
		page.Items = append(page.Items, r)
	}

	return page, rows.Err()
}

// GetPlayerEntries returns a player's entries across rounds, newest first.
func (qs *QueryService) GetPlayerEntries(
	ctx context.Context,
	player string,
	limit int,
	beforeSequence *int64,
) (*Page[EntryResponse], error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT entry_id, round_id, player, first_ticket, last_ticket, ticket_count,
		       payment, refund, sequence, entered_at
		FROM projections.entries
		WHERE player = $1
	`
	args := []any{player}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, ClampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[EntryResponse]{Items: []EntryResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var e EntryResponse
		if err := rows.Scan(
			&e.EntryID, &e.RoundID, &e.Player, &e.FirstTicket, &e.LastTicket, &e.TicketCount,
			&e.Payment, &e.Refund, &e.Sequence, &e.EnteredAt,
		); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, e)
	}

	return page, rows.Err()
}

// GetBalances returns every projected account balance.
func (qs *QueryService) GetBalances(ctx context.Context) (*Page[BalanceResponse], error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, balance, last_sequence
		FROM projections.balances
		ORDER BY account_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &Page[BalanceResponse]{Items: []BalanceResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.AccountPath, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, b)
	}
	return page, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{accountPath}
	if beforeSequence != nil {
		query += " AND sequence < $2"
		args = append(args, *beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, ClampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the whole event log checking that sequences are
// contiguous from 1 and every prev_hash equals the previous state_hash (the
// first links to the genesis hash). It also checks that no journal is
// malformed and that the balance projection sums to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	reader := persistence.NewSnapshotManager(qs.db)

	genesis := core.GenesisHash()
	prevHash := genesis[:]
	expected := int64(1)

	for {
		rows, err := reader.LoadEventsFrom(ctx, expected, integrityPageSize)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", expected, err)
		}

		for _, row := range rows {
			if row.Sequence != expected && len(report.SequenceGaps) < maxReportedBreaks {
				report.SequenceGaps = append(report.SequenceGaps, expected)
			}
			// After a gap the chain cannot link, so only report a break
			// when the sequence is contiguous.
			if row.Sequence == expected && !bytes.Equal(row.PrevHash, prevHash) &&
				len(report.HashChainBreaks) < maxReportedBreaks {
				report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
			}
			prevHash = row.StateHash
			expected = row.Sequence + 1
			report.EventsChecked++
			report.LastSequence = row.Sequence
		}

		if len(rows) < integrityPageSize {
			break
		}
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log.journal
		WHERE amount <= 0 OR debit_account = credit_account
	`).Scan(&report.MalformedJournals); err != nil {
		return nil, fmt.Errorf("journal check: %w", err)
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
	`).Scan(&report.ProjectionSum); err != nil {
		return nil, fmt.Errorf("projection sum: %w", err)
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		report.MalformedJournals == 0 &&
		report.ProjectionSum == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
