package main

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/ledger"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/persistence"
	"RaffleLedger/internal/state"
	"bytes"
	"context"
	"fmt"
	"log"
	"time"
)

const replayPageSize = 1000

// snapshotStore is the part of persistence.SnapshotManager recovery uses.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
	MarkVerified(ctx context.Context, sequence int64) error
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// --- Conversions ---

// snapshotToData converts the core's snapshot into its persisted form.
func snapshotToData(snap *core.SnapshotState, createdAt time.Time) *persistence.SnapshotData {
	data := &persistence.SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        make(map[string]int64, len(snap.Balances)),
		Ranges:          make([]persistence.RangeSnap, 0, len(snap.Ranges)),
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance
	}

	if r := snap.Round; r != nil {
		data.Round = persistence.RoundSnap{
			ID:              r.ID,
			State:           int32(r.State),
			LastTimestamp:   r.LastTimestamp,
			LastWinner:      string(r.LastWinner),
			AccumulatedFees: r.AccumulatedFees,
		}
		if r.Pending != nil {
			data.Round.PendingRequestID = r.Pending.RequestID
			data.Round.PendingSince = r.Pending.RequestedAt
		}
	}

	for _, tr := range snap.Ranges {
		data.Ranges = append(data.Ranges, persistence.RangeSnap{
			Start: tr.Start,
			End:   tr.End,
			Owner: string(tr.Owner),
		})
	}

	return data
}

// dataToSnapshot is the inverse of snapshotToData.
func dataToSnapshot(data *persistence.SnapshotData) (*core.SnapshotState, error) {
	if len(data.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot at seq=%d has a %d-byte state hash", data.Sequence, len(data.StateHash))
	}

	snap := &core.SnapshotState{
		Sequence:        data.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(data.Balances)),
		Ranges:          make([]state.TicketRange, 0, len(data.Ranges)),
		IdempotencyKeys: data.IdempotencyKeys,
	}
	copy(snap.StateHash[:], data.StateHash)

	for path, balance := range data.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot at seq=%d: %w", data.Sequence, err)
		}
		snap.Balances[key] = balance
	}

	rs := data.Round
	snap.Round = &state.Round{
		ID:              rs.ID,
		State:           state.RoundState(rs.State),
		LastTimestamp:   rs.LastTimestamp,
		LastWinner:      state.Principal(rs.LastWinner),
		AccumulatedFees: rs.AccumulatedFees,
	}
	if rs.PendingRequestID != "" {
		snap.Round.Pending = &state.PendingRequest{
			RequestID:   rs.PendingRequestID,
			RequestedAt: rs.PendingSince,
		}
	}

	for _, r := range data.Ranges {
		snap.Ranges = append(snap.Ranges, state.TicketRange{
			Start: r.Start,
			End:   r.End,
			Owner: state.Principal(r.Owner),
		})
	}

	return snap, nil
}

// rowToEnvelope rebuilds the envelope of a persisted fact.
func rowToEnvelope(row persistence.EventRow) (*event.EventEnvelope, error) {
	eventType := event.ParseEventType(row.EventType)
	if eventType == event.EventTypeUnknown {
		return nil, fmt.Errorf("seq=%d: unknown event type %q", row.Sequence, row.EventType)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return nil, fmt.Errorf("seq=%d: malformed hashes", row.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      eventType,
		RoundID:        row.RoundID,
		Timestamp:      row.Timestamp,
		Payload:        row.Payload,
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

// --- Restore & Replay ---

// recoverCore restores the latest verified snapshot, if any, and replays the
// event log past it. It returns the number of facts replayed.
func recoverCore(ctx context.Context, store snapshotStore, raffleCore *core.RaffleCore) (int64, error) {
	fromSequence := int64(1)

	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		// A snapshot only shortens recovery; the log alone is enough.
		log.Printf("WARN: failed to load snapshot, replaying full log: %v", err)
		snap = nil
	}

	if snap != nil {
		coreSnap, err := dataToSnapshot(snap)
		if err == nil {
			err = raffleCore.RestoreFromSnapshot(coreSnap)
		}
		if err != nil {
			return 0, fmt.Errorf("restore snapshot at seq=%d: %w", snap.Sequence, err)
		}
		fromSequence = snap.Sequence + 1
		log.Printf("INFO: restored in-memory state from snapshot at sequence %d", snap.Sequence)
	} else {
		log.Println("INFO: no snapshot found, cold start from sequence 1")
	}

	return replayEventsFromLog(ctx, store, raffleCore, fromSequence)
}

// replayEventsFromLog replays facts starting at fromSequence, page by page.
// Any stored hash that does not match the recomputed one aborts recovery.
func replayEventsFromLog(ctx context.Context, store snapshotStore, raffleCore *core.RaffleCore, fromSequence int64) (int64, error) {
	var total int64

	for {
		rows, err := store.LoadEventsFrom(ctx, fromSequence, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, err := rowToEnvelope(row)
			if err != nil {
				return total, err
			}
			if err := raffleCore.Replay(env); err != nil {
				return total, fmt.Errorf("replay: %w", err)
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
		if total%10_000 == 0 {
			log.Printf("INFO: replay progress: %d facts (at sequence %d)", total, fromSequence-1)
		}
	}

	return total, nil
}

// --- Snapshots ---

// snapshotter saves snapshots and marks them verified once the fact at their
// sequence is in the event log with the same state hash.
type snapshotter struct {
	store      snapshotStore
	metrics    *observability.Metrics
	unverified []int64 // Saved, awaiting the persistence worker
	hashes     map[int64][]byte
}

func newSnapshotter(store snapshotStore, metrics *observability.Metrics) *snapshotter {
	return &snapshotter{
		store:   store,
		metrics: metrics,
		hashes:  make(map[int64][]byte),
	}
}

// take persists snap and attempts verification.
func (s *snapshotter) take(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()

	data := snapshotToData(snap, time.Now())
	size, err := s.store.SaveSnapshot(ctx, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}

	if _, pending := s.hashes[data.Sequence]; !pending {
		s.unverified = append(s.unverified, data.Sequence)
	}
	s.hashes[data.Sequence] = data.StateHash

	s.verifyPending(ctx)
	return nil
}

// verifyPending checks every unverified snapshot against the event log.
// Snapshots whose fact is not persisted yet stay pending.
func (s *snapshotter) verifyPending(ctx context.Context) {
	remaining := s.unverified[:0]

	for _, seq := range s.unverified {
		ok, err := s.verify(ctx, seq, s.hashes[seq])
		switch {
		case err != nil:
			log.Printf("ERROR: snapshot at seq=%d failed verification: %v", seq, err)
			delete(s.hashes, seq)
		case !ok:
			remaining = append(remaining, seq)
		default:
			log.Printf("INFO: snapshot at sequence %d verified", seq)
			delete(s.hashes, seq)
		}
	}

	s.unverified = remaining
}

func (s *snapshotter) verify(ctx context.Context, seq int64, hash []byte) (bool, error) {
	rows, err := s.store.LoadEventsFrom(ctx, seq, 1)
	if err != nil {
		return false, nil
	}
	if len(rows) == 0 || rows[0].Sequence != seq {
		return false, nil
	}
	if !bytes.Equal(rows[0].StateHash, hash) {
		return false, fmt.Errorf("logged hash %x, snapshot hash %x", rows[0].StateHash, hash)
	}
	if err := s.store.MarkVerified(ctx, seq); err != nil {
		return false, nil
	}
	return true, nil
}

// runPeriodicSnapshots takes a snapshot through the sequencer whenever at
// least interval facts have been committed since the last one.
func runPeriodicSnapshots(
	ctx context.Context,
	sequencer *core.Sequencer,
	snaps *snapshotter,
	startSequence int64,
	interval int64,
	check time.Duration,
) {
	if interval <= 0 {
		interval = 10_000
	}

	lastSnapshotSeq := startSequence
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snaps.verifyPending(ctx)

			view, err := sequencer.View(ctx)
			if err != nil {
				continue
			}
			if view.Sequence-lastSnapshotSeq < interval {
				continue
			}

			snap, err := sequencer.Snapshot(ctx)
			if err != nil {
				continue
			}
			if err := snaps.take(ctx, snap); err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			lastSnapshotSeq = snap.Sequence
			log.Printf("INFO: periodic snapshot at sequence %d", snap.Sequence)
		}
	}
}
