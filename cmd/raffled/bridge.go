package main

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/ingestion"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/persistence"
	"RaffleLedger/internal/projection"
)

// bridgeCoreOutputs converts core.CoreOutput to the persistence, projection
// and outbound formats. This keeps core free of imports on its consumers.
//
// It runs until both inputs are closed, then closes all three outputs so the
// workers drain and exit. Persistence sends block; projection and publish
// sends drop when full.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}

			persistOut <- toPersistence(output)

			for _, evt := range toPublishable(output) {
				select {
				case publishOut <- evt:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}

			select {
			case projectionOut <- toProjection(output):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
}

func toPersistence(output core.CoreOutput) persistence.CoreOutput {
	env := output.Envelope

	// [32]byte arrays become slices; copy so the row owns its bytes.
	stateHash := append([]byte(nil), env.StateHash[:]...)
	prevHash := append([]byte(nil), env.PrevHash[:]...)

	pOutput := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			RoundID:        env.RoundID,
			Payload:        env.Payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
			Timestamp:      env.Timestamp,
		},
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			pOutput.JournalRows = append(pOutput.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}

	return pOutput
}

func toProjection(output core.CoreOutput) projection.ProjectionOutput {
	pOutput := projection.ProjectionOutput{
		Sequence: output.Envelope.Sequence,
		RoundID:  output.Envelope.RoundID,
		Fact:     output.Fact,
	}

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			pOutput.JournalEntries = append(pOutput.JournalEntries, projection.JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
			})
		}
	}

	return pOutput
}

// toPublishable emits one outbound event per notification, in order.
func toPublishable(output core.CoreOutput) []ingestion.PublishableEvent {
	if len(output.Notifications) == 0 {
		return nil
	}

	env := output.Envelope
	events := make([]ingestion.PublishableEvent, 0, len(output.Notifications))
	for _, n := range output.Notifications {
		events = append(events, ingestion.PublishableEvent{
			Sequence:     env.Sequence,
			RoundID:      env.RoundID,
			Name:         n.Name(),
			Notification: n,
			StateHash:    append([]byte(nil), env.StateHash[:]...),
			Timestamp:    env.Timestamp,
		})
	}
	return events
}
