package ingestion

import (
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream used for outbound events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes notifications of committed facts on
// raffle.events.<Name>. Publishing is best effort: subscribers that miss a
// notification can read the event log through the query API.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a notification ready for outbound publishing.
type PublishableEvent struct {
	Sequence     int64              `json:"sequence"`
	RoundID      int64              `json:"round_id"`
	Name         string             `json:"name"`
	Notification event.Notification `json:"payload"`
	StateHash    []byte             `json:"state_hash"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Subject returns the subject the event is published on.
func (e PublishableEvent) Subject() string {
	return SubjectEventsPrefix + e.Name
}

// MsgID deduplicates republished notifications within the stream window.
func (e PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%s", e.Sequence, e.Name)
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("name", evt.Name).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}
