package oracle

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream used to send messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSCoordinator implements core.RandomnessCoordinator over JetStream. The
// returned token is a fresh UUID; the oracle echoes it as request_id and as
// the last subject token of its fulfillment.
type NATSCoordinator struct {
	js     Publisher
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

var _ core.RandomnessCoordinator = (*NATSCoordinator)(nil)

func NewNATSCoordinator(js Publisher) *NATSCoordinator {
	return &NATSCoordinator{
		js:     js,
		logger: observability.NewLogger("oracle"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// RequestRandomWords publishes the request and waits for the stream ack. The
// request ID doubles as the JetStream message ID, so a retried publish is
// deduplicated by the server.
func (c *NATSCoordinator) RequestRandomWords(ctx context.Context, req core.RandomnessRequest) (string, error) {
	msg := RequestMessage{
		RequestID:         c.newID(),
		RandomnessRequest: req,
		RequestedAt:       c.now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal randomness request: %w", err)
	}

	ack, err := c.js.Publish(ctx, SubjectRequests, data, jetstream.WithMsgID(msg.RequestID))
	if err != nil {
		return "", fmt.Errorf("publish randomness request: %w", err)
	}

	c.logger.Info().
		Str("request_id", msg.RequestID).
		Str("key_hash", req.KeyHash).
		Uint64("subscription_id", req.SubscriptionID).
		Uint64("stream_seq", ack.Sequence).
		Msg("randomness requested")

	return msg.RequestID, nil
}
