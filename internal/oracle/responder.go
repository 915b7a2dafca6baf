package oracle

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"go.dedis.ch/kyber/v3/util/random"
)

// Responder is a development oracle. It answers every request on
// SubjectRequests with signed words, either from a fixed seed (reproducible
// draws) or from fresh randomness.
type Responder struct {
	js     Publisher
	signer *auth.Signer
	seed   []byte
	delay  time.Duration
	logger zerolog.Logger
	cc     jetstream.ConsumeContext
}

// NewResponder creates a responder. A nil seed draws fresh randomness per
// request.
func NewResponder(js Publisher, signer *auth.Signer, seed []byte, delay time.Duration) *Responder {
	return &Responder{
		js:     js,
		signer: signer,
		seed:   seed,
		delay:  delay,
		logger: observability.NewLogger("dev-oracle"),
	}
}

// HandleRequest answers one request message.
func (r *Responder) HandleRequest(ctx context.Context, data []byte) error {
	var req RequestMessage
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse randomness request: %w", err)
	}
	if req.RequestID == "" || req.NumWords == 0 {
		return fmt.Errorf("malformed randomness request %q (num_words=%d)", req.RequestID, req.NumWords)
	}

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	seed := r.seed
	if seed == nil {
		seed = random.Bits(256, false, random.New())
	}

	f, err := SignFulfillment(r.signer, req.RequestID, DeriveWords(seed, req.RequestID, req.NumWords))
	if err != nil {
		return err
	}

	out, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fulfillment: %w", err)
	}

	if _, err := r.js.Publish(ctx, FulfillmentSubject(req.RequestID), out,
		jetstream.WithMsgID("fulfill-"+req.RequestID)); err != nil {
		return fmt.Errorf("publish fulfillment: %w", err)
	}

	r.logger.Info().
		Str("request_id", req.RequestID).
		Uints64("random_words", f.RandomWords).
		Msg("fulfilled randomness request")
	return nil
}

// Start consumes SubjectRequests with a durable consumer until Stop.
func (r *Responder) Start(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       "dev-oracle",
		FilterSubject: SubjectRequests,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return fmt.Errorf("create dev-oracle consumer: %w", err)
	}

	r.cc, err = consumer.Consume(func(msg jetstream.Msg) {
		if err := r.HandleRequest(ctx, msg.Data()); err != nil {
			r.logger.Error().Err(err).Msg("randomness request not answered")
			msg.Nak()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume randomness requests: %w", err)
	}
	return nil
}

// Stop stops consuming.
func (r *Responder) Stop() {
	if r.cc != nil {
		r.cc.Stop()
	}
}
