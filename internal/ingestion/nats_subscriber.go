package ingestion

import (
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Kind names what a subject carries.
type Kind string

const (
	KindEntry         Kind = "entry"
	KindFulfillment   Kind = "fulfillment"
	KindBalanceReport Kind = "balance_report"
)

const (
	SubjectEntriesPrefix = "raffle.entries."
	SubjectEventsPrefix  = "raffle.events."
)

// NATSSubscriber consumes the inbound JetStream subjects and hands each
// message to the router through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is an inbound message not yet parsed. Exactly one of AckFunc,
// NakFunc or TermFunc is called once the router is done with it.
type RawEvent struct {
	Kind      Kind
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or rejected for a reason redelivery will not fix
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // malformed or forged, never redeliver
}

// SubjectConfig maps a filter subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         Kind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the inbound subjects the service consumes.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectEntriesPrefix + ">", Kind: KindEntry, ConsumerName: "raffle-entries", StreamName: "RAFFLE_ENTRIES"},
		{Subject: oracle.SubjectFulfillmentsAll, Kind: KindFulfillment, ConsumerName: "raffle-fulfillments", StreamName: oracle.StreamName},
		{Subject: payout.SubjectBalances, Kind: KindBalanceReport, ConsumerName: "raffle-treasury-reports", StreamName: "RAFFLE_TREASURY"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Kind:      kind,
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the JetStream streams if they don't exist. The
// treasury transfer subject is request/reply and deliberately has no stream:
// a stream on it would answer requests with publish acks.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{Name: "RAFFLE_ENTRIES", Subjects: []string{SubjectEntriesPrefix + ">"}},
		{Name: oracle.StreamName, Subjects: []string{"raffle.oracle.>"}},
		{Name: "RAFFLE_TREASURY", Subjects: []string{payout.SubjectBalances}},
		{Name: "RAFFLE_EVENTS", Subjects: []string{SubjectEventsPrefix + ">"}},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		cfg.Duplicates = 2 * time.Minute

		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url, name string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
