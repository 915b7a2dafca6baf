package ingestion_test

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/event"
	"RaffleLedger/internal/ingestion"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeSink records commands and returns a canned error.
type fakeSink struct {
	err     error
	entries []core.EnterCommand
	fulfils []core.FulfillCommand
	upkeeps []core.UpkeepCommand
}

func (f *fakeSink) Enter(_ context.Context, cmd core.EnterCommand) (*core.EntryReceipt, error) {
	f.entries = append(f.entries, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.EntryReceipt{RoundID: 1, TicketCount: 1}, nil
}

func (f *fakeSink) PerformUpkeep(_ context.Context, cmd core.UpkeepCommand) (string, error) {
	f.upkeeps = append(f.upkeeps, cmd)
	return "req-1", f.err
}

func (f *fakeSink) FulfillRandomWords(_ context.Context, cmd core.FulfillCommand) (*core.Settlement, error) {
	f.fulfils = append(f.fulfils, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Settlement{RoundID: 1}, nil
}

func (f *fakeSink) WithdrawAccumulatedFees(context.Context, core.WithdrawCommand) (int64, error) {
	return 0, f.err
}

func (f *fakeSink) CancelPendingRequest(context.Context, core.CancelCommand) (string, error) {
	return "", f.err
}

func (f *fakeSink) ReconcileBalance(context.Context, core.ReconcileCommand) (int64, error) {
	return 0, f.err
}

// settled records which settlement function the router called.
type settled struct{ got []string }

func (s *settled) attach(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { s.got = append(s.got, "ack") }
	raw.NakFunc = func() { s.got = append(s.got, "nak") }
	raw.TermFunc = func() { s.got = append(s.got, "term") }
	return raw
}

var treasury = auth.NewSigner()

// funded signs a receipt for one whole unit paid by player for entry id.
func funded(t *testing.T, id string, player *auth.Signer) *payout.DepositReceipt {
	t.Helper()
	r, err := payout.SignDepositReceipt(treasury, id, player.Principal(), 100_000_000)
	if err != nil {
		t.Fatalf("sign receipt: %v", err)
	}
	return r
}

func entryRaw(t *testing.T, id string) ingestion.RawEvent {
	t.Helper()
	player := auth.NewSigner()
	msg, err := ingestion.SignEntry(player, id, "1", funded(t, id, player))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return rawFromJSON(t, ingestion.KindEntry, ingestion.EntrySubject(id), msg)
}

func newGateway(sink *fakeSink) *ingestion.CommandGateway {
	return ingestion.NewCommandGateway(sink).WithTreasury(treasury.Principal())
}

func newRouter(sink *fakeSink, p *ingestion.Parser) (*ingestion.Router, *observability.Metrics) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	return ingestion.NewRouter(p, newGateway(sink), metrics), metrics
}

func TestRouter_AcksAcceptedEntry(t *testing.T) {
	sink := &fakeSink{}
	router, metrics := newRouter(sink, &ingestion.Parser{})
	s := &settled{}

	d := router.Handle(context.Background(), s.attach(entryRaw(t, "e-1")))

	if d != ingestion.DispositionAck {
		t.Fatalf("disposition: got %s, want ack", d)
	}
	if len(s.got) != 1 || s.got[0] != "ack" {
		t.Fatalf("settlement: got %v", s.got)
	}
	if len(sink.entries) != 1 || sink.entries[0].EntryID != "e-1" {
		t.Fatalf("sink entries: %+v", sink.entries)
	}
	if v := testutil.ToFloat64(metrics.IngestMessages.WithLabelValues("entry", "ack")); v != 1 {
		t.Errorf("ingest metric: got %v, want 1", v)
	}
}

func TestRouter_NaksTransientFailure(t *testing.T) {
	sink := &fakeSink{err: fmt.Errorf("%w: treasury timeout", core.ErrRefundTransferFailed)}
	router, _ := newRouter(sink, &ingestion.Parser{})
	s := &settled{}

	if d := router.Handle(context.Background(), s.attach(entryRaw(t, "e-1"))); d != ingestion.DispositionNak {
		t.Fatalf("disposition: got %s, want nak", d)
	}
	if s.got[0] != "nak" {
		t.Fatalf("settlement: got %v", s.got)
	}
}

func TestRouter_TermsUnfundedEntry(t *testing.T) {
	sink := &fakeSink{}
	router, _ := newRouter(sink, &ingestion.Parser{})
	player := auth.NewSigner()

	noReceipt, err := ingestion.SignEntry(player, "e-1", "1000.09", nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// A receipt for one unit cannot fund a larger payment.
	overstated, err := ingestion.SignEntry(player, "e-2", "1000.09", funded(t, "e-2", player))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged, err := payout.SignDepositReceipt(auth.NewSigner(), "e-3", player.Principal(), 100_000_000)
	if err != nil {
		t.Fatalf("sign receipt: %v", err)
	}
	selfSigned, err := ingestion.SignEntry(player, "e-3", "1", forged)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for _, msg := range []*ingestion.EntryMessage{noReceipt, overstated, selfSigned} {
		s := &settled{}
		raw := rawFromJSON(t, ingestion.KindEntry, ingestion.EntrySubject(msg.EntryID), msg)
		if d := router.Handle(context.Background(), s.attach(raw)); d != ingestion.DispositionTerm {
			t.Errorf("%s: disposition got %s, want term", msg.EntryID, d)
		}
	}
	if len(sink.entries) != 0 {
		t.Fatalf("unfunded entries reached the core: %+v", sink.entries)
	}
}

func TestRouter_SettlesPrizeFailureByCause(t *testing.T) {
	oracleSigner := auth.NewSigner()
	f, _ := oracle.SignFulfillment(oracleSigner, "req-1", []uint64{3})

	cases := []struct {
		name string
		err  error
		want ingestion.Disposition
	}{
		{"treasury rejected", fmt.Errorf("%w: %w", core.ErrPrizeTransferFailed, payout.ErrTransferRejected), ingestion.DispositionAck},
		{"no answer", fmt.Errorf("%w: %w", core.ErrPrizeTransferFailed, context.DeadlineExceeded), ingestion.DispositionNak},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &fakeSink{err: tc.err}
			router, _ := newRouter(sink, &ingestion.Parser{Oracle: oracleSigner.Principal()})
			s := &settled{}
			raw := rawFromJSON(t, ingestion.KindFulfillment, oracle.FulfillmentSubject("req-1"), f)

			if d := router.Handle(context.Background(), s.attach(raw)); d != tc.want {
				t.Fatalf("disposition: got %s, want %s", d, tc.want)
			}
			if len(s.got) != 1 || s.got[0] != string(tc.want) {
				t.Fatalf("settlement: got %v", s.got)
			}
		})
	}
}

func TestRouter_AcksBusinessRejection(t *testing.T) {
	sink := &fakeSink{err: core.ErrRoundNotOpen}
	router, _ := newRouter(sink, &ingestion.Parser{})
	s := &settled{}

	if d := router.Handle(context.Background(), s.attach(entryRaw(t, "e-1"))); d != ingestion.DispositionAck {
		t.Fatalf("disposition: got %s, want ack", d)
	}
}

func TestRouter_TermsForgedFulfillment(t *testing.T) {
	sink := &fakeSink{}
	router, _ := newRouter(sink, &ingestion.Parser{Oracle: auth.NewSigner().Principal()})
	s := &settled{}

	f, _ := oracle.SignFulfillment(auth.NewSigner(), "req-1", []uint64{3})
	raw := rawFromJSON(t, ingestion.KindFulfillment, oracle.FulfillmentSubject("req-1"), f)

	if d := router.Handle(context.Background(), s.attach(raw)); d != ingestion.DispositionTerm {
		t.Fatalf("disposition: got %s, want term", d)
	}
	if len(sink.fulfils) != 0 {
		t.Fatal("forged fulfillment reached the core")
	}
}

func TestRouter_RunStopsOnClose(t *testing.T) {
	sink := &fakeSink{}
	router, _ := newRouter(sink, &ingestion.Parser{})

	in := make(chan ingestion.RawEvent, 2)
	in <- entryRaw(t, "e-1")
	in <- entryRaw(t, "e-2")
	close(in)

	if err := router.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sink.entries))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ingestion.Disposition
	}{
		{nil, ingestion.DispositionAck},
		{core.ErrDuplicateCommand, ingestion.DispositionAck},
		{core.ErrUnknownRequest, ingestion.DispositionAck},
		{core.ErrInsufficientPayment, ingestion.DispositionAck},
		{core.ErrPrizeTransferFailed, ingestion.DispositionNak},
		{fmt.Errorf("%w: %w", core.ErrRefundTransferFailed, payout.ErrTransferRejected), ingestion.DispositionAck},
		{fmt.Errorf("%w: sequence 4: %w", core.ErrNotDurable, context.Canceled), ingestion.DispositionNak},
		{core.ErrSequencerStopped, ingestion.DispositionNak},
		{core.ErrNotInitialized, ingestion.DispositionNak},
		{context.DeadlineExceeded, ingestion.DispositionNak},
		{ingestion.ErrMalformed, ingestion.DispositionTerm},
		{auth.ErrBadSignature, ingestion.DispositionTerm},
		{core.ErrInvalidCommand, ingestion.DispositionTerm},
		{ingestion.ErrDepositUnverified, ingestion.DispositionTerm},
		{payout.ErrReceiptSigner, ingestion.DispositionTerm},
	}
	for _, tc := range cases {
		if got := ingestion.Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v): got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestGateway_StampsAndAssignsIDs(t *testing.T) {
	sink := &fakeSink{}
	fixed := time.Unix(1_700_000_100, 0)
	gw := newGateway(sink).WithClock(func() time.Time { return fixed })

	if _, err := gw.PerformUpkeep(context.Background(), ""); err != nil {
		t.Fatalf("upkeep: %v", err)
	}
	if sink.upkeeps[0].UpkeepID == "" {
		t.Error("expected a generated upkeep id")
	}
	if !sink.upkeeps[0].Timestamp.Equal(fixed) {
		t.Errorf("timestamp: got %v, want %v", sink.upkeeps[0].Timestamp, fixed)
	}

	player := auth.NewSigner()
	given := time.Unix(1_600_000_000, 0)
	cmd := core.EnterCommand{EntryID: "e-9", Player: player.Principal(), Payment: 100_000_000, Timestamp: given}
	if _, err := gw.Enter(context.Background(), cmd, funded(t, "e-9", player)); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !sink.entries[0].Timestamp.Equal(given) || sink.entries[0].EntryID != "e-9" {
		t.Errorf("caller-supplied fields overwritten: %+v", sink.entries[0])
	}
}

func TestGateway_EnterRequiresMatchingReceipt(t *testing.T) {
	player := auth.NewSigner()
	receipt := funded(t, "e-1", player)
	cmd := core.EnterCommand{EntryID: "e-1", Player: player.Principal(), Payment: 100_000_000}

	cases := []struct {
		name    string
		gw      *ingestion.CommandGateway
		cmd     core.EnterCommand
		receipt *payout.DepositReceipt
	}{
		{"no treasury", ingestion.NewCommandGateway(&fakeSink{}), cmd, receipt},
		{"no receipt", newGateway(&fakeSink{}), cmd, nil},
		{"other entry", newGateway(&fakeSink{}), core.EnterCommand{EntryID: "e-2", Player: cmd.Player, Payment: cmd.Payment}, receipt},
		{"other player", newGateway(&fakeSink{}), core.EnterCommand{EntryID: "e-1", Player: auth.NewSigner().Principal(), Payment: cmd.Payment}, receipt},
		{"larger payment", newGateway(&fakeSink{}), core.EnterCommand{EntryID: "e-1", Player: cmd.Player, Payment: 100_009_000_000}, receipt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.gw.Enter(context.Background(), tc.cmd, tc.receipt)
			if !errors.Is(err, ingestion.ErrDepositUnverified) {
				t.Fatalf("got %v, want ErrDepositUnverified", err)
			}
		})
	}
}

// fakeJS captures outbound publishes.
type fakeJS struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesByName(t *testing.T) {
	js := &fakeJS{}
	in := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewOutboundPublisher(js, in, observability.NewMetricsWith(prometheus.NewRegistry()))

	n := event.PickedWinner{Winner: "alice"}
	in <- ingestion.PublishableEvent{Sequence: 7, RoundID: 2, Name: n.Name(), Notification: n}
	close(in)

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(js.subjects) != 1 || js.subjects[0] != "raffle.events.PickedWinner" {
		t.Fatalf("subjects: %v", js.subjects)
	}

	var body struct {
		Sequence int64           `json:"sequence"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(js.bodies[0], &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Sequence != 7 || string(body.Payload) != `{"winner":"alice"}` {
		t.Errorf("unexpected body: %s", js.bodies[0])
	}
}

func TestOutboundPublisher_CountsDrops(t *testing.T) {
	js := &fakeJS{err: errors.New("no stream")}
	in := make(chan ingestion.PublishableEvent, 1)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(js, in, metrics)

	in <- ingestion.PublishableEvent{Sequence: 1, Name: "EnteredRaffle", Notification: event.EnteredRaffle{}}
	close(in)

	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := testutil.ToFloat64(metrics.PublishDrops); v != 1 {
		t.Errorf("publish drops: got %v, want 1", v)
	}
}
