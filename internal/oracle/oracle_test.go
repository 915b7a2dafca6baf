package oracle_test

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/oracle"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: oracle.StreamName, Sequence: uint64(len(p.msgs))}, nil
}

func TestCanonicalBytes_Layout(t *testing.T) {
	got := oracle.CanonicalBytes("ab", []uint64{1, 0x0102030405060708})
	want := []byte{'a', 'b', 0, 0, 0, 0, 0, 0, 0, 1, 1, 2, 3, 4, 5, 6, 7, 8}
	require.Equal(t, want, got)
}

func TestFulfillment_SignAndVerify(t *testing.T) {
	oracleKey := auth.NewSigner()
	f, err := oracle.SignFulfillment(oracleKey, "req-1", []uint64{13})
	require.NoError(t, err)

	require.NoError(t, f.Verify(oracleKey.Principal()))
	require.NoError(t, f.Verify(""))
}

func TestFulfillment_RejectsTamperedWords(t *testing.T) {
	oracleKey := auth.NewSigner()
	f, err := oracle.SignFulfillment(oracleKey, "req-1", []uint64{13})
	require.NoError(t, err)

	f.RandomWords = []uint64{14}
	require.ErrorIs(t, f.Verify(oracleKey.Principal()), auth.ErrBadSignature)
}

func TestFulfillment_RejectsForeignSigner(t *testing.T) {
	oracleKey, impostor := auth.NewSigner(), auth.NewSigner()
	f, err := oracle.SignFulfillment(impostor, "req-1", []uint64{13})
	require.NoError(t, err)

	require.ErrorIs(t, f.Verify(oracleKey.Principal()), oracle.ErrSignerMismatch)
}

func TestFulfillment_JSONRoundTripStillVerifies(t *testing.T) {
	oracleKey := auth.NewSigner()
	f, err := oracle.SignFulfillment(oracleKey, "req-9", []uint64{1, 2, 3})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var back oracle.Fulfillment
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Verify(oracleKey.Principal()))
}

func TestRequestIDFromSubject(t *testing.T) {
	id, ok := oracle.RequestIDFromSubject(oracle.FulfillmentSubject("abc"))
	require.True(t, ok)
	require.Equal(t, "abc", id)

	_, ok = oracle.RequestIDFromSubject("raffle.oracle.fulfillments.")
	require.False(t, ok)
	_, ok = oracle.RequestIDFromSubject("raffle.entries.abc")
	require.False(t, ok)
	_, ok = oracle.RequestIDFromSubject("raffle.oracle.fulfillments.a.b")
	require.False(t, ok)
}

func TestDeriveWords_DeterministicPerRequest(t *testing.T) {
	seed := []byte("seed")
	a := oracle.DeriveWords(seed, "req-1", 3)
	require.Len(t, a, 3)
	require.Equal(t, a, oracle.DeriveWords(seed, "req-1", 3))
	require.NotEqual(t, a, oracle.DeriveWords(seed, "req-2", 3))
	require.NotEqual(t, a[0], a[1])
}

func TestNATSCoordinator_PublishesRequestAndReturnsToken(t *testing.T) {
	pub := &fakePublisher{}
	c := oracle.NewNATSCoordinator(pub)

	req := core.RandomnessRequest{KeyHash: "0xabc", SubscriptionID: 7, Confirmations: 3, CallbackGasLimit: 500_000, NumWords: 1}
	token, err := c.RequestRandomWords(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.Len(t, pub.msgs, 1)
	require.Equal(t, oracle.SubjectRequests, pub.msgs[0].subject)

	var msg oracle.RequestMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &msg))
	require.Equal(t, token, msg.RequestID)
	require.Equal(t, req, msg.RandomnessRequest)
}

func TestNATSCoordinator_PublishFailure(t *testing.T) {
	boom := errors.New("no responders")
	c := oracle.NewNATSCoordinator(&fakePublisher{err: boom})

	_, err := c.RequestRandomWords(context.Background(), core.RandomnessRequest{NumWords: 1})
	require.ErrorIs(t, err, boom)
}

func TestResponder_AnswersWithVerifiableFulfillment(t *testing.T) {
	pub := &fakePublisher{}
	oracleKey := auth.NewSigner()
	r := oracle.NewResponder(pub, oracleKey, []byte("fixed"), 0)

	req, err := json.Marshal(oracle.RequestMessage{
		RequestID:         "req-42",
		RandomnessRequest: core.RandomnessRequest{NumWords: 2},
	})
	require.NoError(t, err)
	require.NoError(t, r.HandleRequest(context.Background(), req))

	require.Len(t, pub.msgs, 1)
	require.Equal(t, oracle.FulfillmentSubject("req-42"), pub.msgs[0].subject)

	var f oracle.Fulfillment
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &f))
	require.Equal(t, oracle.DeriveWords([]byte("fixed"), "req-42", 2), f.RandomWords)
	require.NoError(t, f.Verify(oracleKey.Principal()))
}

func TestResponder_RejectsMalformedRequest(t *testing.T) {
	r := oracle.NewResponder(&fakePublisher{}, auth.NewSigner(), nil, 0)
	require.Error(t, r.HandleRequest(context.Background(), []byte(`{"request_id":"x"}`)))
	require.Error(t, r.HandleRequest(context.Background(), []byte(`not json`)))
}
