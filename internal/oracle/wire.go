// Package oracle is the service side of the randomness round trip: it
// publishes requests on JetStream and defines the signed fulfillment that
// comes back.
package oracle

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/state"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	SubjectRequests           = "raffle.oracle.requests"
	SubjectFulfillmentsPrefix = "raffle.oracle.fulfillments."
	SubjectFulfillmentsAll    = SubjectFulfillmentsPrefix + ">"
	StreamName                = "RAFFLE_ORACLE"
)

var ErrSignerMismatch = errors.New("fulfillment signer is not the configured oracle")

// RequestMessage is published on SubjectRequests.
type RequestMessage struct {
	RequestID string `json:"request_id"`
	core.RandomnessRequest
	RequestedAt time.Time `json:"requested_at"`
}

// Fulfillment is the oracle's signed answer, published on
// raffle.oracle.fulfillments.<request_id>.
type Fulfillment struct {
	RequestID   string          `json:"request_id"`
	RandomWords []uint64        `json:"random_words"`
	Signer      state.Principal `json:"signer"`
	Signature   []byte          `json:"signature"`
}

// FulfillmentSubject returns the subject a fulfillment for requestID is
// published on.
func FulfillmentSubject(requestID string) string {
	return SubjectFulfillmentsPrefix + requestID
}

// RequestIDFromSubject extracts the token from a fulfillment subject.
func RequestIDFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, SubjectFulfillmentsPrefix)
	return id, ok && id != "" && !strings.Contains(id, ".")
}

// CanonicalBytes is what the oracle signs: request_id || BE64(word)...
func CanonicalBytes(requestID string, words []uint64) []byte {
	out := make([]byte, 0, len(requestID)+8*len(words))
	out = append(out, requestID...)
	for _, w := range words {
		out = binary.BigEndian.AppendUint64(out, w)
	}
	return out
}

// SignFulfillment builds a fulfillment signed by signer.
func SignFulfillment(signer *auth.Signer, requestID string, words []uint64) (*Fulfillment, error) {
	sig, err := signer.Sign(CanonicalBytes(requestID, words))
	if err != nil {
		return nil, fmt.Errorf("sign fulfillment %s: %w", requestID, err)
	}
	return &Fulfillment{
		RequestID:   requestID,
		RandomWords: words,
		Signer:      signer.Principal(),
		Signature:   sig,
	}, nil
}

// Verify checks the signature and, when oracle is set, that the signer is the
// configured oracle. The core still compares the caller to its own oracle
// principal; this check only rejects forgeries before they reach it.
func (f *Fulfillment) Verify(oracle state.Principal) error {
	if !oracle.IsZero() && f.Signer != oracle {
		return ErrSignerMismatch
	}
	return auth.Verify(f.Signer, CanonicalBytes(f.RequestID, f.RandomWords), f.Signature)
}

// DeriveWords expands a seed into n words: word[i] = BE64(SHA-256(seed ||
// request_id || BE32(i))[:8]). The dev oracle uses it so a fixed seed gives a
// reproducible draw.
func DeriveWords(seed []byte, requestID string, n uint32) []uint64 {
	words := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		h := sha256.New()
		h.Write(seed)
		h.Write([]byte(requestID))
		h.Write(binary.BigEndian.AppendUint32(nil, i))
		words[i] = binary.BigEndian.Uint64(h.Sum(nil)[:8])
	}
	return words
}
