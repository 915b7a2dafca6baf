// Package auth authenticates callers with Ed25519 Schnorr signatures. A
// caller's principal is its hex-encoded public key, so verifying a signature
// against the claimed principal is the whole authentication step.
package auth

import (
	"RaffleLedger/internal/state"
	"crypto/sha256"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
)

// Suite is the group every identity lives in.
var Suite = suites.MustFind("Ed25519")

var (
	ErrBadPrincipal = errors.New("malformed principal")
	ErrBadSignature = errors.New("signature verification failed")
)

// Signer holds a key pair and signs on behalf of its principal.
type Signer struct {
	pair      *key.Pair
	principal state.Principal
}

// NewSigner generates a fresh key pair.
func NewSigner() *Signer {
	s, err := newSigner(key.NewKeyPair(Suite))
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode generated key: %v", err))
	}
	return s
}

// SignerFromHex loads a signer from a hex-encoded private scalar.
func SignerFromHex(privateHex string) (*Signer, error) {
	priv, err := encoding.StringHexToScalar(Suite, privateHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return newSigner(&key.Pair{
		Public:  Suite.Point().Mul(priv, nil),
		Private: priv,
	})
}

func newSigner(pair *key.Pair) (*Signer, error) {
	pub, err := encoding.PointToStringHex(Suite, pair.Public)
	if err != nil {
		return nil, err
	}
	return &Signer{pair: pair, principal: state.Principal(pub)}, nil
}

// Principal returns the signer's identity.
func (s *Signer) Principal() state.Principal {
	return s.principal
}

// PrivateHex exports the private scalar, for writing dev keys to .env files.
func (s *Signer) PrivateHex() (string, error) {
	return encoding.ScalarToStringHex(Suite, s.pair.Private)
}

// Sign signs SHA-256(msg).
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return schnorr.Sign(Suite, s.pair.Private, digest[:])
}

// Verify checks that sig is principal's signature over SHA-256(msg).
func Verify(principal state.Principal, msg, sig []byte) error {
	pub, err := PublicKey(principal)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(msg)
	if err := schnorr.Verify(Suite, pub, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// PublicKey decodes a principal into its curve point.
func PublicKey(principal state.Principal) (kyber.Point, error) {
	pub, err := encoding.StringHexToPoint(Suite, string(principal))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPrincipal, err)
	}
	return pub, nil
}

// RequestMessage is the byte string an HTTP caller signs: "METHOD path\nbody".
func RequestMessage(method, path string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(body)+2)
	msg = append(msg, method...)
	msg = append(msg, ' ')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	return append(msg, body...)
}
