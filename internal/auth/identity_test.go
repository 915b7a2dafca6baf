package auth_test

import (
	"RaffleLedger/internal/auth"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	s := auth.NewSigner()
	msg := auth.RequestMessage("POST", "/v1/entries", []byte(`{"payment":"0.75"}`))

	sig, err := s.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, auth.Verify(s.Principal(), msg, sig))
}

func TestVerify_RejectsTamperedMessage(t *testing.T) {
	s := auth.NewSigner()
	sig, err := s.Sign([]byte("POST /v1/entries\n{}"))
	require.NoError(t, err)

	err = auth.Verify(s.Principal(), []byte("POST /v1/entries\n{ }"), sig)
	require.ErrorIs(t, err, auth.ErrBadSignature)
}

func TestVerify_RejectsOtherPrincipal(t *testing.T) {
	alice, mallory := auth.NewSigner(), auth.NewSigner()
	msg := []byte("POST /v1/fees/withdraw\n{}")

	sig, err := mallory.Sign(msg)
	require.NoError(t, err)
	require.ErrorIs(t, auth.Verify(alice.Principal(), msg, sig), auth.ErrBadSignature)
}

func TestVerify_MalformedPrincipal(t *testing.T) {
	require.ErrorIs(t, auth.Verify("not-hex", []byte("x"), []byte("y")), auth.ErrBadPrincipal)
}

func TestSignerFromHex_SamePrincipal(t *testing.T) {
	s := auth.NewSigner()
	priv, err := s.PrivateHex()
	require.NoError(t, err)

	loaded, err := auth.SignerFromHex(priv)
	require.NoError(t, err)
	require.Equal(t, s.Principal(), loaded.Principal())

	msg := []byte("hello")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, auth.Verify(s.Principal(), msg, sig))
}

func TestRequestMessage_Layout(t *testing.T) {
	require.Equal(t, "GET /v1/raffle\n", string(auth.RequestMessage("GET", "/v1/raffle", nil)))
}
