package state

// Principal identifies a caller: the hex-encoded Ed25519 public key that
// signed the request.
type Principal string

func (p Principal) String() string {
	return string(p)
}

// IsZero reports whether the principal is unset.
func (p Principal) IsZero() bool {
	return p == ""
}
