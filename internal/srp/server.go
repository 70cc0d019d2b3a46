package srp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/danmuck/apisession/internal/apierr"
)

var ErrBadClientProof = fmt.Errorf("%w: client proof mismatch", apierr.ErrCrypto)

// Server is the verifier side of one handshake.
type Server struct {
	group
	v *big.Int
	b *big.Int
	B *big.Int
}

// NewServer starts a handshake against a stored verifier.
func NewServer(modulus, verifier []byte) (*Server, error) {
	grp, err := newGroup(modulus)
	if err != nil {
		return nil, err
	}
	b, err := randomOfLength(rand.Reader, secretLen)
	if err != nil {
		return nil, err
	}
	v := fromLE(verifier)
	B := new(big.Int).Exp(grp.g, b, grp.n)
	B.Add(B, new(big.Int).Mul(grp.k, v))
	B.Mod(B, grp.n)
	return &Server{group: grp, v: v, b: b, B: B}, nil
}

// Challenge returns the server ephemeral B.
func (s *Server) Challenge() []byte {
	return toLE(s.B, ByteLen)
}

// VerifyProof checks the client proof and returns the server proof.
func (s *Server) VerifyProof(clientEphemeral, clientProof []byte) ([]byte, error) {
	A := fromLE(clientEphemeral)
	if new(big.Int).Mod(A, s.n).Sign() == 0 {
		return nil, ErrUnsafeChallenge
	}
	u := hashInts(A, s.B)
	S := new(big.Int).Exp(s.v, u, s.n)
	S.Mul(S, A)
	S.Exp(S, s.b, s.n)

	key := toLE(S, ByteLen)
	expected := PMHash(toLE(A, ByteLen), toLE(s.B, ByteLen), key)
	if subtle.ConstantTimeCompare(expected, clientProof) != 1 {
		return nil, ErrBadClientProof
	}
	return PMHash(toLE(A, ByteLen), expected, key), nil
}
