package srp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/danmuck/apisession/internal/apierr"
)

const secretLen = 32

var (
	ErrInvalidPassword = errors.New("srp: invalid password")
	ErrInvalidModulus  = fmt.Errorf("%w: invalid modulus", apierr.ErrCrypto)
	ErrUnsafeChallenge = fmt.Errorf("%w: server challenge failed safety checks", apierr.ErrCrypto)
)

var generator = big.NewInt(2)

type group struct {
	n *big.Int
	g *big.Int
	k *big.Int
}

func newGroup(modulus []byte) (group, error) {
	if len(modulus) != ByteLen {
		return group{}, fmt.Errorf("%w: %d bytes", ErrInvalidModulus, len(modulus))
	}
	n := fromLE(modulus)
	if n.BitLen() < 2040 || n.Bit(0) == 0 {
		return group{}, ErrInvalidModulus
	}
	return group{n: n, g: generator, k: hashInts(generator, n)}, nil
}

// Client holds one authentication attempt.
type Client struct {
	group
	password []byte
	a        *big.Int
	A        *big.Int

	proof         []byte
	expectedProof []byte
	sessionKey    []byte
	authenticated bool
}

// NewClient prepares a client for password against the little-endian modulus.
func NewClient(password string, modulus []byte) (*Client, error) {
	return newClient(password, modulus, rand.Reader)
}

func newClient(password string, modulus []byte, random io.Reader) (*Client, error) {
	if password == "" {
		return nil, ErrInvalidPassword
	}
	grp, err := newGroup(modulus)
	if err != nil {
		return nil, err
	}
	a, err := randomOfLength(random, secretLen)
	if err != nil {
		return nil, err
	}
	return &Client{
		group:    grp,
		password: []byte(password),
		a:        a,
		A:        new(big.Int).Exp(grp.g, a, grp.n),
	}, nil
}

// randomOfLength returns n random bytes as an integer with its top bit set.
func randomOfLength(random io.Reader, n int) (*big.Int, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(random, buf); err != nil {
		return nil, fmt.Errorf("srp: random: %w", err)
	}
	v := fromLE(buf)
	return v.SetBit(v, n*8-1, 1), nil
}

// Challenge returns the client ephemeral A.
func (c *Client) Challenge() []byte {
	return toLE(c.A, ByteLen)
}

// ProcessChallenge derives the client proof from the server salt and ephemeral B.
func (c *Client) ProcessChallenge(salt, serverChallenge []byte, version int) ([]byte, error) {
	B := fromLE(serverChallenge)
	if new(big.Int).Mod(B, c.n).Sign() == 0 {
		return nil, ErrUnsafeChallenge
	}
	u := hashInts(c.A, B)
	if u.Sign() == 0 {
		return nil, ErrUnsafeChallenge
	}

	hashed, err := HashPassword(c.password, salt, toLE(c.n, ByteLen), version)
	if err != nil {
		return nil, err
	}
	x := fromLE(hashed)
	v := new(big.Int).Exp(c.g, x, c.n)

	base := new(big.Int).Mul(c.k, v)
	base.Sub(B, base)
	base.Mod(base, c.n)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	S := new(big.Int).Exp(base, exp, c.n)

	c.sessionKey = toLE(S, ByteLen)
	c.proof = PMHash(toLE(c.A, ByteLen), toLE(B, ByteLen), c.sessionKey)
	c.expectedProof = PMHash(toLE(c.A, ByteLen), c.proof, c.sessionKey)
	return c.proof, nil
}

// VerifySession checks the server proof and marks the client authenticated.
func (c *Client) VerifySession(serverProof []byte) bool {
	if c.expectedProof == nil {
		return false
	}
	c.authenticated = subtle.ConstantTimeCompare(c.expectedProof, serverProof) == 1
	return c.authenticated
}

func (c *Client) Authenticated() bool {
	return c.authenticated
}

// SessionKey returns K once the server proof has been verified.
func (c *Client) SessionKey() []byte {
	if !c.authenticated {
		return nil
	}
	return c.sessionKey
}

// ComputeVerifier returns v = g^x for password and salt, as stored by the server.
func ComputeVerifier(password string, salt, modulus []byte, version int) ([]byte, error) {
	if password == "" {
		return nil, ErrInvalidPassword
	}
	grp, err := newGroup(modulus)
	if err != nil {
		return nil, err
	}
	hashed, err := HashPassword([]byte(password), salt, modulus, version)
	if err != nil {
		return nil, err
	}
	return toLE(new(big.Int).Exp(grp.g, fromLE(hashed), grp.n), ByteLen), nil
}
