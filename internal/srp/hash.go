package srp

import (
	"crypto/sha512"
	"math/big"
)

const (
	// ByteLen is the width of every encoded integer.
	ByteLen = 256
	// HashLen is the PMHash output size.
	HashLen = 4 * sha512.Size
)

// PMHash concatenates four SHA-512 digests of data suffixed with 0, 1, 2 and 3.
func PMHash(parts ...[]byte) []byte {
	out := make([]byte, 0, HashLen)
	for suffix := byte(0); suffix < 4; suffix++ {
		h := sha512.New()
		for _, p := range parts {
			h.Write(p)
		}
		h.Write([]byte{suffix})
		out = h.Sum(out)
	}
	return out
}

func fromLE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func toLE(n *big.Int, width int) []byte {
	be := n.FillBytes(make([]byte, width))
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	return be
}

func hashInts(ints ...*big.Int) *big.Int {
	parts := make([][]byte, len(ints))
	for i, n := range ints {
		parts[i] = toLE(n, ByteLen)
	}
	return fromLE(PMHash(parts...))
}
