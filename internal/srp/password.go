package srp

import (
	"encoding/base64"
	"fmt"

	"github.com/danmuck/apisession/internal/apierr"
	"golang.org/x/crypto/blowfish"
)

const (
	bcryptCost    = 10
	bcryptSaltLen = 16
	bcryptMaxKey  = 72
	bcryptHashLen = 23
)

var (
	bcryptEncoding = base64.NewEncoding("./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789").
			WithPadding(base64.NoPadding)
	bcryptMagic = []byte("OrpheanBeholderScryDoubt")
)

// SupportedVersion reports whether an account auth version can be used.
func SupportedVersion(version int) bool {
	return version == 3 || version == 4
}

// HashPassword derives the SRP private key material for password.
func HashPassword(password, salt, modulus []byte, version int) ([]byte, error) {
	if !SupportedVersion(version) {
		return nil, fmt.Errorf("%w (auth version %d)", apierr.ErrUnsupportedAuthVersion, version)
	}
	hashed, err := bcryptHash(password, salt)
	if err != nil {
		return nil, err
	}
	return PMHash(hashed, modulus), nil
}

// bcryptHash returns the $2y$10$ modular-crypt string for password with the
// salt extended by "proton" and cut to 16 bytes.
func bcryptHash(password, salt []byte) ([]byte, error) {
	rawSalt := append(append([]byte{}, salt...), "proton"...)
	if len(rawSalt) < bcryptSaltLen {
		return nil, fmt.Errorf("%w: salt too short (%d bytes)", apierr.ErrCrypto, len(salt))
	}
	rawSalt = rawSalt[:bcryptSaltLen]

	key := append(append([]byte{}, password...), 0)
	if len(key) > bcryptMaxKey {
		key = key[:bcryptMaxKey]
	}
	c, err := blowfish.NewSaltedCipher(key, rawSalt)
	if err != nil {
		return nil, fmt.Errorf("srp: bcrypt setup: %w", err)
	}
	for i := 0; i < 1<<bcryptCost; i++ {
		blowfish.ExpandKey(key, c)
		blowfish.ExpandKey(rawSalt, c)
	}

	data := append([]byte{}, bcryptMagic...)
	for i := 0; i < len(data); i += 8 {
		for j := 0; j < 64; j++ {
			c.Encrypt(data[i:i+8], data[i:i+8])
		}
	}

	out := []byte(fmt.Sprintf("$2y$%02d$", bcryptCost))
	out = append(out, bcryptEncoding.EncodeToString(rawSalt)...)
	out = append(out, bcryptEncoding.EncodeToString(data[:bcryptHashLen])...)
	return out, nil
}
