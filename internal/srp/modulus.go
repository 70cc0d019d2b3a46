package srp

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/danmuck/apisession/internal/apierr"
)

const (
	ModulusKeyFingerprint = "248097092b458509c508dac0350585c4e9518f26"

	ModulusKey = `-----BEGIN PGP PUBLIC KEY BLOCK-----

xjMEXAHLgxYJKwYBBAHaRw8BAQdAFurWXXwjTemqjD7CXjXVyKf0of7n9Ctm
L8v9enkzggHNEnByb3RvbkBzcnAubW9kdWx1c8J3BBAWCgApBQJcAcuDBgsJ
BwgDAgkQNQWFxOlRjyYEFQgKAgMWAgECGQECGwMCHgEAAPGRAP9sauJsW12U
MnTQUZpsbJb53d0Wv55mZIIiJL2XulpWPQD/V6NglBd96lZKBmInSXX/kXat
Sv+y0io+LR8i2+jV+AbOOARcAcuDEgorBgEEAZdVAQUBAQdAeJHUz1c9+KfE
kSIgcBRE3WuXC4oj5a2/U3oASExGDW4DAQgHwmEEGBYIABMFAlwBy4MJEDUF
hcTpUY8mAhsMAAD/XQD8DxNI6E78meodQI+wLsrKLeHn32iLvUqJbVDhfWSU
WO4BAMcm1u02t4VKw++ttECPt+HUgPUq5pqQWe5Q2cW4TMsE
=Y4Mw
-----END PGP PUBLIC KEY BLOCK-----`
)

var ErrModulusSignature = fmt.Errorf("%w: invalid modulus signature", apierr.ErrCrypto)

// ModulusVerifier checks clearsigned moduli against one signing key.
type ModulusVerifier struct {
	keyring     openpgp.EntityList
	fingerprint string
}

// NewModulusVerifier parses an armored public key trusted for fingerprint.
func NewModulusVerifier(armoredKey, fingerprint string) (*ModulusVerifier, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("srp: read modulus key: %w", err)
	}
	return &ModulusVerifier{keyring: keyring, fingerprint: strings.ToLower(fingerprint)}, nil
}

// DefaultModulusVerifier trusts the built-in modulus signing key.
func DefaultModulusVerifier() (*ModulusVerifier, error) {
	return NewModulusVerifier(ModulusKey, ModulusKeyFingerprint)
}

// Verify checks the signature and signer fingerprint, then decodes the modulus.
func (m *ModulusVerifier) Verify(signed string) ([]byte, error) {
	block, _ := clearsign.Decode([]byte(signed))
	if block == nil || block.ArmoredSignature == nil {
		return nil, fmt.Errorf("%w: not a clearsigned message", ErrModulusSignature)
	}
	signer, err := openpgp.CheckDetachedSignature(m.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModulusSignature, err)
	}
	if got := hex.EncodeToString(signer.PrimaryKey.Fingerprint); got != m.fingerprint {
		return nil, fmt.Errorf("%w: unexpected signer %s", ErrModulusSignature, got)
	}
	modulus, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(block.Plaintext)))
	if err != nil {
		return nil, fmt.Errorf("%w: modulus payload: %w", apierr.ErrCrypto, err)
	}
	return modulus, nil
}
