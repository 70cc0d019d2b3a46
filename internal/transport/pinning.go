package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/apisession/internal/apierr"
)

// PinHash returns the base64 SHA-256 of the certificate's SubjectPublicKeyInfo.
func PinHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// TLSConfig returns a config that checks the leaf public key against pins, or
// performs standard chain validation when pins is empty.
func TLSConfig(pins []string, roots *x509.CertPool) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: roots}
	if len(pins) == 0 {
		return cfg
	}
	pins = slices.Clone(pins)
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("%w: no peer certificate", apierr.ErrPinningFailed)
		}
		leaf := cs.PeerCertificates[0]
		if !slices.Contains(pins, PinHash(leaf)) {
			return fmt.Errorf("%w: %s", apierr.ErrPinningFailed, base64.StdEncoding.EncodeToString(leaf.Raw))
		}
		return nil
	}
	return cfg
}

// IsPinningFailure reports whether err comes from a pin mismatch.
func IsPinningFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apierr.ErrPinningFailed) ||
		strings.Contains(err.Error(), "TLS pinning verification failed")
}
