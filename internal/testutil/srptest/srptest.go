// Package srptest provides a signed SRP modulus and signing key for test doubles.
package srptest

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/danmuck/apisession/internal/srp"
)

// RFC 3526 group 14.
const modp2048 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Modulus returns a 2048-bit prime encoded little-endian.
func Modulus() []byte {
	n, _ := new(big.Int).SetString(modp2048, 16)
	be := n.FillBytes(make([]byte, srp.ByteLen))
	for i, j := 0, len(be)-1; i < j; i, j = i+1, j-1 {
		be[i], be[j] = be[j], be[i]
	}
	return be
}

// Signer clearsigns moduli with a throwaway key.
type Signer struct {
	entity      *openpgp.Entity
	ArmoredKey  string
	Fingerprint string
}

func NewSigner() (*Signer, error) {
	entity, err := openpgp.NewEntity("modulus", "", "modulus@srp.test", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		return nil, fmt.Errorf("srptest: new entity: %w", err)
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return nil, err
	}
	if err := entity.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &Signer{
		entity:      entity,
		ArmoredKey:  buf.String(),
		Fingerprint: hex.EncodeToString(entity.PrimaryKey.Fingerprint),
	}, nil
}

// Sign returns the clearsigned base64 encoding of modulus.
func (s *Signer) Sign(modulus []byte) (string, error) {
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, s.entity.PrivateKey, nil)
	if err != nil {
		return "", err
	}
	if _, err := w.Write([]byte(base64.StdEncoding.EncodeToString(modulus))); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Verifier trusts this signer.
func (s *Signer) Verifier() (*srp.ModulusVerifier, error) {
	return srp.NewModulusVerifier(s.ArmoredKey, s.Fingerprint)
}

// Tamper replaces the signed payload of a clearsigned modulus with another one.
func Tamper(signed string, original, replacement []byte) string {
	return strings.Replace(signed,
		base64.StdEncoding.EncodeToString(original),
		base64.StdEncoding.EncodeToString(replacement), 1)
}
