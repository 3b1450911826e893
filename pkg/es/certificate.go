package es

import (
	"fmt"
	"io"
	"strings"

	"github.com/falk/nxcore/pkg/coreerr"
)

const (
	signedCertMin = 0x80 + 0x88 + 0x78   // smallest plausible signed cert: ECC sig block + cert body header + ECC480 pubkey block
	signedCertMax = 0x240 + 0x88 + 0x238 // largest plausible signed cert: RSA-4096 sig block + cert body header + RSA-4096 pubkey block
)

// PublicKeyType identifies a certificate's embedded public key format.
type PublicKeyType uint32

const (
	PublicKeyRsa4096 PublicKeyType = 0
	PublicKeyRsa2048 PublicKeyType = 1
	PublicKeyEcc480  PublicKeyType = 2
)

func (t PublicKeyType) size() (int, error) {
	switch t {
	case PublicKeyRsa4096:
		return 0x238, nil
	case PublicKeyRsa2048:
		return 0x138, nil
	case PublicKeyEcc480:
		return 0x78, nil
	default:
		return 0, fmt.Errorf("unknown public key type %#x", uint32(t))
	}
}

// Certificate is a parsed, signed ES certificate record (spec §4.D, §4
// Certificate entry).
type Certificate struct {
	SignatureType SignatureType
	Signature     []byte
	Issuer        string
	PublicKeyType PublicKeyType
	Name          string
	Modulus       []byte
	PublicExponent []byte
	Raw           []byte
}

// ParseCertificate parses a signed certificate record. raw must span
// exactly the certificate's bytes; size must fall within
// [SIGNED_CERT_MIN, SIGNED_CERT_MAX] (spec §4.D).
func ParseCertificate(raw []byte) (*Certificate, error) {
	if len(raw) < signedCertMin || len(raw) > signedCertMax {
		return nil, fmt.Errorf("certificate size %d out of range [%#x, %#x]", len(raw), signedCertMin, signedCertMax)
	}
	sig, err := ParseSignature(raw)
	if err != nil {
		return nil, coreerr.CorruptHeader(coreerr.WhichNca, "certificate signature: "+err.Error())
	}
	body := raw[sig.PayloadOffset:]
	if len(body) < 0x80 {
		return nil, fmt.Errorf("certificate body too short")
	}

	issuer := cString(body[0x00:0x40])
	keyType := PublicKeyType(beUint32(body[0x40:0x44]))
	name := cString(body[0x44:0x64])

	keySize, err := keyType.size()
	if err != nil {
		return nil, err
	}
	pubKeyBlock := body[0x88:]
	if len(pubKeyBlock) < keySize {
		return nil, fmt.Errorf("certificate public key block truncated")
	}

	c := &Certificate{
		SignatureType: sig.Type,
		Signature:     sig.Signature,
		Issuer:        issuer,
		PublicKeyType: keyType,
		Name:          name,
		Raw:           raw,
	}

	switch keyType {
	case PublicKeyRsa4096, PublicKeyRsa2048:
		modSize := 0x200
		if keyType == PublicKeyRsa2048 {
			modSize = 0x100
		}
		c.Modulus = append([]byte{}, pubKeyBlock[:modSize]...)
		c.PublicExponent = append([]byte{}, pubKeyBlock[modSize:modSize+4]...)
	}

	return c, nil
}

func cString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// CertificateStore opens named entries out of the ES certificate save
// (spec §4.D chain_for: "reads /certificate/<name> out of the ES
// certificate save"). pkg/save's SaveFile satisfies this interface.
type CertificateStore interface {
	Open(path string) (io.ReaderAt, int64, error)
}

// ChainFor splits issuer on "-", drops the leading "Root" component, and
// loads each remaining named certificate from store (spec §4.D).
func ChainFor(store CertificateStore, issuer string) ([]*Certificate, error) {
	parts := strings.Split(issuer, "-")
	if len(parts) == 0 || parts[0] != "Root" {
		return nil, fmt.Errorf("issuer %q does not start with Root-", issuer)
	}

	var chain []*Certificate
	for _, name := range parts[1:] {
		r, size, err := store.Open("/certificate/" + name)
		if err != nil {
			return nil, err
		}
		raw := make([]byte, size)
		if _, err := r.ReadAt(raw, 0); err != nil {
			return nil, coreerr.IO(err)
		}
		cert, err := ParseCertificate(raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
