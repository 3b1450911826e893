// Package es implements the ES (E-ticket Service) signature, certificate
// and ticket handling needed to recover title keys: signature-type
// identification, issuer-based certificate-chain assembly, and ticket
// retrieval/decryption including the volatile-ticket and
// tampered-common-ticket-repair paths (spec §4.D, §4.F). It is grounded on
// the teacher's NCA title-key unwrap helpers (falk-nsz-go's pkg/keys,
// which does AES-ECB/RSA-OAEP title-key decryption) generalized to the
// full ticket/certificate model.
package es

import "fmt"

// SignatureType identifies the algorithm+hash combination used by a signed
// ES blob (spec §4.D).
type SignatureType uint32

const (
	SignatureRsa4096Sha1   SignatureType = 0x10000
	SignatureRsa2048Sha1   SignatureType = 0x10001
	SignatureEcc480Sha1    SignatureType = 0x10002
	SignatureRsa4096Sha256 SignatureType = 0x10003
	SignatureRsa2048Sha256 SignatureType = 0x10004
	SignatureEcc480Sha256  SignatureType = 0x10005
	SignatureHmac160Sha1   SignatureType = 0x10006
)

// blockSize returns the fixed signature+padding block size for a type,
// i.e. the byte offset at which the signed payload begins.
func (t SignatureType) blockSize() (int, error) {
	switch t {
	case SignatureRsa4096Sha1, SignatureRsa4096Sha256:
		return 0x240, nil
	case SignatureRsa2048Sha1, SignatureRsa2048Sha256:
		return 0x140, nil
	case SignatureEcc480Sha1, SignatureEcc480Sha256:
		return 0x80, nil
	case SignatureHmac160Sha1:
		return 0x40, nil
	default:
		return 0, fmt.Errorf("unknown signature type %#x", uint32(t))
	}
}

// PayloadOffset returns the offset of the signed payload within a blob
// beginning with this signature type, counted from the start of the blob
// (the 4-byte type tag included).
func (t SignatureType) PayloadOffset() (int, error) {
	return t.blockSize()
}

// SignatureSize returns the raw signature length (excluding padding and
// the 4-byte type tag).
func (t SignatureType) SignatureSize() (int, error) {
	switch t {
	case SignatureRsa4096Sha1, SignatureRsa4096Sha256:
		return 0x200, nil
	case SignatureRsa2048Sha1, SignatureRsa2048Sha256:
		return 0x100, nil
	case SignatureEcc480Sha1, SignatureEcc480Sha256:
		return 0x3c, nil
	case SignatureHmac160Sha1:
		return 0x14, nil
	default:
		return 0, fmt.Errorf("unknown signature type %#x", uint32(t))
	}
}

// ParsedSignature is a signature block split into its raw signature bytes
// and the offset at which the signed payload begins within the full blob.
type ParsedSignature struct {
	Type          SignatureType
	Signature     []byte
	PayloadOffset int
}

// ParseSignature reads the 4-byte signature type tag at the start of blob
// and slices out the signature bytes, returning the offset at which the
// signed payload (the rest of the structure) begins.
func ParseSignature(blob []byte) (*ParsedSignature, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("blob too short for a signature type tag")
	}
	typ := SignatureType(beUint32(blob))
	blockSize, err := typ.blockSize()
	if err != nil {
		return nil, err
	}
	sigSize, err := typ.SignatureSize()
	if err != nil {
		return nil, err
	}
	if len(blob) < blockSize {
		return nil, fmt.Errorf("blob too short (%d bytes) for signature block size %#x", len(blob), blockSize)
	}
	sig := make([]byte, sigSize)
	copy(sig, blob[4:4+sigSize])
	return &ParsedSignature{Type: typ, Signature: sig, PayloadOffset: blockSize}, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
