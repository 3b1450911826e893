// Package nca parses and decrypts NCA (Nintendo Content Archive) containers:
// the AES-XTS-encrypted header and its four FS-section headers (§4.H), the
// layered FS-section storage composition (§4.I), and the shared
// bucket-tree-backed optional layers every section may carry. It is
// grounded on the teacher's from-scratch NCA header reader (falk-nsz-go's
// pkg/fs/nca_header.go, which XTS-decrypts a single NCA3 header and slices
// its fields by hand) generalized to the NCA2/NCA0 header variants and
// title-key-based rights-id crypto the teacher's NSZ-export path never
// needed.
package nca

import (
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/keys"
)

const (
	HeaderSize     = 0xC00
	FullHeaderSize = 0x4000 // on-disk header padding; only HeaderSize is meaningful
	MediaUnitSize  = 0x200
	sectorSize     = 0x200
)

// Variant identifies which header generation an NCA carries (spec §4.A
// NcaHeader: "magic ∈ {NCA3, NCA2, NCA0}").
type Variant int

const (
	VariantNca3 Variant = iota
	VariantNca2
	VariantNca0
)

func (v Variant) String() string {
	switch v {
	case VariantNca3:
		return "NCA3"
	case VariantNca2:
		return "NCA2"
	case VariantNca0:
		return "NCA0"
	default:
		return "Unknown"
	}
}

// ContentType identifies what an NCA's body represents.
type ContentType byte

const (
	ContentProgram ContentType = iota
	ContentMeta
	ContentControl
	ContentManual
	ContentData
	ContentPublicData
)

// FsEntry is one of the four section extent records (spec §4.A FsEntry).
type FsEntry struct {
	StartSector uint32 // in MediaUnitSize (0x200) units
	EndSector   uint32
}

func (e FsEntry) enabled() bool { return e.EndSector > e.StartSector }

// Offset and Size return the section's absolute byte extent within the NCA.
func (e FsEntry) Offset() int64 { return int64(e.StartSector) * MediaUnitSize }
func (e FsEntry) Size() int64   { return int64(e.EndSector-e.StartSector) * MediaUnitSize }

// Header is a parsed, decrypted NCA header (spec §4.A NcaHeader).
type Header struct {
	Variant        Variant
	DistType       byte
	ContentType    ContentType
	KeyGeneration  byte // old-style key generation byte
	KeyGeneration2 byte // new-style key generation byte, added 3.0.0
	KeyAreaIndex   byte
	ContentSize    uint64
	ProgramID      uint64
	ContentIndex   uint32
	RightsID       [0x10]byte
	FsEntries      [4]FsEntry
	FsHeaderHashes [4][32]byte
	EncryptedKeys  [4][0x10]byte
	FsHeadersRaw   [4][0x200]byte
}

// EffectiveKeyGeneration returns max(KeyGeneration, KeyGeneration2) clamped
// to a zero-based index (spec §4.A: "effective key gen = max, clamped").
func (h *Header) EffectiveKeyGeneration() int {
	gen := int(h.KeyGeneration)
	if int(h.KeyGeneration2) > gen {
		gen = int(h.KeyGeneration2)
	}
	gen--
	if gen < 0 {
		gen = 0
	}
	return gen
}

// HasRightsID reports whether this NCA uses titlekey crypto rather than
// key-area crypto (spec §4.A: "rights id zero => key-area crypto, nonzero =>
// titlekey crypto").
func (h *Header) HasRightsID() bool {
	for _, b := range h.RightsID {
		if b != 0 {
			return true
		}
	}
	return false
}

// ParseHeader reads, XTS-decrypts and parses an NCA header from r using the
// console header key (spec §4.A, §6 "NCA header AES-XTS tweak behavior ...
// must exactly match retail decryption").
func ParseHeader(r io.ReaderAt, keySet *keys.KeySet) (*Header, error) {
	raw := make([]byte, HeaderSize)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return nil, coreerr.IO(err)
	}

	headerKey, err := keySet.HeaderKey()
	if err != nil {
		return nil, err
	}

	variant, err := detectVariant(raw, headerKey)
	if err != nil {
		return nil, err
	}

	decrypted, err := decryptHeader(raw, headerKey, variant)
	if err != nil {
		return nil, err
	}

	return parseDecryptedHeader(decrypted, variant)
}

// detectVariant XTS-decrypts just the main 0x200-byte header block to read
// the magic, without committing to the per-variant FS-header decryption
// scheme yet. NCA3/NCA0 treat the whole header as one contiguous run from
// sector 0, so the main block (at byte offset 0x200) falls on sector 1;
// NCA2 decrypts the main block as its own independent run starting at
// sector 0. Both hypotheses are tried since the variant isn't known yet.
func detectVariant(raw, headerKey []byte) (Variant, error) {
	contiguous, err := crypto.XTSDecrypt(raw[0x200:0x400], headerKey, 1, sectorSize)
	if err == nil {
		switch string(contiguous[0:4]) {
		case "NCA3":
			return VariantNca3, nil
		case "NCA0":
			return VariantNca0, nil
		}
	}

	independent, err := crypto.XTSDecrypt(raw[0x200:0x400], headerKey, 0, sectorSize)
	if err == nil && string(independent[0:4]) == "NCA2" {
		return VariantNca2, nil
	}

	return 0, coreerr.CorruptHeader(coreerr.WhichNca, "unrecognized NCA magic")
}

// decryptHeader applies the per-variant AES-XTS tweak-restart behavior (spec
// §4.A): NCA3/NCA0 decrypt the whole header in one contiguous run starting
// at sector 0; NCA2 decrypts the main header and each of the four FS
// headers as independent runs, each restarting at sector 0.
func decryptHeader(raw, headerKey []byte, variant Variant) ([]byte, error) {
	switch variant {
	case VariantNca3, VariantNca0:
		dec, err := crypto.XTSDecrypt(raw, headerKey, 0, sectorSize)
		if err != nil {
			return nil, coreerr.CryptoFailure("nca_header_xts", err)
		}
		return dec, nil

	case VariantNca2:
		dec := make([]byte, HeaderSize)
		main, err := crypto.XTSDecrypt(raw[0x200:0x400], headerKey, 0, sectorSize)
		if err != nil {
			return nil, coreerr.CryptoFailure("nca_header_xts_main", err)
		}
		copy(dec[0x200:0x400], main)

		for i := 0; i < 4; i++ {
			off := 0x400 + i*0x200
			fsBlock, err := crypto.XTSDecrypt(raw[off:off+0x200], headerKey, 0, sectorSize)
			if err != nil {
				return nil, coreerr.CryptoFailure(fmt.Sprintf("nca_header_xts_fs%d", i), err)
			}
			copy(dec[off:off+0x200], fsBlock)
		}
		return dec, nil

	default:
		return nil, coreerr.UnsupportedVariant("nca header variant")
	}
}

func parseDecryptedHeader(dec []byte, variant Variant) (*Header, error) {
	h := &Header{Variant: variant}

	h.DistType = dec[0x204]
	h.ContentType = ContentType(dec[0x205])
	h.KeyGeneration = dec[0x206]
	h.KeyAreaIndex = dec[0x207]
	h.ContentSize = leUint64(dec[0x208:0x210])
	h.ProgramID = leUint64(dec[0x210:0x218])
	h.ContentIndex = leUint32(dec[0x218:0x21C])
	h.KeyGeneration2 = dec[0x220]
	copy(h.RightsID[:], dec[0x230:0x240])

	for i := 0; i < 4; i++ {
		off := 0x240 + i*0x10
		h.FsEntries[i] = FsEntry{
			StartSector: leUint32(dec[off : off+4]),
			EndSector:   leUint32(dec[off+4 : off+8]),
		}
	}
	for i := 0; i < 4; i++ {
		off := 0x280 + i*0x20
		copy(h.FsHeaderHashes[i][:], dec[off:off+0x20])
	}
	for i := 0; i < 4; i++ {
		off := 0x300 + i*0x10
		copy(h.EncryptedKeys[i][:], dec[off:off+0x10])
	}
	for i := 0; i < 4; i++ {
		off := 0x400 + i*0x200
		copy(h.FsHeadersRaw[i][:], dec[off:off+0x200])
	}

	for i := 0; i < 4; i++ {
		if !h.FsEntries[i].enabled() {
			continue
		}
		got := crypto.SHA256(h.FsHeadersRaw[i][:])
		if !equalHash(got[:], h.FsHeaderHashes[i][:]) {
			return nil, coreerr.HashMismatch(fmt.Sprintf("nca-fs-header-%d", i), h.FsEntries[i].Offset())
		}
	}

	return h, nil
}

func equalHash(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
