package nca

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/bucket"
	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/hashtree"
	"github.com/falk/nxcore/pkg/keys"
)

// FsType identifies the section's directory structure (spec §4.H).
type FsType byte

const (
	FsTypeRomFs FsType = iota
	FsTypePartitionFs
)

// HashType identifies the integrity-verification scheme protecting the
// section (spec §4.H HierarchicalSha256, HierarchicalIntegrity).
type HashType byte

const (
	HashAuto HashType = iota
	HashNone
	HashHierarchicalSha256
	HashHierarchicalIntegrity
)

// EncryptionType identifies the section's bulk cipher (spec §4.H: "Initialize
// CTR from section_ctr_seed ... For Nca0 PartitionFs, use AES-XTS").
type EncryptionType byte

const (
	EncryptionAuto EncryptionType = iota
	EncryptionNone
	EncryptionAesXts
	EncryptionAesCtr
	EncryptionAesCtrEx
	EncryptionNca0
)

// Layout offsets within the 0x200-byte decrypted FS-section header, grounded
// on the community-documented nxdumptool NcaFsHeader struct (no exact Go
// source was available in the retrieval pack).
const (
	fsVersionOff        = 0x000
	fsTypeOff           = 0x002
	fsHashTypeOff       = 0x003
	fsEncryptionTypeOff = 0x004
	fsHashInfoOff       = 0x008
	fsPatchInfoOff      = 0x100
	fsSectionCtrOff     = 0x140
	fsSparseInfoOff     = 0x148
	fsSparseGenOff      = fsSparseInfoOff + 0x20 // past offset(8)+size(8)+BucketTreeHeader(16)
	fsCompressionOff    = fsSparseInfoOff + 0x28  // past sparse_info's own offset+size+header+generation+reserved

	hsha256MasterHashOff = 0x000
	hsha256BlockSizeOff  = 0x020
	hsha256LayerCountOff = 0x024
	hsha256HashLayerOff  = 0x028 // {offset,size} of the hash-table layer
	hsha256DataLayerOff  = 0x038 // {offset,size} of the hash-target layer

	ivfcMagicOff        = 0x000
	ivfcMasterHashSzOff = 0x008
	ivfcLayerCountOff   = 0x00C
	ivfcLayerInfoOff    = 0x010 // 5 * {offset(8) size(8) block_size(4) reserved(4)} = 5*24
	ivfcLayerInfoSize   = 24
	ivfcDataLayerOff    = 0x010 + 5*ivfcLayerInfoSize
	ivfcSaltOff         = ivfcDataLayerOff + ivfcLayerInfoSize
	ivfcMasterHashOff   = ivfcSaltOff + 0x20

	patchIndirectOffOff    = 0x000
	patchIndirectSizeOff   = 0x008
	patchIndirectHdrOff    = 0x010 // NcaBucketTreeHeader: magic,bucket_count,entry_count,reserved = 16
	patchAesCtrExOffOff    = 0x020
	patchAesCtrExSizeOff   = 0x028
	patchAesCtrExHdrOff    = 0x030
	bucketTreeHeaderRawLen = 16
)

// HashInfo carries a section's hash-tree parameters, generalized over the
// two schemes (spec §4.H).
type HashInfo struct {
	Type HashType

	// HierarchicalSha256
	MasterHashSha256 [32]byte
	BlockSize        uint32
	HashLayerOffset  int64
	HashLayerSize    int64
	DataLayerOffset  int64
	DataLayerSize    int64

	// HierarchicalIntegrity (IVFC)
	LayerCount        uint32
	IvfcLayerOffsets  [5]int64
	IvfcLayers        [5]hashtree.Level // size/block_size_power filled, Storage/Salt set later
	IvfcDataOffset    int64
	IvfcDataLayer     hashtree.Level
	SignatureSalt     [0x20]byte
	MasterHashIvfc    [32]byte
}

// PatchInfo describes the AesCtrEx + Indirect bucket trees a PatchRomFs
// section carries (spec §4.I step 3).
type PatchInfo struct {
	IndirectOffset  int64
	IndirectSize    int64
	IndirectHeader  bucket.BucketInfo
	AesCtrExOffset  int64
	AesCtrExSize    int64
	AesCtrExHeader  bucket.BucketInfo
	HasIndirect     bool
	HasAesCtrEx     bool
}

// SparseInfo describes a section's optional Sparse bucket tree (spec §4.G,
// §4.I step 2), parsed the same best-effort way as PatchInfo (no exact Go
// source for this layout was available in the retrieval pack): a
// generation of 0 means no sparse layer is active, mirroring nxdumptool's
// own convention for this field.
type SparseInfo struct {
	Offset     int64
	Size       int64
	Header     bucket.BucketInfo
	Generation uint16
	HasSparse  bool
}

// CompressionInfo describes a section's optional Compressed bucket tree
// (spec §4.G, §4.I step 4), gated on the embedded bucket tree header
// actually carrying a non-zero offset/size.
type CompressionInfo struct {
	Offset         int64
	Size           int64
	Header         bucket.BucketInfo
	HasCompression bool
}

// FsHeader is a parsed 0x200-byte NCA FS-section header (spec §4.H).
type FsHeader struct {
	Version        uint16
	FsType         FsType
	HashType       HashType
	EncryptionType EncryptionType
	HashInfo       HashInfo
	PatchInfo      PatchInfo
	Sparse         SparseInfo
	Compression    CompressionInfo
	SectionCtr     [8]byte // section_ctr_seed
	Raw            [0x200]byte
}

// ParseFsHeader decodes FsHeader out of the header's raw 0x200-byte block
// (spec §4.H, §4.A NcaHeader.fs_headers).
func ParseFsHeader(raw [0x200]byte) (*FsHeader, error) {
	h := &FsHeader{
		Version:        binary.LittleEndian.Uint16(raw[fsVersionOff : fsVersionOff+2]),
		FsType:         FsType(raw[fsTypeOff]),
		HashType:       HashType(raw[fsHashTypeOff]),
		EncryptionType: EncryptionType(raw[fsEncryptionTypeOff]),
		Raw:            raw,
	}
	copy(h.SectionCtr[:], raw[fsSectionCtrOff:fsSectionCtrOff+8])

	switch h.HashType {
	case HashHierarchicalSha256:
		hi := HashInfo{Type: HashHierarchicalSha256}
		copy(hi.MasterHashSha256[:], raw[fsHashInfoOff+hsha256MasterHashOff:fsHashInfoOff+hsha256MasterHashOff+32])
		hi.BlockSize = binary.LittleEndian.Uint32(raw[fsHashInfoOff+hsha256BlockSizeOff : fsHashInfoOff+hsha256BlockSizeOff+4])
		hl := fsHashInfoOff + hsha256HashLayerOff
		hi.HashLayerOffset = int64(binary.LittleEndian.Uint64(raw[hl : hl+8]))
		hi.HashLayerSize = int64(binary.LittleEndian.Uint64(raw[hl+8 : hl+16]))
		dl := fsHashInfoOff + hsha256DataLayerOff
		hi.DataLayerOffset = int64(binary.LittleEndian.Uint64(raw[dl : dl+8]))
		hi.DataLayerSize = int64(binary.LittleEndian.Uint64(raw[dl+8 : dl+16]))
		h.HashInfo = hi

	case HashHierarchicalIntegrity:
		hi := HashInfo{Type: HashHierarchicalIntegrity}
		base := fsHashInfoOff
		hi.LayerCount = binary.LittleEndian.Uint32(raw[base+ivfcLayerCountOff : base+ivfcLayerCountOff+4])
		for i := 0; i < 5; i++ {
			off := base + ivfcLayerInfoOff + i*ivfcLayerInfoSize
			hi.IvfcLayerOffsets[i] = int64(binary.LittleEndian.Uint64(raw[off : off+8]))
			hi.IvfcLayers[i] = hashtree.Level{
				Size:           int64(binary.LittleEndian.Uint64(raw[off+8 : off+16])),
				BlockSizePower: blockSizePower(binary.LittleEndian.Uint32(raw[off+16 : off+20])),
			}
		}
		dataOff := base + ivfcDataLayerOff
		hi.IvfcDataOffset = int64(binary.LittleEndian.Uint64(raw[dataOff : dataOff+8]))
		hi.IvfcDataLayer = hashtree.Level{
			Size:           int64(binary.LittleEndian.Uint64(raw[dataOff+8 : dataOff+16])),
			BlockSizePower: blockSizePower(binary.LittleEndian.Uint32(raw[dataOff+16 : dataOff+20])),
		}
		copy(hi.SignatureSalt[:], raw[base+ivfcSaltOff:base+ivfcSaltOff+0x20])
		copy(hi.MasterHashIvfc[:], raw[base+ivfcMasterHashOff:base+ivfcMasterHashOff+32])
		h.HashInfo = hi
	}

	if h.EncryptionType == EncryptionAesCtrEx {
		base := fsPatchInfoOff
		pi := PatchInfo{HasIndirect: true, HasAesCtrEx: true}
		pi.IndirectOffset = int64(binary.LittleEndian.Uint64(raw[base+patchIndirectOffOff : base+patchIndirectOffOff+8]))
		pi.IndirectSize = int64(binary.LittleEndian.Uint64(raw[base+patchIndirectSizeOff : base+patchIndirectSizeOff+8]))
		pi.AesCtrExOffset = int64(binary.LittleEndian.Uint64(raw[base+patchAesCtrExOffOff : base+patchAesCtrExOffOff+8]))
		pi.AesCtrExSize = int64(binary.LittleEndian.Uint64(raw[base+patchAesCtrExSizeOff : base+patchAesCtrExSizeOff+8]))
		pi.IndirectHeader = bucket.BucketInfo{Offset: pi.IndirectOffset, Size: pi.IndirectSize, HeaderOffset: 0}
		pi.AesCtrExHeader = bucket.BucketInfo{Offset: pi.AesCtrExOffset, Size: pi.AesCtrExSize, HeaderOffset: 0}
		h.PatchInfo = pi
	}

	sparseOffset := int64(binary.LittleEndian.Uint64(raw[fsSparseInfoOff : fsSparseInfoOff+8]))
	sparseSize := int64(binary.LittleEndian.Uint64(raw[fsSparseInfoOff+8 : fsSparseInfoOff+16]))
	sparseGeneration := binary.LittleEndian.Uint16(raw[fsSparseGenOff : fsSparseGenOff+2])
	if sparseGeneration != 0 {
		h.Sparse = SparseInfo{
			Offset:     sparseOffset,
			Size:       sparseSize,
			Header:     bucket.BucketInfo{Offset: sparseOffset, Size: sparseSize, HeaderOffset: 0},
			Generation: sparseGeneration,
			HasSparse:  true,
		}
	}

	compOffset := int64(binary.LittleEndian.Uint64(raw[fsCompressionOff : fsCompressionOff+8]))
	compSize := int64(binary.LittleEndian.Uint64(raw[fsCompressionOff+8 : fsCompressionOff+16]))
	if compOffset != 0 && compSize != 0 {
		h.Compression = CompressionInfo{
			Offset:         compOffset,
			Size:           compSize,
			Header:         bucket.BucketInfo{Offset: compOffset, Size: compSize, HeaderOffset: 0},
			HasCompression: true,
		}
	}

	return h, nil
}

func blockSizePower(blockSizeLog2 uint32) uint {
	// nxdumptool's block_size field is already the shift amount
	// (NCA_IVFC_BLOCK_SIZE(x) = 1 << x), so no further conversion.
	return uint(blockSizeLog2)
}

// SectionKey computes the per-section content key used for bulk decryption
// (spec §4.H setup): title-key crypto when rights_id is set, otherwise the
// content key slot (index 2) of the decrypted key area.
func SectionKey(header *Header, keySet *keys.KeySet, decryptedTitlekey []byte) ([]byte, error) {
	if header.HasRightsID() {
		if decryptedTitlekey == nil {
			return nil, coreerr.KeyMissing("decrypted titlekey for rights-id NCA")
		}
		return decryptedTitlekey, nil
	}
	keyArea, err := keySet.DecryptNcaKeyArea(keys.KAEKIndex(header.KeyAreaIndex), header.EffectiveKeyGeneration(), flattenKeys(header.EncryptedKeys))
	if err != nil {
		return nil, err
	}
	return keyArea[2], nil
}

func flattenKeys(keys [4][0x10]byte) []byte {
	out := make([]byte, 0x40)
	for i, k := range keys {
		copy(out[i*0x10:], k[:])
	}
	return out
}

// ctrIV builds the 16-byte CTR IV per spec §3: bytes 0..8 from
// section_ctr_seed reversed, bytes 8..16 filled with the block offset at
// decrypt time by crypto.NewCTRStream.
func ctrIV(seed [8]byte) []byte {
	iv := make([]byte, 16)
	for i := 0; i < 8; i++ {
		iv[i] = seed[7-i]
	}
	return iv
}

// NewCtrStorage wraps base with AES-CTR decryption using this section's
// section_ctr_seed (spec §4.H, §3).
func (h *FsHeader) NewCtrStorage(base io.ReaderAt, sectionKey []byte) (io.ReaderAt, error) {
	return &ctrReaderAt{base: base, key: sectionKey, ivPrefix: ctrIV(h.SectionCtr)}, nil
}

type ctrReaderAt struct {
	base     io.ReaderAt
	key      []byte
	ivPrefix []byte
}

func (c *ctrReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.base.ReadAt(p, off)
	if n == 0 {
		return n, err
	}
	stream, serr := crypto.NewCTRStream(c.key, c.ivPrefix, off)
	if serr != nil {
		return 0, coreerr.CryptoFailure("nca_ctr", serr)
	}
	stream.XORKeyStream(p[:n], p[:n])
	return n, err
}

// NewXtsStorage wraps base with Nca0 PartitionFs AES-XTS decryption (spec
// §4.H: "sector numbering ((offset-0x400)>>9)+section_start_sector").
func NewXtsStorage(base io.ReaderAt, keyA, keyB []byte, sectionStartSector uint64) io.ReaderAt {
	return &xtsReaderAt{base: base, keyA: keyA, keyB: keyB, sectionStartSector: sectionStartSector}
}

type xtsReaderAt struct {
	base               io.ReaderAt
	keyA, keyB         []byte
	sectionStartSector uint64
}

func (x *xtsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off%MediaUnitSize != 0 || len(p)%MediaUnitSize != 0 {
		return 0, fmt.Errorf("nca0 xts reads must be sector-aligned")
	}
	n, err := x.base.ReadAt(p, off)
	if n == 0 {
		return n, err
	}
	key := append(append([]byte{}, x.keyA...), x.keyB...)
	sector := uint64(off-0x400)>>9 + x.sectionStartSector
	dec, derr := crypto.XTSDecrypt(p[:n], key, sector, MediaUnitSize)
	if derr != nil {
		return 0, coreerr.CryptoFailure("nca0_xts", derr)
	}
	copy(p[:n], dec)
	return n, err
}
