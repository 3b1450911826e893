package save

import (
	"encoding/binary"
	"io"

	"github.com/falk/nxcore/pkg/hashtree"
)

const (
	ivfcLevelHeaderSize = 0x18
	ivfcSaveHeaderSize  = 0xC0
	ivfcMaxLevels       = 6
)

type ivfcLevelHeader struct {
	logicalOffset int64
	hashDataSize  int64
	blockSize     uint32
}

type ivfcSaveHeader struct {
	magic        uint32
	masterHashSz uint32
	numLevels    uint32
	levels       [ivfcMaxLevels]ivfcLevelHeader
	saltSource   [0x20]byte
}

func parseIvfcSaveHeader(raw []byte) ivfcSaveHeader {
	var h ivfcSaveHeader
	h.magic = binary.LittleEndian.Uint32(raw[0:4])
	h.masterHashSz = binary.LittleEndian.Uint32(raw[8:12])
	h.numLevels = binary.LittleEndian.Uint32(raw[12:16])
	for i := 0; i < ivfcMaxLevels; i++ {
		rec := raw[16+i*ivfcLevelHeaderSize : 16+(i+1)*ivfcLevelHeaderSize]
		h.levels[i] = ivfcLevelHeader{
			logicalOffset: int64(binary.LittleEndian.Uint64(rec[0:8])),
			hashDataSize:  int64(binary.LittleEndian.Uint64(rec[8:16])),
			blockSize:     binary.LittleEndian.Uint32(rec[16:20]),
		}
	}
	copy(h.saltSource[:], raw[16+ivfcMaxLevels*ivfcLevelHeaderSize:16+ivfcMaxLevels*ivfcLevelHeaderSize+0x20])
	return h
}

// offsetReaderAt re-bases reads onto an absolute offset into base, mirroring
// the unexported helper pkg/nca/storage.go uses for the same purpose.
type offsetReaderAt struct {
	base io.ReaderAt
	off  int64
}

func (o offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, o.off+off)
}

// ivfcBacking supplies the per-level storage an IVFC hash tree reads
// through: every level but the last is remap-backed, and the data level is
// journal-backed only when the tree has exactly five levels (the save
// format's "core data" tree; spec §4.E, grounded on save_ivfc_storage_init).
type ivfcBacking struct {
	remap   *RemapStorage
	journal *JournalStorage
}

// newIvfcStorage builds the verified storage for one of the save format's
// two IVFC trees (core data or FAT), reusing pkg/hashtree's generic
// recursive implementation exactly as pkg/nca's wireHashTree does for NCA
// FS-sections (spec §4.E, grounded on save_ivfc_storage_init).
func newIvfcStorage(masterHash []byte, hdr ivfcSaveHeader, backing ivfcBacking, verify bool) (*hashtree.Ivfc, error) {
	n := int(hdr.numLevels)
	levels := make([]hashtree.Level, 0, n-1)
	for i := 1; i < n; i++ {
		lh := hdr.levels[i-1]
		var storage io.ReaderAt = backing.remap
		if n == 5 && i == n-1 {
			storage = backing.journal
		}
		levels = append(levels, hashtree.Level{
			Storage:        offsetReaderAt{base: storage, off: lh.logicalOffset},
			Size:           lh.hashDataSize,
			BlockSizePower: uint(lh.blockSize),
			Salt:           hashtree.SaltForLevel(hdr.saltSource[:], i),
		})
	}
	return hashtree.NewIvfc(masterHash, levels, verify)
}
