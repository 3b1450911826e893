package save

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/keys"
)

const (
	headerSize       = 0x4000
	magicDisf        = 0x46534944
	magicDpfs        = 0x53465044
	magicJngl        = 0x4C474E4A
	magicSaveFs      = 0x45564153
	magicRmap        = 0x50414D52
	magicIvfc        = 0x43465649
	fsLayoutOffset   = 0x100
	duplexHdrOffset  = 0x300
	dataIvfcOffset   = 0x344
	journalHdrOffset = 0x408
	journalMapOffset = 0x428
	saveFsHdrOffset  = 0x608
	fatHdrOffset     = 0x620
	mainRemapOffset  = 0x650
	metaRemapOffset  = 0x690
	extraDataOffset  = 0x6D8
	fatIvfcOffset    = 0xAD8
)

// fsLayout mirrors fs_layout_t, the master table of section offsets and
// sizes every other sub-structure in a save header is located through (spec
// §4.E fs_layout_t).
type fsLayout struct {
	magic                 uint32
	version               uint32
	hash                  [0x20]byte
	fileMapEntryOffset    int64
	fileMapEntrySize      int64
	metaMapEntryOffset    int64
	metaMapEntrySize      int64
	fileMapDataOffset     int64
	fileMapDataSize       int64
	duplexL1OffsetA       int64
	duplexL1OffsetB       int64
	duplexL1Size          int64
	duplexDataOffsetA     int64
	duplexDataOffsetB     int64
	duplexDataSize        int64
	journalDataOffset     int64
	journalDataSizeA      int64
	journalDataSizeB      int64
	journalSize           int64
	duplexMasterOffsetA   int64
	duplexMasterOffsetB   int64
	duplexMasterSize      int64
	ivfcMasterHashOffsetA int64
	ivfcMasterHashOffsetB int64
	ivfcMasterHashSize    int64
	journalMapTableOffset int64
	journalMapTableSize   int64
	fatOffset             int64
	fatSize               int64
	duplexIndex           int64
	fatIvfcMasterHashA    int64
	fatIvfcMasterHashB    int64
}

func parseFsLayout(raw []byte) fsLayout {
	u64 := func(off int) int64 { return int64(binary.LittleEndian.Uint64(raw[off : off+8])) }
	var l fsLayout
	l.magic = binary.LittleEndian.Uint32(raw[0:4])
	l.version = binary.LittleEndian.Uint32(raw[4:8])
	copy(l.hash[:], raw[8:0x28])
	l.fileMapEntryOffset = u64(0x28)
	l.fileMapEntrySize = u64(0x30)
	l.metaMapEntryOffset = u64(0x38)
	l.metaMapEntrySize = u64(0x40)
	l.fileMapDataOffset = u64(0x48)
	l.fileMapDataSize = u64(0x50)
	l.duplexL1OffsetA = u64(0x58)
	l.duplexL1OffsetB = u64(0x60)
	l.duplexL1Size = u64(0x68)
	l.duplexDataOffsetA = u64(0x70)
	l.duplexDataOffsetB = u64(0x78)
	l.duplexDataSize = u64(0x80)
	l.journalDataOffset = u64(0x88)
	l.journalDataSizeA = u64(0x90)
	l.journalDataSizeB = u64(0x98)
	l.journalSize = u64(0xA0)
	l.duplexMasterOffsetA = u64(0xA8)
	l.duplexMasterOffsetB = u64(0xB0)
	l.duplexMasterSize = u64(0xB8)
	l.ivfcMasterHashOffsetA = u64(0xC0)
	l.ivfcMasterHashOffsetB = u64(0xC8)
	l.ivfcMasterHashSize = u64(0xD0)
	l.journalMapTableOffset = u64(0xD8)
	l.journalMapTableSize = u64(0xE0)
	l.fatOffset = u64(0x148)
	l.fatSize = u64(0x150)
	l.duplexIndex = u64(0x158)
	l.fatIvfcMasterHashA = u64(0x160)
	l.fatIvfcMasterHashB = u64(0x168)
	return l
}

type duplexInfo struct {
	offset         int64
	length         int64
	blockSizePower uint32
}

type duplexHeader struct {
	magic  uint32
	layers [3]duplexInfo
}

func parseDuplexHeader(raw []byte) duplexHeader {
	var h duplexHeader
	h.magic = binary.LittleEndian.Uint32(raw[0:4])
	for i := 0; i < 3; i++ {
		rec := raw[8+i*0x14 : 8+(i+1)*0x14]
		h.layers[i] = duplexInfo{
			offset:         int64(binary.LittleEndian.Uint64(rec[0:8])),
			length:         int64(binary.LittleEndian.Uint64(rec[8:16])),
			blockSizePower: binary.LittleEndian.Uint32(rec[16:20]),
		}
	}
	return h
}

type journalHeader struct {
	magic      uint32
	totalSize  int64
	journalLen int64
	blockSize  int64
}

func parseJournalHeader(raw []byte) journalHeader {
	return journalHeader{
		magic:      binary.LittleEndian.Uint32(raw[0:4]),
		totalSize:  int64(binary.LittleEndian.Uint64(raw[8:16])),
		journalLen: int64(binary.LittleEndian.Uint64(raw[16:24])),
		blockSize:  int64(binary.LittleEndian.Uint64(raw[24:32])),
	}
}

type journalMapHeader struct {
	mainDataBlockCount uint32
	journalBlockCount  uint32
}

func parseJournalMapHeader(raw []byte) journalMapHeader {
	return journalMapHeader{
		mainDataBlockCount: binary.LittleEndian.Uint32(raw[4:8]),
		journalBlockCount:  binary.LittleEndian.Uint32(raw[8:12]),
	}
}

type saveFsHeader struct {
	magic      uint32
	blockCount int64
	blockSize  int64
}

func parseSaveFsHeader(raw []byte) saveFsHeader {
	return saveFsHeader{
		magic:      binary.LittleEndian.Uint32(raw[0:4]),
		blockCount: int64(binary.LittleEndian.Uint64(raw[8:16])),
		blockSize:  int64(binary.LittleEndian.Uint64(raw[16:24])),
	}
}

type fatHeader struct {
	blockSize         int64
	tableOffset       int64
	tableBlockCount   uint32
	dataOffset        int64
	dataBlockCount    uint32
	directoryTableBlk uint32
	fileTableBlk      uint32
}

func parseFatHeader(raw []byte) fatHeader {
	return fatHeader{
		blockSize:         int64(binary.LittleEndian.Uint64(raw[0:8])),
		tableOffset:       int64(binary.LittleEndian.Uint64(raw[8:16])),
		tableBlockCount:   binary.LittleEndian.Uint32(raw[16:20]),
		dataOffset:        int64(binary.LittleEndian.Uint64(raw[24:32])),
		dataBlockCount:    binary.LittleEndian.Uint32(raw[32:36]),
		directoryTableBlk: binary.LittleEndian.Uint32(raw[40:44]),
		fileTableBlk:      binary.LittleEndian.Uint32(raw[44:48]),
	}
}

type remapHeader struct {
	magic           uint32
	mapEntryCount   uint32
	mapSegmentCount uint32
	segmentBits     uint32
}

func parseRemapHeader(raw []byte) remapHeader {
	return remapHeader{
		magic:           binary.LittleEndian.Uint32(raw[0:4]),
		mapEntryCount:   binary.LittleEndian.Uint32(raw[8:12]),
		mapSegmentCount: binary.LittleEndian.Uint32(raw[12:16]),
		segmentBits:     binary.LittleEndian.Uint32(raw[16:20]),
	}
}

// header is the fully parsed 0x4000-byte save header (spec §4.E
// save_header_t).
type header struct {
	raw        []byte
	cmac       [0x10]byte
	layout     fsLayout
	duplex     duplexHeader
	dataIvfc   ivfcSaveHeader
	journal    journalHeader
	journalMap journalMapHeader
	saveFs     saveFsHeader
	fat        fatHeader
	mainRemap  remapHeader
	metaRemap  remapHeader
	fatIvfc    ivfcSaveHeader
}

func parseHeader(raw []byte) (*header, error) {
	if len(raw) != headerSize {
		return nil, coreerr.CorruptHeader(coreerr.WhichSave, "save header size")
	}
	h := &header{raw: raw}
	copy(h.cmac[:], raw[0:0x10])
	h.layout = parseFsLayout(raw[fsLayoutOffset:])
	h.duplex = parseDuplexHeader(raw[duplexHdrOffset:])
	h.dataIvfc = parseIvfcSaveHeader(raw[dataIvfcOffset:])
	h.journal = parseJournalHeader(raw[journalHdrOffset:])
	h.journalMap = parseJournalMapHeader(raw[journalMapOffset:])
	h.saveFs = parseSaveFsHeader(raw[saveFsHdrOffset:])
	h.fat = parseFatHeader(raw[fatHdrOffset:])
	h.mainRemap = parseRemapHeader(raw[mainRemapOffset:])
	h.metaRemap = parseRemapHeader(raw[metaRemapOffset:])
	h.fatIvfc = parseIvfcSaveHeader(raw[fatIvfcOffset:])

	// spec §4.E save_process_header: hardcoded level counts, independent of
	// what's stored on disk.
	h.dataIvfc.numLevels = 5
	if h.layout.version >= 0x50000 {
		h.fatIvfc.numLevels = 4
	}

	if h.layout.magic != magicDisf || h.duplex.magic != magicDpfs || h.dataIvfc.magic != magicIvfc ||
		h.journal.magic != magicJngl || h.saveFs.magic != magicSaveFs ||
		h.mainRemap.magic != magicRmap || h.metaRemap.magic != magicRmap {
		return nil, coreerr.CorruptHeader(coreerr.WhichSave, "save header sub-magic")
	}

	sum := sha256.Sum256(raw[duplexHdrOffset:])
	if sum != h.layout.hash {
		return nil, coreerr.HashMismatch("save-header", duplexHdrOffset)
	}

	return h, nil
}

// verifyCmac checks the header CMAC against save_mac_key (spec §4.E, grounded
// on cmacAes128CalculateMac(cmac, save_mac_key, &header.layout, sizeof(layout))).
func (h *header) verifyCmac(keySet *keys.KeySet) error {
	macKey, err := keySet.SaveMacKey()
	if err != nil {
		return err
	}
	layoutBytes := h.raw[fsLayoutOffset:duplexHdrOffset]
	mac, err := crypto.CMAC(macKey, layoutBytes)
	if err != nil {
		return coreerr.CryptoFailure("save_header_cmac", err)
	}
	for i := range mac {
		if mac[i] != h.cmac[i] {
			return coreerr.HashMismatch("save-header-cmac", 0)
		}
	}
	return nil
}

func (h *header) bytesAt(offset, size int64) []byte {
	return h.raw[offset : offset+size]
}
