package save

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/falk/nxcore/pkg/keys"
)

// buildMinimalSaveFile assembles a complete, internally-consistent save
// container from scratch: a real header (with a correct SHA-256
// header-integrity hash), a single-entry identity-mapped data remap region,
// a duplex storage deliberately wired so the final data resolves to the "A"
// side, a one-entry meta remap layered over it, a one-block journal
// map, a tiny shared FAT, and a two-level directory/file table holding one
// file. verify is left false throughout Open, so only the addressing chain
// is exercised, not IVFC hash-chain verification (spec §4.E save_process).
func buildMinimalSaveFile(content []byte) []byte {
	const (
		fileMapEntryOff = 0x4000
		metaMapEntryOff = 0x4020
		dataRegionOff   = 0x5000

		l1Size      = 16
		dupDataSize = 40
		fsBlockSize = 3 * fsListEntrySize // one block per FsList / content blob
	)

	l1OffA := int64(0)
	l1OffB := int64(l1Size)
	dupOffA := l1OffB + l1Size
	dupOffB := dupOffA + dupDataSize
	journalDataOff := dupOffB + dupDataSize
	dataRegionSize := journalDataOff + 3*int64(fsBlockSize)

	r := make([]byte, dataRegionOff+int(dataRegionSize))

	// --- data region (read through the identity-mapped data remap) ---
	// L1B left all-zero: the all-set master bitmap resolves layer0 to L1B,
	// whose all-zero content resolves the final data to the A side.
	dupA := make([]byte, dupDataSize)
	binary.LittleEndian.PutUint32(dupA[0:4], 0) // journal map entry: physical index 0
	binary.LittleEndian.PutUint32(dupA[4:8], 0)
	putFatEntry(dupA[8:], 1, 0x80000000, 0) // block 0 (directory table): single-entry list
	putFatEntry(dupA[8:], 2, 0x80000000, 0) // block 1 (file table)
	putFatEntry(dupA[8:], 3, 0x80000000, 0) // block 2 (file content)
	copy(r[dataRegionOff+int(dupOffA):], dupA)

	dirTable := make([]byte, fsBlockSize)
	head0 := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(head0[4:8], 3) // capacity
	copy(dirTable[0:fsListEntrySize], head0)
	head1 := buildFsListEntryRaw(0, "", 0, 0, 0, 2)
	copy(dirTable[fsListEntrySize:2*fsListEntrySize], head1)
	rootDir := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	copy(dirTable[2*fsListEntrySize:3*fsListEntrySize], rootDir)
	copy(r[dataRegionOff+int(journalDataOff):], dirTable)

	fileTable := make([]byte, fsBlockSize)
	fhead0 := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(fhead0[4:8], 3)
	copy(fileTable[0:fsListEntrySize], fhead0)
	fhead1 := buildFsListEntryRaw(0, "", 0, 0, 0, 2)
	copy(fileTable[fsListEntrySize:2*fsListEntrySize], fhead1)
	fileEntry := buildFsListEntryRaw(2, "hello.txt", 0, 2, uint64(len(content)), 0)
	copy(fileTable[2*fsListEntrySize:3*fsListEntrySize], fileEntry)
	copy(r[dataRegionOff+int(journalDataOff)+fsBlockSize:], fileTable)

	contentBlock := make([]byte, fsBlockSize)
	copy(contentBlock, content)
	copy(r[dataRegionOff+int(journalDataOff)+2*fsBlockSize:], contentBlock)

	// --- remap entry tables (read directly from the raw file) ---
	copy(r[fileMapEntryOff:], buildRemapEntry(0, 0, dataRegionSize))
	copy(r[metaMapEntryOff:], buildRemapEntry(0, 0, dupDataSize))

	// --- header ---
	h := make([]byte, headerSize)

	const layoutOff = fsLayoutOffset
	binary.LittleEndian.PutUint32(h[layoutOff+0:], magicDisf)
	binary.LittleEndian.PutUint32(h[layoutOff+4:], 0x40000) // version < 0x50000
	binary.LittleEndian.PutUint64(h[layoutOff+0x28:], fileMapEntryOff)
	binary.LittleEndian.PutUint64(h[layoutOff+0x38:], metaMapEntryOff)
	binary.LittleEndian.PutUint64(h[layoutOff+0x48:], dataRegionOff)
	binary.LittleEndian.PutUint64(h[layoutOff+0x58:], uint64(l1OffA))
	binary.LittleEndian.PutUint64(h[layoutOff+0x60:], uint64(l1OffB))
	binary.LittleEndian.PutUint64(h[layoutOff+0x68:], l1Size)
	binary.LittleEndian.PutUint64(h[layoutOff+0x70:], uint64(dupOffA))
	binary.LittleEndian.PutUint64(h[layoutOff+0x78:], uint64(dupOffB))
	binary.LittleEndian.PutUint64(h[layoutOff+0x80:], dupDataSize)
	binary.LittleEndian.PutUint64(h[layoutOff+0x88:], uint64(journalDataOff))
	binary.LittleEndian.PutUint64(h[layoutOff+0xA8:], 0x3000) // duplexMasterOffsetA (header padding)
	binary.LittleEndian.PutUint64(h[layoutOff+0xB8:], 4)      // duplexMasterSize (bytes and bit count)
	binary.LittleEndian.PutUint64(h[layoutOff+0xC0:], 0x3100) // ivfcMasterHashOffsetA (unread, verify=false)
	binary.LittleEndian.PutUint64(h[layoutOff+0xD0:], 0x20)   // ivfcMasterHashSize
	binary.LittleEndian.PutUint64(h[layoutOff+0xD8:], 0)      // journalMapTableOffset (within meta space)
	binary.LittleEndian.PutUint64(h[layoutOff+0xE0:], 8)      // journalMapTableSize
	binary.LittleEndian.PutUint64(h[layoutOff+0x148:], 8)     // fatOffset (within meta space)
	binary.LittleEndian.PutUint64(h[layoutOff+0x150:], 32)    // fatSize
	binary.LittleEndian.PutUint64(h[layoutOff+0x158:], 0)     // duplexIndex: use offset A

	// master bitmap: 4 bytes, all bits set, so layer0 always resolves to
	// the "B" side of L1 (whose all-zero content then resolves layer1 to
	// the "A" side of the final data, per hierarchicalDuplexStorage).
	copy(h[0x3000:0x3004], []byte{0xFF, 0xFF, 0xFF, 0xFF})

	binary.LittleEndian.PutUint32(h[duplexHdrOffset:], magicDpfs)
	binary.LittleEndian.PutUint32(h[duplexHdrOffset+8+1*0x14+16:], 2) // layers[1].blockSizePower
	binary.LittleEndian.PutUint32(h[duplexHdrOffset+8+2*0x14+16:], 2) // layers[2].blockSizePower

	binary.LittleEndian.PutUint32(h[dataIvfcOffset:], magicIvfc)
	// level_headers[3]: the core-data level (spec §4.E: hardcoded 5-level
	// tree, so hdr.levels[3] is the final, journal-backed level).
	lvl3 := dataIvfcOffset + 16 + 3*0x18
	binary.LittleEndian.PutUint64(h[lvl3:], 0)      // logicalOffset
	binary.LittleEndian.PutUint64(h[lvl3+8:], 0x10000) // hashDataSize (unchecked, verify=false)
	binary.LittleEndian.PutUint32(h[lvl3+16:], 12)     // blockSize power: 4096

	binary.LittleEndian.PutUint32(h[journalHdrOffset:], magicJngl)
	binary.LittleEndian.PutUint64(h[journalHdrOffset+24:], 4096) // journal blockSize

	binary.LittleEndian.PutUint32(h[saveFsHdrOffset:], magicSaveFs)
	binary.LittleEndian.PutUint64(h[saveFsHdrOffset+16:], fsBlockSize)

	binary.LittleEndian.PutUint32(h[fatHdrOffset+40:], 0) // directoryTableBlk
	binary.LittleEndian.PutUint32(h[fatHdrOffset+44:], 1) // fileTableBlk

	binary.LittleEndian.PutUint32(h[mainRemapOffset:], magicRmap)
	binary.LittleEndian.PutUint32(h[mainRemapOffset+8:], 1) // mapEntryCount

	binary.LittleEndian.PutUint32(h[metaRemapOffset:], magicRmap)
	binary.LittleEndian.PutUint32(h[metaRemapOffset+8:], 1)

	sum := sha256.Sum256(h[duplexHdrOffset:])
	copy(h[layoutOff+8:layoutOff+0x28], sum[:])

	copy(r[0:headerSize], h)
	return r
}

func TestOpenAndReadFile(t *testing.T) {
	content := []byte("hello world")
	r := buildMinimalSaveFile(content)

	ks := keys.New()
	sf, err := Open(byteReaderAt{r}, ks, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if sf.CmacValid() {
		t.Fatalf("expected CmacValid to be false: no save_mac_key was loaded")
	}

	got, err := sf.ReadFile("/hello.txt", 0, int64(len(content)))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("ReadFile = %q, want %q", got, content)
	}
}

func TestOpenAndReadFilePartial(t *testing.T) {
	content := []byte("hello world")
	r := buildMinimalSaveFile(content)

	ks := keys.New()
	sf, err := Open(byteReaderAt{r}, ks, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := sf.ReadFile("/hello.txt", 6, 5)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("ReadFile = %q, want %q", got, "world")
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	r := buildMinimalSaveFile([]byte("x"))
	r[fsLayoutOffset] ^= 0xFF // corrupt fs_layout_t's magic

	ks := keys.New()
	if _, err := Open(byteReaderAt{r}, ks, false); err == nil {
		t.Fatalf("expected Open to fail on a corrupted header magic")
	}
}
