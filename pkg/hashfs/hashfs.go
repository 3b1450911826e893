// Package hashfs parses HFS0 ("Hash File System") partitions: the
// SHA-256-verified container format gamecards use to wrap their Root,
// Update, Logo, Normal, Secure and Boot partitions (spec §3 HashFsHeader,
// §4.C). It generalizes the teacher's PFS0 reader (falk-nsz-go's
// pkg/fs/pfs0.go, which parses the same entry-table/string-table shape for
// NSP files but has no hashing at all) by adding the header/entry hash
// verification gamecard partitions require.
package hashfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
)

const (
	magicHFS0 = "HFS0"

	rawHeaderSize = 0x10 // magic + entry_count + name_table_size + reserved
	entrySize     = 0x40 // offset + size + name_offset + hash_target_size + hash_target_offset + sha256
)

// Entry describes one member of a Hash FS partition.
type Entry struct {
	Name              string
	Offset            int64 // relative to the start of partition data (after header)
	Size              int64
	HashTargetSize    int64
	HashTargetOffset  int64
	SHA256            [32]byte
}

// HashFs is a parsed, hash-verified HFS0 partition.
type HashFs struct {
	r        io.ReaderAt
	base     int64 // absolute offset of the partition within r
	dataBase int64 // absolute offset where entry data begins (base + header size)
	entries  []Entry
	byName   map[string]int
}

// Open parses and verifies an HFS0 partition.
//
//   - r/offset/size locate the partition within the underlying reader.
//   - expectedHeaderHash is the hash the caller already trusts (the signed
//     gamecard header's partition_fs_header_hash for the root partition, or
//     a parent entry's SHA256 for a child partition).
//   - hashTargetOffset/hashTargetSize select which byte range of the raw
//     header the hash covers (spec §4.C step 3).
//   - salt, when non-nil, is appended after the hashed range — used only
//     for the root partition on non-Normal gamecard compatibility types
//     (spec §4.B step 2f, §6 "HashFs header hashing with optional 1-byte
//     compatibility-type salt").
func Open(r io.ReaderAt, offset, size int64, expectedHeaderHash []byte, hashTargetOffset, hashTargetSize int64, salt []byte) (*HashFs, error) {
	rawHeader := make([]byte, rawHeaderSize)
	if _, err := r.ReadAt(rawHeader, offset); err != nil {
		return nil, coreerr.IO(err)
	}
	if string(rawHeader[:4]) != magicHFS0 {
		return nil, coreerr.CorruptHeader(coreerr.WhichHashFs, fmt.Sprintf("bad magic %q", rawHeader[:4]))
	}
	entryCount := binary.LittleEndian.Uint32(rawHeader[4:8])
	nameTableSize := binary.LittleEndian.Uint32(rawHeader[8:12])

	fullHeaderSize := int64(rawHeaderSize) + int64(entryCount)*entrySize + int64(nameTableSize)
	if fullHeaderSize > size {
		return nil, coreerr.CorruptHeader(coreerr.WhichHashFs, "header larger than partition")
	}

	fullHeader := make([]byte, fullHeaderSize)
	if _, err := r.ReadAt(fullHeader, offset); err != nil {
		return nil, coreerr.IO(err)
	}

	if hashTargetSize <= 0 {
		// A zero/negative hashTargetSize means "the whole raw header", used
		// for the root partition whose header length is self-describing
		// and not known to the caller ahead of parsing it (spec §4.C).
		hashTargetSize = fullHeaderSize - hashTargetOffset
	}
	if hashTargetOffset < 0 || hashTargetOffset+hashTargetSize > fullHeaderSize {
		return nil, coreerr.CorruptHeader(coreerr.WhichHashFs, "hash target range out of bounds")
	}
	toHash := fullHeader[hashTargetOffset : hashTargetOffset+hashTargetSize]
	if salt != nil {
		toHash = append(append([]byte{}, toHash...), salt...)
	}
	computed := crypto.SHA256(toHash)
	if expectedHeaderHash != nil && !equalHash(computed[:], expectedHeaderHash) {
		return nil, coreerr.HashMismatch("HashFsHeader", offset)
	}

	nameTableOffset := rawHeaderSize + int64(entryCount)*entrySize
	nameTable := fullHeader[nameTableOffset : nameTableOffset+int64(nameTableSize)]

	entries := make([]Entry, entryCount)
	byName := make(map[string]int, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		raw := fullHeader[rawHeaderSize+int64(i)*entrySize:]
		e := Entry{
			Offset:           int64(binary.LittleEndian.Uint64(raw[0:8])),
			Size:             int64(binary.LittleEndian.Uint64(raw[8:16])),
			HashTargetOffset: int64(binary.LittleEndian.Uint64(raw[24:32])),
		}
		nameOffset := binary.LittleEndian.Uint32(raw[16:20])
		e.HashTargetSize = int64(binary.LittleEndian.Uint32(raw[20:24]))
		copy(e.SHA256[:], raw[32:64])

		name, err := readCString(nameTable, nameOffset)
		if err != nil {
			return nil, coreerr.CorruptHeader(coreerr.WhichHashFs, err.Error())
		}
		e.Name = name

		if e.Offset+e.Size > size-fullHeaderSize {
			return nil, coreerr.CorruptHeader(coreerr.WhichHashFs, fmt.Sprintf("entry %q exceeds partition size", name))
		}

		entries[i] = e
		byName[name] = int(i)
	}

	return &HashFs{
		r:        r,
		base:     offset,
		dataBase: offset + fullHeaderSize,
		entries:  entries,
		byName:   byName,
	}, nil
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

func readCString(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("name offset %d out of bounds", offset)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	if end >= uint32(len(table)) {
		return "", fmt.Errorf("name at offset %d is not NUL-terminated", offset)
	}
	return string(table[offset:end]), nil
}

// EntryCount returns the number of entries in the partition.
func (h *HashFs) EntryCount() int { return len(h.entries) }

// EntryByIndex returns the entry at the given index.
func (h *HashFs) EntryByIndex(i int) (Entry, error) {
	if i < 0 || i >= len(h.entries) {
		return Entry{}, coreerr.NotFound(fmt.Sprintf("hashfs entry index %d", i))
	}
	return h.entries[i], nil
}

// EntryByName looks up an entry by its exact name.
func (h *HashFs) EntryByName(name string) (Entry, error) {
	i, ok := h.byName[name]
	if !ok {
		return Entry{}, coreerr.NotFound(fmt.Sprintf("hashfs entry %q", name))
	}
	return h.entries[i], nil
}

// AbsoluteOffset returns the entry's absolute offset and size within the
// underlying reader (used for HfsPartition{type,name} stream kinds, §6).
func (h *HashFs) AbsoluteOffset(e Entry) (offset, size int64) {
	return h.dataBase + e.Offset, e.Size
}

// ReadEntry reads len(out) bytes from entry starting at the given offset
// relative to the entry's own data.
func (h *HashFs) ReadEntry(e Entry, offset int64, out []byte) (int, error) {
	if offset < 0 || offset+int64(len(out)) > e.Size {
		return 0, fmt.Errorf("read [%d,%d) out of bounds for entry of size %d", offset, offset+int64(len(out)), e.Size)
	}
	n, err := h.r.ReadAt(out, h.dataBase+e.Offset+offset)
	if err != nil && err != io.EOF {
		return n, coreerr.IO(err)
	}
	return n, nil
}

// NewEntryReader returns an io.SectionReader over the entry's data, useful
// for handing an entry to an NCA/ticket parser that expects an io.ReaderAt.
func (h *HashFs) NewEntryReader(e Entry) *io.SectionReader {
	return io.NewSectionReader(h.r, h.dataBase+e.Offset, e.Size)
}

// ChildHeaderHash returns the entry's SHA256 field, used to verify the
// header of a child HashFs nested inside this one (spec §3 HashFsHeader
// invariant: "child partition headers are verified using the corresponding
// root entry's sha256").
func (e Entry) ChildHeaderHash() []byte {
	out := make([]byte, 32)
	copy(out, e.SHA256[:])
	return out
}
