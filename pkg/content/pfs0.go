// Package content adapts PFS0 (NSP) containers into core.ContentSource,
// the concrete file-backed counterpart to the abstract interface
// Core::open_nca resolves title content through (spec §6, §4.K: "no NCM
// service exists in this environment"). Grounded on falk-nsz-go's
// pkg/fs/pfs0.go PFS0 reader, rewritten over io.ReaderAt and byte-slice
// field extraction to match the rest of this module instead of
// binary.Read into structs, and keyed by content ID (the hex filename
// stem) rather than by name so a Container can satisfy
// core.ContentSource's (storage, content_id) lookup directly.
package content

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/title"
)

const pfs0Magic = "PFS0"
const pfs0EntrySize = 0x18

type entry struct {
	offset int64
	size   int64
}

// Container is a single PFS0 (NSP) file's content-ID-to-bytes index.
type Container struct {
	r       io.ReaderAt
	entries map[[16]byte]entry
}

// Open parses one PFS0 container's header, entry table and string table
// out of r and indexes every entry whose name is a 32-hex-digit content
// ID (".nca"/".cnmt.nca" files) by that ID; entries that aren't
// (".tik"/".cert" files, say) are skipped, since nothing outside this
// package needs them.
func Open(r io.ReaderAt) (*Container, error) {
	hdr := make([]byte, 0x10)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, coreerr.IO(err)
	}
	if string(hdr[0:4]) != pfs0Magic {
		return nil, coreerr.CorruptHeader(coreerr.WhichPfs0, fmt.Sprintf("bad magic %q", hdr[0:4]))
	}
	numFiles := binary.LittleEndian.Uint32(hdr[4:8])
	stringTableSize := binary.LittleEndian.Uint32(hdr[8:12])

	entryTableSize := int64(numFiles) * pfs0EntrySize
	entryTable := make([]byte, entryTableSize)
	if _, err := r.ReadAt(entryTable, 0x10); err != nil {
		return nil, coreerr.IO(err)
	}
	stringTable := make([]byte, stringTableSize)
	if _, err := r.ReadAt(stringTable, 0x10+entryTableSize); err != nil {
		return nil, coreerr.IO(err)
	}

	base := 0x10 + entryTableSize + int64(stringTableSize)
	entries := make(map[[16]byte]entry, numFiles)
	for i := uint32(0); i < numFiles; i++ {
		rec := entryTable[int64(i)*pfs0EntrySize : int64(i)*pfs0EntrySize+pfs0EntrySize]
		dataOffset := int64(binary.LittleEndian.Uint64(rec[0:8]))
		dataSize := int64(binary.LittleEndian.Uint64(rec[8:16]))
		nameOffset := binary.LittleEndian.Uint32(rec[16:20])

		name, err := nameAt(stringTable, nameOffset)
		if err != nil {
			return nil, err
		}
		id, ok := contentIDFromName(name)
		if !ok {
			continue
		}
		entries[id] = entry{offset: base + dataOffset, size: dataSize}
	}

	return &Container{r: r, entries: entries}, nil
}

func nameAt(table []byte, offset uint32) (string, error) {
	if offset >= uint32(len(table)) {
		return "", fmt.Errorf("pfs0: name offset %d out of bounds", offset)
	}
	end := offset
	for end < uint32(len(table)) && table[end] != 0 {
		end++
	}
	return string(table[offset:end]), nil
}

func contentIDFromName(name string) ([16]byte, bool) {
	stem := name
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}
	raw, err := hex.DecodeString(stem)
	if err != nil || len(raw) != 16 {
		return [16]byte{}, false
	}
	var id [16]byte
	copy(id[:], raw)
	return id, true
}

// OpenContent satisfies core.ContentSource; storage is ignored since one
// Container already corresponds to one resolved storage location.
func (c *Container) OpenContent(storage title.StorageID, contentID [16]byte) (io.ReaderAt, int64, error) {
	e, ok := c.entries[contentID]
	if !ok {
		return nil, 0, coreerr.NotFound(fmt.Sprintf("content id %x", contentID))
	}
	return &offsetReaderAt{base: c.r, off: e.offset}, e.size, nil
}

type offsetReaderAt struct {
	base io.ReaderAt
	off  int64
}

func (o *offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, o.off+off)
}

// Set composes multiple Containers (one per mounted NSP, say) behind a
// single core.ContentSource; the first container holding contentID wins.
type Set struct {
	containers []*Container
}

// NewSet builds a Set over containers, searched in order.
func NewSet(containers ...*Container) *Set {
	return &Set{containers: containers}
}

func (s *Set) OpenContent(storage title.StorageID, contentID [16]byte) (io.ReaderAt, int64, error) {
	for _, c := range s.containers {
		if r, size, err := c.OpenContent(storage, contentID); err == nil {
			return r, size, nil
		}
	}
	return nil, 0, coreerr.NotFound(fmt.Sprintf("content id %x in any container", contentID))
}
