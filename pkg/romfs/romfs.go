// Package romfs parses RomFS, the read-only directory/file table format
// carried inside NCA RomFs FS-sections (spec §4.J RomFs / BktrRomFs). It is
// grounded on the teacher's PFS0 reader (falk-nsz-go's pkg/fs/pfs0.go, which
// walks a flat entry-table-plus-name-table layout for NSP partitions)
// generalized to RomFS's two header shapes and its linked directory/file
// entry chains.
package romfs

import (
	"io"
	"path"

	"github.com/falk/nxcore/pkg/coreerr"
)

const (
	OldHeaderSize       = 0x28
	HeaderSize          = 0x50
	VoidEntry           = 0xFFFFFFFF
	TableEntryAlignment = 4

	dirEntryFixedSize  = 0x18
	fileEntryFixedSize = 0x20
)

// Shape identifies which on-disk header layout a RomFS section carries
// (spec §4.J: "Nca0Legacy (0x28 bytes): all offsets are u32. Current (0x50
// bytes): all offsets are u64.").
type Shape int

const (
	ShapeCurrent Shape = iota
	ShapeNca0Legacy
)

type header struct {
	shape                                 Shape
	dirEntryOffset, dirEntrySize           int64
	fileEntryOffset, fileEntrySize         int64
	bodyOffset                             int64
}

// DirEntry is one directory node in the table (spec §4.J directory entry
// layout).
type DirEntry struct {
	Offset         uint32
	Parent         uint32
	NextSibling    uint32
	FirstChildDir  uint32
	FirstChildFile uint32
	HashBucket     uint32
	Name           string
}

// FileEntry is one file node in the table (spec §4.J file entry layout).
type FileEntry struct {
	Offset      uint32
	Parent      uint32
	NextSibling uint32
	DataOffset  int64
	DataSize    int64
	HashBucket  uint32
	Name        string
}

// RomFs is a parsed RomFS directory tree bound to the section it was read
// from (spec §4.J "RomFs::open parses header, reads the dir + file tables
// into memory, and stores the body offset").
type RomFs struct {
	section   io.ReaderAt
	header    header
	dirTable  []byte
	fileTable []byte
}

// Open parses a RomFS header and loads its directory/file tables out of
// section (spec §4.J RomFs::open).
func Open(section io.ReaderAt) (*RomFs, error) {
	raw := make([]byte, HeaderSize)
	n, err := section.ReadAt(raw, 0)
	if err != nil && err != io.EOF {
		return nil, coreerr.IO(err)
	}
	raw = raw[:n]

	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	dirTable := make([]byte, hdr.dirEntrySize)
	if hdr.dirEntrySize > 0 {
		if _, err := section.ReadAt(dirTable, hdr.dirEntryOffset); err != nil && err != io.EOF {
			return nil, coreerr.IO(err)
		}
	}
	fileTable := make([]byte, hdr.fileEntrySize)
	if hdr.fileEntrySize > 0 {
		if _, err := section.ReadAt(fileTable, hdr.fileEntryOffset); err != nil && err != io.EOF {
			return nil, coreerr.IO(err)
		}
	}

	return &RomFs{section: section, header: hdr, dirTable: dirTable, fileTable: fileTable}, nil
}

func parseHeader(raw []byte) (header, error) {
	// Field order (both shapes): header_size, directory_bucket_{offset,size},
	// directory_entry_{offset,size}, file_bucket_{offset,size},
	// file_entry_{offset,size}, body_offset.
	if len(raw) >= 4 && leUint32(raw[0:4]) == OldHeaderSize {
		return header{
			shape:           ShapeNca0Legacy,
			dirEntryOffset:  int64(leUint32(raw[0x0C:0x10])),
			dirEntrySize:    int64(leUint32(raw[0x10:0x14])),
			fileEntryOffset: int64(leUint32(raw[0x1C:0x20])),
			fileEntrySize:   int64(leUint32(raw[0x20:0x24])),
			bodyOffset:      int64(leUint32(raw[0x24:0x28])),
		}, nil
	}
	if len(raw) >= 8 && leUint64(raw[0:8]) == HeaderSize {
		return header{
			shape:           ShapeCurrent,
			dirEntryOffset:  int64(leUint64(raw[0x18:0x20])),
			dirEntrySize:    int64(leUint64(raw[0x20:0x28])),
			fileEntryOffset: int64(leUint64(raw[0x38:0x40])),
			fileEntrySize:   int64(leUint64(raw[0x40:0x48])),
			bodyOffset:      int64(leUint64(raw[0x48:0x50])),
		}, nil
	}
	return header{}, coreerr.CorruptHeader(coreerr.WhichRomfs, "romfs header size")
}

// BodyOffset is the RomFS file-data body's offset, relative to the start of
// the RomFS.
func (r *RomFs) BodyOffset() int64 { return r.header.bodyOffset }

func (r *RomFs) dirEntryAt(offset uint32) (DirEntry, error) {
	if offset == VoidEntry {
		return DirEntry{}, coreerr.NotFound("romfs directory entry")
	}
	table := r.dirTable
	off := int64(offset)
	if off+dirEntryFixedSize > int64(len(table)) {
		return DirEntry{}, coreerr.CorruptHeader(coreerr.WhichRomfs, "directory entry out of range")
	}
	rec := table[off : off+dirEntryFixedSize]
	nameLen := leUint32(rec[20:24])
	nameEnd := off + dirEntryFixedSize + int64(nameLen)
	if nameEnd > int64(len(table)) {
		return DirEntry{}, coreerr.CorruptHeader(coreerr.WhichRomfs, "directory entry name out of range")
	}
	return DirEntry{
		Offset:         offset,
		Parent:         leUint32(rec[0:4]),
		NextSibling:    leUint32(rec[4:8]),
		FirstChildDir:  leUint32(rec[8:12]),
		FirstChildFile: leUint32(rec[12:16]),
		HashBucket:     leUint32(rec[16:20]),
		Name:           string(table[off+dirEntryFixedSize : nameEnd]),
	}, nil
}

func (r *RomFs) fileEntryAt(offset uint32) (FileEntry, error) {
	if offset == VoidEntry {
		return FileEntry{}, coreerr.NotFound("romfs file entry")
	}
	table := r.fileTable
	off := int64(offset)
	if off+fileEntryFixedSize > int64(len(table)) {
		return FileEntry{}, coreerr.CorruptHeader(coreerr.WhichRomfs, "file entry out of range")
	}
	rec := table[off : off+fileEntryFixedSize]
	nameLen := leUint32(rec[28:32])
	nameEnd := off + fileEntryFixedSize + int64(nameLen)
	if nameEnd > int64(len(table)) {
		return FileEntry{}, coreerr.CorruptHeader(coreerr.WhichRomfs, "file entry name out of range")
	}
	return FileEntry{
		Offset:      offset,
		Parent:      leUint32(rec[0:4]),
		NextSibling: leUint32(rec[4:8]),
		DataOffset:  int64(leUint64(rec[8:16])),
		DataSize:    int64(leUint64(rec[16:24])),
		HashBucket:  leUint32(rec[24:28]),
		Name:        string(table[off+fileEntryFixedSize : nameEnd]),
	}, nil
}

// RootDir returns the root directory entry.
func (r *RomFs) RootDir() (DirEntry, error) { return r.dirEntryAt(0) }

// DirByPath descends path's '/'-separated components through the directory
// chain (spec §4.J entry_by_path).
func (r *RomFs) DirByPath(p string) (DirEntry, error) {
	cur, err := r.RootDir()
	if err != nil {
		return DirEntry{}, err
	}
	for _, comp := range splitPath(p) {
		child := cur.FirstChildDir
		found := false
		for child != VoidEntry {
			e, err := r.dirEntryAt(child)
			if err != nil {
				return DirEntry{}, err
			}
			if e.Name == comp {
				cur = e
				found = true
				break
			}
			child = e.NextSibling
		}
		if !found {
			return DirEntry{}, coreerr.NotFound("romfs directory " + p)
		}
	}
	return cur, nil
}

// FileByPath descends to path's parent directory, then searches its file
// chain for the final component (spec §4.J entry_by_path).
func (r *RomFs) FileByPath(p string) (FileEntry, error) {
	dir, err := r.DirByPath(path.Dir(p))
	if err != nil {
		return FileEntry{}, err
	}
	name := path.Base(p)
	child := dir.FirstChildFile
	for child != VoidEntry {
		e, err := r.fileEntryAt(child)
		if err != nil {
			return FileEntry{}, err
		}
		if e.Name == name {
			return e, nil
		}
		child = e.NextSibling
	}
	return FileEntry{}, coreerr.NotFound("romfs file " + p)
}

// ListDir returns the immediate child directories and files of p (spec
// §4.J romfs_list: walks a directory's FirstChildDir/FirstChildFile sibling
// chains without descending further).
func (r *RomFs) ListDir(p string) ([]DirEntry, []FileEntry, error) {
	dir, err := r.DirByPath(p)
	if err != nil {
		return nil, nil, err
	}

	var dirs []DirEntry
	for child := dir.FirstChildDir; child != VoidEntry; {
		e, err := r.dirEntryAt(child)
		if err != nil {
			return nil, nil, err
		}
		dirs = append(dirs, e)
		child = e.NextSibling
	}

	var files []FileEntry
	for child := dir.FirstChildFile; child != VoidEntry; {
		e, err := r.fileEntryAt(child)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, e)
		child = e.NextSibling
	}

	return dirs, files, nil
}

// ReadFile reads length bytes at offset within entry's data (spec §4.J
// read_file: "issues section.read(body_offset + entry.data_offset +
// offset, ...)").
func (r *RomFs) ReadFile(entry FileEntry, offset, length int64) ([]byte, error) {
	if offset < 0 || offset+length > entry.DataSize {
		return nil, coreerr.NotFound("romfs file read out of range")
	}
	buf := make([]byte, length)
	n, err := r.section.ReadAt(buf, r.header.bodyOffset+entry.DataOffset+offset)
	if err != nil && err != io.EOF {
		return nil, coreerr.IO(err)
	}
	return buf[:n], nil
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	var parts []string
	start := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	return parts
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
