package save

import (
	"encoding/binary"
	"strings"

	"github.com/falk/nxcore/pkg/coreerr"
)

const (
	fsListEntrySize  = 0x60
	fsListMaxNameLen = 0x40
)

// FsListEntry is one 0x60-byte record of a directory_table or file_table FS
// list (spec §4.E FsListEntry, grounded on save_fs_list_entry_t). The value
// union is interpreted as directory fields (NextDirectory/NextFile) by the
// directory table and as file fields (StartBlock/Length) by the file table;
// both views are exposed and the caller picks the one that applies.
type FsListEntry struct {
	Parent      uint32
	Name        string
	NextSibling uint32
	StartBlock  uint32
	Length      uint64
	NextDir     uint32
	NextFile    uint32
	Next        uint32
}

func cString(raw []byte) string {
	if i := indexByte(raw, 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func parseFsListEntry(raw []byte) FsListEntry {
	parent := binary.LittleEndian.Uint32(raw[0:4])
	name := cString(raw[4 : 4+fsListMaxNameLen])
	nextSibling := binary.LittleEndian.Uint32(raw[0x44:0x48])
	startBlock := binary.LittleEndian.Uint32(raw[0x48:0x4C])
	length := binary.LittleEndian.Uint64(raw[0x4C:0x54])
	nextDir := binary.LittleEndian.Uint32(raw[0x48:0x4C])
	nextFile := binary.LittleEndian.Uint32(raw[0x4C:0x50])
	next := binary.LittleEndian.Uint32(raw[0x5C:0x60])
	return FsListEntry{
		Parent:      parent,
		Name:        name,
		NextSibling: nextSibling,
		StartBlock:  startBlock,
		Length:      length,
		NextDir:     nextDir,
		NextFile:    nextFile,
		Next:        next,
	}
}

// FsList is a linked list of FsListEntry records stored in a FAT-backed
// allocation table storage, with a fixed used/free list head layout (spec
// §4.E FsList, grounded on save_filesystem_list_ctx_t / save_filesystem_init,
// which always sets free_list_head_index=0, used_list_head_index=1).
type FsList struct {
	storage  *AllocationTableStorage
	capacity uint32
}

func newFsList(storage *AllocationTableStorage) *FsList {
	return &FsList{storage: storage}
}

func (l *FsList) getCapacity() (uint32, error) {
	if l.capacity != 0 {
		return l.capacity, nil
	}
	var buf [4]byte
	if _, err := l.storage.ReadAt(buf[:], 4); err != nil {
		return 0, coreerr.IO(err)
	}
	l.capacity = binary.LittleEndian.Uint32(buf[:])
	return l.capacity, nil
}

func (l *FsList) readEntry(index uint32) (FsListEntry, error) {
	raw := make([]byte, fsListEntrySize)
	if _, err := l.storage.ReadAt(raw, int64(index)*fsListEntrySize); err != nil {
		return FsListEntry{}, coreerr.IO(err)
	}
	return parseFsListEntry(raw), nil
}

// getValue reads the entry at index after bounds-checking it against the
// list's capacity (grounded on save_fs_list_get_value).
func (l *FsList) getValue(index uint32) (FsListEntry, error) {
	capacity, err := l.getCapacity()
	if err != nil {
		return FsListEntry{}, err
	}
	if index >= capacity {
		return FsListEntry{}, coreerr.NotFound("save fs list index")
	}
	return l.readEntry(index)
}

const usedListHeadIndex = 1

// indexFromKey walks the used list looking for an entry matching (parent,
// name) (spec §4.E, grounded on save_fs_list_get_index_from_key).
func (l *FsList) indexFromKey(parent uint32, name string) (uint32, error) {
	capacity, err := l.getCapacity()
	if err != nil {
		return 0, err
	}

	head, err := l.readEntry(usedListHeadIndex)
	if err != nil {
		return 0, err
	}

	index := head.Next
	for index != 0 {
		if index > capacity {
			return 0, coreerr.CorruptHeader(coreerr.WhichSave, "save fs list index out of range")
		}
		entry, err := l.readEntry(index)
		if err != nil {
			return 0, err
		}
		if entry.Parent == parent && entry.Name == name {
			return index, nil
		}
		index = entry.Next
	}
	return 0, coreerr.NotFound("save fs list entry")
}

// HierarchicalFileTable composes the parallel directory_table/file_table FS
// lists and resolves slash-separated paths (spec §4.E
// HierarchicalFileTable, grounded on hierarchical_save_file_table_ctx_t).
type HierarchicalFileTable struct {
	directoryTable *FsList
	fileTable      *FsList
}

func newHierarchicalFileTable(directoryTable, fileTable *FsList) *HierarchicalFileTable {
	return &HierarchicalFileTable{directoryTable: directoryTable, fileTable: fileTable}
}

// findPathKey resolves path's parent directory table index and final
// component name (spec §4.E find_path, grounded on
// save_hierarchical_file_table_find_path_recursive). This faithfully
// reproduces an original quirk: the loop's first iteration always takes
// pos at the leading '/' itself, so tmp==pos trivially and the first key
// looked up has an empty name under parent=0, resolving to the root
// directory entry; every subsequent iteration then walks a real path
// component. A path with no leading '/' does not start this chain and
// will fail to resolve, matching the original's behavior.
func (t *HierarchicalFileTable) findPathKey(path string) (parent uint32, name string, err error) {
	if path == "" {
		return 0, "", coreerr.NotFound("save file path")
	}

	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return 0, "", coreerr.NotFound("save file path: missing leading '/'")
	}

	parent = 0
	pos := path[idx:]
	for {
		tmp := strings.IndexByte(pos, '/')
		if tmp < 0 {
			name = pos
			return parent, name, nil
		}
		// tmp==0 on the first iteration: pos itself starts with '/', so the
		// component between pos and tmp is empty.
		component := pos[:tmp]
		parent, err = t.directoryTable.indexFromKey(parent, component)
		if err != nil {
			return 0, "", err
		}
		pos = pos[tmp+1:]
	}
}

// FileEntryByPath resolves path to its file_table entry (spec §4.E
// get_file_entry_by_path).
func (t *HierarchicalFileTable) FileEntryByPath(path string) (FsListEntry, error) {
	parent, name, err := t.findPathKey(path)
	if err != nil {
		return FsListEntry{}, err
	}
	index, err := t.fileTable.indexFromKey(parent, name)
	if err != nil {
		return FsListEntry{}, err
	}
	return t.fileTable.getValue(index)
}

// DirEntryByPath resolves path to its directory_table entry.
func (t *HierarchicalFileTable) DirEntryByPath(path string) (FsListEntry, error) {
	parent, name, err := t.findPathKey(path)
	if err != nil {
		return FsListEntry{}, err
	}
	index, err := t.directoryTable.indexFromKey(parent, name)
	if err != nil {
		return FsListEntry{}, err
	}
	return t.directoryTable.getValue(index)
}
