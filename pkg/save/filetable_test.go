package save

import (
	"encoding/binary"
	"testing"
)

func buildFsListEntryRaw(parent uint32, name string, nextSibling, valA uint32, valB uint64, next uint32) []byte {
	rec := make([]byte, fsListEntrySize)
	binary.LittleEndian.PutUint32(rec[0:4], parent)
	copy(rec[4:4+fsListMaxNameLen], name)
	binary.LittleEndian.PutUint32(rec[0x44:0x48], nextSibling)
	binary.LittleEndian.PutUint32(rec[0x48:0x4C], valA)
	binary.LittleEndian.PutUint64(rec[0x4C:0x54], valB)
	binary.LittleEndian.PutUint32(rec[0x5C:0x60], next)
	return rec
}

// buildFsList assembles a 3-entry FsList: index 0 is the free list head
// (its name field's first 4 bytes carry the list capacity), index 1 is the
// used list head pointing at index 2, and index 2 is the single real
// record, matching save_filesystem_init's fixed free=0/used=1 head layout.
func buildFsList(capacity uint32, entry2 []byte) *FsList {
	data := make([]byte, 3*fsListEntrySize)

	head0 := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(head0[4:8], capacity)
	copy(data[0:fsListEntrySize], head0)

	head1 := buildFsListEntryRaw(0, "", 0, 0, 0, 2)
	copy(data[fsListEntrySize:2*fsListEntrySize], head1)

	copy(data[2*fsListEntrySize:3*fsListEntrySize], entry2)

	fat := &AllocationTable{base: byteReaderAt{buildSingleRunTable(0, 3)}}
	storage := newAllocationTableStorage(fat, byteReaderAt{data}, fsListEntrySize, 0)
	return newFsList(storage)
}

func TestFsListIndexFromKey(t *testing.T) {
	entry2 := buildFsListEntryRaw(0, "", 0, 0, 0, 0) // root dir entry: parent=0, name=""
	l := buildFsList(3, entry2)

	idx, err := l.indexFromKey(0, "")
	if err != nil {
		t.Fatalf("indexFromKey: %v", err)
	}
	if idx != 2 {
		t.Fatalf("index = %d, want 2", idx)
	}

	if _, err := l.indexFromKey(0, "missing"); err == nil {
		t.Fatalf("expected NotFound for a nonexistent key")
	}
}

func TestHierarchicalFileTableFileEntryByPath(t *testing.T) {
	rootDirEntry := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	directoryTable := buildFsList(3, rootDirEntry)

	// the file entry's parent is the root directory entry's OWN index in
	// the directory table (2), not the literal directory key 0.
	fileEntry := buildFsListEntryRaw(2, "foo.txt", 0, 7, 42, 0)
	fileTable := buildFsList(3, fileEntry)

	ft := newHierarchicalFileTable(directoryTable, fileTable)

	entry, err := ft.FileEntryByPath("/foo.txt")
	if err != nil {
		t.Fatalf("FileEntryByPath: %v", err)
	}
	if entry.StartBlock != 7 || entry.Length != 42 {
		t.Fatalf("entry = %+v, want StartBlock=7 Length=42", entry)
	}
}

func TestHierarchicalFileTableMissingFile(t *testing.T) {
	rootDirEntry := buildFsListEntryRaw(0, "", 0, 0, 0, 0)
	directoryTable := buildFsList(3, rootDirEntry)
	fileEntry := buildFsListEntryRaw(2, "foo.txt", 0, 7, 42, 0)
	fileTable := buildFsList(3, fileEntry)

	ft := newHierarchicalFileTable(directoryTable, fileTable)
	if _, err := ft.FileEntryByPath("/bar.txt"); err == nil {
		t.Fatalf("expected an error for a nonexistent file")
	}
}
