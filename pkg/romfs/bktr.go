package romfs

import (
	"github.com/falk/nxcore/pkg/nca"
)

// BktrRomFs is a patched RomFS view backed by an already-composed patch NCA
// FS-section storage (spec §4.J BktrRomFs::open: "performs the §4.I wiring
// and then opens a RomFs from the patch section; the file table is the
// patch's, while reads transparently pull from both NCAs"). The Indirect +
// AesCtrEx composition itself, including the "missing base RomFS" all-zeros
// fallback, is performed by nca.Nca.OpenFsSection/OpenStorage before this
// type is constructed; BktrRomFs only adds directory/file table semantics
// and patch-range queries on top of that already-composed storage.
type BktrRomFs struct {
	*RomFs
	storage *nca.Storage
}

// OpenBktr parses the patched RomFS directory/file tables out of
// patchStorage, an NCA FS-section storage already composed via
// nca.Nca.OpenFsSection with the base NCA's storage wired as its Indirect
// SubStorage 0.
func OpenBktr(patchStorage *nca.Storage) (*BktrRomFs, error) {
	r, err := Open(patchStorage)
	if err != nil {
		return nil, err
	}
	return &BktrRomFs{RomFs: r, storage: patchStorage}, nil
}

// IsFileUpdated reports whether any part of entry's data extent falls
// inside the patch's indirect-covered ranges (spec §4.J is_file_updated).
func (b *BktrRomFs) IsFileUpdated(entry FileEntry) (bool, error) {
	off := b.header.bodyOffset + entry.DataOffset
	return b.storage.IsBlockWithinPatchRange(off, entry.DataSize)
}
