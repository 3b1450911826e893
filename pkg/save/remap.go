package save

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/falk/nxcore/pkg/coreerr"
)

const remapEntrySize = 0x20

type remapEntry struct {
	virtualOffset  int64
	physicalOffset int64
	size           int64
	virtualEnd     int64
}

// RemapStorage translates a virtual offset space into a physical one through
// a sorted list of contiguous segments (spec §4.E RemapStorage, grounded on
// save_remap_read/save_remap_get_map_entry). The original builds a
// segment-bucket index of linked lists keyed by the high bits of the virtual
// offset (save_remap_init_segments); since entries are stored in increasing
// virtual_offset order on disk, a single sorted slice searched with
// sort.Search is functionally equivalent and considerably simpler.
type RemapStorage struct {
	base       io.ReaderAt
	baseOffset int64
	entries    []remapEntry
}

func parseRemapEntries(raw []byte) []remapEntry {
	count := len(raw) / remapEntrySize
	entries := make([]remapEntry, 0, count)
	for i := 0; i < count; i++ {
		rec := raw[i*remapEntrySize : (i+1)*remapEntrySize]
		virt := int64(binary.LittleEndian.Uint64(rec[0:8]))
		phys := int64(binary.LittleEndian.Uint64(rec[8:16]))
		size := int64(binary.LittleEndian.Uint64(rec[16:24]))
		entries = append(entries, remapEntry{
			virtualOffset:  virt,
			physicalOffset: phys,
			size:           size,
			virtualEnd:     virt + size,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].virtualOffset < entries[j].virtualOffset })
	return entries
}

// newRemapStorage builds a RemapStorage reading through base, offset by
// baseOffset (spec §4.E, grounded on remap_storage_ctx_t::base_storage_offset:
// the data remap storage sets this to file_map_data_offset; the meta remap
// storage, layered over the duplex storage, leaves it zero).
func newRemapStorage(base io.ReaderAt, baseOffset int64, rawEntries []byte) *RemapStorage {
	return &RemapStorage{base: base, baseOffset: baseOffset, entries: parseRemapEntries(rawEntries)}
}

func (r *RemapStorage) findEntry(offset int64) (remapEntry, error) {
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].virtualEnd > offset })
	if idx >= len(r.entries) || r.entries[idx].virtualOffset > offset {
		return remapEntry{}, coreerr.CorruptHeader(coreerr.WhichSave, "remap segment covering virtual offset")
	}
	return r.entries[idx], nil
}

func (r *RemapStorage) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		entry, err := r.findEntry(pos)
		if err != nil {
			return n, err
		}
		segPos := pos - entry.virtualOffset
		toRead := entry.size - segPos
		if remaining := int64(len(p) - n); toRead > remaining {
			toRead = remaining
		}
		physAt := r.baseOffset + entry.physicalOffset + segPos
		got, err := r.base.ReadAt(p[n:n+int(toRead)], physAt)
		n += got
		if err != nil {
			return n, err
		}
		if int64(got) < toRead {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, nil
}
