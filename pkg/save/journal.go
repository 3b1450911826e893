package save

import (
	"encoding/binary"
	"io"

	"github.com/falk/nxcore/pkg/coreerr"
)

// JournalStorage remaps virtual journal block numbers to physical block
// indices before reading through a RemapStorage (spec §4.E JournalStorage,
// grounded on save_journal_storage_read). The on-disk map is an array of
// 8-byte slots; only the low 31 bits of the first word of each slot carry
// the physical index (the second word is unused by this layer), and the
// high bit of the first word is a validity flag this layer does not need to
// interpret.
type JournalStorage struct {
	remap          *RemapStorage
	physicalBlocks []uint32
	blockSize      int64
	dataOffset     int64
}

func parseJournalMap(raw []byte) []uint32 {
	count := len(raw) / 8
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		v := binary.LittleEndian.Uint32(raw[i*8 : i*8+4])
		out[i] = v & 0x7FFFFFFF
	}
	return out
}

func newJournalStorage(remap *RemapStorage, rawMap []byte, blockSize, dataOffset int64) *JournalStorage {
	return &JournalStorage{
		remap:          remap,
		physicalBlocks: parseJournalMap(rawMap),
		blockSize:      blockSize,
		dataOffset:     dataOffset,
	}
}

func (j *JournalStorage) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		blockNum := pos / j.blockSize
		blockPos := pos % j.blockSize
		if int(blockNum) >= len(j.physicalBlocks) {
			return n, coreerr.CorruptHeader(coreerr.WhichSave, "journal block number out of range")
		}
		physIdx := int64(j.physicalBlocks[blockNum])

		toRead := j.blockSize - blockPos
		if remaining := int64(len(p) - n); toRead > remaining {
			toRead = remaining
		}

		physAt := j.dataOffset + physIdx*j.blockSize + blockPos
		got, err := j.remap.ReadAt(p[n:n+int(toRead)], physAt)
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
