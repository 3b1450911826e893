package save

import "io"

// DuplexStorage selects between two equally-sized mirrored byte buffers on
// a per-block basis according to a selector bitmap: a 0 bit reads from A, a
// 1 bit reads from B (spec §4.E DuplexStorage, grounded on
// save_duplex_storage_read).
type DuplexStorage struct {
	dataA, dataB []byte
	bitmap       []byte
	blockSize    int64
}

func newDuplexStorage(dataA, dataB []byte, blockSizePower uint32, packedBitmap []byte, bitCount int) *DuplexStorage {
	return &DuplexStorage{
		dataA:     dataA,
		dataB:     dataB,
		bitmap:    expandBitmap(packedBitmap, bitCount),
		blockSize: int64(1) << blockSizePower,
	}
}

func (d *DuplexStorage) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		blockNum := pos / d.blockSize
		toRead := d.blockSize - pos%d.blockSize
		if remaining := int64(len(p) - n); toRead > remaining {
			toRead = remaining
		}

		src := d.dataA
		if bitCheck(d.bitmap, int(blockNum)) {
			src = d.dataB
		}
		if pos+toRead > int64(len(src)) {
			toRead = int64(len(src)) - pos
			if toRead <= 0 {
				return n, io.EOF
			}
		}

		copy(p[n:n+int(toRead)], src[pos:pos+toRead])
		n += int(toRead)
	}
	return n, nil
}

// hierarchicalDuplexStorage builds the save format's two-level duplex
// indirection: an inner DuplexStorage over the L1 mirrored blocks, whose
// fully-materialized contents supply the bitmap for an outer DuplexStorage
// over the mirrored data blocks (spec §4.E, grounded on save_process's
// duplex_storage wiring).
func hierarchicalDuplexStorage(masterBitmap []byte, masterBits int, l1DataA, l1DataB []byte, l1BlockSizePower uint32, dataA, dataB []byte, dataBlockSizePower uint32) (*DuplexStorage, error) {
	layer0 := newDuplexStorage(l1DataA, l1DataB, l1BlockSizePower, masterBitmap, masterBits)

	l1Len := len(l1DataA)
	nextBitmapPacked := make([]byte, l1Len)
	if _, err := layer0.ReadAt(nextBitmapPacked, 0); err != nil && err != io.EOF {
		return nil, err
	}

	// The format reuses the L1 byte length directly as the next bitmap's
	// bit count (grounded on save_process: the literal duplex_l1_size field
	// is passed unmodified as both a byte length and a bit count).
	layer1 := newDuplexStorage(dataA, dataB, dataBlockSizePower, nextBitmapPacked, l1Len)
	return layer1, nil
}
