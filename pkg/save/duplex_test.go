package save

import (
	"bytes"
	"testing"
)

func TestDuplexStorageSelectsByBit(t *testing.T) {
	blockSize := uint32(4) // block_size_power: 1<<4 == 16 bytes
	dataA := bytes.Repeat([]byte{0xAA}, 32)
	dataB := bytes.Repeat([]byte{0xBB}, 32)

	// bit0 -> A (block 0), bit1 -> B (block 1)
	packed := []byte{0, 0, 0, 0x40} // little-endian 0x40000000: bit index 1 set (MSB-first, bit1)
	d := newDuplexStorage(dataA, dataB, blockSize, packed, 2)

	buf := make([]byte, 32)
	n, err := d.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 32 {
		t.Fatalf("short read: %d", n)
	}
	if !bytes.Equal(buf[0:16], dataA[0:16]) {
		t.Fatalf("block 0 should read from A")
	}
	if !bytes.Equal(buf[16:32], dataB[16:32]) {
		t.Fatalf("block 1 should read from B")
	}
}

func TestHierarchicalDuplexStorageReusesL1LengthAsBitCount(t *testing.T) {
	// Two L1 blocks of 4 bytes each (block_size_power=2 -> 4 bytes/block),
	// whose contents become the next bitmap, reused unmodified as a bit
	// count rather than multiplied by 8 (grounded on save_process's literal
	// parameter passing).
	l1A := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	l1B := []byte{0x00, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00}

	// master bitmap (little-endian 0x80000000) selects block 0 (the first
	// 4-byte L1 block) from B.
	masterBitmap := []byte{0, 0, 0, 0x80}

	dataBlockSize := uint32(2) // 4 bytes/block
	dataA := bytes.Repeat([]byte{0x11}, 16)
	dataB := bytes.Repeat([]byte{0x22}, 16)

	d, err := hierarchicalDuplexStorage(masterBitmap, 2, l1A, l1B, 2, dataA, dataB, dataBlockSize)
	if err != nil {
		t.Fatalf("hierarchicalDuplexStorage: %v", err)
	}

	// The materialized next-level bitmap's first word is l1B's first word
	// (since L1 block 0 comes from B): little-endian 0x80000000 sets bit0 of the 8-bit data
	// bitmap (bitCount == l1Len == 8, not l1Len*8), so data block 0 reads
	// from B.
	buf := make([]byte, 4)
	if _, err := d.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, dataB[0:4]) {
		t.Fatalf("expected data block 0 from B, got %x", buf)
	}
}
