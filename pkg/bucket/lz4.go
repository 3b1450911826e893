package bucket

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/lz4"

	"github.com/falk/nxcore/pkg/coreerr"
)

// readLz4Chunk decompresses a Compressed-variant entry's physical bytes and
// copies the requested sub-range into out (spec §4.G Compressed: "Lz4 ->
// LZ4 block-decompress with known decompressed size").
func (t *Tree) readLz4Chunk(entry Entry, chunkOff int64, out []byte) error {
	compressed := make([]byte, entry.PhysicalSize)
	if err := t.readSubstorage(0, entry.PhysicalOffset, compressed); err != nil {
		return err
	}

	decompressedSize := t.spanFor(entry)
	decompressed := make([]byte, decompressedSize)
	r := lz4.NewReader(bytes.NewReader(compressed))
	if _, err := io.ReadFull(r, decompressed); err != nil {
		return coreerr.CorruptHeader(coreerr.WhichBucket, "lz4 chunk: "+err.Error())
	}

	if chunkOff < 0 || chunkOff+int64(len(out)) > decompressedSize {
		return coreerr.HashMismatch("bucket-compressed", entry.PhysicalOffset+chunkOff)
	}
	copy(out, decompressed[chunkOff:chunkOff+int64(len(out))])
	return nil
}
