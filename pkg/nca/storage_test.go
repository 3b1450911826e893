package nca

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/falk/nxcore/pkg/bucket"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/hashtree"
)

func TestOpenStorageRegularHashNone(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("abcd"), 8)
	fsh := &FsHeader{HashType: HashNone}

	storage, err := OpenStorage(plainReaderAt{data}, int64(len(data)), fsh, OpenStorageOptions{})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	if storage.BaseType != BaseRegular {
		t.Fatalf("base type = %v, want Regular", storage.BaseType)
	}
	got := make([]byte, len(data))
	if _, err := storage.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("passthrough mismatch")
	}
}

func TestOpenStorageHierarchicalSha256(t *testing.T) {
	t.Parallel()

	block0 := bytes.Repeat([]byte{0x01}, 0x200)
	block1 := bytes.Repeat([]byte{0x02}, 0x200)
	hash0 := crypto.SHA256(block0)
	hash1 := crypto.SHA256(block1)

	section := make([]byte, 0x40+0x400)
	copy(section[0x00:0x20], hash0[:])
	copy(section[0x20:0x40], hash1[:])
	copy(section[0x40:0x240], block0)
	copy(section[0x240:0x440], block1)

	fsh := &FsHeader{
		HashType: HashHierarchicalSha256,
		HashInfo: HashInfo{
			BlockSize:       0x200,
			HashLayerOffset: 0,
			HashLayerSize:   0x40,
			DataLayerOffset: 0x40,
			DataLayerSize:   0x400,
		},
	}

	storage, err := OpenStorage(plainReaderAt{section}, int64(len(section)), fsh, OpenStorageOptions{Verify: true})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	off, size := storage.HashTargetExtents()
	if off != 0x40 || size != 0x400 {
		t.Fatalf("hash target extents = %#x/%#x", off, size)
	}

	got := make([]byte, 0x400)
	if _, err := storage.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	want := append(append([]byte{}, block0...), block1...)
	if !bytes.Equal(got, want) {
		t.Fatalf("data mismatch")
	}
}

// ivfcHashBlock mirrors hashtree's unexported block-hashing formula
// (sha256(salt||block) with the top bit of the last byte forced set) so
// fixtures built here verify against the real Ivfc implementation.
func ivfcHashBlock(salt, block []byte) [32]byte {
	h := sha256.New()
	if salt != nil {
		h.Write(salt)
	}
	h.Write(block)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	sum[31] |= 0x80
	return sum
}

func TestOpenStorageHierarchicalIntegrity(t *testing.T) {
	t.Parallel()

	sig := crypto.SHA256([]byte("salt"))
	dataBlock := bytes.Repeat([]byte{0xCD}, 0x200)

	saltData := hashtree.SaltForLevel(sig[:], 6)
	dataHash := ivfcHashBlock(saltData, dataBlock)

	l4 := make([]byte, 0x200)
	copy(l4[0:32], dataHash[:])
	saltL4 := hashtree.SaltForLevel(sig[:], 5)
	l4Hash := ivfcHashBlock(saltL4, l4)

	l3 := make([]byte, 0x200)
	copy(l3[0:32], l4Hash[:])
	saltL3 := hashtree.SaltForLevel(sig[:], 4)
	l3Hash := ivfcHashBlock(saltL3, l3)

	l2 := make([]byte, 0x200)
	copy(l2[0:32], l3Hash[:])
	saltL2 := hashtree.SaltForLevel(sig[:], 3)
	l2Hash := ivfcHashBlock(saltL2, l2)

	l1 := make([]byte, 0x200)
	copy(l1[0:32], l2Hash[:])
	saltL1 := hashtree.SaltForLevel(sig[:], 2)
	l1Hash := ivfcHashBlock(saltL1, l1)

	l0 := make([]byte, 0x200)
	copy(l0[0:32], l1Hash[:])
	saltL0 := hashtree.SaltForLevel(sig[:], 1)
	masterHash := ivfcHashBlock(saltL0, l0)

	raw := make([]byte, 0xA00+0x200)
	copy(raw[0x000:0x200], l0)
	copy(raw[0x200:0x400], l1)
	copy(raw[0x400:0x600], l2)
	copy(raw[0x600:0x800], l3)
	copy(raw[0x800:0xA00], l4)
	copy(raw[0xA00:0xC00], dataBlock)

	hi := HashInfo{
		Type:             HashHierarchicalIntegrity,
		IvfcLayerOffsets: [5]int64{0, 0x200, 0x400, 0x600, 0x800},
		IvfcLayers: [5]hashtree.Level{
			{Size: 0x20, BlockSizePower: 9},
			{Size: 0x20, BlockSizePower: 9},
			{Size: 0x20, BlockSizePower: 9},
			{Size: 0x20, BlockSizePower: 9},
			{Size: 0x20, BlockSizePower: 9},
		},
		IvfcDataOffset: 0xA00,
		IvfcDataLayer:  hashtree.Level{Size: 0x200, BlockSizePower: 9},
		SignatureSalt:  sig,
		MasterHashIvfc: masterHash,
	}
	fsh := &FsHeader{HashType: HashHierarchicalIntegrity, HashInfo: hi}

	storage, err := OpenStorage(plainReaderAt{raw}, 0x200, fsh, OpenStorageOptions{Verify: true})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	got := make([]byte, 0x200)
	if _, err := storage.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, dataBlock) {
		t.Fatalf("ivfc data mismatch")
	}
}

func bucketHeaderBytes(variant bucket.Variant, entryCount uint32, endOffset int64) []byte {
	h := make([]byte, 20)
	copy(h[0:4], "BKTR")
	h[4] = byte(variant)
	binary.LittleEndian.PutUint32(h[8:12], entryCount)
	binary.LittleEndian.PutUint64(h[12:20], uint64(endOffset))
	return h
}

func bucketEntryBytes(virtual, physical int64, field4 uint32) []byte {
	e := make([]byte, 32)
	binary.LittleEndian.PutUint64(e[0:8], uint64(virtual))
	binary.LittleEndian.PutUint64(e[8:16], uint64(physical))
	binary.LittleEndian.PutUint32(e[16:20], field4)
	return e
}

func bucketCompressedEntryBytes(virtual, physical, physicalSize int64, kind bucket.CompressionKind) []byte {
	e := make([]byte, 32)
	binary.LittleEndian.PutUint64(e[0:8], uint64(virtual))
	binary.LittleEndian.PutUint64(e[8:16], uint64(physical))
	binary.LittleEndian.PutUint64(e[16:24], uint64(physicalSize))
	e[24] = byte(kind)
	return e
}

func TestOpenStoragePatchRomFsComposition(t *testing.T) {
	t.Parallel()

	const (
		indirectOffset = int64(0x1000)
		aesCtrExOffset = int64(0x2000)
		cipherOffset   = int64(0x3000)
	)

	sectionSize := int64(0x4000)
	buf := make([]byte, sectionSize)

	indirectBytes := append(bucketHeaderBytes(bucket.VariantIndirect, 2, 0x200),
		append(bucketEntryBytes(0, 0, 0), bucketEntryBytes(0x100, 0, 1)...)...)
	copy(buf[indirectOffset:], indirectBytes)

	aesCtrExBytes := append(bucketHeaderBytes(bucket.VariantAesCtrEx, 1, 0x100),
		bucketEntryBytes(0, cipherOffset, 0)...)
	copy(buf[aesCtrExOffset:], aesCtrExBytes)

	plaintext := bytes.Repeat([]byte{0x99}, 0x100)
	key := bytes.Repeat([]byte{0x55}, 16)
	iv := make([]byte, 16)
	stream, err := crypto.NewCTRStream(key, iv, cipherOffset)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	copy(buf[cipherOffset:], ciphertext)

	basePlain := bytes.Repeat([]byte{0xEE}, 0x100)
	base := &Storage{top: plainReaderAt{basePlain}}

	fsh := &FsHeader{
		HashType:       HashNone,
		EncryptionType: EncryptionAesCtrEx,
		PatchInfo: PatchInfo{
			HasIndirect: true,
			HasAesCtrEx: true,
			IndirectHeader: bucket.BucketInfo{
				Offset: indirectOffset, Size: 0x1000, HeaderOffset: 0,
			},
			AesCtrExHeader: bucket.BucketInfo{
				Offset: aesCtrExOffset, Size: 0x1000, HeaderOffset: 0,
			},
		},
	}

	storage, err := OpenStorage(plainReaderAt{buf}, sectionSize, fsh, OpenStorageOptions{
		SectionKey:  key,
		BaseStorage: base,
	})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	if storage.BaseType != BaseIndirect {
		t.Fatalf("base type = %v, want Indirect", storage.BaseType)
	}

	gotBase := make([]byte, 0x100)
	if _, err := storage.ReadAt(gotBase, 0); err != nil {
		t.Fatalf("ReadAt base range: %v", err)
	}
	if !bytes.Equal(gotBase, basePlain) {
		t.Fatalf("base range mismatch")
	}

	gotPatch := make([]byte, 0x100)
	if _, err := storage.ReadAt(gotPatch, 0x100); err != nil {
		t.Fatalf("ReadAt patch range: %v", err)
	}
	if !bytes.Equal(gotPatch, plaintext) {
		t.Fatalf("patch range mismatch: got %x want %x", gotPatch, plaintext)
	}

	inBase, err := storage.IsBlockWithinPatchRange(0, 0x100)
	if err != nil {
		t.Fatalf("IsBlockWithinPatchRange: %v", err)
	}
	if inBase {
		t.Fatalf("base range should not be reported as patched")
	}
	inPatch, err := storage.IsBlockWithinPatchRange(0x100, 0x100)
	if err != nil {
		t.Fatalf("IsBlockWithinPatchRange: %v", err)
	}
	if !inPatch {
		t.Fatalf("patch range should be reported as patched")
	}
}

func TestOpenStorageSparseLayer(t *testing.T) {
	t.Parallel()

	const sparseOffset = int64(0x1000)
	sectionSize := int64(0x2000)
	buf := make([]byte, sectionSize)

	zeroPart := bytes.Repeat([]byte{0x77}, 0x100)
	copy(buf[0:0x100], zeroPart) // never read through the zero entry, but keeps offsets sane

	dataPart := bytes.Repeat([]byte{0x42}, 0x100)
	copy(buf[0x100:0x200], dataPart)

	sparseBytes := append(bucketHeaderBytes(bucket.VariantSparse, 2, 0x200),
		append(bucketEntryBytes(0, 0, 1), bucketEntryBytes(0x100, 0x100, 0)...)...)
	copy(buf[sparseOffset:], sparseBytes)

	fsh := &FsHeader{
		HashType: HashNone,
		Sparse: SparseInfo{
			HasSparse: true,
			Header:    bucket.BucketInfo{Offset: sparseOffset, Size: 0x1000, HeaderOffset: 0},
		},
	}

	storage, err := OpenStorage(plainReaderAt{buf}, sectionSize, fsh, OpenStorageOptions{})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	if storage.BaseType != BaseSparse {
		t.Fatalf("base type = %v, want Sparse", storage.BaseType)
	}

	gotZero := make([]byte, 0x100)
	if _, err := storage.ReadAt(gotZero, 0); err != nil {
		t.Fatalf("ReadAt zero range: %v", err)
	}
	if !bytes.Equal(gotZero, make([]byte, 0x100)) {
		t.Fatalf("zero-entry range should read as zeros, got %x", gotZero)
	}

	gotData := make([]byte, 0x100)
	if _, err := storage.ReadAt(gotData, 0x100); err != nil {
		t.Fatalf("ReadAt data range: %v", err)
	}
	if !bytes.Equal(gotData, dataPart) {
		t.Fatalf("data-entry range mismatch: got %x want %x", gotData, dataPart)
	}
}

func TestOpenStorageCompressedLayer(t *testing.T) {
	t.Parallel()

	const compOffset = int64(0x1000)
	sectionSize := int64(0x2000)
	buf := make([]byte, sectionSize)

	plain := bytes.Repeat([]byte{0x5c}, 0x100)
	copy(buf[0x100:0x200], plain)

	compBytes := append(bucketHeaderBytes(bucket.VariantCompressed, 1, 0x100),
		bucketCompressedEntryBytes(0, 0x100, 0x100, bucket.CompressionNone)...)
	copy(buf[compOffset:], compBytes)

	fsh := &FsHeader{
		HashType: HashNone,
		Compression: CompressionInfo{
			HasCompression: true,
			Header:         bucket.BucketInfo{Offset: compOffset, Size: 0x1000, HeaderOffset: 0},
		},
	}

	storage, err := OpenStorage(plainReaderAt{buf}, sectionSize, fsh, OpenStorageOptions{})
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	if storage.BaseType != BaseCompressed {
		t.Fatalf("base type = %v, want Compressed", storage.BaseType)
	}
	off, size := storage.HashTargetExtents()
	if off != 0 || size != 0x100 {
		t.Fatalf("hash target extents = %#x/%#x, want 0/0x100", off, size)
	}

	got := make([]byte, 0x100)
	if _, err := storage.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("compressed-passthrough mismatch: got %x want %x", got, plain)
	}
}

func TestGeneratePatchHierarchicalSha256(t *testing.T) {
	t.Parallel()

	header := &FsHeader{
		HashType: HashHierarchicalSha256,
		HashInfo: HashInfo{
			BlockSize:       0x200,
			HashLayerOffset: 0x1000,
			DataLayerOffset: 0x2000,
		},
	}
	patch, err := GeneratePatch(nil, header, 0x50, []byte("hello"))
	if err != nil {
		t.Fatalf("GeneratePatch: %v", err)
	}
	if len(patch.Regions) != 2 {
		t.Fatalf("regions = %d, want 2", len(patch.Regions))
	}
	if patch.Regions[0].Offset != 0x2050 || !bytes.Equal(patch.Regions[0].Bytes, []byte("hello")) {
		t.Fatalf("data region = %+v", patch.Regions[0])
	}
	if patch.Regions[1].Offset != 0x1000 || len(patch.Regions[1].Bytes) != 32 {
		t.Fatalf("hash region = %+v", patch.Regions[1])
	}
}

func TestGeneratePatchIvfc(t *testing.T) {
	t.Parallel()

	header := &FsHeader{
		HashType: HashHierarchicalIntegrity,
		HashInfo: HashInfo{
			IvfcLayerOffsets: [5]int64{0, 0x200, 0x400, 0x600, 0x800},
			IvfcLayers: [5]hashtree.Level{
				{BlockSizePower: 9}, {BlockSizePower: 9}, {BlockSizePower: 9}, {BlockSizePower: 9}, {BlockSizePower: 9},
			},
			IvfcDataOffset: 0xA00,
			IvfcDataLayer:  hashtree.Level{BlockSizePower: 9},
		},
	}
	patch, err := GeneratePatch(nil, header, 0x10, []byte("x"))
	if err != nil {
		t.Fatalf("GeneratePatch: %v", err)
	}
	if len(patch.Regions) != 6 {
		t.Fatalf("regions = %d, want 6", len(patch.Regions))
	}
	if patch.Regions[0].Offset != 0xA10 || !bytes.Equal(patch.Regions[0].Bytes, []byte("x")) {
		t.Fatalf("data region = %+v", patch.Regions[0])
	}
	for _, r := range patch.Regions[1:] {
		if len(r.Bytes) != 32 {
			t.Fatalf("hash region bytes len = %d, want 32", len(r.Bytes))
		}
	}
}
