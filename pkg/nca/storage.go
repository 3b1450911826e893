package nca

import (
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/bucket"
	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/hashtree"
)

// BaseStorageType records which layered storage a section's top-level reads
// ultimately land on, mirroring the nxdumptool NcaStorageContext's
// base_storage_type field (spec §4.I "Record base_type for consumer
// queries").
type BaseStorageType int

const (
	BaseRegular BaseStorageType = iota
	BaseSparse
	BaseIndirect
	BaseCompressed
)

// offsetReaderAt is an io.ReaderAt view into a sub-range of a larger
// io.ReaderAt, used throughout to hand bucket.Tree and hashtree.Ivfc a
// section-relative coordinate space.
type offsetReaderAt struct {
	base io.ReaderAt
	off  int64
}

func (o offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, o.off+off)
}

// zeroReaderAt always returns n zero bytes, used to stand in for a missing
// base RomFS section (spec §4.J "Gracefully handles missing base RomFS").
type zeroReaderAt struct{ size int64 }

func (z zeroReaderAt) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = 0
	}
	if off+int64(len(p)) > z.size {
		return int(z.size - off), io.EOF
	}
	return len(p), nil
}

// Storage is a fully wired NCA FS-section storage: the layered composition
// of Regular -> Sparse -> Indirect(+AesCtrEx) -> Compressed, plus the
// section's hash-tree verified view (spec §4.I NcaStorage composition).
type Storage struct {
	BaseType BaseStorageType
	top      io.ReaderAt

	indirectTree   *bucket.Tree // set when this is a PatchRomFs section
	compressedTree *bucket.Tree // set when a compression layer is present

	hashTargetOffset int64
	hashTargetSize   int64

	verified io.ReaderAt // top wrapped in the section's hash-tree verification
}

// OpenStorageOptions carries what OpenStorage needs beyond the section's
// own header and its already CTR/XTS-decrypted bytes (passed separately):
// the section key for AesCtrEx, an optional base storage for PatchRomFs
// sections (spec §4.I step 3), and whether reads are hash-verified.
type OpenStorageOptions struct {
	SectionKey  []byte
	BaseStorage *Storage // top-of-stack storage from the unpatched NCA, or nil
	Verify      bool
}

// OpenStorage builds a Storage over a decrypted FS-section body per the
// five-step composition in spec §4.I.
func OpenStorage(section io.ReaderAt, sectionSize int64, header *FsHeader, opts OpenStorageOptions) (*Storage, error) {
	s := &Storage{BaseType: BaseRegular, top: section}

	// Step 2: sparse layer (spec §4.G Sparse, §4.I step 2). Bucket tree
	// headers are always read off the raw physical section, since that is
	// where sparse_info's offset/size point; substorage 0 is whatever is
	// currently on top of the stack (s.top), so composition stays correct
	// if a later step wraps it again.
	if header.Sparse.HasSparse {
		sparse, err := bucket.Load(section, header.Sparse.Header, bucket.VariantSparse)
		if err != nil {
			return nil, fmt.Errorf("load sparse bucket tree: %w", err)
		}
		sparse.SetSubstorage(0, s.top)
		s.top = sparse
		s.BaseType = BaseSparse
	}

	// Step 3: PatchRomFs (AesCtrEx + Indirect).
	if header.PatchInfo.HasIndirect && header.PatchInfo.HasAesCtrEx {
		aesCtrEx, err := bucket.Load(section, header.PatchInfo.AesCtrExHeader, bucket.VariantAesCtrEx)
		if err != nil {
			return nil, fmt.Errorf("load aes_ctr_ex bucket tree: %w", err)
		}
		aesCtrEx.SetSubstorage(0, s.top)
		var seedHigh uint32
		if len(header.SectionCtr) >= 4 {
			seedHigh = beUint32(header.SectionCtr[0:4])
		}
		aesCtrEx.SetAesCtrExKey(opts.SectionKey, seedHigh)

		indirect, err := bucket.Load(section, header.PatchInfo.IndirectHeader, bucket.VariantIndirect)
		if err != nil {
			return nil, fmt.Errorf("load indirect bucket tree: %w", err)
		}
		if opts.BaseStorage != nil {
			indirect.SetSubstorage(0, opts.BaseStorage.top)
		} else {
			indirect.SetSubstorage(0, zeroReaderAt{size: sectionSize})
		}
		indirect.SetSubstorage(1, aesCtrEx)

		s.top = indirect
		s.indirectTree = indirect
		s.BaseType = BaseIndirect
	}

	// Step 4: compression layer, mutually exclusive with sparse per spec.
	if header.Compression.HasCompression {
		compressed, err := bucket.Load(section, header.Compression.Header, bucket.VariantCompressed)
		if err != nil {
			return nil, fmt.Errorf("load compressed bucket tree: %w", err)
		}
		compressed.SetSubstorage(0, s.top)
		s.top = compressed
		s.compressedTree = compressed
		s.BaseType = BaseCompressed
	}

	s.hashTargetOffset, s.hashTargetSize = computeHashTargetExtents(header, s.indirectTree, s.compressedTree)

	verified, err := wireHashTree(s.top, header, opts.Verify)
	if err != nil {
		return nil, err
	}
	s.verified = verified

	return s, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// computeHashTargetExtents returns hash_target_extents() (spec §4.I): for
// Compressed storages this is the compressed storage's own [start,end); for
// everything else it is the section's published hash-target layer.
func computeHashTargetExtents(header *FsHeader, indirect, compressed *bucket.Tree) (int64, int64) {
	if compressed != nil {
		return 0, compressed.EndOffset
	}
	switch header.HashType {
	case HashHierarchicalSha256:
		return header.HashInfo.DataLayerOffset, header.HashInfo.DataLayerSize
	case HashHierarchicalIntegrity:
		return header.HashInfo.IvfcDataOffset, header.HashInfo.IvfcDataLayer.Size
	default:
		return 0, 0
	}
}

// wireHashTree builds the section's integrity-verification storage over
// raw, per spec §4.H HierarchicalSha256 / HierarchicalIntegrity.
func wireHashTree(raw io.ReaderAt, header *FsHeader, verify bool) (io.ReaderAt, error) {
	switch header.HashType {
	case HashNone, HashAuto:
		return raw, nil

	case HashHierarchicalSha256:
		hi := header.HashInfo
		hashTable := offsetReaderAt{base: raw, off: hi.HashLayerOffset}
		data := offsetReaderAt{base: raw, off: hi.DataLayerOffset}
		return hashtree.NewHierarchicalSha256(hi.MasterHashSha256, hashTable, data, hi.DataLayerSize, int64(hi.BlockSize), verify), nil

	case HashHierarchicalIntegrity:
		hi := header.HashInfo
		levels := make([]hashtree.Level, 0, 6)
		for i := 0; i < 5; i++ {
			l := hi.IvfcLayers[i]
			l.Storage = offsetReaderAt{base: raw, off: hi.IvfcLayerOffsets[i]}
			l.Salt = hashtree.SaltForLevel(hi.SignatureSalt[:], i+1)
			levels = append(levels, l)
		}
		dataLevel := hi.IvfcDataLayer
		dataLevel.Storage = offsetReaderAt{base: raw, off: hi.IvfcDataOffset}
		dataLevel.Salt = hashtree.SaltForLevel(hi.SignatureSalt[:], 5+1)
		levels = append(levels, dataLevel)

		return hashtree.NewIvfc(hi.MasterHashIvfc[:], levels, verify)

	default:
		return nil, coreerr.UnsupportedVariant(fmt.Sprintf("nca hash type %d", header.HashType))
	}
}

// HashTargetExtents returns the logical filesystem extents inside this
// section (spec §4.I hash_target_extents).
func (s *Storage) HashTargetExtents() (int64, int64) { return s.hashTargetOffset, s.hashTargetSize }

// ReadAt dispatches to the verified top storage (spec §4.I read).
func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	return s.verified.ReadAt(p, off)
}

// IsBlockWithinPatchRange reports whether [off, off+size) falls inside the
// Indirect bucket tree's non-base-storage-0 coverage (spec §4.I
// is_block_within_patch_range): used to decide whether a random-access read
// needs the base NCA at all.
func (s *Storage) IsBlockWithinPatchRange(off, size int64) (bool, error) {
	if s.indirectTree == nil {
		return false, nil
	}
	end := off + size
	for q := off; q < end; {
		entry, remaining, err := s.indirectTree.Find(q)
		if err != nil {
			return false, err
		}
		if entry.SubstorageIndex != 0 {
			return true, nil
		}
		q += remaining
	}
	return false, nil
}
