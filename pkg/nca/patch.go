package nca

// Patch is an in-memory set of byte regions to overlay onto the original
// NCA after a bounded write into a hash-target layer (spec §4.H "Patch
// generation (writer contract, optional)"): the written bytes plus one
// region per hash slot the write touches. GeneratePatch fills the hash
// regions with zeros, so an overlaid patch is not by itself self-consistent.
// The core only computes patches; applying them to an on-disk NCA (e.g. for
// NPDM re-signing, spec §1 Non-goals) is a writer's responsibility and is
// never invoked by any read path in this package.
type Patch struct {
	Regions []PatchRegion
}

// PatchRegion is one contiguous byte range to overlay, addressed relative to
// the start of the NCA FS section's raw (pre-decryption) bytes.
type PatchRegion struct {
	Offset int64
	Bytes  []byte
}

// GeneratePatch computes the set of hash blocks a bounded write into a
// hash-target layer invalidates, at every level from the data layer upward
// to (but not including) the top-level master hash, which the caller is
// expected to re-sign separately. It returns the write itself plus one
// 32-byte zero-filled region per affected hash slot at each level; the hash
// contents are not recomputed, and storage is neither read nor mutated.
func GeneratePatch(storage *Storage, header *FsHeader, writeOffset int64, writeData []byte) (*Patch, error) {
	switch header.HashType {
	case HashHierarchicalSha256:
		return generateHierarchicalSha256Patch(header, writeOffset, writeData)
	case HashHierarchicalIntegrity:
		return generateIvfcPatch(header, writeOffset, writeData)
	default:
		return &Patch{Regions: []PatchRegion{{Offset: writeOffset, Bytes: writeData}}}, nil
	}
}

func generateHierarchicalSha256Patch(header *FsHeader, writeOffset int64, writeData []byte) (*Patch, error) {
	hi := header.HashInfo
	blockSize := int64(hi.BlockSize)
	if blockSize == 0 {
		blockSize = 1
	}
	firstBlock := writeOffset / blockSize
	lastBlock := (writeOffset + int64(len(writeData)) - 1) / blockSize

	regions := []PatchRegion{{Offset: hi.DataLayerOffset + writeOffset, Bytes: writeData}}
	for block := firstBlock; block <= lastBlock; block++ {
		hashOff := hi.HashLayerOffset + block*32
		regions = append(regions, PatchRegion{Offset: hashOff, Bytes: make([]byte, 32)})
	}
	return &Patch{Regions: regions}, nil
}

func generateIvfcPatch(header *FsHeader, writeOffset int64, writeData []byte) (*Patch, error) {
	hi := header.HashInfo
	regions := []PatchRegion{{Offset: hi.IvfcDataOffset + writeOffset, Bytes: writeData}}

	level := hi.IvfcDataLayer
	blockSize := int64(1) << level.BlockSizePower
	if blockSize == 0 {
		blockSize = 1
	}
	firstBlock := writeOffset / blockSize
	lastBlock := (writeOffset + int64(len(writeData)) - 1) / blockSize

	for i := 4; i >= 0; i-- {
		parent := hi.IvfcLayers[i]
		parentBlockSize := int64(1) << parent.BlockSizePower
		if parentBlockSize == 0 {
			parentBlockSize = 1
		}
		hashOffBase := hi.IvfcLayerOffsets[i]
		for block := firstBlock; block <= lastBlock; block++ {
			hashOff := hashOffBase + block*32
			regions = append(regions, PatchRegion{Offset: hashOff, Bytes: make([]byte, 32)})
		}
		firstBlock = (firstBlock * 32) / parentBlockSize
		lastBlock = (lastBlock * 32) / parentBlockSize
	}
	return &Patch{Regions: regions}, nil
}
