// Package hashtree implements the hash-tree integrity-verification storages
// shared by NCA FS-sections and ES save files: the two-layer
// HierarchicalSha256 scheme and the five/six-level IVFC
// (HierarchicalIntegrityVerification) scheme (spec §4.B HierarchicalSha256,
// HierarchicalIntegrity; §4 IVFC). It is grounded on the teacher's
// from-scratch AES/hash primitives (falk-nsz-go's pkg/crypto) generalized
// into a recursive verified-storage abstraction neither the teacher nor any
// pack example implements directly.
package hashtree

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
)

// State is the verification verdict for a single hash-tree block.
type State int

const (
	Unchecked State = iota
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	default:
		return "Unchecked"
	}
}

// Level describes one on-disk hash layer: its storage, the block size used
// to hash it, and (for IVFC) the salt mixed into every block hash.
type Level struct {
	Storage        io.ReaderAt
	Size           int64
	BlockSizePower uint
	Salt           []byte
}

func (l Level) blockSize() int64 { return int64(1) << l.BlockSizePower }

func hashBlock(salt, block []byte) [32]byte {
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

func isAllZero(h []byte) bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// Ivfc is a recursive multi-level hash-tree verified storage (spec §4
// IVFC): a master hash supplied by the caller (typically from an FS header
// or save header) authenticates level 0, each subsequent level's blocks are
// hashed and checked against the parent level, and the final level is the
// hash-target data itself.
type Ivfc struct {
	masterHash []byte
	levels     []Level // levels[0] is the first on-disk hash layer; the data layer is last
	verify     bool
	states     [][]State
}

// NewIvfc builds a verified storage over levels, whose hash-target payload
// is the last entry. masterHash authenticates levels[0].
func NewIvfc(masterHash []byte, levels []Level, verify bool) (*Ivfc, error) {
	if len(levels) < 2 {
		return nil, fmt.Errorf("ivfc requires at least a hash layer and a data layer")
	}
	states := make([][]State, len(levels))
	for i, l := range levels {
		if l.Size <= 0 {
			continue
		}
		blockCount := (l.Size + l.blockSize() - 1) / l.blockSize()
		states[i] = make([]State, blockCount)
	}
	return &Ivfc{masterHash: masterHash, levels: levels, verify: verify, states: states}, nil
}

// SaltForLevel derives the per-level salt the save and NCA formats both use:
// hmac_sha256(signatureSalt, "HierarchicalIntegrityVerificationStorage::L<i>").
func SaltForLevel(signatureSalt []byte, level int) []byte {
	label := fmt.Sprintf("HierarchicalIntegrityVerificationStorage::L%d", level)
	return crypto.HMACSHA256(signatureSalt, []byte(label))
}

// ReadAt reads from the hash-target (final) level, verifying every touched
// block's hash chain up to the master hash when verification is enabled.
func (iv *Ivfc) ReadAt(p []byte, off int64) (int, error) {
	dataLevel := len(iv.levels) - 1
	return iv.readLevel(dataLevel, p, off)
}

func (iv *Ivfc) readLevel(levelIdx int, p []byte, off int64) (int, error) {
	level := iv.levels[levelIdx]
	blockSize := level.blockSize()
	blockIdx := off / blockSize
	blockOff := off % blockSize

	n := 0
	for n < len(p) {
		state, err := iv.verifyBlock(levelIdx, blockIdx)
		if err != nil {
			return n, err
		}
		if state == Invalid {
			return n, coreerr.HashMismatch(fmt.Sprintf("ivfc-L%d", levelIdx), blockIdx*blockSize)
		}

		blockStart := blockIdx * blockSize
		toCopy := blockSize - blockOff
		if remaining := int64(len(p) - n); toCopy > remaining {
			toCopy = remaining
		}

		buf := make([]byte, toCopy)
		m, rerr := level.Storage.ReadAt(buf, blockStart+blockOff)
		if rerr != nil && rerr != io.EOF {
			return n, coreerr.IO(rerr)
		}
		copy(p[n:], buf[:m])
		n += m
		if int64(m) < toCopy {
			return n, io.EOF
		}

		blockIdx++
		blockOff = 0
	}
	return n, nil
}

// verifyBlock hashes levelIdx's block blockIdx and compares it against the
// parent level's stored hash (or the master hash for level 0), recursing
// upward first. Results are cached in iv.states so repeat reads of the same
// block return the same verdict without rehashing.
func (iv *Ivfc) verifyBlock(levelIdx int, blockIdx int64) (State, error) {
	if !iv.verify {
		return Valid, nil
	}
	if states := iv.states[levelIdx]; int64(len(states)) > blockIdx && states[blockIdx] != Unchecked {
		return states[blockIdx], nil
	}

	level := iv.levels[levelIdx]
	blockSize := level.blockSize()
	block := make([]byte, blockSize)
	n, err := level.Storage.ReadAt(block, blockIdx*blockSize)
	if err != nil && err != io.EOF {
		return Unchecked, coreerr.IO(err)
	}
	block = block[:n]

	var expected []byte
	if levelIdx == 0 {
		expected = iv.masterHash
	} else {
		parent := iv.levels[levelIdx-1]
		hashSize := int64(32)
		hashOff := blockIdx * hashSize
		parentBlockIdx := hashOff / parent.blockSize()

		parentState, perr := iv.verifyBlock(levelIdx-1, parentBlockIdx)
		if perr != nil {
			return Unchecked, perr
		}
		if parentState == Invalid {
			iv.setState(levelIdx, blockIdx, Invalid)
			return Invalid, nil
		}

		hashBuf := make([]byte, hashSize)
		if _, herr := parent.Storage.ReadAt(hashBuf, hashOff); herr != nil && herr != io.EOF {
			return Unchecked, coreerr.IO(herr)
		}
		if isAllZero(hashBuf) {
			iv.setState(levelIdx, blockIdx, Valid)
			return Valid, nil
		}
		expected = hashBuf
	}

	got := hashBlock(level.Salt, block)
	state := Invalid
	if equalHash(got[:], expected) {
		state = Valid
	}
	iv.setState(levelIdx, blockIdx, state)
	return state, nil
}

func (iv *Ivfc) setState(levelIdx int, blockIdx int64, s State) {
	if states := iv.states[levelIdx]; int64(len(states)) > blockIdx {
		states[blockIdx] = s
	}
}

func equalHash(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// VerifyAll sweeps every block of every level, promoting any single
// HashMismatch into a caller-visible full-tree corruption signal (spec
// §4 "a layer-wide validation sweep can promote this to SaveCorrupt").
func (iv *Ivfc) VerifyAll() error {
	dataLevel := len(iv.levels) - 1
	for levelIdx := 0; levelIdx <= dataLevel; levelIdx++ {
		count := int64(len(iv.states[levelIdx]))
		for b := int64(0); b < count; b++ {
			state, err := iv.verifyBlock(levelIdx, b)
			if err != nil {
				return err
			}
			if state == Invalid {
				return fmt.Errorf("ivfc level %d block %d failed verification", levelIdx, b)
			}
		}
	}
	return nil
}

// HierarchicalSha256 is the two-layer scheme used by NCA PartitionFs
// sections: one master hash (from the FS header) over a single in-section
// hash table, and one hash-target data layer (spec §4.B HierarchicalSha256).
type HierarchicalSha256 struct {
	masterHash [32]byte
	hashTable  io.ReaderAt
	data       io.ReaderAt
	dataSize   int64
	blockSize  int64
	verify     bool
	states     []State
}

// NewHierarchicalSha256 builds the storage. hashTable holds one 32-byte hash
// per blockSize-sized block of data.
func NewHierarchicalSha256(masterHash [32]byte, hashTable, data io.ReaderAt, dataSize, blockSize int64, verify bool) *HierarchicalSha256 {
	blockCount := (dataSize + blockSize - 1) / blockSize
	return &HierarchicalSha256{
		masterHash: masterHash,
		hashTable:  hashTable,
		data:       data,
		dataSize:   dataSize,
		blockSize:  blockSize,
		verify:     verify,
		states:     make([]State, blockCount),
	}
}

func (h *HierarchicalSha256) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		blockIdx := (off + int64(n)) / h.blockSize
		blockOff := (off + int64(n)) % h.blockSize

		state, err := h.verifyBlock(blockIdx)
		if err != nil {
			return n, err
		}
		if state == Invalid {
			return n, coreerr.HashMismatch("hierarchical-sha256", blockIdx*h.blockSize)
		}

		toCopy := h.blockSize - blockOff
		if remaining := int64(len(p) - n); toCopy > remaining {
			toCopy = remaining
		}
		buf := make([]byte, toCopy)
		m, rerr := h.data.ReadAt(buf, blockIdx*h.blockSize+blockOff)
		if rerr != nil && rerr != io.EOF {
			return n, coreerr.IO(rerr)
		}
		copy(p[n:], buf[:m])
		n += m
		if int64(m) < toCopy {
			return n, io.EOF
		}
	}
	return n, nil
}

func (h *HierarchicalSha256) verifyBlock(blockIdx int64) (State, error) {
	if !h.verify {
		return Valid, nil
	}
	if int64(len(h.states)) > blockIdx && h.states[blockIdx] != Unchecked {
		return h.states[blockIdx], nil
	}

	want := make([]byte, 32)
	if _, err := h.hashTable.ReadAt(want, blockIdx*32); err != nil && err != io.EOF {
		return Unchecked, coreerr.IO(err)
	}

	block := make([]byte, h.blockSize)
	n, err := h.data.ReadAt(block, blockIdx*h.blockSize)
	if err != nil && err != io.EOF {
		return Unchecked, coreerr.IO(err)
	}
	sum := crypto.SHA256(block[:n])

	state := Invalid
	if equalHash(sum[:], want) {
		state = Valid
	}
	if int64(len(h.states)) > blockIdx {
		h.states[blockIdx] = state
	}
	return state, nil
}

// MasterHash exposes the stored master hash, e.g. for callers comparing
// against the NCA FS header's copy.
func (h *HierarchicalSha256) MasterHash() [32]byte { return h.masterHash }
