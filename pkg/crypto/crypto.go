// Package crypto implements the AES/RSA/hash primitives nxcore needs to
// decrypt and verify Switch container formats (spec §4.A). It generalizes
// the AES helpers from the teacher's NCZ compressor (ECB block crypto, a
// CTR stream keyed by absolute offset, and a Nintendo-flavored AES-XTS
// tweak that restarts every sector) and adds the primitives the teacher's
// NCA-only tool never needed: CBC, CMAC, HMAC-SHA256 and RSA-2048
// PSS-verify/OAEP-unwrap for tickets, certificates and save headers.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
)

// Cipher cache to avoid recreating AES ciphers for the same key, as the
// teacher's compressor does for its hot CTR-decrypt path.
var (
	cipherCache   = make(map[[16]byte]cipher.Block)
	cipherCacheMu sync.RWMutex
)

func getCachedCipher(key []byte) (cipher.Block, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("key must be 16 bytes, got %d", len(key))
	}

	var keyArr [16]byte
	copy(keyArr[:], key)

	cipherCacheMu.RLock()
	block, ok := cipherCache[keyArr]
	cipherCacheMu.RUnlock()
	if ok {
		return block, nil
	}

	cipherCacheMu.Lock()
	defer cipherCacheMu.Unlock()

	if block, ok = cipherCache[keyArr]; ok {
		return block, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	cipherCache[keyArr] = block
	return block, nil
}

// ECBDecrypt decrypts data using AES-128-ECB. Not secure for general
// purpose, but it is how Switch key-wrapping and common-ticket titlekeys
// are encrypted.
func ECBDecrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// ECBEncrypt encrypts data using AES-128-ECB.
func ECBEncrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], data[i:i+block.BlockSize()])
	}
	return out, nil
}

// CBCDecrypt decrypts data using AES-128-CBC with the given 16-byte IV.
// Used for the gamecard CardInfo block (§4.B).
func CBCDecrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(data))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, data)
	return out, nil
}

// CBCEncrypt encrypts data using AES-128-CBC with the given 16-byte IV.
func CBCEncrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("data length not multiple of block size")
	}
	out := make([]byte, len(data))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out, data)
	return out, nil
}

// NewCTRStream creates an AES-CTR stream. iv holds the 16-byte base counter;
// bytes 8-15 are overwritten with the big-endian block number derived from
// absoluteOffset (spec §6: "counter[8..16] = be64(offset >> 4)").
func NewCTRStream(key, iv []byte, absoluteOffset int64) (cipher.Stream, error) {
	block, err := getCachedCipher(key)
	if err != nil {
		return nil, err
	}

	counter := make([]byte, 16)
	copy(counter, iv)
	binary.BigEndian.PutUint64(counter[8:], uint64(absoluteOffset>>4))

	return cipher.NewCTR(block, counter), nil
}

// ErrSectorSizeMismatch is returned by XTS routines when the input is not a
// multiple of the sector size (spec §4.A).
var ErrSectorSizeMismatch = fmt.Errorf("xts: data length is not a multiple of sector size")

// XTSDecrypt decrypts data using AES-128-XTS with a Nintendo-specific tweak:
// unlike standard XTS, the tweak state restarts at startSector+i for every
// sectorSize-byte sub-block rather than being derived once and carried
// across the whole buffer (spec §4.A). key must be 32 bytes (key1||key2).
func XTSDecrypt(data, key []byte, startSector uint64, sectorSize int) ([]byte, error) {
	return xtsCrypt(data, key, startSector, sectorSize, false)
}

// XTSEncrypt is the XTSDecrypt counterpart, used when repacking a header
// (e.g. an NPDM re-sign patch, §9) that must remain byte-compatible.
func XTSEncrypt(data, key []byte, startSector uint64, sectorSize int) ([]byte, error) {
	return xtsCrypt(data, key, startSector, sectorSize, true)
}

func xtsCrypt(data, key []byte, startSector uint64, sectorSize int, encrypt bool) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("XTS key must be 32 bytes (2x16) for AES-128")
	}
	if sectorSize <= 0 || len(data)%sectorSize != 0 {
		return nil, fmt.Errorf("%w: data length %d not a multiple of sector size %d", ErrSectorSizeMismatch, len(data), sectorSize)
	}

	c1, err := aes.NewCipher(key[:16]) // K1: data cipher
	if err != nil {
		return nil, err
	}
	c2, err := aes.NewCipher(key[16:]) // K2: tweak cipher
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	numSectors := len(data) / sectorSize

	for s := 0; s < numSectors; s++ {
		sectorNum := startSector + uint64(s)
		tweak := make([]byte, 16)
		binary.BigEndian.PutUint64(tweak[8:], sectorNum)
		tweakEnc := make([]byte, 16)
		c2.Encrypt(tweakEnc, tweak)
		tweak = tweakEnc

		sector := data[s*sectorSize : (s+1)*sectorSize]
		outSector := out[s*sectorSize : (s+1)*sectorSize]

		buf := make([]byte, 16)
		blk := make([]byte, 16)
		for i := 0; i < sectorSize; i += 16 {
			chunk := sector[i : i+16]
			xor16(buf, chunk, tweak)
			if encrypt {
				c1.Encrypt(blk, buf)
			} else {
				c1.Decrypt(blk, buf)
			}
			xor16(outSector[i:i+16], blk, tweak)
			mul2(tweak)
		}
	}
	return out, nil
}

func xor16(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func mul2(tweak []byte) {
	var carry byte
	for i := 0; i < 16; i++ {
		b := tweak[i]
		nextCarry := b >> 7
		tweak[i] = (b << 1) | carry
		carry = nextCarry
	}
	if carry != 0 {
		tweak[0] ^= 0x87
	}
}

// SHA256 hashes data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// CMAC computes AES-128-CMAC (RFC 4493) over data with the given 16-byte key.
// Used to validate the ES save's layout block (spec §4.E).
func CMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := cmacSubkeys(block)

	n := (len(data) + 15) / 16
	lastComplete := len(data) > 0 && len(data)%16 == 0
	if n == 0 {
		n = 1
	}

	mac := make([]byte, 16)
	for i := 0; i < n-1; i++ {
		block.Encrypt(mac, xorBlock(mac, data[i*16:(i+1)*16]))
	}

	var last []byte
	if n == 0 {
		last = padBlock(nil)
		xorInPlace(last, k2)
	} else {
		tail := data[(n-1)*16:]
		if lastComplete {
			last = make([]byte, 16)
			copy(last, tail)
			xorInPlace(last, k1)
		} else {
			last = padBlock(tail)
			xorInPlace(last, k2)
		}
	}
	xorInPlace(last, mac)
	out := make([]byte, 16)
	block.Encrypt(out, last)
	return out, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 []byte) {
	zero := make([]byte, 16)
	l := make([]byte, 16)
	block.Encrypt(l, zero)

	k1 = shiftLeftOne(l)
	if l[0]&0x80 != 0 {
		k1[15] ^= 0x87
	}
	k2 = shiftLeftOne(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= 0x87
	}
	return k1, k2
}

func shiftLeftOne(in []byte) []byte {
	out := make([]byte, len(in))
	var carry byte
	for i := len(in) - 1; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = in[i] >> 7
	}
	return out
}

func padBlock(tail []byte) []byte {
	out := make([]byte, 16)
	copy(out, tail)
	if len(tail) < 16 {
		out[len(tail)] = 0x80
	}
	return out
}

func xorBlock(a, b []byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func xorInPlace(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// HMACSHA256 computes HMAC-SHA256(key, data). Used to derive per-level IVFC
// salts (spec §4.E step 6).
func HMACSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// RSA2048PSSVerify verifies an RSA-2048-PSS-SHA256 signature against a raw
// modulus/public-exponent key, as used for NCA/gamecard header signatures
// and the ticket/certificate chain (spec §4.D).
func RSA2048PSSVerify(modulus, exponent, message, signature []byte) error {
	n := new(big.Int).SetBytes(modulus)
	e := new(big.Int).SetBytes(exponent)
	if len(signature)*8 < n.BitLen() {
		return fmt.Errorf("signature shorter than modulus")
	}

	s := new(big.Int).SetBytes(signature)
	emLen := (n.BitLen() + 7) / 8
	m := new(big.Int).Exp(s, e, n)
	em := make([]byte, emLen)
	mb := m.Bytes()
	copy(em[emLen-len(mb):], mb)

	hashed := sha256.Sum256(message)
	return pssVerify(em, hashed[:], n.BitLen())
}

// pssVerify implements RFC 8017 EMSA-PSS verification with SHA-256 and a
// salt length equal to the hash length (the Switch convention).
func pssVerify(em, mHash []byte, modBits int) error {
	hLen := sha256.Size
	emLen := len(em)
	if emLen < hLen+2 {
		return fmt.Errorf("pss: encoded message too short")
	}
	if em[emLen-1] != 0xbc {
		return fmt.Errorf("pss: bad trailer byte")
	}

	emBits := modBits - 1
	dbLen := emLen - hLen - 1
	maskedDB := em[:dbLen]
	h := em[dbLen : dbLen+hLen]

	if emBits%8 != 0 {
		mask := byte(0xFF << (emBits % 8 % 8))
		if maskedDB[0]&mask != 0 {
			return fmt.Errorf("pss: leading bits set")
		}
	}

	dbMask := mgf1(h, dbLen)
	db := make([]byte, dbLen)
	for i := range db {
		db[i] = maskedDB[i] ^ dbMask[i]
	}
	if emBits%8 != 0 {
		db[0] &= 0xFF >> (8 - emBits%8)
	}

	idx := bytes.IndexByte(db, 1)
	if idx < 0 {
		return fmt.Errorf("pss: missing 0x01 separator")
	}
	for _, b := range db[:idx] {
		if b != 0 {
			return fmt.Errorf("pss: non-zero padding before separator")
		}
	}
	salt := db[idx+1:]

	mPrime := make([]byte, 0, 8+hLen+len(salt))
	mPrime = append(mPrime, make([]byte, 8)...)
	mPrime = append(mPrime, mHash...)
	mPrime = append(mPrime, salt...)
	hPrime := sha256.Sum256(mPrime)

	if subtle.ConstantTimeCompare(hPrime[:], h) != 1 {
		return fmt.Errorf("pss: hash mismatch")
	}
	return nil
}

// ErrOaepLabelMismatch / ErrOaepPrefixMismatch surface the two malformed-
// plaintext cases called out in spec §4.F.
var (
	ErrOaepLabelMismatch  = fmt.Errorf("oaep: label hash mismatch")
	ErrOaepPrefixMismatch = fmt.Errorf("oaep: seed/db prefix mismatch")
)

// RSA2048OAEPDecrypt performs a raw RSA private-key decrypt (modulus,
// private exponent) and unpacks the result as OAEP-SHA256 with an empty
// label, returning the titlekey plaintext (spec §4.F).
func RSA2048OAEPDecrypt(modulus, privateExponent *big.Int, ciphertext []byte) ([]byte, error) {
	emLen := (modulus.BitLen() + 7) / 8
	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(modulus) >= 0 {
		return nil, fmt.Errorf("oaep: ciphertext representative out of range")
	}
	m := new(big.Int).Exp(c, privateExponent, modulus)
	em := make([]byte, emLen)
	mb := m.Bytes()
	copy(em[emLen-len(mb):], mb)
	return oaepUnpack(em)
}

func oaepUnpack(em []byte) ([]byte, error) {
	hLen := sha256.Size
	emLen := len(em)
	if emLen < 2*hLen+2 {
		return nil, ErrOaepPrefixMismatch
	}
	if em[0] != 0 {
		return nil, ErrOaepPrefixMismatch
	}
	seed := make([]byte, hLen)
	copy(seed, em[1:1+hLen])
	db := make([]byte, emLen-hLen-1)
	copy(db, em[1+hLen:])

	seedMask := mgf1(db, hLen)
	xorInPlace(seed, seedMask)

	dbMask := mgf1(seed, len(db))
	xorInPlace(db, dbMask)

	lHash := sha256.Sum256(nil)
	if subtle.ConstantTimeCompare(db[:hLen], lHash[:]) != 1 {
		return nil, ErrOaepLabelMismatch
	}

	rest := db[hLen:]
	idx := bytes.IndexByte(rest, 1)
	if idx < 0 {
		return nil, ErrOaepPrefixMismatch
	}
	for _, b := range rest[:idx] {
		if b != 0 {
			return nil, ErrOaepPrefixMismatch
		}
	}
	return rest[idx+1:], nil
}

func mgf1(seed []byte, length int) []byte {
	var out []byte
	var counter uint32
	for len(out) < length {
		c := make([]byte, 4)
		binary.BigEndian.PutUint32(c, counter)
		h := sha256.Sum256(append(append([]byte{}, seed...), c...))
		out = append(out, h[:]...)
		counter++
	}
	return out[:length]
}
