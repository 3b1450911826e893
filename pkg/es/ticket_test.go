package es

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"testing"

	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/memimg"
)

func buildTicketBytes(t *testing.T, issuer string, titlekeyBlock []byte, titlekeyType TitlekeyType, keyGeneration byte, rightsID []byte) []byte {
	t.Helper()
	sigType := SignatureRsa2048Sha256
	blockSize, err := sigType.blockSize()
	if err != nil {
		t.Fatalf("blockSize: %v", err)
	}
	raw := make([]byte, blockSize+commonBlockSize)
	binary.BigEndian.PutUint32(raw[0:4], uint32(sigType))

	common := raw[blockSize:]
	copy(common[issuerOff:issuerOff+issuerSize], issuer)
	copy(common[titlekeyBlockOff:titlekeyBlockOff+titlekeyBlockLen], titlekeyBlock)
	common[titlekeyTypeOff] = byte(titlekeyType)
	common[keyGenerationOff] = keyGeneration
	copy(common[rightsIDOff:rightsIDOff+rightsIDLen], rightsID)
	return raw
}

func TestParseTicketFields(t *testing.T) {
	t.Parallel()

	rightsID := bytes.Repeat([]byte{0x01}, 0x10)
	keyBlock := make([]byte, titlekeyBlockLen)
	copy(keyBlock, bytes.Repeat([]byte{0xEE}, 0x10))

	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", keyBlock, TitlekeyCommon, 5, rightsID)
	tk, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	if tk.Issuer() != "Root-CA00000003-XS00000020" {
		t.Fatalf("Issuer() = %q", tk.Issuer())
	}
	if tk.TitlekeyType() != TitlekeyCommon {
		t.Fatalf("TitlekeyType() = %v, want Common", tk.TitlekeyType())
	}
	if tk.KeyGeneration() != 5 {
		t.Fatalf("KeyGeneration() = %d, want 5", tk.KeyGeneration())
	}
	if !bytes.Equal(tk.RightsID(), rightsID) {
		t.Fatalf("RightsID() mismatch")
	}
	if err := tk.ValidateRightsIDKeyGeneration(false); err == nil {
		t.Fatalf("ValidateRightsIDKeyGeneration: expected error for nonzero key_generation pre-3.0.1")
	}
}

func TestParseTicketTooShort(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 0x10)
	binary.BigEndian.PutUint32(raw[0:4], uint32(SignatureRsa2048Sha256))
	if _, err := ParseTicket(raw); err == nil {
		t.Fatalf("expected error for truncated ticket")
	}
}

type fakeGamecardPartition struct {
	entries map[string][]byte
}

func (f *fakeGamecardPartition) EntryByName(name string) (int64, int64, error) {
	data, ok := f.entries[name]
	if !ok {
		return 0, 0, errNotFound
	}
	return 0, int64(len(data)), nil
}

func (f *fakeGamecardPartition) ReadAt(p []byte, off int64) (int, error) {
	for _, data := range f.entries {
		copy(p, data[off:])
		return len(p), nil
	}
	return 0, errNotFound
}

var errNotFound = bytesError("not found")

type bytesError string

func (e bytesError) Error() string { return string(e) }

func TestTicketForGamecard(t *testing.T) {
	t.Parallel()

	rightsID := bytes.Repeat([]byte{0x02}, 0x10)
	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", make([]byte, titlekeyBlockLen), TitlekeyCommon, 0, rightsID)
	name := hex.EncodeToString(rightsID) + ".tik"
	part := &fakeGamecardPartition{entries: map[string][]byte{name: raw}}

	tk, err := TicketForGamecard(part, rightsID)
	if err != nil {
		t.Fatalf("TicketForGamecard: %v", err)
	}
	if !bytes.Equal(tk.RightsID(), rightsID) {
		t.Fatalf("RightsID mismatch")
	}
}

type fakeNandStore struct {
	files map[string][]byte
}

func (f *fakeNandStore) Open(path string) (io.ReaderAt, int64, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, 0, errNotFound
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

func TestTicketForNand(t *testing.T) {
	t.Parallel()

	rightsID := bytes.Repeat([]byte{0x03}, 0x10)
	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", make([]byte, titlekeyBlockLen), TitlekeyCommon, 0, rightsID)
	if len(raw) > ticketBlockSize {
		t.Fatalf("fixture ticket larger than block size")
	}
	block := make([]byte, ticketBlockSize)
	copy(block, raw)

	list := make([]byte, ticketListEntrySize*2)
	copy(list[0:rightsIDLen], rightsID)
	copy(list[ticketListEntrySize:ticketListEntrySize+rightsIDLen], bytes.Repeat([]byte{0xff}, rightsIDLen))

	store := &fakeNandStore{files: map[string][]byte{
		"/ticket_list.bin": list,
		"/ticket.bin":      block,
	}}

	tk, err := TicketForNand(store, rightsID)
	if err != nil {
		t.Fatalf("TicketForNand: %v", err)
	}
	if !bytes.Equal(tk.RightsID(), rightsID) {
		t.Fatalf("RightsID mismatch")
	}
}

func TestRepairTamperedCommonTicket(t *testing.T) {
	t.Parallel()

	rightsID := bytes.Repeat([]byte{0x04}, 0x10)
	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", make([]byte, titlekeyBlockLen), TitlekeyCommon, 3, rightsID)
	tk, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	if err := tk.RepairTamperedCommonTicket(); err != nil {
		t.Fatalf("RepairTamperedCommonTicket: %v", err)
	}
	for _, b := range tk.signature() {
		if b != 0xff {
			t.Fatalf("signature not cleared to 0xff")
		}
	}
}

func TestTicketVerifySignature(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}

	rightsID := bytes.Repeat([]byte{0x08}, 0x10)
	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", make([]byte, titlekeyBlockLen), TitlekeyCommon, 0, rightsID)
	tk, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}

	hashed := sha256.Sum256(tk.common())
	sig, err := rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA256, hashed[:], &rsa.PSSOptions{SaltLength: sha256.Size})
	if err != nil {
		t.Fatalf("rsa.SignPSS: %v", err)
	}
	copy(raw[4:4+len(sig)], sig)
	tk, err = ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket (signed): %v", err)
	}

	modulus := make([]byte, 0x100)
	n := priv.PublicKey.N.Bytes()
	copy(modulus[0x100-len(n):], n)
	exponent := make([]byte, 4)
	binary.BigEndian.PutUint32(exponent, uint32(priv.PublicKey.E))
	cert := &Certificate{Modulus: modulus, PublicExponent: exponent}

	if err := tk.VerifySignature(cert); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}

	raw[4] ^= 0xff
	tampered, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket (tampered): %v", err)
	}
	if err := tampered.VerifySignature(cert); err == nil {
		t.Fatalf("VerifySignature: expected failure for tampered signature")
	}
}

func TestDecryptTitlekeyCommon(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x77}, 0x10)
	plainKey := bytes.Repeat([]byte{0x22}, 0x10)
	enc, err := crypto.ECBEncrypt(plainKey, key)
	if err != nil {
		t.Fatalf("ECBEncrypt: %v", err)
	}
	block := make([]byte, titlekeyBlockLen)
	copy(block, enc)

	raw := buildTicketBytes(t, "Root-CA00000003-XS00000020", block, TitlekeyCommon, 0, bytes.Repeat([]byte{0x05}, 0x10))
	tk, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	got, err := tk.DecryptTitlekeyCommon(key)
	if err != nil {
		t.Fatalf("DecryptTitlekeyCommon: %v", err)
	}
	if !bytes.Equal(got, plainKey) {
		t.Fatalf("titlekey mismatch: got %x want %x", got, plainKey)
	}
}

func TestConvertPersonalizedToCommon(t *testing.T) {
	t.Parallel()

	raw := buildTicketBytes(t, "Root-CA00000003-XS00000021", make([]byte, titlekeyBlockLen), TitlekeyPersonalized, 0, bytes.Repeat([]byte{0x06}, 0x10))
	tk, err := ParseTicket(raw)
	if err != nil {
		t.Fatalf("ParseTicket: %v", err)
	}
	titlekey := bytes.Repeat([]byte{0x99}, 0x10)
	if err := tk.ConvertPersonalizedToCommon(titlekey, false); err != nil {
		t.Fatalf("ConvertPersonalizedToCommon: %v", err)
	}
	if tk.TitlekeyType() != TitlekeyCommon {
		t.Fatalf("TitlekeyType() = %v, want Common", tk.TitlekeyType())
	}
	if !bytes.Equal(tk.TitlekeyBlock()[:0x10], titlekey) {
		t.Fatalf("TitlekeyBlock mismatch")
	}
	if tk.Issuer() != "Root-CA00000003-XS00000020" {
		t.Fatalf("Issuer() = %q after conversion", tk.Issuer())
	}
}

func buildVolatileKeyEntryPair(t *testing.T, idx1 uint32, key, ctr []byte) []byte {
	t.Helper()
	buf := make([]byte, 2*tikEsCtrKeyEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], idx1)
	copy(buf[0x08:0x18], key)
	binary.LittleEndian.PutUint32(buf[tikEsCtrKeyEntrySize:tikEsCtrKeyEntrySize+4], idx1+1)
	copy(buf[tikEsCtrKeyEntrySize+0x08:tikEsCtrKeyEntrySize+0x18], key)
	return buf
}

func TestFindVolatileTicketKeyPair(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x11}, 0x10)
	entryPair := buildVolatileKeyEntryPair(t, 2, key, nil)
	img := append(bytes.Repeat([]byte{0x00}, 64), entryPair...)

	provider := memimg.NewStatic(map[string][]byte{"es": img})
	gotKey, gotCtr, err := FindVolatileTicketKeyPair(provider)
	if err != nil {
		t.Fatalf("FindVolatileTicketKeyPair: %v", err)
	}
	if !bytes.Equal(gotKey, key) {
		t.Fatalf("key mismatch: got %x want %x", gotKey, key)
	}
	if len(gotCtr) != 8 {
		t.Fatalf("ctr prefix length = %d, want 8", len(gotCtr))
	}
}

func TestDecryptVolatileTicket(t *testing.T) {
	t.Parallel()

	rightsID := bytes.Repeat([]byte{0x07}, 0x10)
	plain := buildTicketBytes(t, "Root-CA00000003-XS00000020", make([]byte, titlekeyBlockLen), TitlekeyCommon, 0, rightsID)

	key := bytes.Repeat([]byte{0x33}, 0x10)
	ctrPrefix := bytes.Repeat([]byte{0x00}, 8)
	ticketOffset := int64(0x20)

	iv := make([]byte, 0x10)
	copy(iv[0:8], ctrPrefix)
	stream, err := crypto.NewCTRStream(key, iv, ticketOffset)
	if err != nil {
		t.Fatalf("NewCTRStream: %v", err)
	}
	enc := make([]byte, len(plain))
	stream.XORKeyStream(enc, plain)

	dec, err := DecryptVolatileTicket(enc, key, ctrPrefix, ticketOffset)
	if err != nil {
		t.Fatalf("DecryptVolatileTicket: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("decrypted ticket mismatch")
	}
}
