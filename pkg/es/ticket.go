package es

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/keys"
	"github.com/falk/nxcore/pkg/memimg"
)

// TitlekeyType distinguishes how a ticket's title-key block is wrapped.
type TitlekeyType uint8

const (
	TitlekeyCommon       TitlekeyType = 0
	TitlekeyPersonalized TitlekeyType = 1
)

// Common-block layout (spec §4 Ticket: "common block includes issuer,
// title-key block, titlekey_type, key_generation, rights_id"). Offsets are
// relative to the start of the common block, i.e. right after the
// signature+padding block.
const (
	commonBlockSize  = 0x180
	issuerOff        = 0x000
	issuerSize       = 0x40
	titlekeyBlockOff = 0x040
	titlekeyBlockLen = 0x100
	titlekeyTypeOff  = 0x141
	licenseTypeOff   = 0x144
	keyGenerationOff = 0x145
	propertyMaskOff  = 0x146
	ticketIDOff      = 0x150
	deviceIDOff      = 0x158
	rightsIDOff      = 0x160
	rightsIDLen      = 0x10
	accountIDOff     = 0x170
	sectTotalSizeOff = 0x174
	sectHdrOffOff    = 0x178
)

// Ticket is a parsed, signed ES ticket (spec §4 Ticket, §4.F).
type Ticket struct {
	SignatureType SignatureType
	CommonOffset  int // offset of the common block within Raw
	Raw           []byte
}

// ParseTicket parses a ticket blob of at least signature+common-block size.
func ParseTicket(raw []byte) (*Ticket, error) {
	sig, err := ParseSignature(raw)
	if err != nil {
		return nil, coreerr.CorruptHeader(coreerr.WhichNca, "ticket signature: "+err.Error())
	}
	if len(raw) < sig.PayloadOffset+commonBlockSize {
		return nil, fmt.Errorf("ticket too short for common block")
	}
	return &Ticket{SignatureType: sig.Type, CommonOffset: sig.PayloadOffset, Raw: append([]byte{}, raw...)}, nil
}

func (t *Ticket) common() []byte { return t.Raw[t.CommonOffset:] }

func (t *Ticket) Issuer() string {
	return cString(t.common()[issuerOff : issuerOff+issuerSize])
}

func (t *Ticket) TitlekeyBlock() []byte {
	return t.common()[titlekeyBlockOff : titlekeyBlockOff+titlekeyBlockLen]
}

func (t *Ticket) TitlekeyType() TitlekeyType {
	return TitlekeyType(t.common()[titlekeyTypeOff])
}

func (t *Ticket) KeyGeneration() byte {
	return t.common()[keyGenerationOff]
}

func (t *Ticket) RightsID() []byte {
	return t.common()[rightsIDOff : rightsIDOff+rightsIDLen]
}

func (t *Ticket) signature() []byte {
	sigSize, _ := t.SignatureType.SignatureSize()
	return t.Raw[4 : 4+sigSize]
}

// ValidateRightsIDKeyGeneration checks the spec §3 Ticket invariant: for
// HOS >= 3.0.1 the low byte of rights_id equals key_generation; for older
// generations it must be zero. hosAtLeast301 tells the caller's firmware
// generation.
func (t *Ticket) ValidateRightsIDKeyGeneration(hosAtLeast301 bool) error {
	rid := t.RightsID()
	low := rid[len(rid)-1]
	kg := t.KeyGeneration()
	if hosAtLeast301 {
		if low != kg {
			return fmt.Errorf("rights_id low byte %#x does not match key_generation %#x", low, kg)
		}
	} else if kg != 0 {
		return fmt.Errorf("key_generation must be zero pre-3.0.1, got %#x", kg)
	}
	return nil
}

// Source selects where a ticket is retrieved from (spec §4.F ticket_for).
type Source int

const (
	SourceGamecard Source = iota
	SourceNand
)

// GamecardPartition is the subset of hashfs.HashFs's API ticket_for needs
// to look up a "{rights_id}.tik" entry in the secure partition.
type GamecardPartition interface {
	EntryByName(name string) (offset, size int64, err error)
	ReadAt(p []byte, off int64) (int, error)
}

// NandTicketStore abstracts the NAND common/personalized ticket saves
// (spec §4.F NAND source): a ticket_list.bin of {rights_id, ticket_id,
// account_id, reserved} entries plus a ticket.bin of 0x400-byte blocks.
type NandTicketStore interface {
	Open(path string) (io.ReaderAt, int64, error)
}

const ticketListEntrySize = 0x20 // rights_id(0x10) + ticket_id(8) + account_id(4) + reserved(4)
const ticketBlockSize = 0x400

// TicketForGamecard reads "{hex(rights_id)}.tik" directly from the secure
// Hash FS partition (spec §4.F Gamecard source).
func TicketForGamecard(partition GamecardPartition, rightsID []byte) (*Ticket, error) {
	name := hex.EncodeToString(rightsID) + ".tik"
	offset, size, err := partition.EntryByName(name)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if _, err := partition.ReadAt(raw, offset); err != nil {
		return nil, coreerr.IO(err)
	}
	return ParseTicket(raw)
}

// TicketForNand scans /ticket_list.bin for rightsID, then reads the
// matching 0x400-byte block from /ticket.bin (spec §4.F NAND source).
func TicketForNand(store NandTicketStore, rightsID []byte) (*Ticket, error) {
	listR, listSize, err := store.Open("/ticket_list.bin")
	if err != nil {
		return nil, err
	}
	list := make([]byte, listSize)
	if _, err := listR.ReadAt(list, 0); err != nil {
		return nil, coreerr.IO(err)
	}

	sentinel := bytes.Repeat([]byte{0xff}, rightsIDLen)
	for off := 0; off+ticketListEntrySize <= len(list); off += ticketListEntrySize {
		entryRightsID := list[off : off+rightsIDLen]
		if bytes.Equal(entryRightsID, sentinel) {
			break
		}
		if !bytes.Equal(entryRightsID, rightsID) {
			continue
		}
		blockIndex := off / ticketListEntrySize
		ticketR, ticketSize, err := store.Open("/ticket.bin")
		if err != nil {
			return nil, err
		}
		blockOff := int64(blockIndex) * ticketBlockSize
		if blockOff+ticketBlockSize > ticketSize {
			return nil, fmt.Errorf("ticket.bin too short for block %d", blockIndex)
		}
		raw := make([]byte, ticketBlockSize)
		if _, err := ticketR.ReadAt(raw, blockOff); err != nil {
			return nil, coreerr.IO(err)
		}
		return ParseTicket(raw)
	}
	return nil, coreerr.NotFound(fmt.Sprintf("ticket for rights id %x", rightsID))
}

// VerifySignature checks the ticket's RSA-2048-PSS signature against cert
// (expected to be the issuer's ticket-signer certificate, i.e. the last
// certificate in the chain es.ChainFor returns for t.Issuer()). The signed
// message is everything from the end of the signature+padding block to the
// end of the ticket's raw bytes (spec §4.D/§4.F).
func (t *Ticket) VerifySignature(cert *Certificate) error {
	return crypto.RSA2048PSSVerify(cert.Modulus, cert.PublicExponent, t.common(), t.signature())
}

// RepairTamperedCommonTicket unconditionally rebuilds a common ticket in
// place: it writes 0xFF over the signature and resets the non-essential
// fields, regardless of whether the existing signature actually verifies.
// Callers must check VerifySignature first and only call this on failure
// (spec §4.F tampered-common-ticket repair: repair happens "if... the RSA
// signature verification against the issuer certificate fails"); it still
// refuses to touch anything but RSA-2048+SHA-256 common tickets.
func (t *Ticket) RepairTamperedCommonTicket() error {
	if t.SignatureType != SignatureRsa2048Sha256 || t.TitlekeyType() != TitlekeyCommon {
		return fmt.Errorf("repair only applies to RSA-2048-SHA256 common tickets")
	}
	sig := t.signature()
	for i := range sig {
		sig[i] = 0xff
	}
	common := t.common()
	binary.LittleEndian.PutUint64(common[ticketIDOff:ticketIDOff+8], 0)
	binary.LittleEndian.PutUint64(common[deviceIDOff:deviceIDOff+8], 0)
	binary.LittleEndian.PutUint32(common[accountIDOff:accountIDOff+4], 0)
	common[licenseTypeOff] = 0
	binary.LittleEndian.PutUint16(common[propertyMaskOff:propertyMaskOff+2], 0)
	common[keyGenerationOff] = t.KeyGeneration()
	signedSize := t.CommonOffset + commonBlockSize
	binary.LittleEndian.PutUint32(common[sectHdrOffOff:sectHdrOffOff+4], uint32(signedSize))
	return nil
}

// DecryptTitlekeyCommon decrypts a common ticket's title key with the
// per-generation ticket common key (spec §4.F: aes_ecb(ticket_common_key,
// enc)).
func (t *Ticket) DecryptTitlekeyCommon(ticketCommonKey []byte) ([]byte, error) {
	block := t.TitlekeyBlock()[:0x10]
	dec, err := crypto.ECBDecrypt(block, ticketCommonKey)
	if err != nil {
		return nil, coreerr.CryptoFailure("decrypt_common_titlekey", err)
	}
	return dec, nil
}

// DecryptTitlekeyPersonalized unwraps a personalized ticket's title key
// using the console's RSA-2048-OAEP private key (spec §4.F).
func (t *Ticket) DecryptTitlekeyPersonalized(keySet *keys.KeySet) ([]byte, error) {
	plain, err := keySet.UnwrapRSAOAEPTitlekey(t.TitlekeyBlock())
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// ConvertPersonalizedToCommon rewrites a personalized ticket into an
// archival common ticket carrying the already-decrypted title key in the
// clear (spec §4.F personalized->common conversion).
func (t *Ticket) ConvertPersonalizedToCommon(decryptedTitlekey []byte, devkit bool) error {
	if len(decryptedTitlekey) != 0x10 {
		return fmt.Errorf("decrypted titlekey must be 0x10 bytes, got %d", len(decryptedTitlekey))
	}
	sig := t.signature()
	for i := range sig {
		sig[i] = 0xff
	}

	caID := "00000003"
	if devkit {
		caID = "00000004"
	}
	issuer := fmt.Sprintf("Root-CA%s-XS00000020", caID)
	issuerBuf := t.common()[issuerOff : issuerOff+issuerSize]
	for i := range issuerBuf {
		issuerBuf[i] = 0
	}
	copy(issuerBuf, issuer)

	block := t.common()[titlekeyBlockOff : titlekeyBlockOff+titlekeyBlockLen]
	for i := range block {
		block[i] = 0
	}
	copy(block, decryptedTitlekey)

	t.common()[titlekeyTypeOff] = byte(TitlekeyCommon)
	binary.LittleEndian.PutUint64(t.common()[ticketIDOff:ticketIDOff+8], 0)
	binary.LittleEndian.PutUint64(t.common()[deviceIDOff:deviceIDOff+8], 0)
	binary.LittleEndian.PutUint32(t.common()[accountIDOff:accountIDOff+4], 0)

	newSize := t.CommonOffset + commonBlockSize
	t.Raw = t.Raw[:newSize]
	return nil
}

const (
	tikEsCtrKeyEntrySize = 0x20 // idx(4, padded to 8) + key(0x10) + ctr(8)
)

// FindVolatileTicketKeyPair scans ES process memory for two adjacent
// TikEsCtrKeyEntry9x records where the second index is odd (spec §4.F
// volatile tickets).
func FindVolatileTicketKeyPair(provider memimg.Provider) (key []byte, ctrPrefix []byte, err error) {
	img, err := provider.ReadAll("es")
	if err != nil {
		return nil, nil, coreerr.IO(err)
	}
	for off := 0; off+2*tikEsCtrKeyEntrySize <= len(img); off += 4 {
		e1 := img[off : off+tikEsCtrKeyEntrySize]
		e2 := img[off+tikEsCtrKeyEntrySize : off+2*tikEsCtrKeyEntrySize]

		idx1 := binary.LittleEndian.Uint32(e1[0:4])
		idx2 := binary.LittleEndian.Uint32(e2[0:4])
		ctr1 := e1[0x18:0x20]
		ctr2 := e2[0x18:0x20]

		if idx2 == idx1+1 && idx2%2 == 1 && allZero(ctr1) && allZero(ctr2) {
			return append([]byte{}, e1[0x08:0x18]...), append([]byte{}, e1[0x18:0x20]...), nil
		}
	}
	return nil, nil, coreerr.NotFound("volatile ticket key pair")
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// DecryptVolatileTicket decrypts an in-place AES-128-CTR-encrypted ticket
// whose issuer does not start with "Root-" (spec §4.F): the counter is
// key.ctr[0..8] || be64(ticketOffset>>4); success is confirmed when the
// decrypted issuer starts with "Root-".
func DecryptVolatileTicket(raw []byte, key, ctrPrefix []byte, ticketOffset int64) ([]byte, error) {
	iv := make([]byte, 0x10)
	copy(iv[0:8], ctrPrefix[0:8])
	stream, err := crypto.NewCTRStream(key, iv, ticketOffset)
	if err != nil {
		return nil, coreerr.CryptoFailure("volatile_ticket_ctr", err)
	}
	out := make([]byte, len(raw))
	stream.XORKeyStream(out, raw)

	t, err := ParseTicket(out)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(t.Issuer(), "Root-") {
		return nil, fmt.Errorf("decrypted ticket issuer %q does not start with Root-", t.Issuer())
	}
	return out, nil
}
