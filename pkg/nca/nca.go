package nca

import (
	"fmt"
	"io"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/es"
	"github.com/falk/nxcore/pkg/keys"
)

// Nca is a fully parsed NCA container bound to its backing reader, ready to
// open individual FS sections (spec §4.H, §4.I).
type Nca struct {
	Header   *Header
	FsHeaders [4]*FsHeader
	reader   io.ReaderAt
	keySet   *keys.KeySet

	decryptedTitlekey []byte // set via SetTicket, nil for key-area-crypto NCAs
}

// Open parses an NCA's header and its enabled FS-section headers from r.
func Open(r io.ReaderAt, keySet *keys.KeySet) (*Nca, error) {
	header, err := ParseHeader(r, keySet)
	if err != nil {
		return nil, err
	}
	n := &Nca{Header: header, reader: r, keySet: keySet}
	for i := 0; i < 4; i++ {
		if !header.FsEntries[i].enabled() {
			continue
		}
		fsh, err := ParseFsHeader(header.FsHeadersRaw[i])
		if err != nil {
			return nil, fmt.Errorf("fs header %d: %w", i, err)
		}
		n.FsHeaders[i] = fsh
	}
	return n, nil
}

// SetTicket supplies the decrypted title key for a rights-id NCA, obtained
// via the es package's ticket retrieval and decryption (spec §4.H setup:
// "if rights_id != 0 then section_key = decrypted_titlekey").
func (n *Nca) SetTicket(ticket *es.Ticket, ticketCommonKey []byte) error {
	if !n.Header.HasRightsID() {
		return fmt.Errorf("nca has no rights id; ticket not needed")
	}
	switch ticket.TitlekeyType() {
	case es.TitlekeyCommon:
		dec, err := ticket.DecryptTitlekeyCommon(ticketCommonKey)
		if err != nil {
			return err
		}
		n.decryptedTitlekey = dec
	case es.TitlekeyPersonalized:
		dec, err := ticket.DecryptTitlekeyPersonalized(n.keySet)
		if err != nil {
			return err
		}
		n.decryptedTitlekey = dec
	default:
		return fmt.Errorf("unknown titlekey type %d", ticket.TitlekeyType())
	}
	return nil
}

// OpenFsSection builds a verified, decrypted Storage over FS-section index
// (spec §4.H setup, §4.I composition). base is the base NCA's already-opened
// storage for the same section index, required for PatchRomFs sections.
func (n *Nca) OpenFsSection(index int, base *Storage, verify bool) (*Storage, error) {
	if index < 0 || index >= 4 || n.FsHeaders[index] == nil {
		return nil, coreerr.NotFound(fmt.Sprintf("nca fs section %d", index))
	}
	fsh := n.FsHeaders[index]
	entry := n.Header.FsEntries[index]

	sectionKey, err := SectionKey(n.Header, n.keySet, n.decryptedTitlekey)
	if err != nil {
		return nil, err
	}

	sectionRaw := offsetReaderAt{base: n.reader, off: entry.Offset()}

	var decrypted io.ReaderAt
	switch fsh.EncryptionType {
	case EncryptionNone, EncryptionAuto:
		decrypted = sectionRaw
	case EncryptionAesCtr, EncryptionAesCtrEx:
		decrypted, err = fsh.NewCtrStorage(sectionRaw, sectionKey)
		if err != nil {
			return nil, err
		}
	case EncryptionNca0:
		if len(sectionKey) < 0x20 {
			return nil, coreerr.KeyMissing("nca0 partitionfs xts key pair")
		}
		sectionStartSector := uint64(entry.StartSector)
		decrypted = NewXtsStorage(sectionRaw, sectionKey[0:0x10], sectionKey[0x10:0x20], sectionStartSector)
	default:
		return nil, coreerr.UnsupportedVariant(fmt.Sprintf("nca encryption type %d", fsh.EncryptionType))
	}

	return OpenStorage(decrypted, entry.Size(), fsh, OpenStorageOptions{
		SectionKey:  sectionKey,
		BaseStorage: base,
		Verify:      verify,
	})
}
