// Package core is nxcore's external facade: the pull API described in
// spec §6, wiring together gamecard, hashfs, es, save, nca, romfs and title
// behind the lock discipline and cancellation model of spec §5. Nothing
// outside this package talks to the lower-level packages directly.
package core

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/es"
	"github.com/falk/nxcore/pkg/gamecard"
	"github.com/falk/nxcore/pkg/keys"
	"github.com/falk/nxcore/pkg/memimg"
	"github.com/falk/nxcore/pkg/nca"
	"github.com/falk/nxcore/pkg/romfs"
	"github.com/falk/nxcore/pkg/save"
	"github.com/falk/nxcore/pkg/title"
)

// VerifyMode selects how much hash-chain verification reads perform (spec
// §6 Core::init opts: "verification mode (off / save-only / full)").
type VerifyMode int

const (
	VerifyOff VerifyMode = iota
	VerifySaveOnly
	VerifyFull
)

// ContentSource opens the raw bytes of one content ID on one storage,
// standing in for the NAND/SD content storages the original reaches via
// NCM IPC. No NCM service exists in this environment, so the core takes
// enumeration and content access through small interfaces instead of a
// live system call, the same way title.Source and gamecard.StorageOpener
// abstract their own backing devices.
type ContentSource interface {
	OpenContent(storage title.StorageID, contentID [16]byte) (io.ReaderAt, int64, error)
}

// Options configures Init (spec §6 Core::init).
type Options struct {
	KeyFilePath string
	Verify      VerifyMode

	MemProvider memimg.Provider    // defaults to an empty Static provider
	Content     ContentSource      // required before OpenNca can resolve a title's content
	NandTickets es.NandTicketStore // NAND ticket_list.bin/ticket.bin store
	ESSave      io.ReaderAt        // backing reader for the ES ticket/cert save
}

// Core is the top-level entry point: one GameCardDevice, one KeySet, one
// title index, and the ES ticket/cert save, behind the three locks spec §5
// names (gamecard_lock lives inside gamecard.Device; keyset_lock lives
// inside keys.KeySet; save_lock is esSaveMu below).
type Core struct {
	keySet  *keys.KeySet
	verify  VerifyMode
	device  *gamecard.Device
	titles  *title.Index
	content ContentSource

	esSaveMu    sync.Mutex
	nandTickets es.NandTicketStore
	esSave      *save.SaveFile
}

// Init loads the key file (if given) and returns a Core with a fresh,
// not-yet-started GameCardDevice and an empty title index (spec §6
// Core::init).
func Init(opts Options) (*Core, error) {
	ks := keys.New()
	if opts.KeyFilePath != "" {
		if err := ks.Load(opts.KeyFilePath); err != nil {
			return nil, err
		}
	}

	memProvider := opts.MemProvider
	if memProvider == nil {
		memProvider = memimg.NewStatic(nil)
	}

	c := &Core{
		keySet:      ks,
		verify:      opts.Verify,
		device:      gamecard.NewDevice(ks, memProvider),
		titles:      title.New(),
		content:     opts.Content,
		nandTickets: opts.NandTickets,
	}

	if opts.ESSave != nil {
		sf, err := save.Open(opts.ESSave, ks, opts.Verify == VerifySaveOnly || opts.Verify == VerifyFull)
		if err != nil {
			return nil, fmt.Errorf("opening ES save: %w", err)
		}
		c.esSave = sf
	}

	return c, nil
}

// Device exposes the underlying GameCardDevice for callers that need to
// drive insertion events directly (Start/ProcessInsertion); everything
// else should go through Core's own methods.
func (c *Core) Device() *gamecard.Device { return c.device }

// PollGamecard returns the device's current status (spec §6
// Core::poll_gamecard).
func (c *Core) PollGamecard() gamecard.Status {
	return c.device.Status()
}

// WaitGamecardChange blocks until the device's status differs from its
// value at call time, ctx is done, or timeout elapses, whichever comes
// first (spec §6 Core::wait_gamecard_change(timeout); modeled with
// context.Context rather than a bare duration since the device's own
// background poll is itself ctx-driven, spec §5).
func (c *Core) WaitGamecardChange(ctx context.Context, timeout time.Duration) (gamecard.Status, error) {
	start := c.device.Status()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	const pollInterval = 10 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.device.Status(), fmt.Errorf("wait_gamecard_change: %w: %s", coreerr.Aborted, ctx.Err())
		case <-deadline.C:
			return c.device.Status(), fmt.Errorf("wait_gamecard_change: timed out after %s", timeout)
		case <-ticker.C:
			if cur := c.device.Status(); cur != start {
				return cur, nil
			}
		}
	}
}

// StreamKind selects which gamecard-derived byte stream OpenGamecardStream
// returns (spec §6 open_gamecard_stream kind).
type StreamKind int

const (
	StreamFullXci StreamKind = iota
	StreamTrimmedXci
	StreamKeyAreaOnly
	StreamCertificateOnly
	StreamHfsPartition
)

// GamecardStreamRequest selects a stream kind, plus the partition
// type/name HfsPartition needs.
type GamecardStreamRequest struct {
	Kind          StreamKind
	PartitionType gamecard.PartitionType // only used when Kind == StreamHfsPartition
	EntryName     string                 // only used when Kind == StreamHfsPartition
}

// OpenGamecardStream returns a seekable byte stream plus its length for the
// requested kind (spec §6 Core::open_gamecard_stream).
func (c *Core) OpenGamecardStream(req GamecardStreamRequest) (io.ReaderAt, int64, error) {
	switch req.Kind {
	case StreamFullXci:
		size, err := c.device.TotalSize()
		if err != nil {
			return nil, 0, err
		}
		return c.device, size, nil

	case StreamTrimmedXci:
		// The trimmed image is the 0x200-byte header page plus every
		// 0x200-byte page up to the header's valid data end address.
		h, err := c.device.Header()
		if err != nil {
			return nil, 0, err
		}
		return c.device, 0x200 + int64(h.ValidDataEndAddress)*0x200, nil

	case StreamKeyAreaOnly:
		raw, err := c.device.KeyArea()
		if err != nil {
			return nil, 0, err
		}
		return byteReaderAt(raw), int64(len(raw)), nil

	case StreamCertificateOnly:
		cert, err := c.device.Certificate()
		if err != nil {
			return nil, 0, err
		}
		return byteReaderAt(cert[:]), int64(len(cert)), nil

	case StreamHfsPartition:
		offset, size, err := c.device.HashFsEntryInfo(req.PartitionType, req.EntryName)
		if err != nil {
			return nil, 0, err
		}
		return offsetReaderAt{base: c.device, off: offset}, size, nil

	default:
		return nil, 0, fmt.Errorf("unknown gamecard stream kind %d", req.Kind)
	}
}

type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

type offsetReaderAt struct {
	base io.ReaderAt
	off  int64
}

func (o offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return o.base.ReadAt(p, o.off+off)
}

// RebuildTitles re-enumerates one storage's content-meta database (spec
// §6/§4.K: done once at init and again on every gamecard status change).
func (c *Core) RebuildTitles(ctx context.Context, src title.Source, storage title.StorageID) error {
	return c.titles.Rebuild(ctx, src, storage)
}

// EnumerateTitles returns every title known for storage, or every title
// across every storage when storage is title.StorageAll (spec §6
// Core::enumerate_titles).
func (c *Core) EnumerateTitles(storage title.StorageID) []title.TitleInfo {
	if storage == title.StorageAll {
		return c.titles.AllTitles()
	}
	return c.titles.Titles(storage)
}

// OpenNca resolves contentType/idOffset within ti's content list via
// Content, opens the NCA, and wires a titlekey-crypto ticket when the NCA
// requires one (spec §6 Core::open_nca).
func (c *Core) OpenNca(ti title.TitleInfo, contentType title.ContentType, idOffset uint8) (*nca.Nca, error) {
	if c.content == nil {
		return nil, fmt.Errorf("open_nca: no ContentSource configured")
	}

	ci, ok := ti.ContentByType(contentType, idOffset)
	if !ok {
		return nil, coreerr.NotFound(fmt.Sprintf("content type %v id_offset %d", contentType, idOffset))
	}

	r, _, err := c.content.OpenContent(ti.Storage, ci.ContentID)
	if err != nil {
		return nil, err
	}

	n, err := nca.Open(r, c.keySet)
	if err != nil {
		return nil, err
	}

	if n.Header.HasRightsID() {
		source := es.SourceNand
		if ti.Storage == title.StorageGameCard {
			source = es.SourceGamecard
		}
		ticket, err := c.ticketFor(n.Header.RightsID[:], source)
		if err != nil {
			return nil, fmt.Errorf("open_nca: %w", err)
		}
		commonKey, err := c.keySet.GetTicketCommonKey(n.Header.EffectiveKeyGeneration())
		if err != nil {
			return nil, err
		}
		if err := n.SetTicket(ticket, commonKey); err != nil {
			return nil, err
		}
	}

	return n, nil
}

// OpenFsSection builds a verified Storage over one of n's FS sections,
// wiring baseNca's already-opened section as the Indirect base storage
// when baseNca is non-nil (spec §6 Core::open_fs_section).
func (c *Core) OpenFsSection(n *nca.Nca, sectionIndex int, baseNca *nca.Nca) (*nca.Storage, error) {
	var base *nca.Storage
	if baseNca != nil {
		var err error
		base, err = baseNca.OpenFsSection(sectionIndex, nil, c.verify == VerifyFull)
		if err != nil {
			return nil, fmt.Errorf("open_fs_section: opening base section: %w", err)
		}
	}
	return n.OpenFsSection(sectionIndex, base, c.verify == VerifyFull)
}

// RomFsHandle is either a plain RomFs or a BKTR-patched one, unified so
// RomFsList/RomFsRead need not care which (spec §6 RomFsHandle).
type RomFsHandle struct {
	plain *romfs.RomFs
	bktr  *romfs.BktrRomFs
}

func (h RomFsHandle) romFs() *romfs.RomFs {
	if h.bktr != nil {
		return h.bktr.RomFs
	}
	return h.plain
}

// OpenRomFs opens a plain RomFs over fsSection, or a BktrRomFs over
// patchFsSection when it is non-nil (spec §6 Core::open_romfs: "accepts
// the two-section form for BKTR").
func (c *Core) OpenRomFs(fsSection *nca.Storage, patchFsSection *nca.Storage) (RomFsHandle, error) {
	if patchFsSection != nil {
		b, err := romfs.OpenBktr(patchFsSection)
		if err != nil {
			return RomFsHandle{}, err
		}
		return RomFsHandle{bktr: b}, nil
	}
	r, err := romfs.Open(fsSection)
	if err != nil {
		return RomFsHandle{}, err
	}
	return RomFsHandle{plain: r}, nil
}

// RomFsList lists the immediate children of path (spec §6
// Core::romfs_list).
func (c *Core) RomFsList(h RomFsHandle, path string) ([]romfs.DirEntry, []romfs.FileEntry, error) {
	return h.romFs().ListDir(path)
}

// RomFsRead reads length bytes at offset from the file at path (spec §6
// Core::romfs_read).
func (c *Core) RomFsRead(h RomFsHandle, path string, offset, length int64) ([]byte, error) {
	entry, err := h.romFs().FileByPath(path)
	if err != nil {
		return nil, err
	}
	return h.romFs().ReadFile(entry, offset, length)
}

// ticketFor retrieves a ticket for rightsID from either the gamecard's
// secure partition or the NAND ticket store, repairing a tampered common
// ticket on the way out (spec §4.F, §6 Core::ticket_for). Callers outside
// this package reach it through OpenNca or through the exported TicketFor.
func (c *Core) ticketFor(rightsID []byte, source es.Source) (*es.Ticket, error) {
	c.esSaveMu.Lock()
	defer c.esSaveMu.Unlock()

	var ticket *es.Ticket
	var err error
	switch source {
	case es.SourceGamecard:
		ticket, err = es.TicketForGamecard(securePartitionAdapter{c.device}, rightsID)
	case es.SourceNand:
		if c.nandTickets == nil {
			return nil, fmt.Errorf("ticket_for: no NAND ticket store configured")
		}
		ticket, err = es.TicketForNand(c.nandTickets, rightsID)
	default:
		return nil, fmt.Errorf("ticket_for: unknown source %d", source)
	}
	if err != nil {
		return nil, err
	}

	// Repair only the tickets the spec actually requires it for, and only
	// once the signature has genuinely failed to verify against the
	// issuer's certificate chain (spec §4.F tampered-common-ticket repair).
	// When no chain can be resolved (no ES save configured, issuer unknown),
	// the ticket is returned as-is rather than guessed at.
	if ticket.SignatureType == es.SignatureRsa2048Sha256 && ticket.TitlekeyType() == es.TitlekeyCommon {
		if chain, cerr := c.certChainForLocked(ticket.Issuer()); cerr == nil && len(chain) > 0 {
			signer := chain[len(chain)-1]
			if verr := ticket.VerifySignature(signer); verr != nil {
				_ = ticket.RepairTamperedCommonTicket()
			}
		}
	}
	return ticket, nil
}

// TicketFor retrieves a ticket for rightsID (spec §6 Core::ticket_for).
func (c *Core) TicketFor(rightsID []byte, source es.Source) (*es.Ticket, error) {
	return c.ticketFor(rightsID, source)
}

// CertChainFor loads the certificate chain for issuer out of the ES
// certificate save (spec §6 Core::cert_chain_for, §4.D chain_for).
func (c *Core) CertChainFor(issuer string) ([]*es.Certificate, error) {
	c.esSaveMu.Lock()
	defer c.esSaveMu.Unlock()
	return c.certChainForLocked(issuer)
}

// certChainForLocked is CertChainFor's body, split out so ticketFor (which
// already holds esSaveMu) can resolve a chain without deadlocking on a
// second lock acquisition.
func (c *Core) certChainForLocked(issuer string) ([]*es.Certificate, error) {
	if c.esSave == nil {
		return nil, fmt.Errorf("cert_chain_for: no ES save configured")
	}
	return es.ChainFor(c.esSave, issuer)
}

// securePartitionAdapter satisfies es.GamecardPartition directly off
// gamecard.Device's own hash_fs_entry_info/ReadAt pair, so no separate
// HashFs handle needs to be threaded through (spec §4.F Gamecard source).
type securePartitionAdapter struct {
	dev *gamecard.Device
}

func (a securePartitionAdapter) EntryByName(name string) (int64, int64, error) {
	return a.dev.HashFsEntryInfo(gamecard.PartitionSecure, name)
}

func (a securePartitionAdapter) ReadAt(p []byte, off int64) (int, error) {
	return a.dev.ReadAt(p, off)
}
