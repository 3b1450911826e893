package gamecard

import (
	"context"
	"fmt"
	"io"
	stdbits "math/bits"
	"sync"
	"time"

	"github.com/falk/nxcore/pkg/coreerr"
	"github.com/falk/nxcore/pkg/crypto"
	"github.com/falk/nxcore/pkg/hashfs"
	"github.com/falk/nxcore/pkg/keys"
	"github.com/falk/nxcore/pkg/memimg"
)

// Status mirrors the GameCardStatus state machine (spec §3).
type Status int

const (
	StatusNotInserted Status = iota
	StatusProcessing
	StatusInsertedInfoNotLoaded
	StatusInsertedInfoLoaded
	StatusLafwUpdateRequired
	StatusInsertionPatchBlocked
)

func (s Status) String() string {
	switch s {
	case StatusNotInserted:
		return "NotInserted"
	case StatusProcessing:
		return "Processing"
	case StatusInsertedInfoNotLoaded:
		return "InsertedInfoNotLoaded"
	case StatusInsertedInfoLoaded:
		return "InsertedInfoLoaded"
	case StatusLafwUpdateRequired:
		return "LafwUpdateRequired"
	case StatusInsertionPatchBlocked:
		return "InsertionPatchBlocked"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// InsertionEvent is emitted by a Notifier when cartridge presence changes.
type InsertionEvent int

const (
	EventInserted InsertionEvent = iota
	EventRemoved
)

// Notifier abstracts the OS gamecard-insertion notifier (spec §4.B
// start(): "subscribes to the OS gamecard-insertion notifier").
type Notifier interface {
	Events() <-chan InsertionEvent
}

// StorageOpener opens the normal and secure storage areas of an inserted
// cartridge. A persistent failure opening the normal area (partition 0)
// means the running firmware blocks gamecard reads entirely (spec §4.B
// step 1a).
type StorageOpener interface {
	OpenNormal() (io.ReaderAt, int64, error)
	OpenSecure() (io.ReaderAt, int64, error)
}

const (
	cachedBufferSize  = 8 << 20
	openRetryAttempts = 10
	openRetryBackoff  = 100 * time.Millisecond
)

// Hash target bounds for HFS0 header verification are passed per call to
// hashfs.Open: the root partition uses 0/0 (the whole raw header, magic
// through name table), and each child partition uses offset 0 and its root
// entry's hash_target_size.

// Device implements GameCardDevice: cartridge detection, storage-area
// stitching and Hash FS discovery (spec §4.B).
type Device struct {
	mu sync.Mutex

	keySet         *keys.KeySet
	memProvider    memimg.Provider
	processingWait time.Duration

	status Status

	normal     io.ReaderAt
	normalSize int64
	secure     io.ReaderAt
	secureSize int64

	header   *Header
	header2  *Header2 // best-effort; only set when HasCa10Certificate's area reads, parses and verifies cleanly
	cardInfo *CardInfo

	cacheOffset int64
	cacheData   []byte
	cacheValid  bool

	partitions map[byte]*hashfs.HashFs
}

// PartitionType enumerates GameCardHashFileSystemPartitionType values.
type PartitionType byte

const (
	PartitionNone   PartitionType = 0
	PartitionRoot   PartitionType = 1
	PartitionUpdate PartitionType = 2
	PartitionLogo   PartitionType = 3
	PartitionNormal PartitionType = 4
	PartitionSecure PartitionType = 5
	PartitionBoot   PartitionType = 6
)

func (p PartitionType) name() string {
	switch p {
	case PartitionRoot:
		return "Root"
	case PartitionUpdate:
		return "Update"
	case PartitionLogo:
		return "Logo"
	case PartitionNormal:
		return "Normal"
	case PartitionSecure:
		return "Secure"
	case PartitionBoot:
		return "Boot"
	default:
		return ""
	}
}

// NewDevice returns a Device in StatusNotInserted, ready to process
// insertion events or a direct ProcessInsertion call (e.g. in tests).
func NewDevice(keySet *keys.KeySet, memProvider memimg.Provider) *Device {
	return &Device{
		keySet:         keySet,
		memProvider:    memProvider,
		processingWait: 3 * time.Second,
		status:         StatusNotInserted,
		partitions:     make(map[byte]*hashfs.HashFs),
	}
}

// SetProcessingDelay overrides the ≥3s insertion settle window (spec §3
// GameCardStatus: "Processing is a short delay window (≥3 s after
// insertion)"), for use by tests that cannot afford to wait.
func (d *Device) SetProcessingDelay(wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processingWait = wait
}

// Status returns the current state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Start spawns a goroutine that drives the state machine from notifier
// events until ctx is done (spec §4.B start()).
func (d *Device) Start(ctx context.Context, notifier Notifier, opener StorageOpener) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-notifier.Events():
				if !ok {
					return
				}
				switch ev {
				case EventInserted:
					d.handleInsertion(opener)
				case EventRemoved:
					d.handleRemoval()
				}
			}
		}
	}()
}

func (d *Device) handleInsertion(opener StorageOpener) {
	d.mu.Lock()
	d.status = StatusProcessing
	wait := d.processingWait
	d.mu.Unlock()

	time.Sleep(wait)

	if err := d.ProcessInsertion(opener); err != nil {
		d.mu.Lock()
		if !coreerr.IsKind(err, coreerr.KindGamecardNotReady) {
			d.status = StatusInsertedInfoNotLoaded
		}
		d.mu.Unlock()
	}
}

func (d *Device) handleRemoval() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = StatusNotInserted
	d.normal, d.secure = nil, nil
	d.header, d.cardInfo = nil, nil
	d.partitions = make(map[byte]*hashfs.HashFs)
	d.cacheValid = false
}

// ProcessInsertion runs the full insertion sequence synchronously (spec
// §4.B step 2): open storage areas, parse/decrypt the header, verify and
// enumerate the root Hash FS partition and each child partition.
func (d *Device) ProcessInsertion(opener StorageOpener) error {
	normal, normalSize, err := openWithRetry(opener.OpenNormal)
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertionPatchBlocked
		d.mu.Unlock()
		return coreerr.GamecardNotReady(coreerr.ReasonNoGcPatch)
	}

	secure, secureSize, err := opener.OpenSecure()
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return coreerr.IO(err)
	}

	d.mu.Lock()
	d.normal, d.normalSize = normal, normalSize
	d.secure, d.secureSize = secure, secureSize
	d.cacheValid = false
	d.mu.Unlock()

	rawHeader := make([]byte, headerSize)
	if _, err := d.readLocked(0, rawHeader); err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return err
	}

	header, err := ParseHeader(rawHeader)
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return err
	}

	cardInfoKey, err := d.keySet.CardInfoKey()
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return err
	}
	cardInfo, err := header.DecryptCardInfo(cardInfoKey)
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return err
	}

	// Header2 is only ever accepted best-effort: a signature failure or read
	// failure here must not block insertion, since no confirmed fixture has
	// ever been seen to exercise this path (spec §9 Open Questions).
	var header2 *Header2
	if header.HasCa10Certificate() {
		if h2, cert, rerr := d.readHeader2(); rerr == nil {
			if h2.VerifySignature(cert) == nil {
				header2 = h2
			}
		}
	}

	if lafw, ferr := d.lafwVersion(); ferr == nil && lafw < cardInfo.FwVersion {
		d.mu.Lock()
		d.header, d.cardInfo = header, cardInfo
		d.status = StatusLafwUpdateRequired
		d.mu.Unlock()
		return coreerr.GamecardNotReady(coreerr.ReasonLafwRequired)
	}

	var salt []byte
	if cardInfo.CompatibilityType != CompatibilityNormal {
		salt = []byte{byte(cardInfo.CompatibilityType)}
	}

	rootOffset := int64(header.PartitionFsHeaderAddr)
	rootAvailable := d.normalSize + d.secureSize - rootOffset
	root, err := hashfs.Open(d, rootOffset, rootAvailable, header.PartitionFsHeaderHash[:], 0, 0, salt)
	if err != nil {
		d.mu.Lock()
		d.status = StatusInsertedInfoNotLoaded
		d.mu.Unlock()
		return err
	}

	partitions := map[byte]*hashfs.HashFs{byte(PartitionRoot): root}
	for i := 0; i < root.EntryCount(); i++ {
		entry, err := root.EntryByIndex(i)
		if err != nil {
			continue
		}
		ptype := partitionTypeByName(entry.Name)
		if ptype == PartitionNone {
			continue
		}
		absOffset, size := root.AbsoluteOffset(entry)
		child, err := hashfs.Open(d, absOffset, size, entry.ChildHeaderHash(), 0, entry.HashTargetSize, nil)
		if err != nil {
			return err
		}
		partitions[byte(ptype)] = child
	}

	d.mu.Lock()
	d.header, d.header2, d.cardInfo = header, header2, cardInfo
	d.partitions = partitions
	d.status = StatusInsertedInfoLoaded
	d.mu.Unlock()
	return nil
}

// readHeader2 reads and parses the Header2 and Header2Certificate areas
// (gamecard.c:918,928), without verifying the signature.
func (d *Device) readHeader2() (*Header2, *Header2Certificate, error) {
	raw2 := make([]byte, header2Size)
	if _, err := d.readLocked(header2Offset, raw2); err != nil {
		return nil, nil, err
	}
	h2, err := ParseHeader2(raw2)
	if err != nil {
		return nil, nil, err
	}

	rawCert := make([]byte, header2CertSize)
	if _, err := d.readLocked(header2CertOffset, rawCert); err != nil {
		return nil, nil, err
	}
	cert, err := ParseHeader2Certificate(rawCert)
	if err != nil {
		return nil, nil, err
	}
	return h2, cert, nil
}

func partitionTypeByName(name string) PartitionType {
	switch name {
	case "update":
		return PartitionUpdate
	case "logo":
		return PartitionLogo
	case "normal":
		return PartitionNormal
	case "secure":
		return PartitionSecure
	case "boot":
		return PartitionBoot
	default:
		return PartitionNone
	}
}

func openWithRetry(open func() (io.ReaderAt, int64, error)) (io.ReaderAt, int64, error) {
	var lastErr error
	for i := 0; i < openRetryAttempts; i++ {
		r, size, err := open()
		if err == nil {
			return r, size, nil
		}
		lastErr = err
		time.Sleep(openRetryBackoff)
	}
	return nil, 0, lastErr
}

// ReadAt implements io.ReaderAt over the stitched normal+secure storage
// areas (spec §4.B read(): "reads across the logical gamecard image
// (normal area first, then secure area); bridges the two transparently").
// It satisfies io.ReaderAt directly so hashfs.Open and NCA readers can use
// a Device as their backing reader without an adapter.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked(off, p)
}

func (d *Device) readLocked(off int64, out []byte) (int, error) {
	if d.normal == nil {
		return 0, coreerr.GamecardNotReady(coreerr.ReasonNotInserted)
	}

	total := d.normalSize + d.secureSize
	if off < 0 || off+int64(len(out)) > total {
		return 0, fmt.Errorf("read [%d,%d) exceeds gamecard image size %d", off, off+int64(len(out)), total)
	}

	n := 0
	for n < len(out) {
		cur := off + int64(n)
		if cur < d.normalSize {
			chunk := out[n:]
			if int64(len(chunk)) > d.normalSize-cur {
				chunk = chunk[:d.normalSize-cur]
			}
			read, err := d.normal.ReadAt(chunk, cur)
			n += read
			if err != nil && err != io.EOF {
				return n, coreerr.IO(err)
			}
			if read == 0 && err != nil {
				return n, coreerr.IO(err)
			}
			continue
		}
		chunk := out[n:]
		read, err := d.secure.ReadAt(chunk, cur-d.normalSize)
		n += read
		if err != nil && err != io.EOF {
			return n, coreerr.IO(err)
		}
		if read == 0 {
			break
		}
	}
	return n, nil
}

// CachedRead serves reads through the 8 MiB cache buffer (spec §4.B:
// "cached 8 MiB read buffer"), reloading it only when the requested range
// falls outside the currently cached window.
func (d *Device) CachedRead(off int64, out []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(out) > cachedBufferSize {
		return d.readLocked(off, out)
	}

	if !d.cacheValid || off < d.cacheOffset || off+int64(len(out)) > d.cacheOffset+int64(len(d.cacheData)) {
		total := d.normalSize + d.secureSize
		winLen := int64(cachedBufferSize)
		if off+winLen > total {
			winLen = total - off
		}
		buf := make([]byte, winLen)
		if _, err := d.readLocked(off, buf); err != nil {
			d.cacheValid = false
			return 0, err
		}
		d.cacheOffset = off
		d.cacheData = buf
		d.cacheValid = true
	}

	start := off - d.cacheOffset
	n := copy(out, d.cacheData[start:])
	return n, nil
}

// Header returns the parsed gamecard header, if one has been loaded.
func (d *Device) Header() (*Header, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.header == nil {
		return nil, coreerr.GamecardNotReady(coreerr.ReasonNotInserted)
	}
	return d.header, nil
}

// Header2 returns the auxiliary Header2 block, if HasCa10Certificate was
// set and its area read, parsed and verified cleanly during insertion; no
// confirmed fixture exercises this path, so absence is common and not an
// error in itself (spec §9 Open Questions).
func (d *Device) Header2() (*Header2, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header2, d.header2 != nil
}

// PlaintextCardInfo returns the decrypted CardInfo block.
func (d *Device) PlaintextCardInfo() (*CardInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cardInfo == nil {
		return nil, coreerr.GamecardNotReady(coreerr.ReasonNotInserted)
	}
	return d.cardInfo, nil
}

// TotalSize returns normal_area_size + secure_area_size.
func (d *Device) TotalSize() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.normal == nil {
		return 0, coreerr.GamecardNotReady(coreerr.ReasonNotInserted)
	}
	return d.normalSize + d.secureSize, nil
}

// RomCapacity returns the capacity implied by the header's RomSize field,
// distinct from TotalSize (spec §4.B header()/rom_capacity()).
func (d *Device) RomCapacity() (int64, error) {
	h, err := d.Header()
	if err != nil {
		return 0, err
	}
	return h.RomSize.Capacity()
}

// Certificate reads the fixed-offset 0x200-byte gamecard certificate.
func (d *Device) Certificate() ([0x200]byte, error) {
	var out [0x200]byte
	if _, err := d.ReadAt(out[:], certOffset); err != nil {
		return out, err
	}
	return out, nil
}

// HashFsPartition returns the parsed Hash FS context for the given
// partition type.
func (d *Device) HashFsPartition(t PartitionType) (*hashfs.HashFs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hfs, ok := d.partitions[byte(t)]
	if !ok {
		return nil, coreerr.NotFound(fmt.Sprintf("gamecard partition %q", t.name()))
	}
	return hfs, nil
}

// HashFsEntryInfo resolves an entry's absolute gamecard-image offset and
// size by partition type + name without requiring the caller to hold onto
// a HashFs context (spec §4.B hash_fs_entry_info()).
func (d *Device) HashFsEntryInfo(t PartitionType, name string) (offset, size int64, err error) {
	hfs, err := d.HashFsPartition(t)
	if err != nil {
		return 0, 0, err
	}
	e, err := hfs.EntryByName(name)
	if err != nil {
		return 0, 0, err
	}
	offset, size = hfs.AbsoluteOffset(e)
	return offset, size, nil
}

const lafwMagicNeedle = "LAFW"

// lafwFwVersionMask covers the 62-bit fw_version bitfield of
// LotusAsicFirmwareBlob; the top 2 bits hold device_type (spec §4.B/§9,
// gamecard.h: "u64 fw_version : 62; Stored using a bitmask.").
const lafwFwVersionMask = uint64(1)<<62 - 1

// lafwVersion scans FS process memory for a LotusAsicFirmwareBlob and
// returns its fw_version (spec §4.B lafw_blob(): "found by scanning FS
// process .data for the \"LAFW\" magic").
func (d *Device) lafwVersion() (uint64, error) {
	blob, err := d.LafwBlob()
	if err != nil {
		return 0, err
	}
	return blob.FwVersion, nil
}

// LafwBlob is the plaintext Lotus ASIC Firmware blob (header fields only;
// the 0x7680-byte signed payload is opaque to this package). FwVersion is
// already reduced to a popcount of the on-disk 62-bit bitmask, directly
// comparable against CardInfo.FwVersion's GameCardFwVersion level.
type LafwBlob struct {
	Magic      string
	FwType     uint32
	FwVersion  uint64
	DeviceType uint8
}

// LafwBlob scans FS process memory for the "LAFW" magic and parses the
// blob header found there.
func (d *Device) LafwBlob() (*LafwBlob, error) {
	img, err := d.memProvider.ReadAll("fs")
	if err != nil {
		return nil, coreerr.IO(err)
	}
	offsets := memimg.FindAll(img, []byte(lafwMagicNeedle))
	for _, magicOff := range offsets {
		// The magic sits at offset 0x100 within the blob (after the
		// signature field).
		start := magicOff - 0x100
		if start < 0 || start+0x118 > len(img) {
			continue
		}
		raw := img[start:]
		fwType := leUint32(raw[0x104:0x108])
		fwBits := leUint64(raw[0x110:0x118])
		return &LafwBlob{
			Magic:      lafwMagicNeedle,
			FwType:     fwType,
			FwVersion:  uint64(stdbits.OnesCount64(fwBits & lafwFwVersionMask)),
			DeviceType: uint8(fwBits >> 62),
		}, nil
	}
	return nil, coreerr.NotFound("LAFW blob")
}

// Sizes from gamecard.h: GameCardInitialData(0x200), GameCardSecurityInformation
// (specific_data 0x200 + certificate 0x200 + reserved 0x200 + initial_data
// 0x200 = 0x800), GameCardTitleKeyArea(0xD00), GameCardTitleKeyAreaEncryption
// (0x100), GameCardKeyArea (initial_data+titlekey_area+titlekey_area_encryption
// = 0x1000).
const (
	gcInitialDataSize            = 0x200
	gcSecurityInformationSize    = 0x800
	gcTitlekeyAreaSize           = 0xD00
	gcTitlekeyAreaEncryptionSize = 0x100
	gcKeyAreaSize                = gcInitialDataSize + gcTitlekeyAreaSize + gcTitlekeyAreaEncryptionSize
)

// SecurityInformation scans FS process memory for the GameCardSecurityInformation
// block: it looks for an 8-byte match of the header's package_id, then
// hash-verifies the following 0x200 bytes against the header's
// initial_data_hash, then slices out the 0x800 bytes ending there (spec §9,
// gamecard.c:982 gamecardReadSecurityInformation: "scan FS process .data for
// a GameCardInitialData block matching the header's package_id, hash-verify
// it, and slice out the preceding GameCardSecurityInformation"). The
// returned slice's last 0x200 bytes are the matched GameCardInitialData.
func (d *Device) SecurityInformation() ([]byte, error) {
	h, err := d.Header()
	if err != nil {
		return nil, err
	}
	img, err := d.memProvider.ReadAll("fs")
	if err != nil {
		return nil, coreerr.IO(err)
	}
	for off := 0; off+gcInitialDataSize <= len(img); off++ {
		if leUint64(img[off:off+8]) != h.PackageID {
			continue
		}
		if crypto.SHA256(img[off:off+gcInitialDataSize]) != h.InitialDataHash {
			continue
		}
		start := off + gcInitialDataSize - gcSecurityInformationSize
		if start < 0 {
			continue
		}
		return append([]byte{}, img[start:start+gcSecurityInformationSize]...), nil
	}
	return nil, coreerr.NotFound("gamecard security information")
}

// KeyArea assembles the 0x1000-byte GameCardKeyArea that
// Core::open_gamecard_stream's KeyAreaOnly kind exposes: initial_data (the
// real block recovered via SecurityInformation) followed by titlekey_area
// and titlekey_area_encryption, both of which gamecard.h documents as
// "assumed to be all zeroes in retail gamecards" and which nothing in this
// module decrypts (no CCM/OAEP path is modeled, spec §9).
func (d *Device) KeyArea() ([]byte, error) {
	sec, err := d.SecurityInformation()
	if err != nil {
		return nil, err
	}
	initialData := sec[len(sec)-gcInitialDataSize:]

	out := make([]byte, gcKeyAreaSize)
	copy(out[:gcInitialDataSize], initialData)
	return out, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
