package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/falk/nxcore/pkg/core"
	"github.com/falk/nxcore/pkg/gamecard"
)

func main() {
	keysPath := flag.String("k", "", "Path to prod.keys")
	verify := flag.Bool("verify", false, "Enable full hash-tree verification on reads")
	partition := flag.String("partition", "", "Print the entry count of one Hash FS partition (root/update/logo/normal/secure/boot)")
	flag.Parse()

	fmt.Println("nxcore")

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: nxcore [-k prod.keys] [-verify] [-partition name] <xci file>")
		return
	}

	verifyMode := core.VerifyOff
	if *verify {
		verifyMode = core.VerifyFull
	}

	c, err := core.Init(core.Options{KeyFilePath: *keysPath, Verify: verifyMode})
	if err != nil {
		fmt.Printf("Error: could not initialize core: %v\n", err)
		return
	}

	inputPath := args[0]
	f, err := os.Open(inputPath)
	if err != nil {
		fmt.Printf("Error opening %s: %v\n", inputPath, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Printf("Error statting %s: %v\n", inputPath, err)
		return
	}

	if err := c.Device().ProcessInsertion(wholeFileOpener{f: f, size: info.Size()}); err != nil {
		fmt.Printf("Error processing gamecard image: %v\n", err)
		return
	}
	fmt.Printf("Status: %s\n", c.PollGamecard())

	hdr, err := c.Device().Header()
	if err != nil {
		fmt.Printf("Error reading header: %v\n", err)
		return
	}
	fmt.Printf("RomSize: %#x  HeaderVersion: %d  Flags: %#x\n", byte(hdr.RomSize), hdr.HeaderVersion, hdr.Flags)
	fmt.Printf("PackageID: %016x\n", hdr.PackageID)

	if cardInfo, err := c.Device().PlaintextCardInfo(); err == nil {
		fmt.Printf("FwVersion: %#x  UppVersion: %#x\n", cardInfo.FwVersion, cardInfo.UppVersion)
	} else {
		fmt.Printf("CardInfo unavailable: %v\n", err)
	}

	if *partition == "" {
		return
	}

	pt := partitionByName(*partition)
	if pt == gamecard.PartitionNone {
		fmt.Printf("Unknown partition %q\n", *partition)
		return
	}

	hfs, err := c.Device().HashFsPartition(pt)
	if err != nil {
		fmt.Printf("Error opening partition %q: %v\n", *partition, err)
		return
	}
	fmt.Printf("Partition %q: %d entries\n", *partition, hfs.EntryCount())
}

func partitionByName(name string) gamecard.PartitionType {
	switch name {
	case "root":
		return gamecard.PartitionRoot
	case "update":
		return gamecard.PartitionUpdate
	case "logo":
		return gamecard.PartitionLogo
	case "normal":
		return gamecard.PartitionNormal
	case "secure":
		return gamecard.PartitionSecure
	case "boot":
		return gamecard.PartitionBoot
	default:
		return gamecard.PartitionNone
	}
}

// wholeFileOpener treats an entire flat XCI dump as the normal storage
// area, with an empty secure area. A real cartridge reader splits normal
// and secure areas at the boundary the header's RomAreaStartPageAddress
// encodes; a plain file dump has already flattened that distinction away,
// so there is nothing left to split on here.
type wholeFileOpener struct {
	f    io.ReaderAt
	size int64
}

func (o wholeFileOpener) OpenNormal() (io.ReaderAt, int64, error) {
	return o.f, o.size, nil
}

func (o wholeFileOpener) OpenSecure() (io.ReaderAt, int64, error) {
	return emptyReaderAt{}, 0, nil
}

type emptyReaderAt struct{}

func (emptyReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return 0, io.EOF
}
