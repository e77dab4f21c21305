// Package isofs provides a pure Go implementation for creating, parsing, and
// modifying ISO9660 optical disc images, including the Joliet, Rock Ridge,
// El Torito, and UDF-bridge extensions. It operates entirely on streamed
// sectors and never requires a mounted filesystem, making it suitable for
// build systems producing bootable installer media, forensic extraction
// tools, and archivers repacking images.
//
// The main entry points are New (start an empty image) and Parse (load an
// existing one). Mutations go through the Image methods; WriteTo or
// SectorStream re-serialize the whole image deterministically.
//
// Example usage:
//
//	img, err := isofs.New(isofs.WithVolumeID("INSTALLER"), isofs.WithRockRidge())
//	if err != nil {
//		panic(err)
//	}
//
//	img.AddDirectory("/boot")
//	img.AddBytes("/boot/grub.cfg", []byte("set timeout=5\n"))
//	if _, err := img.WriteTo(out); err != nil {
//		panic(err)
//	}
package isofs

const (
	// SectorSize is the logical block size of the data area. Every extent
	// is aligned to and padded out to this size.
	SectorSize = 2048

	// systemAreaSectors is the number of reserved sectors before the
	// volume descriptor set begins.
	systemAreaSectors = 16

	// vdMaxScanSectors bounds the descriptor scan during parsing. A valid
	// set terminates well before this; anything longer is corrupt.
	vdMaxScanSectors = 32

	// Volume descriptor type bytes
	vdTypeBootRecord    byte = 0
	vdTypePrimary       byte = 1
	vdTypeSupplementary byte = 2
	vdTypeTerminator    byte = 255

	vdStandardID = "CD001"
	vdVersion    = 1

	// Directory record file flag bits
	flagHidden      byte = 1 << 0
	flagDirectory   byte = 1 << 1
	flagAssociated  byte = 1 << 2
	flagMultiExtent byte = 1 << 7

	// drFixedSize is the size of a directory record up to and including
	// the identifier length byte. The identifier and the optional pad
	// byte follow.
	drFixedSize = 33

	// rootRecordSize is the fixed length of the root directory record
	// embedded in a volume descriptor.
	rootRecordSize = 34

	// ptrFixedSize is the size of a path table record up to and including
	// the parent directory number. The identifier follows, padded to an
	// even length.
	ptrFixedSize = 8

	// maxDirDepth is the deepest directory level ISO9660 permits without
	// Rock Ridge relocation. The root directory is level 1.
	maxDirDepth = 8

	// maxISONameLen bounds the encoded ISO9660 identifier including the
	// ";1" version suffix.
	maxISONameLen = 31

	// maxJolietNameChars bounds a Joliet name in UCS-2 characters.
	maxJolietNameChars = 64

	// rrMovedName is the reserved top-level directory that receives
	// directories relocated past the depth limit.
	rrMovedName = "RR_MOVED"
)

// El Torito constants.
const (
	elToritoSystemID = "EL TORITO SPECIFICATION"

	bootIndicatorBootable    byte = 0x88
	bootIndicatorNonBootable byte = 0x00

	catalogHeaderID       byte = 0x01
	catalogSectionID      byte = 0x90
	catalogSectionLastID  byte = 0x91
	catalogValidationSig1 byte = 0x55
	catalogValidationSig2 byte = 0xAA
)

// BootPlatform identifies the platform a boot entry targets.
type BootPlatform byte

const (
	PlatformX86 BootPlatform = 0x00
	PlatformPPC BootPlatform = 0x01
	PlatformMac BootPlatform = 0x02
	PlatformEFI BootPlatform = 0xEF
)

// BootEmulation selects the El Torito emulation mode of a boot image.
type BootEmulation byte

const (
	EmulationNone      BootEmulation = 0x00
	EmulationFloppy12  BootEmulation = 0x01
	EmulationFloppy144 BootEmulation = 0x02
	EmulationFloppy288 BootEmulation = 0x03
	EmulationHardDisk  BootEmulation = 0x04
)

// UDF bridge constants. The minimal bridge descriptors live in otherwise
// unused system-area sectors so they never collide with allocated extents.
const (
	udfTagAnchorVolumeDescriptorPointer uint16 = 2
	udfTagFileSetDescriptor             uint16 = 256

	udfAnchorSector  = 1
	udfFileSetSector = 2
)

// nodeID is a stable index into the build session's node arena. Identity is
// shared across naming schemes: the ISO9660, Joliet, and Rock Ridge views of
// one file all carry the same id, which keeps content and extent assignment
// synchronized without cross-tree pointers.
type nodeID int32

const noNode nodeID = -1

// extent is a contiguous run of sectors holding one structure's bytes.
// byteLen is the exact payload length; the on-disk reservation is always
// sectors()*SectorSize bytes.
type extent struct {
	sector  uint32
	byteLen uint32
}

func (e extent) sectors() uint32 {
	return sectorsForBytes(e.byteLen)
}

func (e extent) end() uint32 {
	return e.sector + e.sectors()
}

func sectorsForBytes(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return (n + SectorSize - 1) / SectorSize
}

// EntryKind describes what a directory entry is.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
)

// EntryInfo is the read-side view of a single directory entry.
type EntryInfo struct {
	Name   string
	Kind   EntryKind
	Size   int64
	Hidden bool

	// Rock Ridge metadata; zero values when the image carries none.
	Mode          uint32
	UID           uint32
	GID           uint32
	SymlinkTarget string
}

// BootEntry describes one El Torito boot image.
type BootEntry struct {
	Platform  BootPlatform
	Emulation BootEmulation

	// LoadSegment is the real-mode segment the BIOS loads the image at.
	// Zero means the conventional default of 0x7C0.
	LoadSegment uint16

	// SectorCount is the number of virtual (512-byte) sectors to load.
	// Zero derives it from the image size, capped at 4 for no-emulation
	// entries the way common mastering tools do.
	SectorCount uint16
}
