package isofs

import (
	"encoding/binary"
	"fmt"
)

// The El Torito boot catalog is one sector of 32-byte entries: a checksummed
// validation entry, the initial/default boot entry, and optional section
// headers with their section entries for further platforms.

// bootImage pairs a catalog entry with its content. The image is normally a
// file in the hierarchy (node set); images parsed from a catalog that points
// outside the directory tree are carried by src instead and placed by the
// layout pass.
type bootImage struct {
	entry BootEntry
	node  nodeID
	src   Source
	ext   extent // assigned during layout when node == noNode
}

// bootCatalog models the parsed or under-construction catalog. The catalog
// itself is normally a file in the hierarchy (the conventional BOOT.CAT);
// when a parsed image keeps it outside the tree it gets its own extent.
type bootCatalog struct {
	idString string
	images   []*bootImage
	node     nodeID
	ext      extent
}

// resolvedBootEntry is a catalog entry with its content placed: the load RBA
// and virtual sector count are known.
type resolvedBootEntry struct {
	entry BootEntry
	rba   uint32
	count uint16
}

// defaultSectorCount derives the virtual (512-byte) sector count for an
// entry that does not pin one. No-emulation entries load at most 4 virtual
// sectors, the way common mastering tools record them; emulated entries load
// a single virtual sector and let the emulated medium take over.
func defaultSectorCount(e BootEntry, size int64) uint16 {
	if e.SectorCount != 0 {
		return e.SectorCount
	}
	if e.Emulation != EmulationNone {
		return 1
	}
	count := (size + 511) / 512
	if count < 1 {
		count = 1
	}
	if count > 4 {
		count = 4
	}
	return uint16(count)
}

// loadSegment returns the entry's load segment, defaulting to the
// conventional 0x7C0.
func loadSegment(e BootEntry) uint16 {
	if e.LoadSegment != 0 {
		return e.LoadSegment
	}
	return 0x7C0
}

// elToritoChecksum returns the value for the validation entry's checksum
// field: the one that makes the 16-bit little-endian word sum of the whole
// entry come out to zero.
func elToritoChecksum(entry []byte) uint16 {
	var sum uint16
	for i := 0; i < len(entry); i += 2 {
		sum += binary.LittleEndian.Uint16(entry[i : i+2])
	}
	return -sum
}

func encodeValidationEntry(platform BootPlatform, id string) []byte {
	b := make([]byte, 32)
	b[0] = catalogHeaderID
	b[1] = byte(platform)
	copy(b[4:28], id)
	b[30] = catalogValidationSig1
	b[31] = catalogValidationSig2
	binary.LittleEndian.PutUint16(b[28:30], elToritoChecksum(b))
	return b
}

func encodeSectionHeader(platform BootPlatform, entries int, last bool) []byte {
	b := make([]byte, 32)
	b[0] = catalogSectionID
	if last {
		b[0] = catalogSectionLastID
	}
	b[1] = byte(platform)
	binary.LittleEndian.PutUint16(b[2:4], uint16(entries))
	return b
}

func encodeCatalogEntry(r resolvedBootEntry) []byte {
	b := make([]byte, 32)
	b[0] = bootIndicatorBootable
	b[1] = byte(r.entry.Emulation)
	binary.LittleEndian.PutUint16(b[2:4], loadSegment(r.entry))
	b[4] = 0 // system type: partition byte of emulated media, unused here
	binary.LittleEndian.PutUint16(b[6:8], r.count)
	putUint32LE(b[8:12], r.rba)
	return b
}

// encodeBootCatalog assembles the catalog sector. The first entry becomes
// the initial/default entry under the validation header; each further entry
// gets its own section.
func encodeBootCatalog(idString string, resolved []resolvedBootEntry) []byte {
	b := make([]byte, 0, SectorSize)
	platform := PlatformX86
	if len(resolved) > 0 {
		platform = resolved[0].entry.Platform
	}
	b = append(b, encodeValidationEntry(platform, idString)...)
	if len(resolved) > 0 {
		b = append(b, encodeCatalogEntry(resolved[0])...)
		for i, r := range resolved[1:] {
			last := i == len(resolved)-2
			b = append(b, encodeSectionHeader(r.entry.Platform, 1, last)...)
			b = append(b, encodeCatalogEntry(r)...)
		}
	}
	out := make([]byte, SectorSize)
	copy(out, b)
	return out
}

// decodedBootEntry is one catalog entry as read from disk, before its load
// RBA has been matched back to a hierarchy file.
type decodedBootEntry struct {
	entry BootEntry
	rba   uint32
	count uint16
}

// decodeBootCatalog parses the catalog sector: validation entry first, with
// signature and checksum verified, then the initial entry and any sections.
func decodeBootCatalog(data []byte, sector uint32) (string, []decodedBootEntry, error) {
	if len(data) < 64 {
		return "", nil, fieldErr("boot catalog", sector, 0,
			fmt.Errorf("catalog of %d bytes: %w", len(data), ErrMalformedField))
	}
	val := data[0:32]
	if val[0] != catalogHeaderID {
		return "", nil, fieldErr("boot catalog validation entry", sector, 0,
			fmt.Errorf("header id %#02x: %w", val[0], ErrMalformedField))
	}
	if val[30] != catalogValidationSig1 || val[31] != catalogValidationSig2 {
		return "", nil, fieldErr("boot catalog validation signature", sector, 30,
			fmt.Errorf("got %#02x %#02x: %w", val[30], val[31], ErrMalformedField))
	}
	var sum uint16
	for i := 0; i < 32; i += 2 {
		sum += binary.LittleEndian.Uint16(val[i : i+2])
	}
	if sum != 0 {
		return "", nil, fieldErr("boot catalog checksum", sector, 28,
			fmt.Errorf("word sum %#04x: %w", sum, ErrMalformedField))
	}
	platform := BootPlatform(val[1])
	idString := trimPadding(val[4:28])

	var entries []decodedBootEntry
	decodeEntry := func(b []byte, p BootPlatform) {
		if b[0] != bootIndicatorBootable {
			return
		}
		e := decodedBootEntry{
			entry: BootEntry{
				Platform:    p,
				Emulation:   BootEmulation(b[1]),
				LoadSegment: binary.LittleEndian.Uint16(b[2:4]),
			},
			count: binary.LittleEndian.Uint16(b[6:8]),
			rba:   uint32LE(b[8:12]),
		}
		e.entry.SectorCount = e.count
		entries = append(entries, e)
	}

	// Initial/default entry.
	if data[32] == bootIndicatorBootable || data[32] == bootIndicatorNonBootable {
		decodeEntry(data[32:64], platform)
	}

	// Section headers and their entries.
	off := 64
	for off+32 <= len(data) {
		hdr := data[off : off+32]
		if hdr[0] != catalogSectionID && hdr[0] != catalogSectionLastID {
			break
		}
		secPlatform := BootPlatform(hdr[1])
		n := int(binary.LittleEndian.Uint16(hdr[2:4]))
		off += 32
		for i := 0; i < n && off+32 <= len(data); i++ {
			decodeEntry(data[off:off+32], secPlatform)
			off += 32
		}
		if hdr[0] == catalogSectionLastID {
			break
		}
	}
	return idString, entries, nil
}
