package isofs

import (
	"bytes"
	"fmt"
	"time"
)

// volumeMeta carries the free-text identity fields recorded in the primary
// and supplementary volume descriptors.
type volumeMeta struct {
	systemID      string
	volumeID      string
	volumeSetID   string
	publisherID   string
	preparerID    string
	applicationID string

	copyrightFile     string
	abstractFile      string
	bibliographicFile string

	created   time.Time
	modified  time.Time
	effective time.Time
}

// encodeVolumeDescriptor assembles a primary (typ 1) or supplementary (typ 2)
// volume descriptor sector. rootRec is the 34-byte root directory record,
// escape the ISO 2022 escape sequence advertised by a Joliet SVD (empty for
// the primary).
func encodeVolumeDescriptor(typ byte, meta volumeMeta, spaceSize uint32,
	ptSize, ptLE, ptBE uint32, rootRec []byte, escape string) []byte {

	b := make([]byte, SectorSize)
	b[0] = typ
	copy(b[1:6], vdStandardID)
	b[6] = vdVersion

	wide := typ == vdTypeSupplementary && escape != ""
	ident := func(s string, width int) []byte {
		if wide {
			id := encodeUCS2BE(s)
			if len(id) > width {
				id = id[:width]
			}
			out := make([]byte, width)
			for i := 0; i+1 < width; i += 2 {
				out[i], out[i+1] = 0x00, ' '
			}
			copy(out, id)
			return out
		}
		return padString(s, width)
	}

	copy(b[8:40], ident(meta.systemID, 32))
	copy(b[40:72], ident(meta.volumeID, 32))
	putBothUint32(b[80:88], spaceSize)
	copy(b[88:120], escape)
	putBothUint16(b[120:124], 1) // volume set size
	putBothUint16(b[124:128], 1) // volume sequence number
	putBothUint16(b[128:132], SectorSize)
	putBothUint32(b[132:140], ptSize)
	putUint32LE(b[140:144], ptLE)
	putUint32BE(b[148:152], ptBE)
	copy(b[156:156+rootRecordSize], rootRec)
	copy(b[190:318], ident(meta.volumeSetID, 128))
	copy(b[318:446], ident(meta.publisherID, 128))
	copy(b[446:574], ident(meta.preparerID, 128))
	copy(b[574:702], ident(meta.applicationID, 128))
	copy(b[702:739], ident(meta.copyrightFile, 37))
	copy(b[739:776], ident(meta.abstractFile, 37))
	copy(b[776:813], ident(meta.bibliographicFile, 37))
	encodeVolumeTime(b[813:830], meta.created)
	encodeVolumeTime(b[830:847], meta.modified)
	encodeVolumeTime(b[847:864], time.Time{}) // expiration: never
	encodeVolumeTime(b[864:881], meta.effective)
	b[881] = 1 // file structure version
	return b
}

// encodeBootRecordVD assembles the El Torito boot record volume descriptor
// pointing at the boot catalog's sector.
func encodeBootRecordVD(catalogSector uint32) []byte {
	b := make([]byte, SectorSize)
	b[0] = vdTypeBootRecord
	copy(b[1:6], vdStandardID)
	b[6] = vdVersion
	copy(b[7:39], elToritoSystemID)
	putUint32LE(b[0x47:0x4B], catalogSector)
	return b
}

// encodeTerminatorVD assembles the volume descriptor set terminator.
func encodeTerminatorVD() []byte {
	b := make([]byte, SectorSize)
	b[0] = vdTypeTerminator
	copy(b[1:6], vdStandardID)
	b[6] = vdVersion
	return b
}

// encodeVersionVD assembles the version volume descriptor sector that
// conventionally follows the terminator. No standard defines it, but common
// mastering tools reserve it, and round-tripping their images must preserve
// the layout. Its content is all zeros.
func encodeVersionVD() []byte {
	return make([]byte, SectorSize)
}

// volumeDescriptor is the decoded form of one descriptor-set sector.
type volumeDescriptor struct {
	typ  byte
	meta volumeMeta

	spaceSize uint32
	ptSize    uint32
	ptLE      uint32
	ptBE      uint32
	rootRec   *dirRecord
	escape    string

	// Boot record fields.
	bootSystemID  string
	catalogSector uint32
}

// isJoliet reports whether a supplementary descriptor advertises a UCS-2
// escape sequence, i.e. a Joliet hierarchy at any of the three levels.
func (vd *volumeDescriptor) isJoliet() bool {
	switch vd.escape {
	case "%/@", "%/C", "%/E":
		return true
	}
	return false
}

// decodeVolumeDescriptor parses one sector of the descriptor set. sectorNum
// is carried for error attribution.
func decodeVolumeDescriptor(b []byte, sectorNum uint32) (*volumeDescriptor, error) {
	if len(b) < SectorSize {
		return nil, fieldErr("volume descriptor", sectorNum, 0,
			fmt.Errorf("short sector of %d bytes: %w", len(b), ErrMalformedField))
	}
	if string(b[1:6]) != vdStandardID {
		return nil, fieldErr("volume descriptor standard identifier", sectorNum, 1,
			fmt.Errorf("got %q, want %q: %w", b[1:6], vdStandardID, ErrMalformedField))
	}
	vd := &volumeDescriptor{typ: b[0]}
	switch vd.typ {
	case vdTypeTerminator:
		return vd, nil
	case vdTypeBootRecord:
		vd.bootSystemID = trimPadding(b[7:39])
		vd.catalogSector = uint32LE(b[0x47:0x4B])
		return vd, nil
	case vdTypePrimary, vdTypeSupplementary:
	default:
		return nil, fieldErr("volume descriptor type", sectorNum, 0,
			fmt.Errorf("type %d: %w", vd.typ, ErrUnsupportedFeature))
	}

	var err error
	if vd.spaceSize, err = bothUint32(b[80:88]); err != nil {
		return nil, fieldErr("volume space size", sectorNum, 80, err)
	}
	blockSize, err := bothUint16(b[128:132])
	if err != nil {
		return nil, fieldErr("logical block size", sectorNum, 128, err)
	}
	if blockSize != SectorSize {
		return nil, fieldErr("logical block size", sectorNum, 128,
			fmt.Errorf("block size %d: %w", blockSize, ErrUnsupportedFeature))
	}
	if vd.ptSize, err = bothUint32(b[132:140]); err != nil {
		return nil, fieldErr("path table size", sectorNum, 132, err)
	}
	vd.ptLE = uint32LE(b[140:144])
	vd.ptBE = uint32BE(b[148:152])
	vd.escape = trimPadding(bytes.TrimRight(b[88:120], "\x00"))

	rootRec, _, err := decodeDirRecord(b[156:156+rootRecordSize], sectorNum)
	if err != nil {
		return nil, err
	}
	if rootRec == nil || !rootRec.isDir() {
		return nil, fieldErr("root directory record", sectorNum, 156,
			fmt.Errorf("missing or not a directory: %w", ErrMalformedField))
	}
	vd.rootRec = rootRec

	decodeIdent := func(field []byte) string {
		if vd.typ == vdTypeSupplementary {
			if s, derr := decodeUCS2BE(bytes.TrimRight(field, "\x00 ")); derr == nil {
				return s
			}
		}
		return trimPadding(field)
	}
	vd.meta.systemID = decodeIdent(b[8:40])
	vd.meta.volumeID = decodeIdent(b[40:72])
	vd.meta.volumeSetID = decodeIdent(b[190:318])
	vd.meta.publisherID = decodeIdent(b[318:446])
	vd.meta.preparerID = decodeIdent(b[446:574])
	vd.meta.applicationID = decodeIdent(b[574:702])
	vd.meta.copyrightFile = decodeIdent(b[702:739])
	vd.meta.abstractFile = decodeIdent(b[739:776])
	vd.meta.bibliographicFile = decodeIdent(b[776:813])
	if vd.meta.created, err = decodeVolumeTime(b[813:830]); err != nil {
		return nil, fieldErr("volume creation time", sectorNum, 813, err)
	}
	if vd.meta.modified, err = decodeVolumeTime(b[830:847]); err != nil {
		return nil, fieldErr("volume modification time", sectorNum, 830, err)
	}
	if vd.meta.effective, err = decodeVolumeTime(b[864:881]); err != nil {
		return nil, fieldErr("volume effective time", sectorNum, 864, err)
	}
	return vd, nil
}
