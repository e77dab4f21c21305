package isofs

import (
	"fmt"
	"time"
)

// dirRecord is the decoded form of one on-disk directory record. The encoder
// never goes through this struct; it assembles bytes directly from the node
// arena so both-endian fields are written once.
type dirRecord struct {
	extAttrLen byte
	extent     uint32
	size       uint32
	mtime      time.Time
	flags      byte
	volSeq     uint16
	identifier []byte
	systemUse  []byte
}

func (r *dirRecord) isDir() bool {
	return r.flags&flagDirectory != 0
}

func (r *dirRecord) isDot() bool {
	return len(r.identifier) == 1 && r.identifier[0] == 0x00
}

func (r *dirRecord) isDotDot() bool {
	return len(r.identifier) == 1 && r.identifier[0] == 0x01
}

// dirRecordLen returns the encoded length of a record with the given
// identifier and system-use sizes. The identifier is followed by a pad byte
// whenever the fixed part plus identifier is odd, keeping the record length
// even.
func dirRecordLen(idLen, suLen int) int {
	n := drFixedSize + idLen
	if n%2 != 0 {
		n++
	}
	return n + suLen
}

// encodeDirRecord assembles one directory record. identifier is the raw
// on-disk form (0x00 and 0x01 for the dot entries), systemUse the already
// packed SUSP chain or nil.
func encodeDirRecord(identifier []byte, loc, size uint32, mtime time.Time, flags byte, systemUse []byte) []byte {
	total := dirRecordLen(len(identifier), len(systemUse))
	b := make([]byte, total)
	b[0] = byte(total)
	b[1] = 0 // extended attribute record length
	putBothUint32(b[2:10], loc)
	putBothUint32(b[10:18], size)
	encodeDirTime(b[18:25], mtime)
	b[25] = flags
	b[26] = 0 // file unit size, interleaving unused
	b[27] = 0 // interleave gap
	putBothUint16(b[28:32], 1)
	b[32] = byte(len(identifier))
	copy(b[drFixedSize:], identifier)
	if len(systemUse) > 0 {
		copy(b[total-len(systemUse):], systemUse)
	}
	return b
}

// decodeDirRecord parses one directory record starting at data[0] and returns
// it with the number of bytes consumed. A zero length byte means the rest of
// the current sector is padding; the caller sees (nil, 0, nil) and skips
// ahead. sector is carried for error attribution only.
func decodeDirRecord(data []byte, sector uint32) (*dirRecord, int, error) {
	if len(data) == 0 || data[0] == 0 {
		return nil, 0, nil
	}
	total := int(data[0])
	if total < drFixedSize+1 || total > len(data) {
		return nil, 0, fieldErr("directory record length", sector, 0,
			fmt.Errorf("declared %d of %d available: %w", total, len(data), ErrMalformedField))
	}
	idLen := int(data[32])
	if drFixedSize+idLen > total {
		return nil, 0, fieldErr("directory record identifier length", sector, 32,
			fmt.Errorf("identifier of %d bytes overruns record of %d: %w", idLen, total, ErrMalformedField))
	}

	rec := &dirRecord{extAttrLen: data[1], flags: data[25]}
	var err error
	if rec.extent, err = bothUint32(data[2:10]); err != nil {
		return nil, 0, fieldErr("directory record extent", sector, 2, err)
	}
	if rec.size, err = bothUint32(data[10:18]); err != nil {
		return nil, 0, fieldErr("directory record size", sector, 10, err)
	}
	if rec.mtime, err = decodeDirTime(data[18:25]); err != nil {
		return nil, 0, fieldErr("directory record timestamp", sector, 18, err)
	}
	if rec.volSeq, err = bothUint16(data[28:32]); err != nil {
		return nil, 0, fieldErr("directory record volume sequence", sector, 28, err)
	}
	rec.identifier = append([]byte(nil), data[drFixedSize:drFixedSize+idLen]...)

	suStart := drFixedSize + idLen
	if suStart%2 != 0 {
		suStart++ // pad byte after an odd identifier
	}
	if suStart < total {
		rec.systemUse = append([]byte(nil), data[suStart:total]...)
	}
	return rec, total, nil
}

// packDirRecords lays the records of one directory out into its extent. A
// record never spans a sector boundary: when one does not fit in the current
// sector's remainder the gap is zero-filled and the record starts the next
// sector. The result is padded to a whole number of sectors, which is also
// the size recorded for the directory.
func packDirRecords(recs [][]byte) []byte {
	out := make([]byte, 0, SectorSize)
	for _, rec := range recs {
		if rem := SectorSize - len(out)%SectorSize; rem < len(rec) && rem < SectorSize {
			out = append(out, make([]byte, rem)...)
		}
		out = append(out, rec...)
	}
	if pad := len(out) % SectorSize; pad != 0 {
		out = append(out, make([]byte, SectorSize-pad)...)
	}
	if len(out) == 0 {
		out = make([]byte, SectorSize)
	}
	return out
}

// packedDirSize computes the extent size packDirRecords would produce for
// records of the given lengths, without building them. Used by the sizing
// pass that runs before extents are assigned.
func packedDirSize(lens []int) uint32 {
	off := 0
	for _, l := range lens {
		if rem := SectorSize - off%SectorSize; rem < l && rem < SectorSize {
			off += rem
		}
		off += l
	}
	if off == 0 {
		return SectorSize
	}
	return uint32((off + SectorSize - 1) / SectorSize * SectorSize)
}

// scanDirListing walks a decoded directory extent, invoking fn for each
// record. Zero length bytes advance to the next sector boundary.
func scanDirListing(data []byte, sector uint32, fn func(rec *dirRecord) error) error {
	off := 0
	for off < len(data) {
		rec, n, err := decodeDirRecord(data[off:], sector+uint32(off/SectorSize))
		if err != nil {
			return err
		}
		if rec == nil {
			off = (off/SectorSize + 1) * SectorSize
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += n
	}
	return nil
}
