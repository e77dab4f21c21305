package isofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// The path table is a flat index of every directory, recorded twice: once
// with little-endian fields (the L table) and once big-endian (the M table).
// Entries are ordered by hierarchy level, then by parent number, then by
// identifier, which is exactly the order a breadth-first walk over
// collation-sorted children produces.

type pathTableEntry struct {
	identifier []byte
	extent     uint32
	parentNum  uint16
}

func (e pathTableEntry) encodedLen() int {
	n := ptrFixedSize + len(e.identifier)
	if len(e.identifier)%2 != 0 {
		n++
	}
	return n
}

// pathTableDirs returns the directories of one hierarchy in path table order
// and assigns their 1-based table numbers. The Joliet hierarchy follows
// logical parents and omits the relocation directory; the plain hierarchy
// follows physical parents so relocated directories index under it.
func (t *tree) pathTableDirs(joliet bool) []*node {
	var dirs []*node
	t.walkBreadthFirst(!joliet, func(dir *node) {
		if joliet && dir.id == t.rrMoved {
			return
		}
		dirs = append(dirs, dir)
		if joliet {
			dir.pathNumJoliet = uint16(len(dirs))
		} else {
			dir.pathNumISO = uint16(len(dirs))
		}
	})
	return dirs
}

func (t *tree) pathTableEntries(joliet bool) []pathTableEntry {
	dirs := t.pathTableDirs(joliet)
	entries := make([]pathTableEntry, len(dirs))
	for i, dir := range dirs {
		e := pathTableEntry{identifier: []byte{0x00}, parentNum: 1}
		if dir.id != t.root {
			if joliet {
				e.identifier = encodeUCS2BE(dir.name)
				e.extent = dir.jolietExtent.sector
				e.parentNum = t.node(dir.parent).pathNumJoliet
			} else {
				e.identifier = []byte(dir.isoName)
				e.extent = dir.isoExtent.sector
				e.parentNum = t.node(dir.physParent).pathNumISO
			}
		} else if joliet {
			e.extent = dir.jolietExtent.sector
		} else {
			e.extent = dir.isoExtent.sector
		}
		entries[i] = e
	}
	return entries
}

// pathTableSize returns the byte length of one hierarchy's path table. It
// depends only on directory names, so the builder can reserve the table's
// extent before directory extents are assigned.
func (t *tree) pathTableSize(joliet bool) uint32 {
	var size int
	for _, e := range t.pathTableEntries(joliet) {
		size += e.encodedLen()
	}
	return uint32(size)
}

// encodePathTable serializes entries in the requested byte order.
func encodePathTable(entries []pathTableEntry, order binary.ByteOrder) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		var fixed [ptrFixedSize]byte
		fixed[0] = byte(len(e.identifier))
		fixed[1] = 0 // extended attribute record length
		order.PutUint32(fixed[2:6], e.extent)
		order.PutUint16(fixed[6:8], e.parentNum)
		buf.Write(fixed[:])
		buf.Write(e.identifier)
		if len(e.identifier)%2 != 0 {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// decodePathTable parses a path table of the given byte order. sector is
// carried for error attribution.
func decodePathTable(data []byte, order binary.ByteOrder, sector uint32) ([]pathTableEntry, error) {
	var entries []pathTableEntry
	off := 0
	for off < len(data) {
		if data[off] == 0 {
			// Trailing sector padding.
			break
		}
		if off+ptrFixedSize > len(data) {
			return nil, fieldErr("path table record", sector, off,
				fmt.Errorf("truncated fixed part: %w", ErrMalformedField))
		}
		idLen := int(data[off])
		total := ptrFixedSize + idLen
		if idLen%2 != 0 {
			total++
		}
		if off+total > len(data) {
			return nil, fieldErr("path table identifier", sector, off,
				fmt.Errorf("identifier of %d bytes overruns table: %w", idLen, ErrMalformedField))
		}
		entries = append(entries, pathTableEntry{
			identifier: append([]byte(nil), data[off+ptrFixedSize:off+ptrFixedSize+idLen]...),
			extent:     order.Uint32(data[off+2 : off+6]),
			parentNum:  order.Uint16(data[off+6 : off+8]),
		})
		off += total
	}
	return entries, nil
}

// pathTablesAgree cross-checks the L and M copies of a parsed path table.
// Divergence means the image was written inconsistently and parsing fails
// rather than guessing which copy to trust.
func pathTablesAgree(le, be []pathTableEntry) error {
	if len(le) != len(be) {
		return fmt.Errorf("path tables disagree on entry count (%d vs %d): %w",
			len(le), len(be), ErrEndianMismatch)
	}
	for i := range le {
		l, b := le[i], be[i]
		if l.extent != b.extent || l.parentNum != b.parentNum || !bytes.Equal(l.identifier, b.identifier) {
			return fmt.Errorf("path table entry %d disagrees between copies: %w", i+1, ErrEndianMismatch)
		}
	}
	return nil
}
