package isofs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// builder runs one serialization pass: it assigns every structure its extent
// in canonical order, then encodes the metadata sectors and collects the
// lazily streamed file segments. A fresh builder is created per pass and the
// allocator starts from scratch each time, which is what makes repeated
// passes over the same logical content byte-identical.
//
// The canonical order is: descriptor set, path tables (L then M, plain then
// Joliet), plain directory extents breadth-first, Joliet directory extents
// breadth-first, the Rock Ridge continuation area, the boot catalog and any
// out-of-tree boot images, then file content breadth-first.
type builder struct {
	t    *tree
	meta volumeMeta
	boot *bootCatalog
	log  logrus.FieldLogger

	udf             bool
	udfLogicalVolID string
	udfFileSetID    string

	alloc *extentAllocator

	pvdExt     extent
	bootVDExt  extent
	svdExt     extent
	termExt    extent
	versionExt extent

	ptISOSize uint32
	ptISOLE   extent
	ptISOBE   extent
	ptJolSize uint32
	ptJolLE   extent
	ptJolBE   extent

	ceExt extent

	totalSectors uint32
	segments     []segment
}

// segment is one contiguous run of payload bytes placed at a sector. Gaps
// between segments are zero-filled by the serializer. Exactly one of data
// and src is set; src segments stream their content at write time.
type segment struct {
	sector uint32
	length uint32
	data   []byte
	src    Source
	label  string
}

// ceArea accumulates the Rock Ridge continuation area. Each entry stays
// within one sector so a single CE record can address it.
type ceArea struct {
	sector uint32
	buf    []byte
}

// add appends recs contiguously and returns the (sector, offset, length)
// triple a CE record needs to reference them.
func (c *ceArea) add(recs [][]byte) (uint32, uint32, uint32) {
	var total int
	for _, r := range recs {
		total += len(r)
	}
	if rem := SectorSize - len(c.buf)%SectorSize; rem < total && rem < SectorSize {
		c.buf = append(c.buf, make([]byte, rem)...)
	}
	sector := c.sector + uint32(len(c.buf)/SectorSize)
	offset := uint32(len(c.buf) % SectorSize)
	for _, r := range recs {
		c.buf = append(c.buf, r...)
	}
	return sector, offset, uint32(total)
}

// run performs the full pass and returns the ordered segments plus the
// volume space size in sectors.
func (b *builder) run() ([]segment, uint32, error) {
	if err := b.layout(); err != nil {
		return nil, 0, err
	}
	if err := b.encode(); err != nil {
		return nil, 0, err
	}
	return b.segments, b.totalSectors, nil
}

// layout assigns extents to every structure. Directory extent sizes are
// computed with a dry-run continuation area; the real one is rebuilt during
// encoding in the same deterministic order, so the sizes agree.
func (b *builder) layout() error {
	t := b.t
	for _, n := range t.nodes {
		n.isoExtent, n.jolietExtent, n.dataExtent = extent{}, extent{}, extent{}
		n.pathNumISO, n.pathNumJoliet = 0, 0
	}

	a := newExtentAllocator(systemAreaSectors)
	b.alloc = a

	b.pvdExt = a.allocate(SectorSize)
	if b.boot != nil {
		b.bootVDExt = a.allocate(SectorSize)
	}
	if t.joliet {
		b.svdExt = a.allocate(SectorSize)
	}
	b.termExt = a.allocate(SectorSize)
	b.versionExt = a.allocate(SectorSize)

	b.ptISOSize = t.pathTableSize(false)
	b.ptISOLE = a.allocate(b.ptISOSize)
	b.ptISOBE = a.allocate(b.ptISOSize)
	if t.joliet {
		b.ptJolSize = t.pathTableSize(true)
		b.ptJolLE = a.allocate(b.ptJolSize)
		b.ptJolBE = a.allocate(b.ptJolSize)
	}

	dry := &ceArea{}
	t.walkBreadthFirst(true, func(dir *node) {
		recs := b.isoDirRecords(dir, dry)
		lens := make([]int, len(recs))
		for i, r := range recs {
			lens[i] = len(r)
		}
		dir.isoExtent = a.allocate(packedDirSize(lens))
	})
	if t.joliet {
		t.walkBreadthFirst(false, func(dir *node) {
			if dir.id == t.rrMoved {
				return
			}
			recs := b.jolietDirRecords(dir)
			lens := make([]int, len(recs))
			for i, r := range recs {
				lens[i] = len(r)
			}
			dir.jolietExtent = a.allocate(packedDirSize(lens))
		})
	}
	if t.rockRidge {
		b.ceExt = a.allocate(uint32(len(dry.buf)))
	}

	if b.boot != nil {
		if b.boot.node != noNode {
			t.node(b.boot.node).dataExtent = a.allocate(SectorSize)
		} else {
			b.boot.ext = a.allocate(SectorSize)
		}
		for _, img := range b.boot.images {
			if img.node != noNode {
				n := t.node(img.node)
				size, err := sourceLen(n.src, n.name)
				if err != nil {
					return err
				}
				n.dataExtent = a.allocate(size)
			} else {
				size, err := sourceLen(img.src, "boot image")
				if err != nil {
					return err
				}
				img.ext = a.allocate(size)
			}
		}
	}

	var layoutErr error
	t.walkBreadthFirst(true, func(dir *node) {
		if layoutErr != nil {
			return
		}
		for _, c := range t.childrenView(dir, true) {
			if c.kind != KindFile || c.src == nil || c.dataExtent.sector != 0 {
				continue
			}
			size, err := sourceLen(c.src, c.name)
			if err != nil {
				layoutErr = err
				return
			}
			c.dataExtent = a.allocate(size)
		}
	})
	if layoutErr != nil {
		return layoutErr
	}

	b.totalSectors = a.highWater()
	b.log.WithFields(logrus.Fields{
		"sectors":     b.totalSectors,
		"directories": len(t.pathTableDirs(false)),
	}).Debug("layout assigned")
	return nil
}

func sourceLen(src Source, name string) (uint32, error) {
	size := src.Size()
	if size < 0 || size > math.MaxUint32 {
		return 0, fmt.Errorf("content of %q is %d bytes, beyond the 32-bit extent limit: %w",
			name, size, ErrMalformedField)
	}
	return uint32(size), nil
}

// encode produces every metadata segment and registers the streamed file
// segments. Must run after layout.
func (b *builder) encode() error {
	t := b.t
	add := func(sector uint32, data []byte, label string) {
		b.segments = append(b.segments, segment{sector: sector, length: uint32(len(data)), data: data, label: label})
	}

	if b.udf {
		add(udfAnchorSector, encodeAnchorVolumeDescriptorPointer(udfFileSetSector), "udf anchor")
		add(udfFileSetSector, encodeFileSetDescriptor(b.udfLogicalVolID, b.udfFileSetID), "udf file set")
	}

	root := t.node(t.root)
	rootISO := encodeDirRecord([]byte{0x00}, root.isoExtent.sector, root.isoExtent.byteLen,
		root.mtime, flagDirectory, nil)
	add(b.pvdExt.sector, encodeVolumeDescriptor(vdTypePrimary, b.meta, b.totalSectors,
		b.ptISOSize, b.ptISOLE.sector, b.ptISOBE.sector, rootISO, ""), "primary volume descriptor")

	if b.boot != nil {
		catSector := b.boot.ext.sector
		if b.boot.node != noNode {
			catSector = t.node(b.boot.node).dataExtent.sector
		}
		add(b.bootVDExt.sector, encodeBootRecordVD(catSector), "boot record")
	}
	if t.joliet {
		rootJol := encodeDirRecord([]byte{0x00}, root.jolietExtent.sector, root.jolietExtent.byteLen,
			root.mtime, flagDirectory, nil)
		add(b.svdExt.sector, encodeVolumeDescriptor(vdTypeSupplementary, b.meta, b.totalSectors,
			b.ptJolSize, b.ptJolLE.sector, b.ptJolBE.sector, rootJol, jolietEscapeLevel3), "supplementary volume descriptor")
	}
	add(b.termExt.sector, encodeTerminatorVD(), "descriptor set terminator")
	add(b.versionExt.sector, encodeVersionVD(), "version descriptor")

	isoEntries := t.pathTableEntries(false)
	add(b.ptISOLE.sector, encodePathTable(isoEntries, binary.LittleEndian), "path table L")
	add(b.ptISOBE.sector, encodePathTable(isoEntries, binary.BigEndian), "path table M")
	if t.joliet {
		jolEntries := t.pathTableEntries(true)
		add(b.ptJolLE.sector, encodePathTable(jolEntries, binary.LittleEndian), "joliet path table L")
		add(b.ptJolBE.sector, encodePathTable(jolEntries, binary.BigEndian), "joliet path table M")
	}

	ce := &ceArea{sector: b.ceExt.sector}
	t.walkBreadthFirst(true, func(dir *node) {
		add(dir.isoExtent.sector, packDirRecords(b.isoDirRecords(dir, ce)), "directory "+dir.name)
	})
	if t.joliet {
		t.walkBreadthFirst(false, func(dir *node) {
			if dir.id == t.rrMoved {
				return
			}
			add(dir.jolietExtent.sector, packDirRecords(b.jolietDirRecords(dir)), "joliet directory "+dir.name)
		})
	}
	if t.rockRidge {
		if uint32(len(ce.buf)) != b.ceExt.byteLen {
			return fmt.Errorf("continuation area grew from %d to %d bytes between passes: %w",
				b.ceExt.byteLen, len(ce.buf), ErrInconsistentState)
		}
		add(b.ceExt.sector, ce.buf, "rock ridge continuation area")
	}

	if b.boot != nil {
		if err := b.encodeBootSegments(add); err != nil {
			return err
		}
	}

	seen := map[nodeID]bool{}
	t.walkBreadthFirst(true, func(dir *node) {
		for _, c := range t.childrenView(dir, true) {
			if c.kind != KindFile || c.src == nil || seen[c.id] {
				continue
			}
			seen[c.id] = true
			if b.boot != nil && c.id == b.boot.node {
				continue // generated catalog, emitted above
			}
			b.segments = append(b.segments, segment{
				sector: c.dataExtent.sector,
				length: c.dataExtent.byteLen,
				src:    c.src,
				label:  "file " + c.name,
			})
		}
	})
	return nil
}

func (b *builder) encodeBootSegments(add func(uint32, []byte, string)) error {
	t := b.t
	resolved := make([]resolvedBootEntry, len(b.boot.images))
	for i, img := range b.boot.images {
		r := resolvedBootEntry{entry: img.entry}
		var size int64
		if img.node != noNode {
			n := t.node(img.node)
			r.rba = n.dataExtent.sector
			size = n.src.Size()
		} else {
			r.rba = img.ext.sector
			size = img.src.Size()
			b.segments = append(b.segments, segment{
				sector: img.ext.sector,
				length: img.ext.byteLen,
				src:    img.src,
				label:  "boot image",
			})
		}
		r.count = defaultSectorCount(img.entry, size)
		resolved[i] = r
	}
	catSector := b.boot.ext.sector
	if b.boot.node != noNode {
		catSector = t.node(b.boot.node).dataExtent.sector
	}
	add(catSector, encodeBootCatalog(b.boot.idString, resolved), "boot catalog")
	return nil
}

// occKind distinguishes the four places a node's Rock Ridge data appears.
type occKind int

const (
	occDot occKind = iota
	occDotDot
	occChild
	occPlaceholder
)

// isoDirRecords builds the record list of one directory extent in the plain
// hierarchy: ".", "..", then the children in collation order. A relocated
// directory appears as a CL placeholder in its logical parent and as a real
// record under the relocation directory.
func (b *builder) isoDirRecords(dir *node, ce *ceArea) [][]byte {
	t := b.t
	pp := dir
	if dir.physParent != noNode {
		pp = t.node(dir.physParent)
	}
	recs := [][]byte{
		encodeDirRecord([]byte{0x00}, dir.isoExtent.sector, dir.isoExtent.byteLen, dir.mtime,
			recordFlags(dir, true), b.systemUse(occDot, dir, dir, 1, ce)),
		encodeDirRecord([]byte{0x01}, pp.isoExtent.sector, pp.isoExtent.byteLen, pp.mtime,
			flagDirectory, b.systemUse(occDotDot, dir, pp, 1, ce)),
	}
	for _, c := range t.childrenView(dir, true) {
		ident := []byte(c.isoName)
		switch {
		case c.isDir() && c.physParent != dir.id:
			su := b.systemUse(occPlaceholder, dir, c, len(ident), ce)
			recs = append(recs, encodeDirRecord(ident, 0, 0, c.mtime, 0, su))
		case c.isDir():
			su := b.systemUse(occChild, dir, c, len(ident), ce)
			recs = append(recs, encodeDirRecord(ident, c.isoExtent.sector, c.isoExtent.byteLen,
				c.mtime, recordFlags(c, true), su))
		case c.kind == KindSymlink:
			su := b.systemUse(occChild, dir, c, len(ident), ce)
			recs = append(recs, encodeDirRecord(ident, 0, 0, c.mtime, recordFlags(c, false), su))
		default:
			su := b.systemUse(occChild, dir, c, len(ident), ce)
			recs = append(recs, encodeDirRecord(ident, c.dataExtent.sector, c.dataExtent.byteLen,
				c.mtime, recordFlags(c, false), su))
		}
	}
	return recs
}

// jolietDirRecords builds one directory extent of the Joliet hierarchy. It
// follows logical parents, omits the relocation directory, and carries no
// system-use data.
func (b *builder) jolietDirRecords(dir *node) [][]byte {
	t := b.t
	pp := dir
	if dir.parent != noNode {
		pp = t.node(dir.parent)
	}
	recs := [][]byte{
		encodeDirRecord([]byte{0x00}, dir.jolietExtent.sector, dir.jolietExtent.byteLen, dir.mtime,
			recordFlags(dir, true), nil),
		encodeDirRecord([]byte{0x01}, pp.jolietExtent.sector, pp.jolietExtent.byteLen, pp.mtime,
			flagDirectory, nil),
	}
	for _, c := range t.childrenView(dir, false) {
		if c.id == t.rrMoved {
			continue
		}
		ident := jolietIdentifier(c.name)
		switch {
		case c.isDir():
			recs = append(recs, encodeDirRecord(ident, c.jolietExtent.sector, c.jolietExtent.byteLen,
				c.mtime, recordFlags(c, true), nil))
		case c.kind == KindSymlink:
			recs = append(recs, encodeDirRecord(ident, 0, 0, c.mtime, recordFlags(c, false), nil))
		default:
			recs = append(recs, encodeDirRecord(ident, c.dataExtent.sector, c.dataExtent.byteLen,
				c.mtime, recordFlags(c, false), nil))
		}
	}
	return recs
}

func recordFlags(n *node, dir bool) byte {
	var f byte
	if dir {
		f |= flagDirectory
	}
	if n.hidden {
		f |= flagHidden
	}
	return f
}

// systemUse assembles the Rock Ridge chain for one record occurrence. When
// the chain exceeds the record's system-use budget, a whole-record prefix
// stays inline and a CE record points at the remainder in the continuation
// area. The root "." entry additionally leads with SP and always references
// the ER record through a CE.
func (b *builder) systemUse(occ occKind, dir, n *node, idLen int, ce *ceArea) []byte {
	t := b.t
	if !t.rockRidge {
		return nil
	}

	target := n
	switch occ {
	case occDot:
		target = dir
	case occDotDot:
		target = n // physical parent, passed by the caller
	}

	rootDot := occ == occDot && dir.id == t.root
	var recs [][]byte
	if rootDot {
		recs = append(recs, makeSP())
	}
	rrAt := len(recs)
	flags := rrFlagPX | rrFlagTF
	recs = append(recs,
		makePX(target.mode, t.linkCount(target), target.uid, target.gid),
		makeTF(target.mtime))
	switch occ {
	case occChild:
		flags |= rrFlagNM
		recs = append(recs, makeNM(n.name)...)
		if n.kind == KindSymlink {
			flags |= rrFlagSL
			recs = append(recs, makeSL(n.symlinkTarget))
		}
		if n.relocated {
			flags |= rrFlagRE
			recs = append(recs, makeRE())
		}
	case occPlaceholder:
		flags |= rrFlagNM | rrFlagCL
		recs = append(recs, makeNM(n.name)...)
		recs = append(recs, makeCL(n.isoExtent.sector))
	case occDotDot:
		if dir.relocated {
			flags |= rrFlagPL
			recs = append(recs, makePL(t.node(dir.parent).isoExtent.sector))
		}
	}
	recs = append(recs[:rrAt], append([][]byte{makeRR(flags)}, recs[rrAt:]...)...)

	// One byte of the room below the 255-byte record limit is reserved for
	// the pad that keeps the record length even, so a chain exactly filling
	// the raw space cannot push the record to 256 bytes.
	budget := 255 - dirRecordLen(idLen, 0)
	if budget%2 != 0 {
		budget--
	}
	total := chainLen(recs)
	inline, overflow := recs, [][]byte(nil)
	needCE := rootDot || total > budget
	if needCE {
		inline, overflow = splitChain(recs, budget-28)
		if rootDot {
			overflow = append(overflow, makeER())
		}
		sector, offset, length := ce.add(overflow)
		inline = append(inline, makeCE(sector, offset, length))
	}

	out := make([]byte, 0, chainLen(inline))
	for _, r := range inline {
		out = append(out, r...)
	}
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	return out
}

func chainLen(recs [][]byte) int {
	var n int
	for _, r := range recs {
		n += len(r)
	}
	return n
}

// splitChain takes the longest whole-record prefix fitting limit bytes.
func splitChain(recs [][]byte, limit int) (inline, overflow [][]byte) {
	used := 0
	for i, r := range recs {
		if used+len(r) > limit {
			return recs[:i], recs[i:]
		}
		used += len(r)
	}
	return recs, nil
}

// linkCount is the POSIX link count recorded in PX: directories count their
// own entry, their dot entry, and one per subdirectory; files count one.
func (t *tree) linkCount(n *node) uint32 {
	if !n.isDir() {
		return 1
	}
	links := uint32(2)
	for _, id := range n.children {
		if t.node(id).isDir() {
			links++
		}
	}
	return links
}
