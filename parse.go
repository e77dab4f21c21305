package isofs

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// maxDirListingBytes bounds a single directory extent during parsing so a
// corrupt size field cannot make the parser allocate the whole image.
const maxDirListingBytes = 32 << 20

// parseResult is the internal state recovered from an existing image, ready
// to seed a build session.
type parseResult struct {
	t     *tree
	meta  volumeMeta
	boot  *bootCatalog
	udf   udfBridgeInfo
	level int
}

type parser struct {
	r    io.ReaderAt
	size int64
	log  logrus.FieldLogger

	t        *tree
	alloc    *extentAllocator
	byExtent map[uint32]nodeID
	visited  map[uint32]bool
}

// parseImage reads a complete volume from r. Nothing is mutated until the
// whole parse succeeds: a malformed image yields an error and no state.
func parseImage(r io.ReaderAt, size int64, log logrus.FieldLogger) (*parseResult, error) {
	p := &parser{
		r:        r,
		size:     size,
		log:      log,
		alloc:    newExtentAllocator(systemAreaSectors),
		byExtent: map[uint32]nodeID{},
		visited:  map[uint32]bool{},
	}

	pvd, svd, bootVDs, err := p.scanDescriptorSet()
	if err != nil {
		return nil, err
	}

	rockRidge, err := p.detectRockRidge(pvd)
	if err != nil {
		return nil, err
	}
	joliet := svd != nil
	p.log.WithFields(logrus.Fields{
		"rock_ridge": rockRidge,
		"joliet":     joliet,
		"boot":       len(bootVDs) > 0,
	}).Debug("descriptor set scanned")

	// The walked hierarchy is the one with authoritative names: Rock Ridge
	// when present, Joliet otherwise, the plain identifiers as a last resort.
	walkVD, walkJoliet := pvd, false
	if !rockRidge && joliet {
		walkVD, walkJoliet = svd, true
	}

	res := &parseResult{meta: pvd.meta, level: 1}
	p.t = newTree(rockRidge, joliet, 1, pvd.meta.created)
	root := p.t.node(p.t.root)
	root.mtime = walkVD.rootRec.mtime
	if err := p.walkDir(root, extent{walkVD.rootRec.extent, walkVD.rootRec.size}, walkJoliet, 1); err != nil {
		return nil, err
	}

	if err := p.checkPathTables(walkVD, true); err != nil {
		return nil, err
	}
	// The other hierarchy's tables are not cross-checked against the walk,
	// but both copies must still agree with each other.
	switch {
	case walkJoliet:
		if err := p.checkPathTables(pvd, false); err != nil {
			return nil, err
		}
	case joliet:
		if err := p.checkPathTables(svd, false); err != nil {
			return nil, err
		}
	}

	res.level = detectInterchangeLevel(p.t)
	p.t.interchangeLevel = res.level

	if len(bootVDs) > 0 {
		if len(bootVDs) > 1 {
			p.log.WithField("count", len(bootVDs)).Warn("multiple boot records, using the first")
		}
		res.boot, err = p.parseBootCatalog(bootVDs[0])
		if err != nil {
			return nil, err
		}
	}

	res.udf, err = p.parseUDFBridge()
	if err != nil {
		return nil, err
	}

	res.t = p.t
	return res, nil
}

// scanDescriptorSet reads sectors from the start of the descriptor area until
// the terminator, within a fixed bound.
func (p *parser) scanDescriptorSet() (pvd, svd *volumeDescriptor, bootVDs []*volumeDescriptor, err error) {
	for sector := uint32(systemAreaSectors); sector < vdMaxScanSectors; sector++ {
		raw, rerr := p.readExtent(sector, SectorSize, "volume descriptor")
		if rerr != nil {
			return nil, nil, nil, rerr
		}
		vd, derr := decodeVolumeDescriptor(raw, sector)
		if derr != nil {
			return nil, nil, nil, derr
		}
		switch vd.typ {
		case vdTypeTerminator:
			if pvd == nil {
				return nil, nil, nil, fmt.Errorf("descriptor set terminated at sector %d: %w",
					sector, ErrNoPrimaryDescriptor)
			}
			return pvd, svd, bootVDs, nil
		case vdTypePrimary:
			if pvd == nil {
				pvd = vd
			}
		case vdTypeSupplementary:
			if svd == nil && vd.isJoliet() {
				svd = vd
			}
		case vdTypeBootRecord:
			if vd.bootSystemID == elToritoSystemID {
				bootVDs = append(bootVDs, vd)
			}
		}
	}
	return nil, nil, nil, fmt.Errorf("no descriptor set terminator within %d sectors: %w",
		vdMaxScanSectors-systemAreaSectors, ErrInconsistentState)
}

// detectRockRidge checks the root directory's "." record for the SUSP
// indicator.
func (p *parser) detectRockRidge(pvd *volumeDescriptor) (bool, error) {
	raw, err := p.readExtent(pvd.rootRec.extent, SectorSize, "root directory")
	if err != nil {
		return false, err
	}
	rec, _, err := decodeDirRecord(raw, pvd.rootRec.extent)
	if err != nil || rec == nil {
		return false, err
	}
	su := rec.systemUse
	return len(su) >= 7 && su[0] == 'S' && su[1] == 'P' && su[4] == 0xBE && su[5] == 0xEF, nil
}

// walkDir reconstructs one directory's children from its extent, recursing
// into subdirectories. The logical hierarchy is rebuilt directly: relocated
// directories are followed through their CL placeholders, and the relocation
// directory itself is registered but never descended into.
func (p *parser) walkDir(dir *node, ext extent, joliet bool, depth int) error {
	if depth > 64 {
		return fmt.Errorf("directory nesting beyond depth 64: %w", ErrInconsistentState)
	}
	if p.visited[ext.sector] {
		return fmt.Errorf("directory extent %d referenced twice: %w", ext.sector, ErrInconsistentState)
	}
	p.visited[ext.sector] = true
	if _, err := p.alloc.reserveAt(ext.sector, ext.byteLen); err != nil {
		return err
	}
	data, err := p.readExtent(ext.sector, ext.byteLen, "directory listing")
	if err != nil {
		return err
	}

	var recs []*dirRecord
	if err := scanDirListing(data, ext.sector, func(rec *dirRecord) error {
		if !rec.isDot() && !rec.isDotDot() {
			recs = append(recs, rec)
		}
		return nil
	}); err != nil {
		return err
	}

	// The relocation directory must be registered before any sibling
	// subtree is descended: a CL placeholder deeper in the hierarchy needs
	// it as the physical parent of the directory it links to.
	if dir.id == p.t.root && p.t.rockRidge {
		for i, rec := range recs {
			if !rec.isDir() {
				continue
			}
			info, err := p.rockRidgeInfo(rec, ext.sector)
			if err != nil {
				return err
			}
			name := info.name
			if name == "" {
				name = string(rec.identifier)
			}
			if isRelocationDirName(name) {
				recs[0], recs[i] = recs[i], recs[0]
				break
			}
		}
	}

	for _, rec := range recs {
		if err := p.addRecord(dir, rec, ext.sector, joliet, depth); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) addRecord(dir *node, rec *dirRecord, sector uint32, joliet bool, depth int) error {
	t := p.t

	var info rrInfo
	if t.rockRidge {
		var err error
		if info, err = p.rockRidgeInfo(rec, sector); err != nil {
			return err
		}
	}

	ident := string(rec.identifier)
	var name, isoName string
	if joliet {
		decoded, err := decodeUCS2BE(rec.identifier)
		if err != nil {
			return fieldErr("joliet identifier", sector, 0, err)
		}
		name = strings.TrimSuffix(decoded, ";1")
		isoName = sanitizeISOName(name, rec.isDir(), t.interchangeLevel)
	} else {
		isoName = ident
		name = info.name
		if name == "" {
			name = strings.TrimSuffix(ident, ";1")
		}
	}

	// The relocation directory is recorded but its listing is skipped; its
	// members are reached through the CL placeholders at their logical
	// positions.
	if t.rockRidge && dir.id == t.root && rec.isDir() && isRelocationDirName(name) {
		rm := p.newNode(dir, name, isoName, KindDirectory, rec, info)
		rm.hidden = true
		t.rrMoved = rm.id
		p.visited[rec.extent] = true
		_, err := p.alloc.reserveAt(rec.extent, rec.size)
		return err
	}

	switch {
	case info.hasChildLoc:
		// Placeholder for a relocated directory: the real listing lives at
		// the child location.
		childExt, err := p.dirExtentAt(info.childLoc)
		if err != nil {
			return err
		}
		n := p.newNode(dir, name, isoName, KindDirectory, rec, info)
		n.relocated = true
		if t.rrMoved == noNode {
			t.relocate(n, n.mtime)
		} else {
			n.physParent = t.rrMoved
		}
		return p.walkDir(n, childExt, joliet, depth+1)

	case rec.isDir():
		if rec.size == 0 || rec.size > maxDirListingBytes {
			return fieldErr("directory size", sector, 0,
				fmt.Errorf("%d bytes: %w", rec.size, ErrMalformedField))
		}
		n := p.newNode(dir, name, isoName, KindDirectory, rec, info)
		return p.walkDir(n, extent{rec.extent, rec.size}, joliet, depth+1)

	case info.symlinkTarget != "":
		n := p.newNode(dir, name, isoName, KindSymlink, rec, info)
		n.symlinkTarget = info.symlinkTarget
		return nil

	default:
		n := p.newNode(dir, name, isoName, KindFile, rec, info)
		n.src = &extentSource{r: p.r, offset: int64(rec.extent) * SectorSize, length: int64(rec.size)}
		if rec.size > 0 || rec.extent != 0 {
			if _, err := p.alloc.reserveAt(rec.extent, rec.size); err != nil {
				return err
			}
			n.dataExtent = extent{rec.extent, rec.size}
			p.byExtent[rec.extent] = n.id
		}
		return nil
	}
}

// newNode constructs a tree node from a decoded record, bypassing addEntry's
// input validation: the on-disk form is authoritative here.
func (p *parser) newNode(parent *node, name, isoName string, kind EntryKind, rec *dirRecord, info rrInfo) *node {
	t := p.t
	n := &node{
		id:         nodeID(len(t.nodes)),
		parent:     parent.id,
		physParent: parent.id,
		kind:       kind,
		name:       name,
		isoName:    isoName,
		hidden:     rec.flags&flagHidden != 0,
		mtime:      rec.mtime,
		mode:       0o100444,
	}
	if kind == KindDirectory {
		n.mode = 0o40555
	}
	if info.present {
		if info.mode != 0 {
			n.mode = info.mode
		}
		n.uid, n.gid = info.uid, info.gid
		if !info.mtime.IsZero() {
			n.mtime = info.mtime
		}
	}
	t.nodes = append(t.nodes, n)
	t.insertChild(parent, n.id)
	return n
}

// dirExtentAt reads the "." record of the listing at sector to learn the
// directory's full extent.
func (p *parser) dirExtentAt(sector uint32) (extent, error) {
	raw, err := p.readExtent(sector, SectorSize, "relocated directory")
	if err != nil {
		return extent{}, err
	}
	rec, _, err := decodeDirRecord(raw, sector)
	if err != nil {
		return extent{}, err
	}
	if rec == nil || !rec.isDot() || !rec.isDir() {
		return extent{}, fieldErr("relocated directory", sector, 0,
			fmt.Errorf("child location does not start a directory listing: %w", ErrMalformedField))
	}
	if rec.size == 0 || rec.size > maxDirListingBytes {
		return extent{}, fieldErr("relocated directory size", sector, 0,
			fmt.Errorf("%d bytes: %w", rec.size, ErrMalformedField))
	}
	return extent{rec.extent, rec.size}, nil
}

// rockRidgeInfo decodes a record's system-use area, following CE
// continuations with a hop bound.
func (p *parser) rockRidgeInfo(rec *dirRecord, sector uint32) (rrInfo, error) {
	var info rrInfo
	data := rec.systemUse
	for hops := 0; ; hops++ {
		if err := parseSystemUse(data, sector, &info); err != nil {
			return info, err
		}
		if !info.hasCE {
			return info, nil
		}
		if hops >= 8 {
			return info, fieldErr("susp continuation", sector, 0,
				fmt.Errorf("more than 8 hops: %w", ErrMalformedField))
		}
		var err error
		sector = info.ceSector
		data, err = p.readRange(int64(info.ceSector)*SectorSize+int64(info.ceOffset),
			int64(info.ceLen), "susp continuation")
		if err != nil {
			return info, err
		}
		info.hasCE = false
	}
}

// checkPathTables decodes both endian copies of one hierarchy's path table,
// verifies they agree, and verifies every indexed directory extent was
// actually walked.
func (p *parser) checkPathTables(vd *volumeDescriptor, walked bool) error {
	le, err := p.readExtent(vd.ptLE, vd.ptSize, "path table L")
	if err != nil {
		return err
	}
	be, err := p.readExtent(vd.ptBE, vd.ptSize, "path table M")
	if err != nil {
		return err
	}
	leEntries, err := decodePathTable(le, binary.LittleEndian, vd.ptLE)
	if err != nil {
		return err
	}
	beEntries, err := decodePathTable(be, binary.BigEndian, vd.ptBE)
	if err != nil {
		return err
	}
	if err := pathTablesAgree(leEntries, beEntries); err != nil {
		return err
	}
	if !walked {
		return nil
	}
	for i, e := range leEntries {
		if !p.visited[e.extent] {
			return fmt.Errorf("path table entry %d points at unwalked extent %d: %w",
				i+1, e.extent, ErrInconsistentState)
		}
	}
	return nil
}

// parseBootCatalog decodes the catalog and matches its extents back to
// hierarchy files where possible.
func (p *parser) parseBootCatalog(vd *volumeDescriptor) (*bootCatalog, error) {
	raw, err := p.readExtent(vd.catalogSector, SectorSize, "boot catalog")
	if err != nil {
		return nil, err
	}
	idString, entries, err := decodeBootCatalog(raw, vd.catalogSector)
	if err != nil {
		return nil, err
	}
	cat := &bootCatalog{idString: idString, node: noNode}
	if id, ok := p.byExtent[vd.catalogSector]; ok {
		cat.node = id
	} else {
		cat.ext, err = p.alloc.reserveAt(vd.catalogSector, SectorSize)
		if err != nil {
			return nil, err
		}
	}
	for _, e := range entries {
		img := &bootImage{entry: e.entry, node: noNode}
		if id, ok := p.byExtent[e.rba]; ok {
			img.node = id
		} else {
			length := int64(e.count) * 512
			img.src = &extentSource{r: p.r, offset: int64(e.rba) * SectorSize, length: length}
			if img.ext, err = p.alloc.reserveAt(e.rba, uint32(length)); err != nil {
				return nil, err
			}
		}
		cat.images = append(cat.images, img)
	}
	return cat, nil
}

func (p *parser) parseUDFBridge() (udfBridgeInfo, error) {
	anchor, err := p.readExtent(udfAnchorSector, SectorSize, "udf anchor")
	if err != nil {
		return udfBridgeInfo{}, err
	}
	fileSet, err := p.readExtent(udfFileSetSector, SectorSize, "udf file set")
	if err != nil {
		return udfBridgeInfo{}, err
	}
	return decodeUDFBridge(anchor, fileSet)
}

func (p *parser) readExtent(sector, byteLen uint32, what string) ([]byte, error) {
	return p.readRange(int64(sector)*SectorSize, int64(byteLen), what)
}

func (p *parser) readRange(off, n int64, what string) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if off < 0 || n < 0 || off+n > p.size {
		return nil, fmt.Errorf("%s spans [%d,%d) beyond the %d-byte image: %w",
			what, off, off+n, p.size, ErrMalformedField)
	}
	buf := make([]byte, n)
	if _, err := p.r.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read %s at offset %d: %w", what, off, err)
	}
	return buf, nil
}

// isRelocationDirName matches the conventional names mastering tools give
// the relocation directory.
func isRelocationDirName(name string) bool {
	trimmed := strings.TrimPrefix(name, ".")
	return strings.EqualFold(trimmed, rrMovedName)
}

// detectInterchangeLevel inspects the recovered identifiers: anything beyond
// 8.3 means the volume was mastered at a higher level.
func detectInterchangeLevel(t *tree) int {
	level := 1
	for _, n := range t.nodes {
		if n.parent == noNode && n.id != t.root {
			continue
		}
		name := strings.TrimSuffix(n.isoName, ";1")
		base, ext := name, ""
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			base, ext = name[:dot], name[dot+1:]
		}
		if len(base) > 8 || len(ext) > 3 {
			level = 3
		}
	}
	return level
}
