package isofs

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// node is one entry in the build session's arena. All naming schemes share
// the node: the plain ISO9660 identifier, the Joliet name, and the Rock
// Ridge long name are parallel views of the same logical file, so content
// and extent assignment can never drift apart between hierarchies.
//
// parent is the logical parent. physParent differs only for directories
// relocated past the ISO9660 depth limit: they physically live under the
// reserved relocation directory while keeping their logical position for
// path resolution, Joliet, and Rock Ridge back-references.
type node struct {
	id         nodeID
	parent     nodeID
	physParent nodeID
	kind       EntryKind
	name       string // logical name, preserved via Rock Ridge / Joliet
	isoName    string // encoded ISO9660 identifier, e.g. "README.TXT;1"
	hidden     bool
	children   []nodeID // logical children, sorted by ISO9660 collation

	src           Source
	mtime         time.Time
	mode          uint32
	uid           uint32
	gid           uint32
	symlinkTarget string
	relocated     bool

	// Layout results, assigned fresh on every build pass.
	isoExtent    extent // directory listing extent in the ISO9660 hierarchy
	jolietExtent extent // directory listing extent in the Joliet hierarchy
	dataExtent   extent // file content extent
	ceOffset     uint32 // byte offset of this node's slice of the continuation area
	ceLen        uint32
	pathNumISO    uint16 // 1-based path table number (ISO hierarchy)
	pathNumJoliet uint16
}

func (n *node) isDir() bool {
	return n.kind == KindDirectory
}

// tree owns the node arena for one image representation. Directory records
// are exclusively owned by the tree; file content is referenced through the
// node's Source, never owned.
type tree struct {
	nodes   []*node
	root    nodeID
	rrMoved nodeID // reserved relocation directory, noNode until first needed

	rockRidge        bool
	joliet           bool
	interchangeLevel int
}

func newTree(rockRidge, joliet bool, level int, createdAt time.Time) *tree {
	t := &tree{root: 0, rrMoved: noNode, rockRidge: rockRidge, joliet: joliet, interchangeLevel: level}
	root := &node{
		id:         0,
		parent:     noNode,
		physParent: noNode,
		kind:       KindDirectory,
		mtime:      createdAt,
		mode:       0o40555,
	}
	t.nodes = append(t.nodes, root)
	return t
}

func (t *tree) node(id nodeID) *node {
	return t.nodes[id]
}

// splitPath normalizes an absolute slash-separated path into components.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute: %w", path, ErrInvalidName)
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, fmt.Errorf("path %q contains invalid component %q: %w", path, p, ErrInvalidName)
		}
	}
	return parts, nil
}

// resolve walks the logical hierarchy and returns the node at path.
func (t *tree) resolve(path string) (*node, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cur := t.node(t.root)
	for i, part := range parts {
		if !cur.isDir() {
			return nil, fmt.Errorf("%q: %w", strings.Join(parts[:i], "/"), ErrNotADirectory)
		}
		child := t.lookupChild(cur, part)
		if child == nil {
			return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		cur = child
	}
	return cur, nil
}

// lookupChild finds a logical child by name. Both the logical name and the
// encoded ISO9660 identifier match, the latter with or without its version
// suffix, so paths from either naming world resolve.
func (t *tree) lookupChild(dir *node, name string) *node {
	for _, id := range dir.children {
		c := t.node(id)
		if c.name == name || c.isoName == name {
			return c
		}
		if base, ok := strings.CutSuffix(c.isoName, ";1"); ok && base == name {
			return c
		}
	}
	return nil
}

// physDepth returns the directory level counting the root as 1, following
// physical parents so relocated subtrees measure their on-disc position.
func (t *tree) physDepth(n *node) int {
	depth := 1
	for n.physParent != noNode {
		n = t.node(n.physParent)
		depth++
	}
	return depth
}

// addEntry validates name under every active naming scheme, checks
// uniqueness within the parent, and inserts the new node in collation order.
// Directories exceeding the plain ISO9660 depth limit are transparently
// relocated when Rock Ridge is active, and rejected otherwise.
func (t *tree) addEntry(parentPath, name string, kind EntryKind, src Source, mtime time.Time) (*node, error) {
	parent, err := t.resolve(parentPath)
	if err != nil {
		return nil, err
	}
	if !parent.isDir() {
		return nil, fmt.Errorf("%q: %w", parentPath, ErrNotADirectory)
	}

	isoName, err := t.encodeISOName(name, kind == KindDirectory)
	if err != nil {
		return nil, err
	}
	if t.joliet {
		if err := validateJolietName(name); err != nil {
			return nil, err
		}
	}
	for _, id := range parent.children {
		c := t.node(id)
		if c.name == name || c.isoName == isoName {
			return nil, fmt.Errorf("%q already exists in %q: %w", name, parentPath, ErrDuplicateName)
		}
	}

	tooDeep := kind == KindDirectory && t.physDepth(parent)+1 > maxDirDepth
	if tooDeep && !t.rockRidge {
		return nil, fmt.Errorf("%q nests deeper than %d levels: %w", name, maxDirDepth, ErrDepthExceeded)
	}

	n := &node{
		id:         nodeID(len(t.nodes)),
		parent:     parent.id,
		physParent: parent.id,
		kind:       kind,
		name:       name,
		isoName:    isoName,
		src:        src,
		mtime:      mtime,
		mode:       0o100444,
	}
	if kind == KindDirectory {
		n.mode = 0o40555
	}
	// The arena append must precede relocation: creating the relocation
	// directory appends a node of its own, which would otherwise take n's id.
	t.nodes = append(t.nodes, n)
	if tooDeep {
		t.relocate(n, mtime)
	}
	t.insertChild(parent, n.id)
	return n, nil
}

// relocate places n physically under the reserved relocation directory,
// creating that directory on first use. The logical parent is untouched.
func (t *tree) relocate(n *node, mtime time.Time) {
	if t.rrMoved == noNode {
		rm := &node{
			id:         nodeID(len(t.nodes)),
			parent:     t.root,
			physParent: t.root,
			kind:       KindDirectory,
			name:       rrMovedName,
			isoName:    rrMovedName,
			hidden:     true,
			mtime:      mtime,
			mode:       0o40555,
		}
		t.nodes = append(t.nodes, rm)
		t.insertChild(t.node(t.root), rm.id)
		t.rrMoved = rm.id
	}
	n.physParent = t.rrMoved
	n.relocated = true
}

// insertChild inserts id into dir's child list, keeping the list sorted by
// the ISO9660 collation rule: byte-wise comparison of the encoded
// identifier. The synthetic "." and ".." entries are never stored; they are
// emitted first at encoding time.
func (t *tree) insertChild(dir *node, id nodeID) {
	key := t.node(id).isoName
	i := sort.Search(len(dir.children), func(i int) bool {
		return t.node(dir.children[i]).isoName > key
	})
	dir.children = append(dir.children, noNode)
	copy(dir.children[i+1:], dir.children[i:])
	dir.children[i] = id
}

// removeEntry detaches the node at path from its parent. Non-empty
// directories require recursive; removing a relocated directory also drops
// it from the physical hierarchy. The arena slot is abandoned rather than
// compacted: extents are reassigned from scratch on the next build pass, so
// stale nodes never reach the disc.
func (t *tree) removeEntry(path string, recursive bool) (*node, error) {
	n, err := t.resolve(path)
	if err != nil {
		return nil, err
	}
	if n.id == t.root {
		return nil, fmt.Errorf("cannot remove the root directory: %w", ErrInvalidName)
	}
	if t.rrMoved != noNode && n.id == t.rrMoved {
		return nil, fmt.Errorf("%q is the reserved relocation directory: %w", path, ErrInvalidName)
	}
	if n.isDir() && len(n.children) > 0 && !recursive {
		return nil, fmt.Errorf("%q: %w", path, ErrDirectoryNotEmpty)
	}
	parent := t.node(n.parent)
	parent.children = removeID(parent.children, n.id)
	t.detach(n)
	return n, nil
}

// detach severs n and its whole subtree from both hierarchies. Relocated
// descendants lose their physical link to the relocation directory too, so
// they stop appearing in the physical walk once their logical subtree is gone.
func (t *tree) detach(n *node) {
	for _, id := range n.children {
		t.detach(t.node(id))
	}
	n.parent = noNode
	n.physParent = noNode
	n.relocated = false
}

// rename changes an entry's name in place. The node keeps its id, content,
// and children; only the naming-scheme encodings and the sort position in
// the parent change.
func (t *tree) rename(path, newName string) error {
	n, err := t.resolve(path)
	if err != nil {
		return err
	}
	if n.id == t.root {
		return fmt.Errorf("cannot rename the root directory: %w", ErrInvalidName)
	}
	if t.rrMoved != noNode && n.id == t.rrMoved {
		return fmt.Errorf("%q is the reserved relocation directory: %w", path, ErrInvalidName)
	}
	isoName, err := t.encodeISOName(newName, n.isDir())
	if err != nil {
		return err
	}
	if t.joliet {
		if err := validateJolietName(newName); err != nil {
			return err
		}
	}
	parent := t.node(n.parent)
	for _, id := range parent.children {
		if id == n.id {
			continue
		}
		c := t.node(id)
		if c.name == newName || c.isoName == isoName {
			return fmt.Errorf("%q already exists: %w", newName, ErrDuplicateName)
		}
	}
	parent.children = removeID(parent.children, n.id)
	n.name = newName
	n.isoName = isoName
	t.insertChild(parent, n.id)
	return nil
}

// walkBreadthFirst visits every live directory in breadth-first order over
// the given hierarchy view, starting at the root. This is the mandated
// traversal for both extent assignment and path table numbering. In the
// physical view a relocated directory is descended into only from the
// relocation directory, never from its logical parent, where just a
// placeholder record appears.
func (t *tree) walkBreadthFirst(physical bool, visit func(*node)) {
	queue := []nodeID{t.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dir := t.node(id)
		visit(dir)
		for _, c := range t.childrenView(dir, physical) {
			if !c.isDir() {
				continue
			}
			if physical && c.physParent != dir.id {
				continue
			}
			queue = append(queue, c.id)
		}
	}
}

// childrenView returns dir's children in collation order under either the
// logical or the physical hierarchy. The physical view sorts by the encoded
// ISO9660 identifier and, for the relocation directory, includes the
// directories physically moved below it; the logical view sorts by the
// original name, whose UTF-8 byte order matches the UCS-2 big-endian order
// Joliet records.
func (t *tree) childrenView(dir *node, physical bool) []*node {
	out := make([]*node, 0, len(dir.children))
	for _, id := range dir.children {
		out = append(out, t.node(id))
	}
	if !physical {
		sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
		return out
	}
	if t.rrMoved != noNode && dir.id == t.rrMoved {
		for _, n := range t.nodes {
			if n.relocated && n.physParent == t.rrMoved {
				out = append(out, n)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].isoName < out[j].isoName })
	}
	return out
}

// encodeISOName derives the on-disc ISO9660 identifier for name. With Rock
// Ridge or Joliet active the identifier is a sanitized stand-in and the real
// name travels in the extension records; otherwise the name itself must
// already satisfy the interchange level.
func (t *tree) encodeISOName(name string, isDir bool) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty name: %w", ErrInvalidName)
	}
	if t.rockRidge || t.joliet {
		return sanitizeISOName(name, isDir, t.interchangeLevel), nil
	}
	if err := validateISOName(name, isDir, t.interchangeLevel); err != nil {
		return "", err
	}
	if isDir {
		return name, nil
	}
	if strings.Contains(name, ";") {
		return name, nil
	}
	return name + ";1", nil
}

// validateISOName enforces the d-character set and the per-level length
// rules on one identifier.
func validateISOName(name string, isDir bool, level int) error {
	base, ext := name, ""
	if !isDir {
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			base, ext = name[:dot], name[dot+1:]
			if strings.Contains(ext, ".") {
				return fmt.Errorf("%q has more than one dot: %w", name, ErrInvalidName)
			}
		}
	} else if strings.Contains(name, ".") {
		return fmt.Errorf("directory %q may not contain a dot: %w", name, ErrInvalidName)
	}
	for _, part := range []string{base, ext} {
		for i := 0; i < len(part); i++ {
			if !isDChar(part[i]) {
				return fmt.Errorf("%q contains non d-character %q: %w", name, string(part[i]), ErrInvalidName)
			}
		}
	}
	switch {
	case level <= 1:
		if len(base) > 8 || len(ext) > 3 {
			return fmt.Errorf("%q exceeds the 8.3 limit of interchange level 1: %w", name, ErrInvalidName)
		}
	default:
		if len(base)+len(ext) > 30 {
			return fmt.Errorf("%q exceeds 30 characters: %w", name, ErrInvalidName)
		}
	}
	if base == "" {
		return fmt.Errorf("%q has an empty base name: %w", name, ErrInvalidName)
	}
	return nil
}

// sanitizeISOName maps an arbitrary name to a valid identifier: uppercase,
// non d-characters replaced with underscores, truncated to the level's
// limits, and given a version suffix for files.
func sanitizeISOName(name string, isDir bool, level int) string {
	base, ext := name, ""
	if !isDir {
		if dot := strings.LastIndexByte(name, '.'); dot > 0 {
			base, ext = name[:dot], name[dot+1:]
		}
	}
	clean := func(s string) string {
		up := strings.ToUpper(s)
		b := make([]byte, len(up))
		for i := 0; i < len(up); i++ {
			if isDChar(up[i]) {
				b[i] = up[i]
			} else {
				b[i] = '_'
			}
		}
		return string(b)
	}
	base, ext = clean(base), clean(ext)
	if level <= 1 {
		if len(base) > 8 {
			base = base[:8]
		}
		if len(ext) > 3 {
			ext = ext[:3]
		}
	} else {
		if len(base)+len(ext) > 30 {
			keep := 30 - len(ext)
			if keep < 1 {
				keep, ext = 8, ext[:3]
			}
			base = base[:keep]
		}
	}
	if isDir {
		return base
	}
	if ext != "" {
		return base + "." + ext + ";1"
	}
	return base + ";1"
}

func removeID(ids []nodeID, id nodeID) []nodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
