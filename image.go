package isofs

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Image is a mutable in-memory representation of one volume. It owns the
// directory hierarchy and all metadata; file content stays behind Source
// references and is only read during serialization. An Image is not safe for
// concurrent use.
type Image struct {
	t    *tree
	meta volumeMeta
	boot *bootCatalog
	log  logrus.FieldLogger

	udf             bool
	udfLogicalVolID string
	udfFileSetID    string

	createdAt time.Time
	closer    io.Closer
}

// New creates an empty image with a root directory. Extensions and identity
// fields are set through options; the defaults produce a plain interchange
// level 1 volume.
func New(opts ...ImageOption) (*Image, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	img := &Image{
		log:       quiet,
		createdAt: time.Now().UTC().Truncate(time.Second),
	}
	img.meta = volumeMeta{
		volumeID:      "CDROM",
		volumeSetID:   strings.ToUpper(uuid.NewString()),
		applicationID: "GO-ISOFS",
	}
	img.t = newTree(false, false, 1, img.createdAt)
	for _, opt := range opts {
		if err := opt(img); err != nil {
			return nil, err
		}
	}
	img.t.node(img.t.root).mtime = img.createdAt
	if img.udfLogicalVolID == "" {
		img.udfLogicalVolID = img.meta.volumeID
	}
	if img.udfFileSetID == "" {
		img.udfFileSetID = img.meta.volumeID
	}
	if img.meta.created.IsZero() {
		img.meta.created = img.createdAt
	}
	if img.meta.modified.IsZero() {
		img.meta.modified = img.createdAt
	}
	return img, nil
}

// Parse loads an existing image from r. The returned Image references r for
// file content, so r must stay open for the Image's lifetime. Nothing is
// retained when parsing fails. Options are applied once, after the recovered
// state is installed, so they override what was parsed; WithLogger therefore
// routes diagnostics of later operations, not of the parse itself.
func Parse(r io.ReaderAt, size int64, opts ...ImageOption) (*Image, error) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	img := &Image{log: quiet, createdAt: time.Now().UTC().Truncate(time.Second)}

	res, err := parseImage(r, size, img.log)
	if err != nil {
		return nil, err
	}
	img.t = res.t
	img.meta = res.meta
	img.boot = res.boot
	if res.udf.present {
		img.udf = true
		img.udfLogicalVolID = res.udf.logicalVolumeID
		img.udfFileSetID = res.udf.fileSetID
	}
	for _, opt := range opts {
		if err := opt(img); err != nil {
			return nil, err
		}
	}
	if img.udfLogicalVolID == "" {
		img.udfLogicalVolID = img.meta.volumeID
	}
	if img.udfFileSetID == "" {
		img.udfFileSetID = img.meta.volumeID
	}
	return img, nil
}

// ParseFile opens path and parses it. Close releases the underlying file.
func ParseFile(p string, opts ...ImageOption) (*Image, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open image %q: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image %q: %w", p, err)
	}
	img, err := Parse(f, info.Size(), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// Close releases the backing reader of a parsed image, if any. An image
// built from scratch has nothing to release.
func (img *Image) Close() error {
	if img.closer == nil {
		return nil
	}
	err := img.closer.Close()
	img.closer = nil
	return err
}

func splitDirBase(p string) (string, string, error) {
	parts, err := splitPath(p)
	if err != nil {
		return "", "", err
	}
	if len(parts) == 0 {
		return "", "", fmt.Errorf("path %q names the root: %w", p, ErrInvalidName)
	}
	return "/" + path.Join(parts[:len(parts)-1]...), parts[len(parts)-1], nil
}

// AddDirectory creates a directory at p. The parent must already exist.
func (img *Image) AddDirectory(p string) error {
	parent, base, err := splitDirBase(p)
	if err != nil {
		return err
	}
	_, err = img.t.addEntry(parent, base, KindDirectory, nil, img.createdAt)
	return err
}

// AddFile registers src as the content of a new file at p. The content is
// read during serialization, not now.
func (img *Image) AddFile(p string, src Source) error {
	parent, base, err := splitDirBase(p)
	if err != nil {
		return err
	}
	_, err = img.t.addEntry(parent, base, KindFile, src, img.createdAt)
	return err
}

// AddBytes registers an in-memory file at p.
func (img *Image) AddBytes(p string, data []byte) error {
	return img.AddFile(p, BytesSource(data))
}

// AddSymlink creates a symbolic link at p. Symlinks are carried by Rock
// Ridge, which must be enabled.
func (img *Image) AddSymlink(p, target string) error {
	if !img.t.rockRidge {
		return fmt.Errorf("symlinks require rock ridge: %w", ErrUnsupportedFeature)
	}
	if target == "" {
		return fmt.Errorf("empty symlink target: %w", ErrInvalidName)
	}
	parent, base, err := splitDirBase(p)
	if err != nil {
		return err
	}
	n, err := img.t.addEntry(parent, base, KindSymlink, nil, img.createdAt)
	if err != nil {
		return err
	}
	n.symlinkTarget = target
	n.mode = 0o120777
	return nil
}

// Rename changes the final name of the entry at p under every naming scheme.
func (img *Image) Rename(p, newName string) error {
	return img.t.rename(p, newName)
}

// Remove deletes the entry at p. Directories must be empty.
func (img *Image) Remove(p string) error {
	return img.remove(p, false)
}

// RemoveAll deletes the entry at p, recursively for directories.
func (img *Image) RemoveAll(p string) error {
	return img.remove(p, true)
}

func (img *Image) remove(p string, recursive bool) error {
	n, err := img.t.removeEntry(p, recursive)
	if err != nil {
		return err
	}
	if img.boot != nil {
		img.dropBootReferences(n)
	}
	return nil
}

// dropBootReferences detaches removed nodes from the boot catalog. Removing
// the last boot image, or the catalog file itself, drops El Torito entirely.
func (img *Image) dropBootReferences(removed *node) {
	ids := map[nodeID]bool{removed.id: true}
	var mark func(id nodeID)
	mark = func(id nodeID) {
		ids[id] = true
		for _, c := range img.t.node(id).children {
			mark(c)
		}
	}
	mark(removed.id)

	kept := img.boot.images[:0]
	for _, bi := range img.boot.images {
		if bi.node != noNode && ids[bi.node] {
			continue
		}
		kept = append(kept, bi)
	}
	img.boot.images = kept
	if len(img.boot.images) == 0 || (img.boot.node != noNode && ids[img.boot.node]) {
		img.removeBootCatalog()
	}
}

// GetEntry returns metadata for the entry at p.
func (img *Image) GetEntry(p string) (EntryInfo, error) {
	n, err := img.t.resolve(p)
	if err != nil {
		return EntryInfo{}, err
	}
	return img.entryInfo(n), nil
}

// List returns the entries of the directory at p in the logical name order.
// The relocation directory is an implementation artifact and is not listed.
func (img *Image) List(p string) ([]EntryInfo, error) {
	n, err := img.t.resolve(p)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, fmt.Errorf("%q: %w", p, ErrNotADirectory)
	}
	var out []EntryInfo
	for _, c := range img.t.childrenView(n, false) {
		if c.id == img.t.rrMoved {
			continue
		}
		out = append(out, img.entryInfo(c))
	}
	return out, nil
}

func (img *Image) entryInfo(n *node) EntryInfo {
	info := EntryInfo{
		Name:          n.name,
		Kind:          n.kind,
		Hidden:        n.hidden,
		Mode:          n.mode,
		UID:           n.uid,
		GID:           n.gid,
		SymlinkTarget: n.symlinkTarget,
	}
	if n.src != nil {
		info.Size = n.src.Size()
	}
	return info
}

// OpenFile returns a reader over the content of the file at p.
func (img *Image) OpenFile(p string) (io.ReadCloser, error) {
	n, err := img.t.resolve(p)
	if err != nil {
		return nil, err
	}
	if n.kind != KindFile {
		return nil, fmt.Errorf("%q is not a file: %w", p, ErrNotADirectory)
	}
	if n.src == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return n.src.Open()
}

// AddBootEntry registers the file at imagePath as an El Torito boot image.
// The first entry creates the boot catalog as the conventional BOOT.CAT file
// in the root directory.
func (img *Image) AddBootEntry(imagePath string, e BootEntry) error {
	n, err := img.t.resolve(imagePath)
	if err != nil {
		return err
	}
	if n.kind != KindFile {
		return fmt.Errorf("boot image %q is not a file: %w", imagePath, ErrNotADirectory)
	}
	if img.boot == nil {
		cat, err := img.t.addEntry("/", "BOOT.CAT", KindFile,
			BytesSource(make([]byte, SectorSize)), img.createdAt)
		if err != nil {
			return err
		}
		img.boot = &bootCatalog{idString: "", node: cat.id}
	}
	for _, bi := range img.boot.images {
		if bi.node == n.id {
			return fmt.Errorf("%q is already a boot image: %w", imagePath, ErrDuplicateName)
		}
	}
	img.boot.images = append(img.boot.images, &bootImage{entry: e, node: n.id})
	return nil
}

// RemoveBootEntry drops the boot entry for imagePath, keeping the file
// itself. Dropping the last entry removes the catalog and the boot record;
// a catalog is never retained without entries.
func (img *Image) RemoveBootEntry(imagePath string) error {
	if img.boot == nil {
		return fmt.Errorf("no boot catalog: %w", ErrNotFound)
	}
	n, err := img.t.resolve(imagePath)
	if err != nil {
		return err
	}
	kept := img.boot.images[:0]
	found := false
	for _, bi := range img.boot.images {
		if bi.node == n.id {
			found = true
			continue
		}
		kept = append(kept, bi)
	}
	if !found {
		return fmt.Errorf("%q is not a boot image: %w", imagePath, ErrNotFound)
	}
	img.boot.images = kept
	if len(img.boot.images) == 0 {
		img.removeBootCatalog()
	}
	return nil
}

func (img *Image) removeBootCatalog() {
	if img.boot != nil && img.boot.node != noNode {
		cat := img.t.node(img.boot.node)
		if cat.parent != noNode {
			parent := img.t.node(cat.parent)
			parent.children = removeID(parent.children, cat.id)
		}
	}
	img.boot = nil
}

// BootEntries returns the current catalog entries in catalog order.
func (img *Image) BootEntries() []BootEntry {
	if img.boot == nil {
		return nil
	}
	out := make([]BootEntry, len(img.boot.images))
	for i, bi := range img.boot.images {
		out[i] = bi.entry
	}
	return out
}

func (img *Image) newBuilder() *builder {
	return &builder{
		t:               img.t,
		meta:            img.meta,
		boot:            img.boot,
		log:             img.log,
		udf:             img.udf,
		udfLogicalVolID: img.udfLogicalVolID,
		udfFileSetID:    img.udfFileSetID,
	}
}

// WriteTo serializes the image to w and returns the bytes written. Each call
// runs a fresh layout pass; two calls over the same logical content produce
// identical bytes.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	segs, total, err := img.newBuilder().run()
	if err != nil {
		return 0, err
	}
	return writeImage(w, segs, total)
}

// SectorStream returns a lazy reader over the serialized image. File content
// is opened only as the stream reaches it, so the image never needs to fit
// in memory.
func (img *Image) SectorStream() (io.ReadCloser, error) {
	segs, total, err := img.newBuilder().run()
	if err != nil {
		return nil, err
	}
	return newSectorStream(segs, total)
}

// Size returns the serialized image size in bytes without writing it.
func (img *Image) Size() (int64, error) {
	b := img.newBuilder()
	if err := b.layout(); err != nil {
		return 0, err
	}
	return int64(b.totalSectors) * SectorSize, nil
}

// VolumeID returns the volume identifier.
func (img *Image) VolumeID() string {
	return img.meta.volumeID
}
