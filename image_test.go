package isofs

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var e2eTime = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

func mustWrite(t *testing.T, img *Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	require.NoError(t, err)
	require.EqualValues(t, buf.Len(), n)
	require.Zero(t, buf.Len()%SectorSize)
	return buf.Bytes()
}

func mustParse(t *testing.T, raw []byte) *Image {
	t.Helper()
	img, err := Parse(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	return img
}

func readFile(t *testing.T, img *Image, path string) []byte {
	t.Helper()
	rc, err := img.OpenFile(path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestMinimalImageRoundTrip(t *testing.T) {
	img, err := New(WithVolumeID("MINIMAL"), WithVolumeSetID("SET1"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/README.TXT", []byte("0123456789")))

	raw := mustWrite(t, img)
	assert.Equal(t, raw, mustWrite(t, img), "two passes over the same content must be identical")

	size, err := img.Size()
	require.NoError(t, err)
	assert.EqualValues(t, len(raw), size)

	rc, err := img.SectorStream()
	require.NoError(t, err)
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, raw, streamed)

	parsed := mustParse(t, raw)
	assert.Equal(t, "MINIMAL", parsed.VolumeID())

	entries, err := parsed.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "README.TXT", entries[0].Name)
	assert.Equal(t, KindFile, entries[0].Kind)
	assert.EqualValues(t, 10, entries[0].Size)

	assert.Equal(t, []byte("0123456789"), readFile(t, parsed, "/README.TXT"))
}

func TestRockRidgeJolietRoundTrip(t *testing.T) {
	img, err := New(WithRockRidge(), WithJoliet(), WithVolumeID("DESKTOP"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddDirectory("/Program Files"))
	require.NoError(t, img.AddBytes("/Program Files/read me.txt", []byte("hello from a long name")))
	require.NoError(t, img.AddBytes("/Émile.txt", []byte("accents survive")))
	require.NoError(t, img.AddSymlink("/current", "Program Files/read me.txt"))

	raw := mustWrite(t, img)
	parsed := mustParse(t, raw)

	entries, err := parsed.List("/")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"Program Files", "current", "Émile.txt"}, names)

	info, err := parsed.GetEntry("/Program Files/read me.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, info.Kind)
	assert.EqualValues(t, 22, info.Size)
	assert.EqualValues(t, 0o100444, info.Mode)
	assert.Equal(t, []byte("hello from a long name"), readFile(t, parsed, "/Program Files/read me.txt"))

	link, err := parsed.GetEntry("/current")
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, link.Kind)
	assert.Equal(t, "Program Files/read me.txt", link.SymlinkTarget)
	assert.EqualValues(t, 0o120777, link.Mode)

	// Plain 8.3 identifiers still resolve alongside the long names.
	_, err = parsed.GetEntry("/PROGRAM_/READ_ME.TXT")
	require.NoError(t, err)
}

func TestJolietOnlyRoundTrip(t *testing.T) {
	img, err := New(WithJoliet(), WithVolumeID("JOLIET"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddDirectory("/Mixed Case"))
	require.NoError(t, img.AddBytes("/Mixed Case/Notes.txt", []byte("joliet body")))

	parsed := mustParse(t, mustWrite(t, img))
	assert.True(t, parsed.t.joliet)
	assert.False(t, parsed.t.rockRidge)

	entries, err := parsed.List("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Mixed Case", entries[0].Name)
	assert.Equal(t, []byte("joliet body"), readFile(t, parsed, "/Mixed Case/Notes.txt"))
}

func TestRockRidgeLongNameBoundary(t *testing.T) {
	// Name lengths around the point where the inline system-use chain fills
	// a directory record exactly and must spill into the continuation area.
	for length := 130; length <= 150; length++ {
		name := strings.Repeat("a", length)
		img, err := New(WithRockRidge(), WithVolumeID("NAMES"), WithCreatedAt(e2eTime))
		require.NoError(t, err)
		require.NoError(t, img.AddBytes("/"+name, []byte("x")))

		parsed := mustParse(t, mustWrite(t, img))
		entries, err := parsed.List("/")
		require.NoError(t, err, "name length %d", length)
		require.Len(t, entries, 1, "name length %d", length)
		assert.Equal(t, name, entries[0].Name, "name length %d", length)
		assert.Equal(t, []byte("x"), readFile(t, parsed, "/"+name))
	}
}

func TestParseAppliesOptionsOnce(t *testing.T) {
	img, err := New(WithVolumeID("BEFORE"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/A.TXT", []byte("a")))
	raw := mustWrite(t, img)

	calls := 0
	counting := func(i *Image) error {
		calls++
		return WithVolumeID("AFTER")(i)
	}
	parsed, err := Parse(bytes.NewReader(raw), int64(len(raw)), counting, WithRockRidge())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Options act on the recovered state: identity overrides stick and
	// tree-level toggles reach the parsed hierarchy.
	assert.Equal(t, "AFTER", parsed.VolumeID())
	assert.True(t, parsed.t.rockRidge)
}

func TestRemoveRelocationDirectoryRejected(t *testing.T) {
	img, err := New(WithRockRidge(), WithVolumeID("DEEP"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	path := ""
	for i := 1; i <= 9; i++ {
		path += fmt.Sprintf("/L%d", i)
		require.NoError(t, img.AddDirectory(path))
	}

	assert.ErrorIs(t, img.RemoveAll("/"+rrMovedName), ErrInvalidName)
	assert.ErrorIs(t, img.Rename("/"+rrMovedName, "ELSEWHERE"), ErrInvalidName)

	// The same holds after a round trip, where the relocation directory was
	// recovered from disc rather than synthesized.
	parsed := mustParse(t, mustWrite(t, img))
	assert.ErrorIs(t, parsed.RemoveAll("/"+rrMovedName), ErrInvalidName)
}

func TestDeepHierarchyRelocation(t *testing.T) {
	img, err := New(WithRockRidge(), WithVolumeID("DEEP"), WithCreatedAt(e2eTime))
	require.NoError(t, err)

	path := ""
	for i := 1; i <= 9; i++ {
		path += fmt.Sprintf("/L%d", i)
		require.NoError(t, img.AddDirectory(path))
	}
	require.NoError(t, img.AddBytes(path+"/deep.txt", []byte("below the depth limit")))

	raw := mustWrite(t, img)
	parsed := mustParse(t, raw)

	// The logical hierarchy is restored through the placeholder links.
	assert.Equal(t, []byte("below the depth limit"), readFile(t, parsed, path+"/deep.txt"))

	root, err := parsed.List("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "L1", root[0].Name)

	l7, err := parsed.List("/L1/L2/L3/L4/L5/L6/L7")
	require.NoError(t, err)
	require.Len(t, l7, 1)
	assert.Equal(t, "L8", l7[0].Name)
	assert.Equal(t, KindDirectory, l7[0].Kind)

	// A rebuilt copy of the parsed image resolves the same way.
	reparsed := mustParse(t, mustWrite(t, parsed))
	assert.Equal(t, []byte("below the depth limit"), readFile(t, reparsed, path+"/deep.txt"))
}

func TestBootImageRoundTrip(t *testing.T) {
	loader := bytes.Repeat([]byte{0xEB, 0x3C, 0x90, 0x00}, 512) // 2048 bytes
	efi := bytes.Repeat([]byte{0x4D, 0x5A}, 3000)               // 6000 bytes

	img, err := New(WithVolumeID("BOOTABLE"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/ISOLINUX.BIN", loader))
	require.NoError(t, img.AddBytes("/EFIBOOT.IMG", efi))
	require.NoError(t, img.AddBootEntry("/ISOLINUX.BIN", BootEntry{Platform: PlatformX86, Emulation: EmulationNone}))
	require.NoError(t, img.AddBootEntry("/EFIBOOT.IMG", BootEntry{Platform: PlatformEFI, Emulation: EmulationNone}))
	assert.ErrorIs(t, img.AddBootEntry("/ISOLINUX.BIN", BootEntry{}), ErrDuplicateName)

	raw := mustWrite(t, img)
	parsed := mustParse(t, raw)

	entries := parsed.BootEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, PlatformX86, entries[0].Platform)
	assert.Equal(t, uint16(0x7C0), entries[0].LoadSegment)
	assert.Equal(t, uint16(4), entries[0].SectorCount)
	assert.Equal(t, PlatformEFI, entries[1].Platform)

	names, err := parsed.List("/")
	require.NoError(t, err)
	require.Len(t, names, 3)
	assert.Equal(t, "BOOT.CAT", names[0].Name)

	// Dropping the last entry removes the catalog and the boot record.
	require.NoError(t, parsed.RemoveBootEntry("/EFIBOOT.IMG"))
	require.Len(t, parsed.BootEntries(), 1)
	require.NoError(t, parsed.RemoveBootEntry("/ISOLINUX.BIN"))
	assert.Nil(t, parsed.BootEntries())

	reparsed := mustParse(t, mustWrite(t, parsed))
	assert.Nil(t, reparsed.BootEntries())
	_, err = reparsed.GetEntry("/BOOT.CAT")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, loader, readFile(t, reparsed, "/ISOLINUX.BIN"))
}

func TestUDFBridgeImage(t *testing.T) {
	img, err := New(WithUDFBridge(), WithUDFIdentifiers("LINUX INSTALL", "INSTALL"),
		WithVolumeID("UDFTEST"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/DATA.BIN", []byte("payload")))

	parsed := mustParse(t, mustWrite(t, img))
	assert.True(t, parsed.udf)
	assert.Equal(t, "LINUX INSTALL", parsed.udfLogicalVolID)
	assert.Equal(t, "INSTALL", parsed.udfFileSetID)

	plain, err := New(WithVolumeID("PLAIN"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, plain.AddBytes("/DATA.BIN", []byte("payload")))
	assert.False(t, mustParse(t, mustWrite(t, plain)).udf)
}

func TestIncrementalUpdate(t *testing.T) {
	img, err := New(WithVolumeID("BASE"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/OLD.TXT", []byte("original content")))
	raw := mustWrite(t, img)

	parsed := mustParse(t, raw)
	require.NoError(t, parsed.AddDirectory("/EXTRA"))
	require.NoError(t, parsed.AddBytes("/EXTRA/NEW.TXT", []byte("added later")))
	require.NoError(t, parsed.Rename("/OLD.TXT", "INTRO.TXT"))

	updated := mustParse(t, mustWrite(t, parsed))
	assert.Equal(t, []byte("original content"), readFile(t, updated, "/INTRO.TXT"))
	assert.Equal(t, []byte("added later"), readFile(t, updated, "/EXTRA/NEW.TXT"))
	_, err = updated.GetEntry("/OLD.TXT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveSemantics(t *testing.T) {
	img, err := New(WithVolumeID("RM"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddDirectory("/DIR"))
	require.NoError(t, img.AddBytes("/DIR/A.TXT", []byte("a")))

	assert.ErrorIs(t, img.Remove("/DIR"), ErrDirectoryNotEmpty)
	require.NoError(t, img.RemoveAll("/DIR"))
	_, err = img.GetEntry("/DIR/A.TXT")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = img.List("/MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemovingBootImageDropsCatalog(t *testing.T) {
	img, err := New(WithVolumeID("RMBOOT"), WithCreatedAt(e2eTime))
	require.NoError(t, err)
	require.NoError(t, img.AddBytes("/LOADER.BIN", make([]byte, 512)))
	require.NoError(t, img.AddBootEntry("/LOADER.BIN", BootEntry{Platform: PlatformX86}))

	require.NoError(t, img.Remove("/LOADER.BIN"))
	assert.Nil(t, img.BootEntries())

	parsed := mustParse(t, mustWrite(t, img))
	assert.Nil(t, parsed.BootEntries())
	_, err = parsed.GetEntry("/BOOT.CAT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebuildIdempotent(t *testing.T) {
	img, err := New(WithRockRidge(), WithJoliet(), WithUDFBridge(),
		WithVolumeID("EVERYTHING"), WithCreatedAt(e2eTime))
	require.NoError(t, err)

	path := ""
	for i := 1; i <= 9; i++ {
		path += fmt.Sprintf("/nested %d", i)
		require.NoError(t, img.AddDirectory(path))
	}
	require.NoError(t, img.AddBytes(path+"/leaf.dat", bytes.Repeat([]byte{0xA5}, 5000)))
	require.NoError(t, img.AddBytes("/vmlinuz", bytes.Repeat([]byte{0x7F}, 3000)))
	require.NoError(t, img.AddSymlink("/kernel", "vmlinuz"))
	require.NoError(t, img.AddBootEntry("/vmlinuz", BootEntry{Platform: PlatformX86, Emulation: EmulationNone}))

	raw1 := mustWrite(t, img)
	p1 := mustParse(t, raw1)
	raw2 := mustWrite(t, p1)
	p2 := mustParse(t, raw2)
	raw3 := mustWrite(t, p2)

	assert.Equal(t, raw2, raw3, "parse and rebuild must reach a fixed point")

	info, err := p2.GetEntry("/kernel")
	require.NoError(t, err)
	assert.Equal(t, "vmlinuz", info.SymlinkTarget)
	require.Len(t, p2.BootEntries(), 1)
}

func TestParseRejectsCorruptImages(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := Parse(bytes.NewReader(nil), 0)
		assert.ErrorIs(t, err, ErrMalformedField)
	})

	t.Run("all zeros", func(t *testing.T) {
		raw := make([]byte, 40*SectorSize)
		_, err := Parse(bytes.NewReader(raw), int64(len(raw)))
		assert.ErrorIs(t, err, ErrMalformedField)
	})

	t.Run("no primary descriptor", func(t *testing.T) {
		raw := make([]byte, 20*SectorSize)
		copy(raw[16*SectorSize:], encodeTerminatorVD())
		_, err := Parse(bytes.NewReader(raw), int64(len(raw)))
		assert.ErrorIs(t, err, ErrNoPrimaryDescriptor)
	})

	t.Run("endian mismatch", func(t *testing.T) {
		img, err := New(WithVolumeID("OK"), WithCreatedAt(e2eTime))
		require.NoError(t, err)
		require.NoError(t, img.AddBytes("/F.TXT", []byte("x")))
		raw := mustWrite(t, img)
		raw[16*SectorSize+84] ^= 0xFF // big-endian half of the space size
		_, err = Parse(bytes.NewReader(raw), int64(len(raw)))
		assert.ErrorIs(t, err, ErrEndianMismatch)
	})

	t.Run("truncated descriptor set", func(t *testing.T) {
		img, err := New(WithVolumeID("OK"), WithCreatedAt(e2eTime))
		require.NoError(t, err)
		raw := mustWrite(t, img)
		short := raw[:17*SectorSize]
		_, err = Parse(bytes.NewReader(short), int64(len(short)))
		assert.ErrorIs(t, err, ErrMalformedField)
	})
}

func TestOptionValidation(t *testing.T) {
	_, err := New(WithVolumeID("lowercase"))
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = New(WithInterchangeLevel(4))
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	_, err = New(WithPublisherID(string([]byte{0x07})))
	assert.ErrorIs(t, err, ErrInvalidName)
}
