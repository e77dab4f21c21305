package isofs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSampleTree(t *testing.T) *tree {
	t.Helper()
	tr := newTree(false, false, 1, treeNow)
	for _, d := range []string{"BBB", "AAA"} {
		_, err := tr.addEntry("/", d, KindDirectory, nil, treeNow)
		require.NoError(t, err)
	}
	_, err := tr.addEntry("/AAA", "SUB", KindDirectory, nil, treeNow)
	require.NoError(t, err)
	return tr
}

func TestPathTableOrdering(t *testing.T) {
	tr := buildSampleTree(t)
	entries := tr.pathTableEntries(false)
	require.Len(t, entries, 4)

	// Root first, then level two in collation order, then level three.
	assert.Equal(t, []byte{0x00}, entries[0].identifier)
	assert.Equal(t, uint16(1), entries[0].parentNum)
	assert.Equal(t, "AAA", string(entries[1].identifier))
	assert.Equal(t, "BBB", string(entries[2].identifier))
	assert.Equal(t, "SUB", string(entries[3].identifier))
	assert.Equal(t, uint16(2), entries[3].parentNum)
}

func TestPathTableEncodeDecodeBothOrders(t *testing.T) {
	tr := buildSampleTree(t)
	// Give the directories fake extents so the table has real content.
	num := uint32(100)
	tr.walkBreadthFirst(true, func(dir *node) {
		dir.isoExtent = extent{sector: num, byteLen: SectorSize}
		num++
	})
	entries := tr.pathTableEntries(false)

	le := encodePathTable(entries, binary.LittleEndian)
	be := encodePathTable(entries, binary.BigEndian)
	assert.Equal(t, tr.pathTableSize(false), uint32(len(le)))
	assert.Equal(t, len(le), len(be))

	leDec, err := decodePathTable(le, binary.LittleEndian, 0)
	require.NoError(t, err)
	beDec, err := decodePathTable(be, binary.BigEndian, 0)
	require.NoError(t, err)
	require.NoError(t, pathTablesAgree(leDec, beDec))
	assert.Equal(t, entries, leDec)
}

func TestPathTablesDisagree(t *testing.T) {
	tr := buildSampleTree(t)
	entries := tr.pathTableEntries(false)
	le := encodePathTable(entries, binary.LittleEndian)
	be := encodePathTable(entries, binary.BigEndian)
	be[2] ^= 0xFF // corrupt one extent field

	leDec, err := decodePathTable(le, binary.LittleEndian, 0)
	require.NoError(t, err)
	beDec, err := decodePathTable(be, binary.BigEndian, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, pathTablesAgree(leDec, beDec), ErrEndianMismatch)
}

func TestPathTableTruncated(t *testing.T) {
	tr := buildSampleTree(t)
	le := encodePathTable(tr.pathTableEntries(false), binary.LittleEndian)
	_, err := decodePathTable(le[:len(le)-3], binary.LittleEndian, 0)
	assert.ErrorIs(t, err, ErrMalformedField)
}
