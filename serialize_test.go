package isofs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSource declares more content than it delivers.
type shortSource struct {
	declared int64
	actual   int
}

func (s shortSource) Size() int64 {
	return s.declared
}

func (s shortSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, s.actual))), nil
}

func TestSectorStreamGapFill(t *testing.T) {
	segs := []segment{{sector: 2, length: 3, data: []byte("abc"), label: "payload"}}
	st, err := newSectorStream(segs, 4)
	require.NoError(t, err)
	raw, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Len(t, raw, 4*SectorSize)

	assert.Equal(t, []byte("abc"), raw[2*SectorSize:2*SectorSize+3])
	assert.Equal(t, make([]byte, 2*SectorSize), raw[:2*SectorSize])
	assert.Equal(t, make([]byte, SectorSize-3), raw[2*SectorSize+3:3*SectorSize])
	assert.Equal(t, make([]byte, SectorSize), raw[3*SectorSize:])
}

func TestSectorStreamSourceSegment(t *testing.T) {
	content := bytes.Repeat([]byte{0xCD}, 3000)
	segs := []segment{
		{sector: 0, length: 5, data: []byte("first"), label: "meta"},
		{sector: 1, length: 3000, src: BytesSource(content), label: "file"},
	}
	st, err := newSectorStream(segs, 3)
	require.NoError(t, err)
	raw, err := io.ReadAll(st)
	require.NoError(t, err)
	require.Len(t, raw, 3*SectorSize)
	assert.Equal(t, content, raw[SectorSize:SectorSize+3000])
}

func TestSectorStreamOverlap(t *testing.T) {
	segs := []segment{
		{sector: 2, length: SectorSize + 1, data: make([]byte, SectorSize+1), label: "a"},
		{sector: 3, length: 1, data: []byte{1}, label: "b"},
	}
	_, err := newSectorStream(segs, 10)
	assert.ErrorIs(t, err, ErrOverlappingExtent)
}

func TestSectorStreamBeyondVolume(t *testing.T) {
	segs := []segment{{sector: 5, length: 1, data: []byte{1}, label: "tail"}}
	_, err := newSectorStream(segs, 5)
	assert.ErrorIs(t, err, ErrInconsistentState)
}

func TestSectorStreamShortRead(t *testing.T) {
	segs := []segment{{sector: 0, length: 100, src: shortSource{declared: 100, actual: 50}, label: "short"}}
	st, err := newSectorStream(segs, 1)
	require.NoError(t, err)
	_, err = io.ReadAll(st)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteImage(t *testing.T) {
	var buf bytes.Buffer
	n, err := writeImage(&buf, []segment{{sector: 1, length: 4, data: []byte("data"), label: "x"}}, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2*SectorSize, n)
	assert.EqualValues(t, 2*SectorSize, buf.Len())
}
