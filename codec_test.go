package isofs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBothEndianRoundTrip(t *testing.T) {
	b16 := make([]byte, 4)
	putBothUint16(b16, 0xBEEF)
	v16, err := bothUint16(b16)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	b32 := make([]byte, 8)
	putBothUint32(b32, 0xDEADBEEF)
	v32, err := bothUint32(b32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)
}

func TestBothEndianMismatch(t *testing.T) {
	b := make([]byte, 8)
	putBothUint32(b, 42)
	b[7] ^= 0xFF

	_, err := bothUint32(b)
	assert.ErrorIs(t, err, ErrEndianMismatch)
}

func TestBothEndianShortBuffer(t *testing.T) {
	_, err := bothUint16([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedField)

	_, err = bothUint32([]byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestDirTimeRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 17, 12, 34, 56, 0, time.UTC)
	var b [7]byte
	encodeDirTime(b[:], want)

	got, err := decodeDirTime(b[:])
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestDirTimeUnrecorded(t *testing.T) {
	var b [7]byte // zero month marks "not recorded"
	got, err := decodeDirTime(b[:])
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestDirTimeOutOfRange(t *testing.T) {
	b := [7]byte{100, 13, 1, 0, 0, 0, 0}
	_, err := decodeDirTime(b[:])
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestVolumeTimeRoundTrip(t *testing.T) {
	want := time.Date(2020, 9, 13, 12, 26, 40, 0, time.UTC)
	var b [17]byte
	encodeVolumeTime(b[:], want)
	assert.Equal(t, "2020091312264000", string(b[:16]))

	got, err := decodeVolumeTime(b[:])
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestVolumeTimeZero(t *testing.T) {
	var b [17]byte
	encodeVolumeTime(b[:], time.Time{})
	assert.Equal(t, "0000000000000000", string(b[:16]))

	got, err := decodeVolumeTime(b[:])
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestPadString(t *testing.T) {
	b := padString("ABC", 6)
	assert.Equal(t, []byte("ABC   "), b)
	assert.Equal(t, "ABC", trimPadding(b))
}

func TestDCharSet(t *testing.T) {
	for _, c := range []byte("ABZ09_") {
		assert.True(t, isDChar(c), "expected %q to be a d-character", string(c))
	}
	for _, c := range []byte("abz .-") {
		assert.False(t, isDChar(c), "expected %q not to be a d-character", string(c))
	}
}
