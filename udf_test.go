package isofs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDFTagRoundTrip(t *testing.T) {
	body := []byte("descriptor body bytes")
	raw := encodeUDFTag(udfTagFileSetDescriptor, 2, body)

	tagID, loc, got, err := decodeUDFTag(raw, 2)
	require.NoError(t, err)
	assert.Equal(t, udfTagFileSetDescriptor, tagID)
	assert.Equal(t, uint32(2), loc)
	assert.Equal(t, body, got)
}

func TestUDFTagChecksumDetectsCorruption(t *testing.T) {
	raw := encodeUDFTag(udfTagAnchorVolumeDescriptorPointer, 1, make([]byte, 32))
	raw[12] ^= 0x01 // flip a bit in the tag location
	_, _, _, err := decodeUDFTag(raw, 1)
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestUDFCRCDetectsBodyCorruption(t *testing.T) {
	raw := encodeUDFTag(udfTagFileSetDescriptor, 2, []byte("payload"))
	raw[16] ^= 0x01
	_, _, _, err := decodeUDFTag(raw, 2)
	assert.ErrorIs(t, err, ErrMalformedField)
}

func TestDStringRoundTrip(t *testing.T) {
	b := encodeDString("INSTALLER", 32)
	require.Len(t, b, 32)
	assert.Equal(t, "INSTALLER", decodeDString(b))

	assert.Equal(t, "", decodeDString(encodeDString("", 32)))
}

func TestUDFBridgeRoundTrip(t *testing.T) {
	anchor := encodeAnchorVolumeDescriptorPointer(udfFileSetSector)
	fileSet := encodeFileSetDescriptor("VOLUME", "FILESET")

	info, err := decodeUDFBridge(anchor, fileSet)
	require.NoError(t, err)
	assert.True(t, info.present)
	assert.Equal(t, "VOLUME", info.logicalVolumeID)
	assert.Equal(t, "FILESET", info.fileSetID)
}

func TestUDFBridgeAbsent(t *testing.T) {
	info, err := decodeUDFBridge(make([]byte, SectorSize), make([]byte, SectorSize))
	require.NoError(t, err)
	assert.False(t, info.present)
}
