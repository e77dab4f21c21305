package isofs

import (
	"encoding/binary"
	"fmt"
)

// Minimal UDF bridge. A bridge volume carries just enough UDF structure for
// UDF-aware readers to recognize the disc while the ISO9660 hierarchy remains
// the single source of file data: an anchor volume descriptor pointer and a
// file set descriptor, placed in system-area sectors the ISO9660 side never
// touches.

const udfTagVersion = 2

// encodeUDFTag prefixes body with a UDF descriptor tag. The tag checksum
// covers the tag's own bytes except the checksum slot; the CRC covers the
// body.
func encodeUDFTag(tagID uint16, location uint32, body []byte) []byte {
	b := make([]byte, 16+len(body))
	binary.LittleEndian.PutUint16(b[0:2], tagID)
	binary.LittleEndian.PutUint16(b[2:4], udfTagVersion)
	binary.LittleEndian.PutUint16(b[8:10], udfCRC16(body))
	binary.LittleEndian.PutUint16(b[10:12], uint16(len(body)))
	putUint32LE(b[12:16], location)
	b[4] = udfTagChecksum(b[:16])
	copy(b[16:], body)
	return b
}

// decodeUDFTag verifies and strips a descriptor tag, returning its id,
// recorded location, and the CRC-covered body.
func decodeUDFTag(b []byte, sector uint32) (uint16, uint32, []byte, error) {
	if len(b) < 16 {
		return 0, 0, nil, fieldErr("udf tag", sector, 0,
			fmt.Errorf("tag needs 16 bytes, have %d: %w", len(b), ErrMalformedField))
	}
	if sum := udfTagChecksum(b[:16]); sum != b[4] {
		return 0, 0, nil, fieldErr("udf tag checksum", sector, 4,
			fmt.Errorf("computed %#02x, recorded %#02x: %w", sum, b[4], ErrMalformedField))
	}
	tagID := binary.LittleEndian.Uint16(b[0:2])
	location := uint32LE(b[12:16])
	crcLen := int(binary.LittleEndian.Uint16(b[10:12]))
	if 16+crcLen > len(b) {
		return 0, 0, nil, fieldErr("udf tag crc length", sector, 10,
			fmt.Errorf("crc covers %d bytes past the descriptor: %w", crcLen, ErrMalformedField))
	}
	body := b[16 : 16+crcLen]
	if crc := udfCRC16(body); crc != binary.LittleEndian.Uint16(b[8:10]) {
		return 0, 0, nil, fieldErr("udf descriptor crc", sector, 8,
			fmt.Errorf("computed %#04x: %w", crc, ErrMalformedField))
	}
	return tagID, location, body, nil
}

// udfTagChecksum sums the tag bytes, skipping the checksum slot itself.
func udfTagChecksum(tag []byte) byte {
	var sum byte
	for i, c := range tag[:16] {
		if i == 4 {
			continue
		}
		sum += c
	}
	return sum
}

// udfCRC16 is the CRC-16 (polynomial 0x1021, zero initial value) UDF records
// in descriptor tags.
func udfCRC16(data []byte) uint16 {
	var crc uint16
	for _, c := range data {
		crc ^= uint16(c) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// encodeDString records s as an OSTA compressed-unicode d-string of the
// given field width: compression id byte, the characters, and the encoded
// length in the final byte.
func encodeDString(s string, width int) []byte {
	b := make([]byte, width)
	if s == "" {
		return b
	}
	b[0] = 8 // 8-bit compression
	n := copy(b[1:width-1], s)
	b[width-1] = byte(1 + n)
	return b
}

// decodeDString undoes encodeDString. Unknown compression ids decode to the
// empty string rather than failing: the bridge ids are informational.
func decodeDString(b []byte) string {
	if len(b) < 2 || b[len(b)-1] == 0 {
		return ""
	}
	n := int(b[len(b)-1])
	if b[0] != 8 || n < 1 || n > len(b)-1 {
		return ""
	}
	return string(b[1:n])
}

// encodeAnchorVolumeDescriptorPointer builds the AVDP sector. Both the main
// and reserve volume descriptor sequence extents point at the file set
// descriptor's sector; a minimal bridge has no separate sequence.
func encodeAnchorVolumeDescriptorPointer(fsdSector uint32) []byte {
	body := make([]byte, 496)
	putUint32LE(body[0:4], SectorSize)
	putUint32LE(body[4:8], fsdSector)
	putUint32LE(body[8:12], SectorSize)
	putUint32LE(body[12:16], fsdSector)
	out := make([]byte, SectorSize)
	copy(out, encodeUDFTag(udfTagAnchorVolumeDescriptorPointer, udfAnchorSector, body))
	return out
}

// encodeFileSetDescriptor builds the FSD sector carrying the bridge's
// logical volume and file set identifiers.
func encodeFileSetDescriptor(logicalVolumeID, fileSetID string) []byte {
	body := make([]byte, 496)
	copy(body[112:240], encodeDString(logicalVolumeID, 128))
	copy(body[304:336], encodeDString(fileSetID, 32))
	out := make([]byte, SectorSize)
	copy(out, encodeUDFTag(udfTagFileSetDescriptor, udfFileSetSector, body))
	return out
}

// udfBridgeInfo is what parsing recovers from a bridge volume.
type udfBridgeInfo struct {
	present         bool
	logicalVolumeID string
	fileSetID       string
}

// decodeUDFBridge inspects the two bridge sectors. A volume without a valid
// anchor simply has no bridge; a valid anchor with a corrupt file set
// descriptor is reported as an error.
func decodeUDFBridge(anchor, fileSet []byte) (udfBridgeInfo, error) {
	tagID, _, _, err := decodeUDFTag(anchor, udfAnchorSector)
	if err != nil || tagID != udfTagAnchorVolumeDescriptorPointer {
		return udfBridgeInfo{}, nil
	}
	tagID, _, body, err := decodeUDFTag(fileSet, udfFileSetSector)
	if err != nil {
		return udfBridgeInfo{}, fmt.Errorf("udf bridge file set descriptor: %w", err)
	}
	if tagID != udfTagFileSetDescriptor {
		return udfBridgeInfo{}, fieldErr("udf file set descriptor", udfFileSetSector, 0,
			fmt.Errorf("tag id %d: %w", tagID, ErrMalformedField))
	}
	info := udfBridgeInfo{present: true}
	if len(body) >= 336 {
		info.logicalVolumeID = decodeDString(body[112:240])
		info.fileSetID = decodeDString(body[304:336])
	}
	return info, nil
}
