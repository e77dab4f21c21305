package isofs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Primitive field codec. ISO9660 stores multi-byte integers in three
// layouts: little-endian, big-endian, and "both-endian" where the same value
// is recorded twice, little-endian first. The redundant copy is a primary
// validity signal: decoding verifies the two halves agree.

// putBothUint16 encodes v as a 4-byte both-endian field.
func putBothUint16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b[0:2], v)
	binary.BigEndian.PutUint16(b[2:4], v)
}

// putBothUint32 encodes v as an 8-byte both-endian field.
func putBothUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b[0:4], v)
	binary.BigEndian.PutUint32(b[4:8], v)
}

// bothUint16 decodes a 4-byte both-endian field, verifying that both copies
// carry the same value.
func bothUint16(b []byte) (uint16, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("both-endian u16 needs 4 bytes, have %d: %w", len(b), ErrMalformedField)
	}
	le := binary.LittleEndian.Uint16(b[0:2])
	be := binary.BigEndian.Uint16(b[2:4])
	if le != be {
		return 0, fmt.Errorf("u16 copies disagree (le=%d be=%d): %w", le, be, ErrEndianMismatch)
	}
	return le, nil
}

// bothUint32 decodes an 8-byte both-endian field, verifying that both copies
// carry the same value.
func bothUint32(b []byte) (uint32, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("both-endian u32 needs 8 bytes, have %d: %w", len(b), ErrMalformedField)
	}
	le := binary.LittleEndian.Uint32(b[0:4])
	be := binary.BigEndian.Uint32(b[4:8])
	if le != be {
		return 0, fmt.Errorf("u32 copies disagree (le=%d be=%d): %w", le, be, ErrEndianMismatch)
	}
	return le, nil
}

// padString copies s into a fresh field of the given width, padding with
// spaces as the standard requires for a- and d-character fields. Overlong
// values are truncated.
func padString(s string, width int) []byte {
	b := make([]byte, width)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

// trimPadding undoes padString for decoded identifier fields.
func trimPadding(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// encodeDirTime encodes t as the 7-byte directory record timestamp:
// years since 1900, month, day, hour, minute, second, and the GMT offset in
// quarter hours.
func encodeDirTime(b []byte, t time.Time) {
	t = t.UTC()
	b[0] = byte(t.Year() - 1900)
	b[1] = byte(t.Month())
	b[2] = byte(t.Day())
	b[3] = byte(t.Hour())
	b[4] = byte(t.Minute())
	b[5] = byte(t.Second())
	b[6] = 0
}

// decodeDirTime decodes the 7-byte directory record timestamp. A zero month
// marks an unrecorded time and decodes to the zero time.
func decodeDirTime(b []byte) (time.Time, error) {
	if len(b) < 7 {
		return time.Time{}, fmt.Errorf("directory timestamp needs 7 bytes, have %d: %w", len(b), ErrMalformedField)
	}
	if b[1] == 0 {
		return time.Time{}, nil
	}
	if b[1] > 12 || b[2] == 0 || b[2] > 31 || b[3] > 23 || b[4] > 59 || b[5] > 59 {
		return time.Time{}, fmt.Errorf("directory timestamp out of range: %w", ErrMalformedField)
	}
	offset := time.Duration(int8(b[6])) * 15 * time.Minute
	loc := time.UTC
	if offset != 0 {
		loc = time.FixedZone("", int(offset/time.Second))
	}
	return time.Date(1900+int(b[0]), time.Month(b[1]), int(b[2]), int(b[3]), int(b[4]), int(b[5]), 0, loc), nil
}

// encodeVolumeTime encodes t as the 17-byte volume descriptor timestamp:
// sixteen decimal digit characters followed by the GMT offset byte. The zero
// time encodes as all zero digits, the "not specified" marker.
func encodeVolumeTime(b []byte, t time.Time) {
	if t.IsZero() {
		copy(b, "0000000000000000")
		b[16] = 0
		return
	}
	t = t.UTC()
	s := fmt.Sprintf("%04d%02d%02d%02d%02d%02d%02d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond()/10000000)
	copy(b, s)
	b[16] = 0
}

// decodeVolumeTime decodes the 17-byte volume descriptor timestamp.
func decodeVolumeTime(b []byte) (time.Time, error) {
	if len(b) < 17 {
		return time.Time{}, fmt.Errorf("volume timestamp needs 17 bytes, have %d: %w", len(b), ErrMalformedField)
	}
	digits := string(b[:16])
	if digits == "0000000000000000" || strings.Trim(digits, "\x00") == "" {
		return time.Time{}, nil
	}
	var year, month, day, hour, min, sec, hund int
	if _, err := fmt.Sscanf(digits, "%4d%2d%2d%2d%2d%2d%2d", &year, &month, &day, &hour, &min, &sec, &hund); err != nil {
		return time.Time{}, fmt.Errorf("volume timestamp %q: %w", digits, ErrMalformedField)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || min > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("volume timestamp %q out of range: %w", digits, ErrMalformedField)
	}
	offset := time.Duration(int8(b[16])) * 15 * time.Minute
	loc := time.UTC
	if offset != 0 {
		loc = time.FixedZone("", int(offset/time.Second))
	}
	return time.Date(year, time.Month(month), day, hour, min, sec, hund*10000000, loc), nil
}

// Single-endian accessors for the few fields recorded only once, such as
// path table locations and El Torito pointers.

func putUint32LE(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putUint32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func uint32LE(b []byte) uint32      { return binary.LittleEndian.Uint32(b) }
func uint32BE(b []byte) uint32      { return binary.BigEndian.Uint32(b) }

// isDChar reports whether c is a d-character: the restricted set permitted
// in plain ISO9660 identifiers.
func isDChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

// isAChar reports whether c is an a-character, the wider set used by volume
// identifier fields.
func isAChar(c byte) bool {
	if isDChar(c) || c == ' ' {
		return true
	}
	switch c {
	case '!', '"', '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
		':', ';', '<', '=', '>', '?':
		return true
	}
	return false
}
