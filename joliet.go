package isofs

import (
	"fmt"
	"unicode/utf16"
)

// Joliet records names as UCS-2 in big-endian byte order. The supplementary
// volume descriptor advertises the encoding through an ISO 2022 escape
// sequence; this implementation always emits UCS level 3.
const jolietEscapeLevel3 = "%/E"

// jolietForbidden are the code points Joliet excludes from identifiers on
// top of the control range.
const jolietForbidden = "*/:;?\\"

// encodeUCS2BE encodes s as UCS-2 big-endian bytes. Code points outside the
// BMP cannot be represented in UCS-2 and are replaced with the Unicode
// replacement character, which matches how mastering tools degrade.
func encodeUCS2BE(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		b[i*2] = byte(u >> 8)
		b[i*2+1] = byte(u)
	}
	return b
}

// decodeUCS2BE decodes UCS-2 big-endian bytes into a string.
func decodeUCS2BE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("UCS-2 identifier has odd length %d: %w", len(b), ErrMalformedField)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return string(utf16.Decode(units)), nil
}

// validateJolietName checks the Joliet length limit and forbidden code
// points for one path component.
func validateJolietName(name string) error {
	runes := []rune(name)
	if len(runes) == 0 {
		return fmt.Errorf("empty Joliet name: %w", ErrInvalidName)
	}
	if len(runes) > maxJolietNameChars {
		return fmt.Errorf("joliet name %q exceeds %d characters: %w", name, maxJolietNameChars, ErrInvalidName)
	}
	for _, r := range runes {
		if r < 0x20 {
			return fmt.Errorf("joliet name %q contains control character: %w", name, ErrInvalidName)
		}
		for _, f := range jolietForbidden {
			if r == f {
				return fmt.Errorf("joliet name %q contains forbidden character %q: %w", name, string(f), ErrInvalidName)
			}
		}
	}
	return nil
}

// jolietIdentifier returns the on-disk identifier bytes for one Joliet
// directory record. Root and dot entries keep their single-byte forms.
func jolietIdentifier(name string) []byte {
	switch name {
	case "", ".":
		return []byte{0x00}
	case "..":
		return []byte{0x01}
	}
	return encodeUCS2BE(name)
}
