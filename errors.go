package isofs

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the codec. Callers match them with errors.Is; the
// wrapped message carries the path, sector, or field that failed.
var (
	// ErrMalformedField indicates a primitive field whose declared length
	// or value range does not match its encoding.
	ErrMalformedField = errors.New("malformed field")

	// ErrEndianMismatch indicates a both-endian field whose big- and
	// little-endian copies disagree.
	ErrEndianMismatch = errors.New("endian mismatch")

	// ErrOverlappingExtent indicates two allocated or parsed extents
	// claiming intersecting sector ranges.
	ErrOverlappingExtent = errors.New("overlapping extent")

	// ErrInvalidName indicates a name violating the active naming
	// scheme's character set or length limits.
	ErrInvalidName = errors.New("invalid name")

	// ErrDepthExceeded indicates a directory nested past the plain
	// ISO9660 limit with Rock Ridge relocation disabled.
	ErrDepthExceeded = errors.New("directory depth exceeded")

	// ErrDuplicateName indicates a name already present in the target
	// directory under one of the active naming schemes.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrNotFound indicates a path component that does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrNotADirectory indicates a non-terminal path component that
	// resolved to a file.
	ErrNotADirectory = errors.New("not a directory")

	// ErrDirectoryNotEmpty indicates a non-recursive removal of a
	// directory that still has children.
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrNoPrimaryDescriptor indicates an image whose descriptor set
	// terminated (or ran out) without a Primary Volume Descriptor.
	ErrNoPrimaryDescriptor = errors.New("no primary volume descriptor")

	// ErrInconsistentState indicates a structurally invalid volume, such
	// as a missing terminator or dangling boot catalog pointer.
	ErrInconsistentState = errors.New("inconsistent volume state")

	// ErrUnsupportedFeature indicates a recognized but unimplemented
	// extension variant encountered while parsing.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// FieldError decorates a codec error with the on-disk location it was
// detected at, so corrupt images can be diagnosed byte-for-byte.
type FieldError struct {
	Field  string
	Sector uint32
	Offset int
	Err    error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s at sector %d offset %d: %v", e.Field, e.Sector, e.Offset, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// fieldErr wraps err with location context.
func fieldErr(field string, sector uint32, offset int, err error) error {
	return &FieldError{Field: field, Sector: sector, Offset: offset, Err: err}
}
