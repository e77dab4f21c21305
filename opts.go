package isofs

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ImageOption configures an Image at creation or parse time.
type ImageOption func(*Image) error

func validAString(s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%q exceeds %d characters: %w", s, max, ErrInvalidName)
	}
	for i := 0; i < len(s); i++ {
		if !isAChar(s[i]) {
			return fmt.Errorf("%q contains invalid character %q: %w", s, string(s[i]), ErrInvalidName)
		}
	}
	return nil
}

func validDString(s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("%q exceeds %d characters: %w", s, max, ErrInvalidName)
	}
	for i := 0; i < len(s); i++ {
		if !isDChar(s[i]) {
			return fmt.Errorf("%q contains invalid character %q: %w", s, string(s[i]), ErrInvalidName)
		}
	}
	return nil
}

// WithVolumeID sets the 32-character volume identifier.
func WithVolumeID(id string) ImageOption {
	return func(img *Image) error {
		if err := validDString(id, 32); err != nil {
			return err
		}
		img.meta.volumeID = id
		return nil
	}
}

// WithSystemID sets the system identifier field.
func WithSystemID(id string) ImageOption {
	return func(img *Image) error {
		if err := validAString(id, 32); err != nil {
			return err
		}
		img.meta.systemID = id
		return nil
	}
}

// WithVolumeSetID sets the volume set identifier. The default is a fresh
// UUID, matching how mastering tools make volume sets distinguishable.
func WithVolumeSetID(id string) ImageOption {
	return func(img *Image) error {
		if err := validDString(id, 128); err != nil {
			return err
		}
		img.meta.volumeSetID = id
		return nil
	}
}

// WithPublisherID sets the publisher identifier.
func WithPublisherID(id string) ImageOption {
	return func(img *Image) error {
		if err := validAString(id, 128); err != nil {
			return err
		}
		img.meta.publisherID = id
		return nil
	}
}

// WithPreparerID sets the data preparer identifier.
func WithPreparerID(id string) ImageOption {
	return func(img *Image) error {
		if err := validAString(id, 128); err != nil {
			return err
		}
		img.meta.preparerID = id
		return nil
	}
}

// WithApplicationID sets the application identifier.
func WithApplicationID(id string) ImageOption {
	return func(img *Image) error {
		if err := validAString(id, 128); err != nil {
			return err
		}
		img.meta.applicationID = id
		return nil
	}
}

// WithJoliet records a supplementary UCS-2 hierarchy alongside the plain one,
// preserving long mixed-case names for readers that look for it.
func WithJoliet() ImageOption {
	return func(img *Image) error {
		if img.t != nil {
			img.t.joliet = true
		}
		return nil
	}
}

// WithRockRidge records POSIX metadata and long names through SUSP records,
// and enables deep-directory relocation.
func WithRockRidge() ImageOption {
	return func(img *Image) error {
		if img.t != nil {
			img.t.rockRidge = true
		}
		return nil
	}
}

// WithUDFBridge places minimal UDF anchor and file set descriptors in the
// system area so UDF-aware readers recognize the volume.
func WithUDFBridge() ImageOption {
	return func(img *Image) error {
		img.udf = true
		return nil
	}
}

// WithUDFIdentifiers overrides the bridge's logical volume and file set
// identifiers, which otherwise mirror the volume identifier.
func WithUDFIdentifiers(logicalVolume, fileSet string) ImageOption {
	return func(img *Image) error {
		img.udfLogicalVolID = logicalVolume
		img.udfFileSetID = fileSet
		return nil
	}
}

// WithInterchangeLevel sets the ISO9660 interchange level (1 through 3).
// Level 1 restricts plain identifiers to 8.3; levels 2 and 3 allow 30
// characters.
func WithInterchangeLevel(level int) ImageOption {
	return func(img *Image) error {
		if level < 1 || level > 3 {
			return fmt.Errorf("interchange level %d out of range: %w", level, ErrUnsupportedFeature)
		}
		if img.t != nil {
			img.t.interchangeLevel = level
		}
		return nil
	}
}

// WithCreatedAt pins the volume creation time and the timestamp given to new
// entries. Builds meant to be reproducible set this.
func WithCreatedAt(t time.Time) ImageOption {
	return func(img *Image) error {
		img.createdAt = t.UTC().Truncate(time.Second)
		img.meta.created = img.createdAt
		img.meta.modified = img.createdAt
		if img.t != nil {
			img.t.node(img.t.root).mtime = img.createdAt
		}
		return nil
	}
}

// WithLogger routes diagnostics to l instead of discarding them.
func WithLogger(l logrus.FieldLogger) ImageOption {
	return func(img *Image) error {
		if l == nil {
			return fmt.Errorf("nil logger")
		}
		img.log = l
		return nil
	}
}
