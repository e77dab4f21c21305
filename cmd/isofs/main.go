package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	isofs "github.com/pilat/go-isofs"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "isofs",
		Short:         "Create, inspect, and extract ISO9660 images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(buildCmd(), lsCmd(), extractCmd(), fixtureCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// manifest is the yaml description consumed by the build subcommand.
type manifest struct {
	VolumeID         string `yaml:"volume_id"`
	SystemID         string `yaml:"system_id"`
	Joliet           bool   `yaml:"joliet"`
	RockRidge        bool   `yaml:"rock_ridge"`
	UDFBridge        bool   `yaml:"udf_bridge"`
	InterchangeLevel int    `yaml:"interchange_level"`
	CreatedAt        string `yaml:"created_at"`

	Dirs     []string          `yaml:"dirs"`
	Files    []manifestFile    `yaml:"files"`
	Symlinks []manifestSymlink `yaml:"symlinks"`
	Boot     []manifestBoot    `yaml:"boot"`
}

type manifestFile struct {
	Path    string `yaml:"path"`
	Source  string `yaml:"source"`
	Content string `yaml:"content"`
}

type manifestSymlink struct {
	Path   string `yaml:"path"`
	Target string `yaml:"target"`
}

type manifestBoot struct {
	Image       string `yaml:"image"`
	Platform    string `yaml:"platform"`
	Emulation   string `yaml:"emulation"`
	LoadSegment uint16 `yaml:"load_segment"`
	Sectors     uint16 `yaml:"sectors"`
}

func buildCmd() *cobra.Command {
	var manifestPath, outPath string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image from a yaml manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var m manifest
			if err := yaml.UnmarshalStrict(raw, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			img, err := imageFromManifest(&m)
			if err != nil {
				return err
			}
			out, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer out.Close()
			n, err := img.WriteTo(out)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", outPath, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "manifest.yaml", "manifest file")
	cmd.Flags().StringVarP(&outPath, "output", "o", "out.iso", "output image")
	return cmd
}

func imageFromManifest(m *manifest) (*isofs.Image, error) {
	opts := []isofs.ImageOption{isofs.WithLogger(newLogger())}
	if m.VolumeID != "" {
		opts = append(opts, isofs.WithVolumeID(m.VolumeID))
	}
	if m.SystemID != "" {
		opts = append(opts, isofs.WithSystemID(m.SystemID))
	}
	if m.Joliet {
		opts = append(opts, isofs.WithJoliet())
	}
	if m.RockRidge {
		opts = append(opts, isofs.WithRockRidge())
	}
	if m.UDFBridge {
		opts = append(opts, isofs.WithUDFBridge())
	}
	if m.InterchangeLevel != 0 {
		opts = append(opts, isofs.WithInterchangeLevel(m.InterchangeLevel))
	}
	if m.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		opts = append(opts, isofs.WithCreatedAt(t))
	}
	img, err := isofs.New(opts...)
	if err != nil {
		return nil, err
	}
	for _, d := range m.Dirs {
		if err := img.AddDirectory(d); err != nil {
			return nil, fmt.Errorf("add dir %s: %w", d, err)
		}
	}
	for _, f := range m.Files {
		switch {
		case f.Source != "":
			src, err := isofs.NewFileSource(f.Source)
			if err != nil {
				return nil, err
			}
			if err := img.AddFile(f.Path, src); err != nil {
				return nil, fmt.Errorf("add file %s: %w", f.Path, err)
			}
		default:
			if err := img.AddBytes(f.Path, []byte(f.Content)); err != nil {
				return nil, fmt.Errorf("add file %s: %w", f.Path, err)
			}
		}
	}
	for _, s := range m.Symlinks {
		if err := img.AddSymlink(s.Path, s.Target); err != nil {
			return nil, fmt.Errorf("add symlink %s: %w", s.Path, err)
		}
	}
	for _, b := range m.Boot {
		entry, err := bootEntryFromManifest(b)
		if err != nil {
			return nil, err
		}
		if err := img.AddBootEntry(b.Image, entry); err != nil {
			return nil, fmt.Errorf("add boot entry %s: %w", b.Image, err)
		}
	}
	return img, nil
}

func bootEntryFromManifest(b manifestBoot) (isofs.BootEntry, error) {
	entry := isofs.BootEntry{LoadSegment: b.LoadSegment, SectorCount: b.Sectors}
	switch b.Platform {
	case "", "x86":
		entry.Platform = isofs.PlatformX86
	case "efi":
		entry.Platform = isofs.PlatformEFI
	case "ppc":
		entry.Platform = isofs.PlatformPPC
	case "mac":
		entry.Platform = isofs.PlatformMac
	default:
		return entry, fmt.Errorf("unknown boot platform %q", b.Platform)
	}
	switch b.Emulation {
	case "", "none":
		entry.Emulation = isofs.EmulationNone
	case "floppy12":
		entry.Emulation = isofs.EmulationFloppy12
	case "floppy144":
		entry.Emulation = isofs.EmulationFloppy144
	case "floppy288":
		entry.Emulation = isofs.EmulationFloppy288
	case "harddisk":
		entry.Emulation = isofs.EmulationHardDisk
	default:
		return entry, fmt.Errorf("unknown boot emulation %q", b.Emulation)
	}
	return entry, nil
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls IMAGE [PATH]",
		Short: "List a directory of an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}
			img, err := isofs.ParseFile(args[0], isofs.WithLogger(newLogger()))
			if err != nil {
				return err
			}
			defer img.Close()
			entries, err := img.List(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				switch e.Kind {
				case isofs.KindDirectory:
					fmt.Printf("d %10s  %s/\n", "", e.Name)
				case isofs.KindSymlink:
					fmt.Printf("l %10s  %s -> %s\n", "", e.Name, e.SymlinkTarget)
				default:
					fmt.Printf("- %10d  %s\n", e.Size, e.Name)
				}
			}
			return nil
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract IMAGE SRC DST",
		Short: "Copy one file out of an image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := isofs.ParseFile(args[0], isofs.WithLogger(newLogger()))
			if err != nil {
				return err
			}
			defer img.Close()
			rc, err := img.OpenFile(args[1])
			if err != nil {
				return err
			}
			defer rc.Close()
			out, err := os.Create(args[2])
			if err != nil {
				return err
			}
			defer out.Close()
			n, err := io.Copy(out, rc)
			if err != nil {
				return err
			}
			fmt.Printf("extracted %s (%d bytes)\n", args[1], n)
			return nil
		},
	}
}

// fixtureCreatedAt pins the fixture timestamp so the image is reproducible.
var fixtureCreatedAt = time.Unix(1600000000, 0).UTC()

const expectedFixtureSHA256 = "" // filled after the first generate run

func fixtureCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Build the deterministic test fixture and print its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			size, sum, err := buildFixtureHash()
			if err != nil {
				return err
			}
			fingerprint := fixtureFingerprint(size, sum)
			if check {
				if expectedFixtureSHA256 == "" {
					return fmt.Errorf("no expected fingerprint recorded yet")
				}
				if fingerprint != expectedFixtureSHA256 {
					return fmt.Errorf("fingerprint mismatch: expected=%s actual=%s",
						expectedFixtureSHA256, fingerprint)
				}
				fmt.Println("ok: fixture matches expected fingerprint")
				return nil
			}
			fmt.Printf("fixture size: %d bytes\n", size)
			fmt.Printf("fixture sha256: %s\n", sum)
			fmt.Printf("fixture fingerprint: %s\n", fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "verify against the recorded fingerprint")
	return cmd
}

func buildFixtureHash() (int64, string, error) {
	img, err := isofs.New(
		isofs.WithVolumeID("FIXTURE"),
		isofs.WithVolumeSetID("FIXTURE_SET"),
		isofs.WithRockRidge(),
		isofs.WithJoliet(),
		isofs.WithCreatedAt(fixtureCreatedAt),
	)
	if err != nil {
		return 0, "", err
	}
	steps := []error{
		img.AddDirectory("/etc"),
		img.AddBytes("/etc/hostname", []byte("isofs-fixture\n")),
		img.AddDirectory("/boot"),
		img.AddBytes("/boot/loader.bin", make([]byte, 2048)),
		img.AddSymlink("/hostname", "etc/hostname"),
		img.AddBootEntry("/boot/loader.bin", isofs.BootEntry{Platform: isofs.PlatformX86}),
	}
	for _, err := range steps {
		if err != nil {
			return 0, "", err
		}
	}
	h := sha256.New()
	n, err := img.WriteTo(h)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func fixtureFingerprint(size int64, sum string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s", size, sum)
	return hex.EncodeToString(h.Sum(nil))
}
