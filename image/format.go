package image

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sergev/floppy-emu/floppy"
)

// Format represents a disk image format.
type Format int

const (
	// FormatUnknown represents an unknown or unrecognized format
	FormatUnknown Format = iota
	FormatIMG            // IMG or IMA format - a raw, sector-by-sector binary copy of the disk
	FormatHFE            // HFE format - HxC Floppy Emulator bitstream
)

// String returns the string representation of the Format.
func (f Format) String() string {
	switch f {
	case FormatIMG:
		return "IMG"
	case FormatHFE:
		return "HFE"
	default:
		return "Unknown"
	}
}

// DetectFormat detects the image format from a filename based on its
// extension. The check is case-insensitive. Returns FormatUnknown if the
// format cannot be determined.
func DetectFormat(filename string) Format {
	ext := filepath.Ext(filename)
	if ext == "" {
		return FormatUnknown
	}

	switch strings.ToLower(ext[1:]) {
	case "img", "ima":
		return FormatIMG
	case "hfe":
		return FormatHFE
	default:
		return FormatUnknown
	}
}

// New returns the codec for the given image file path. The file itself is
// opened later, by the core's foreground loop.
func New(path string) (floppy.Image, error) {
	switch DetectFormat(path) {
	case FormatIMG:
		return NewIMG(path), nil
	case FormatHFE:
		return NewHFE(path), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported image format for file: %s", path)
	}
}
