// Package images carries the built-in disk images shipped with the
// emulator.
package images

import (
	"bytes"
	"compress/gzip"
	_ "embed"
	"fmt"
	"io"
	"os"
)

//go:embed blank720.img.gz
var blank720ImgGz []byte

// Blank720 returns a fresh blank 720 KB raw image.
func Blank720() ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(blank720ImgGz))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress embedded image: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress embedded image: %w", err)
	}
	return data, nil
}

// WriteBlank720 writes a fresh blank 720 KB raw image to the given path.
// It refuses to overwrite an existing file.
func WriteBlank720(path string) error {
	data, err := Blank720()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	return nil
}
