package image

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sergev/floppy-emu/floppy"
)

// writeTestHFE builds a minimal HFE v1 file with the given per-side track
// bitstreams (MSB-first; stored reversed, as HFE keeps bits LSB-first).
func writeTestHFE(t *testing.T, side0, side1 []byte) string {
	t.Helper()
	if len(side0) != len(side1) {
		t.Fatalf("sides must be the same length")
	}

	hdr := make([]byte, 512)
	copy(hdr, hfeSignature)
	hdr[8] = 0  // revision
	hdr[9] = 1  // tracks
	hdr[10] = 2 // sides
	hdr[11] = 0 // ISOIBM MFM
	binary.LittleEndian.PutUint16(hdr[12:14], 250) // bit rate kbps
	binary.LittleEndian.PutUint16(hdr[14:16], 300) // rpm
	hdr[16] = 7                                    // generic shugart
	binary.LittleEndian.PutUint16(hdr[18:20], 1)   // track list at block 1

	lut := make([]byte, 512)
	binary.LittleEndian.PutUint16(lut[0:2], 2) // track data at block 2
	binary.LittleEndian.PutUint16(lut[2:4], uint16(2*len(side0)))

	// Interleave 256-byte half-blocks, bit-reversed.
	blocks := (len(side0) + 255) / 256
	data := make([]byte, blocks*512)
	for i, b := range side0 {
		data[(i/256)*512+i%256] = bitReverse(b)
	}
	for i, b := range side1 {
		data[(i/256)*512+256+i%256] = bitReverse(b)
	}

	path := filepath.Join(t.TempDir(), "test.hfe")
	content := append(append(hdr, lut...), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHFEOpenAndStage(t *testing.T) {
	side0 := make([]byte, 512)
	side1 := make([]byte, 512)
	for i := range side0 {
		side0[i] = 0xAA           // encoded zeros
		side1[i] = byte(0x44 + i) // arbitrary pattern
	}
	im := NewHFE(writeTestHFE(t, side0, side1))
	if err := im.Open(floppy.NewBuffers()); err != nil {
		t.Fatal(err)
	}
	defer im.Close()

	if im.Writable() {
		t.Errorf("HFE codec claims to be writable")
	}
	if im.cellTicks != 144 {
		t.Errorf("bitcell = %d ticks, want 144", im.cellTicks)
	}

	// Stage side 1: busy first, then served verbatim.
	if err := im.SeekTrack(1, nil); !errors.Is(err, floppy.ErrBusy) {
		t.Fatalf("first seek = %v, want ErrBusy", err)
	}
	if err := im.SeekTrack(1, nil); err != nil {
		t.Fatal(err)
	}
	if im.stagedLen != len(side1) {
		t.Fatalf("staged %d bytes, want %d", im.stagedLen, len(side1))
	}
	for i, b := range im.bufs.ReadData.P[:im.stagedLen] {
		if b != side1[i] {
			t.Fatalf("staged byte %d = %#x, want %#x", i, b, side1[i])
		}
	}
}

func TestHFEFluxFromBitstream(t *testing.T) {
	// Side 0 is all 0xAA: a flux transition every other bitcell.
	side0 := make([]byte, 512)
	side1 := make([]byte, 512)
	for i := range side0 {
		side0[i] = 0xAA
		side1[i] = 0xAA
	}
	im := NewHFE(writeTestHFE(t, side0, side1))
	if err := im.Open(floppy.NewBuffers()); err != nil {
		t.Fatal(err)
	}
	defer im.Close()

	if err := im.SeekTrack(0, nil); !errors.Is(err, floppy.ErrBusy) {
		t.Fatalf("first seek = %v, want ErrBusy", err)
	}
	if err := im.SeekTrack(0, nil); err != nil {
		t.Fatal(err)
	}

	if !im.ReadTrack() {
		t.Fatalf("ReadTrack buffered nothing")
	}
	samples := make([]uint16, 64)
	n := im.RdataFlux(samples)
	if n != len(samples) {
		t.Fatalf("produced %d samples, want %d", n, len(samples))
	}
	// 0xAA opens with a one: the first interval is a single cell, every
	// following transition is two cells apart.
	if int64(samples[0]) != im.cellTicks-1 {
		t.Fatalf("sample 0 = %d ticks, want %d", samples[0], im.cellTicks-1)
	}
	for i, s := range samples[1:n] {
		if int64(s) != 2*im.cellTicks-1 {
			t.Fatalf("sample %d = %d ticks, want %d", i+1, s, 2*im.cellTicks-1)
		}
	}
	bitsConsumed := int64(1 + 2*(len(samples)-1))
	if got := im.TicksSinceIndex(); got != bitsConsumed*im.cellTicks {
		t.Errorf("position = %d ticks, want %d", got, bitsConsumed*im.cellTicks)
	}

	rejected := NewHFE(filepath.Join(t.TempDir(), "missing.hfe"))
	if err := rejected.Open(floppy.NewBuffers()); err == nil {
		t.Errorf("opening a missing file succeeded")
	}
}

func TestHFERejectsBadSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hfe")
	if err := os.WriteFile(path, make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}
	im := NewHFE(path)
	if err := im.Open(floppy.NewBuffers()); err == nil {
		t.Fatalf("bad signature accepted")
	}
}
