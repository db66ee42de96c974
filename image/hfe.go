package image

import (
	"encoding/binary"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/floppy"
)

const (
	hfeSignature = "HXCPICFE"
	hfeBlockSize = 512
)

// hfeHeader is the HFE v1 file header.
type hfeHeader struct {
	HeaderSignature     [8]byte
	FormatRevision      uint8
	NumberOfTrack       uint8
	NumberOfSide        uint8
	TrackEncoding       uint8
	BitRate             uint16 // in kbps
	FloppyRPM           uint16
	FloppyInterfaceMode uint8
	WriteProtected      uint8
	TrackListOffset     uint16 // in 512-byte blocks
	WriteAllowed        uint8
	SingleStep          uint8
	Track0S0AltEncoding uint8
	Track0S0Encoding    uint8
	Track0S1AltEncoding uint8
	Track0S1Encoding    uint8
}

// hfeTrackEntry is one track offset entry in the track list.
type hfeTrackEntry struct {
	Offset   uint16 // in 512-byte blocks
	TrackLen uint16 // in bytes, both sides interleaved
}

// bitReverse mirrors the bit order of a byte. HFE stores bitstreams
// LSB-first; the flux engine and the MFM scanner want MSB-first.
func bitReverse(b byte) byte {
	b = (b&0xF0)>>4 | (b&0x0F)<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}

// HFE is an HxC Floppy Emulator v1 bitstream image. Tracks are served
// exactly as stored; the codec is read-only.
type HFE struct {
	trackStream

	path string
	f    *os.File

	header  hfeHeader
	entries []hfeTrackEntry

	staged    int // track number staged in the read data buffer, -1 none
	stagedLen int // staged side length in bytes
}

// NewHFE returns an HFE codec for the given file path.
func NewHFE(path string) *HFE {
	return &HFE{path: path, staged: -1}
}

// Open opens the image file and parses the header and track list.
func (im *HFE) Open(b *floppy.Buffers) error {
	f, err := os.Open(im.path)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	if err := binary.Read(f, binary.LittleEndian, &im.header); err != nil {
		f.Close()
		return fmt.Errorf("failed to read HFE header: %w", err)
	}
	if sig := string(im.header.HeaderSignature[:]); sig != hfeSignature {
		f.Close()
		return fmt.Errorf("invalid HFE signature: %q", sig)
	}
	if im.header.BitRate == 0 || im.header.NumberOfTrack == 0 || im.header.NumberOfSide == 0 {
		f.Close()
		return fmt.Errorf("invalid HFE header")
	}

	if _, err := f.Seek(int64(im.header.TrackListOffset)*hfeBlockSize, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to seek to track list: %w", err)
	}
	im.entries = make([]hfeTrackEntry, im.header.NumberOfTrack)
	for i := range im.entries {
		if err := binary.Read(f, binary.LittleEndian, &im.entries[i]); err != nil {
			f.Close()
			return fmt.Errorf("failed to read track entry %d: %w", i, err)
		}
	}

	im.f = f
	im.bufs = b
	im.cellTicks = 36000 / int64(im.header.BitRate)
	im.staged = -1

	log.Debugf("hfe: %s %d tracks, %d sides, %d kbps",
		im.path, im.header.NumberOfTrack, im.header.NumberOfSide, im.header.BitRate)
	return nil
}

// Close closes the image file.
func (im *HFE) Close() error {
	if im.f == nil {
		return nil
	}
	err := im.f.Close()
	im.f = nil
	return err
}

// Writable reports false: the HFE codec is read-only.
func (im *HFE) Writable() bool {
	return false
}

// Syncword returns the codec's MFM sync pattern.
func (im *HFE) Syncword() uint32 {
	return syncwordMFM
}

// WriteBCTicks returns the raw bitcell width; unused for a read-only
// codec.
func (im *HFE) WriteBCTicks() int64 {
	return im.cellTicks
}

// SeekTrack stages the side's bitstream for the requested track. Returns
// ErrBusy on the staging call.
func (im *HFE) SeekTrack(track int, startPos *int64) error {
	cyl, head := track/2, track%2
	if cyl >= int(im.header.NumberOfTrack) {
		cyl = int(im.header.NumberOfTrack) - 1
	}
	if head >= int(im.header.NumberOfSide) {
		head = 0
	}
	track = cyl*2 + head

	if im.staged != track {
		if err := im.stageTrack(cyl, head); err != nil {
			return err
		}
		return floppy.ErrBusy
	}

	startBit := int64(0)
	if startPos != nil {
		startBit, *startPos = im.alignStart(*startPos, im.stagedLen)
	}
	im.reset(im.stagedLen, startBit)
	return nil
}

// stageTrack loads one side's bitstream into the read data buffer,
// de-interleaving the 256-byte side blocks and reversing to MSB-first bit
// order.
func (im *HFE) stageTrack(cyl, head int) error {
	e := im.entries[cyl]
	raw := make([]byte, int(e.TrackLen))
	if _, err := im.f.ReadAt(raw, int64(e.Offset)*hfeBlockSize); err != nil {
		return fmt.Errorf("failed to read track %d: %w", cyl, err)
	}

	// Each 512-byte block interleaves 256 bytes of side 0 then 256 bytes
	// of side 1.
	out := im.bufs.ReadData.P
	n := 0
	for blk := 0; blk*hfeBlockSize < len(raw); blk++ {
		start := blk*hfeBlockSize + head*(hfeBlockSize/2)
		end := start + hfeBlockSize/2
		if end > len(raw) {
			end = len(raw)
		}
		for _, b := range raw[start:end] {
			out[n] = bitReverse(b)
			n++
		}
	}

	im.staged = cyl*2 + head
	im.stagedLen = n
	return nil
}

// ReadTrack replenishes the read MFM ring from the staged bitstream.
func (im *HFE) ReadTrack() bool {
	if im.staged < 0 {
		return false
	}
	return im.readTrack()
}

// RdataFlux fills out with flux samples from the staged bitstream.
func (im *HFE) RdataFlux(out []uint16) int {
	if im.staged < 0 {
		return 0
	}
	return im.rdataFlux(out)
}

// TicksSinceIndex returns the stream position within the revolution.
func (im *HFE) TicksSinceIndex() int64 {
	return im.ticksSinceIndex()
}

// SetWriteStart is a no-op: the codec is read-only.
func (im *HFE) SetWriteStart(int64) {}

// WriteTrack is a no-op: the codec is read-only.
func (im *HFE) WriteTrack(bool) {}

// Sync is a no-op: the codec is read-only.
func (im *HFE) Sync() error {
	return nil
}
