package image

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/floppy"
	"github.com/sergev/floppy-emu/mfm"
)

const sectorSize = 512 // sector size in bytes

// syncwordMFM is the raw MFM pattern of two consecutive A1 sync marks with
// clock violations, used to word-align the decoded write bitstream.
const syncwordMFM = 0x44894489

// IMG is a raw, sector-by-sector disk image (IMG or IMA). Tracks are
// encoded to an IBM PC MFM bitstream on seek and decoded back to sectors
// on write, so the codec supports both directions.
type IMG struct {
	trackStream

	path     string
	f        *os.File
	writable bool

	cyls, heads, spt int
	bitRate          uint16 // data rate in kbps
	trackBytes       int    // raw MFM bytes per track

	staged   int // track number staged in the read data buffer, -1 none
	wrTrack  int // track being written
	consBits int // write MFM ring consumer, in bits
	dirty    bool
	wrStart  int64
}

// NewIMG returns an IMG codec for the given file path. The file is opened
// and validated by Open.
func NewIMG(path string) *IMG {
	return &IMG{path: path, staged: -1}
}

// Open opens the image file, detects its geometry from the file size and
// prepares the codec for I/O.
func (im *IMG) Open(b *floppy.Buffers) error {
	f, err := os.OpenFile(im.path, os.O_RDWR, 0)
	writable := true
	if err != nil {
		f, err = os.Open(im.path)
		if err != nil {
			return fmt.Errorf("failed to open image: %w", err)
		}
		writable = false
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat image: %w", err)
	}

	cyls, heads, spt, err := mfm.DetectFormatFromSize(fi.Size())
	if err != nil {
		f.Close()
		return err
	}
	bitRate := uint16(500)
	if spt < 12 {
		bitRate = 250
	}
	if spt == 15 {
		// 1.2M media spins at 360 RPM, which the drive does not do.
		f.Close()
		return fmt.Errorf("unsupported image geometry: %d sectors per track", spt)
	}

	im.f = f
	im.writable = writable
	im.cyls, im.heads, im.spt = cyls, heads, spt
	im.bitRate = bitRate
	// One raw bitcell per half data bit: 36000/kbps SYSCLK ticks.
	im.cellTicks = 36000 / int64(bitRate)
	// Raw MFM bytes per 200ms revolution.
	im.trackBytes = int(bitRate) * 2 * 200 / 8
	im.bufs = b
	im.staged = -1

	log.Debugf("img: %s %dx%dx%d @%dkbps", im.path, cyls, heads, spt, bitRate)
	return nil
}

// Close closes the image file.
func (im *IMG) Close() error {
	if im.f == nil {
		return nil
	}
	err := im.f.Close()
	im.f = nil
	return err
}

// Writable reports whether the host may write to this image.
func (im *IMG) Writable() bool {
	return im.writable
}

// Syncword returns the codec's MFM sync pattern.
func (im *IMG) Syncword() uint32 {
	return syncwordMFM
}

// WriteBCTicks returns the raw bitcell width for write flux decoding.
func (im *IMG) WriteBCTicks() int64 {
	return im.cellTicks
}

// SeekTrack selects a side+cylinder track. The first call for a new track
// reads and encodes the whole track bitstream and returns ErrBusy; the next
// call for the same track completes the seek. If startPos is non-nil it is
// aligned down to a bitcell boundary.
func (im *IMG) SeekTrack(track int, startPos *int64) error {
	cyl, head := track/2, track%2
	if cyl >= im.cyls {
		cyl = im.cyls - 1 // stepped past the image
	}
	if head >= im.heads {
		head = 0
	}
	track = cyl*im.heads + head

	if im.staged != track {
		if err := im.stageTrack(cyl, head); err != nil {
			return err
		}
		// Staging replaced the buffered bitstream; report busy so the
		// caller recomputes its start position and retries.
		return floppy.ErrBusy
	}

	startBit := int64(0)
	if startPos != nil {
		startBit, *startPos = im.alignStart(*startPos, im.trackBytes)
	}
	im.reset(im.trackBytes, startBit)
	return nil
}

// stageTrack reads the track's sectors from the file and encodes them into
// the read data buffer as a raw MFM bitstream.
func (im *IMG) stageTrack(cyl, head int) error {
	sectors := make([][]byte, im.spt)
	base := int64((cyl*im.heads+head)*im.spt) * sectorSize
	for s := 0; s < im.spt; s++ {
		buf := make([]byte, sectorSize)
		if _, err := im.f.ReadAt(buf, base+int64(s)*sectorSize); err != nil {
			return fmt.Errorf("failed to read cyl %d head %d sector %d: %w", cyl, head, s+1, err)
		}
		sectors[s] = buf
	}

	w := mfm.NewWriter(im.trackBytes * 8)
	data := w.EncodeTrackIBMPC(sectors, cyl, head, im.spt, im.bitRate)
	n := copy(im.bufs.ReadData.P, data)
	for i := n; i < im.trackBytes; i++ {
		im.bufs.ReadData.P[i] = 0xAA // encoded zeros to the track end
	}

	im.staged = cyl*im.heads + head
	return nil
}

// ReadTrack replenishes the read MFM ring from the staged bitstream.
func (im *IMG) ReadTrack() bool {
	if im.staged < 0 {
		return false
	}
	return im.readTrack()
}

// RdataFlux fills out with flux samples from the staged bitstream.
func (im *IMG) RdataFlux(out []uint16) int {
	if im.staged < 0 {
		return 0
	}
	return im.rdataFlux(out)
}

// TicksSinceIndex returns the stream position within the revolution.
func (im *IMG) TicksSinceIndex() int64 {
	return im.ticksSinceIndex()
}

// SetWriteStart records the rotational offset at which the host started
// writing.
func (im *IMG) SetWriteStart(ticks int64) {
	im.wrStart = ticks
	im.consBits = 0
}

// WriteTrack decodes accumulated write MFM bits into sectors and writes
// them back to the file at their image offsets. Sectors are identified by
// their decoded headers, so a partial track write updates only the sectors
// the host actually wrote.
func (im *IMG) WriteTrack(flush bool) {
	prodBits := int(im.bufs.WriteMFM.Prod.Load())
	if prodBits == im.consBits {
		return
	}

	// Decoding stages through the write data buffer, which overlays the
	// read data buffer: the buffered read bitstream is gone, so the next
	// read cycle must re-stage the track.
	if im.staged >= 0 {
		im.wrTrack = im.staged
		im.staged = -1
	}
	c, h := im.wrTrack/im.heads, im.wrTrack%im.heads

	ring := im.bufs.WriteMFM.P
	ringBytes := len(ring)

	// Copy the committed window into the write staging buffer; the ring
	// may have wrapped since the write began.
	consByte := im.consBits / 8
	prodByte := (prodBits + 7) / 8
	window := im.bufs.WriteData.P[:0]
	for i := consByte; i < prodByte; i++ {
		window = append(window, ring[i%ringBytes])
	}

	r := mfm.NewReaderAt(window, im.consBits%8)
	for {
		sec, data, err := r.ReadSectorIBMPC(c, h)
		if err != nil {
			break // incomplete tail; wait for more bits
		}
		if sec < 0 || sec >= im.spt {
			log.Warnf("img: write of bad sector %d ignored", sec+1)
			continue
		}
		off := int64((c*im.heads+h)*im.spt+sec) * sectorSize
		if _, err := im.f.WriteAt(data, off); err != nil {
			log.Warnf("img: sector write failed: %v", err)
			continue
		}
		im.dirty = true
		// Consume up to the end of the decoded sector.
		im.consBits = (consByte*8 + r.BitPos()) &^ 7
		log.Debugf("img: wrote cyl %d head %d sector %d", c, h, sec+1)
	}
	if flush {
		im.consBits = prodBits
	}
}

// Sync flushes dirty sector data to stable storage.
func (im *IMG) Sync() error {
	if !im.dirty {
		return nil
	}
	im.dirty = false
	return im.f.Sync()
}
