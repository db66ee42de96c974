// Package image provides disk-image codecs behind the floppy.Image
// interface: a raw sector image codec (IMG/IMA) with read and write
// support, and a read-only HFE bitstream codec.
package image

import (
	"sync/atomic"

	"github.com/sergev/floppy-emu/floppy"
)

// maxZeroRun bounds the zero run emitted as a single flux interval, so an
// unformatted stretch of track still produces pin activity.
const maxZeroRun = 64

// trackStream serves a raw MFM track bitstream, staged in the read data
// buffer, through the read MFM ring as flux samples. Both codecs embed it;
// it is the common half of their read paths.
//
// The bitstream repeats every revolution: the ring is replenished from the
// staged track modulo the track length, and the bit-level position wraps
// at the track end, which the read engine observes as crossing the
// internal index mark.
type trackStream struct {
	bufs *floppy.Buffers

	cellTicks int64 // SYSCLK ticks per raw bitcell
	trackLen  int   // staged track length in bytes
	trackBits int64

	rdOff   int   // next track byte to copy into the read MFM ring
	baseBit int64 // track bit position corresponding to ring offset zero
	zeros   int64 // current run of zero bitcells
	// bitsRead counts bits consumed from the ring since seek. The flux
	// interrupt advances it while the foreground loop reads it to size
	// ring refills, so access is atomic.
	bitsRead atomic.Int64
}

// alignStart rounds a track position in SYSCLK ticks down to a bitcell
// boundary within a track of n bytes, returning the bit index and the
// aligned tick position.
func (s *trackStream) alignStart(ticks int64, n int) (bit, aligned int64) {
	bit = (ticks / s.cellTicks) % (int64(n) * 8)
	return bit, bit * s.cellTicks
}

// reset restarts the stream over a freshly staged track of n bytes,
// aligned so that the first flux sample is emitted at startBit.
func (s *trackStream) reset(n int, startBit int64) {
	s.trackLen = n
	s.trackBits = int64(n) * 8
	startByte := int(startBit / 8)
	s.rdOff = startByte
	s.baseBit = int64(startByte) * 8
	// The intra-byte lead-in is buffered but already consumed.
	s.bitsRead.Store(startBit - s.baseBit)
	s.zeros = 0
	s.bufs.ReadMFM.Reset()
}

// readTrack tops up the read MFM ring from the staged track, reporting
// whether any new data was buffered.
func (s *trackStream) readTrack() bool {
	ring := s.bufs.ReadMFM.P
	prod := int(s.bufs.ReadMFM.Prod.Load())
	cons := int(s.bitsRead.Load() / 8)
	s.bufs.ReadMFM.Cons.Store(uint32(cons))
	track := s.bufs.ReadData.P[:s.trackLen]

	did := prod-cons < len(ring)
	for prod-cons < len(ring) {
		ring[prod%len(ring)] = track[s.rdOff]
		prod++
		if s.rdOff++; s.rdOff == s.trackLen {
			s.rdOff = 0
		}
	}
	if did {
		s.bufs.ReadMFM.Prod.Store(uint32(prod))
	}
	return did
}

// rdataFlux converts buffered bitcells into flux samples: each output is
// the interval to the next transition minus one, in SYSCLK ticks. Returns
// short if the ring runs dry.
func (s *trackStream) rdataFlux(out []uint16) int {
	ring := s.bufs.ReadMFM.P
	avail := int64(s.bufs.ReadMFM.Prod.Load()) * 8

	produced := 0
	for produced < len(out) {
		if s.zeros >= maxZeroRun {
			out[produced] = uint16(s.zeros*s.cellTicks - 1)
			produced++
			s.zeros = 0
			continue
		}
		pos := s.bitsRead.Load()
		if pos >= avail {
			break // ring ran dry
		}
		b := ring[(pos/8)%int64(len(ring))]
		bit := b >> (7 - pos%8) & 1
		s.bitsRead.Store(pos + 1)
		if bit == 0 {
			s.zeros++
			continue
		}
		out[produced] = uint16((s.zeros+1)*s.cellTicks - 1)
		produced++
		s.zeros = 0
	}
	return produced
}

// ticksSinceIndex is the stream's bit-level position within the
// revolution, in SYSCLK ticks.
func (s *trackStream) ticksSinceIndex() int64 {
	return ((s.baseBit + s.bitsRead.Load()) % s.trackBits) * s.cellTicks
}
