package floppy

import "errors"

// ErrBusy is returned by Image.SeekTrack while the codec is still staging
// the requested track. The foreground loop retries on its next invocation.
var ErrBusy = errors.New("seek in progress")

// Image is the consumer interface to a loaded disk image. Calls are
// serialised by the engine state machines: SeekTrack, ReadTrack and
// WriteTrack come from the foreground loop only, RdataFlux and
// TicksSinceIndex additionally from the read DMA interrupt while the read
// engine owns the image buffers.
type Image interface {
	// Open prepares the image for I/O using the supplied buffer set.
	Open(b *Buffers) error
	Close() error

	// Writable reports whether the codec supports writing; the
	// write-protect output deasserts when it does.
	Writable() bool

	// Syncword is the codec's MFM sync pattern, used to word-align the
	// decoded write bitstream.
	Syncword() uint32

	// WriteBCTicks is the width of one raw MFM bitcell in SYSCLK ticks,
	// for decoding host write flux.
	WriteBCTicks() int64

	// SeekTrack selects the given side+cylinder track. If startPos is
	// non-nil it holds the desired start position in SYSCLK ticks past
	// the index, and is updated to the actual position after bitcell
	// alignment. Returns ErrBusy while staging is incomplete.
	SeekTrack(track int, startPos *int64) error

	// ReadTrack replenishes the internal read buffers from storage,
	// reporting whether any new data was buffered.
	ReadTrack() bool

	// RdataFlux fills out with up to len(out) flux samples and returns
	// the number produced; may return short if the read buffer ran dry.
	RdataFlux(out []uint16) int

	// TicksSinceIndex is the current bit-level position within one
	// revolution, in SYSCLK ticks.
	TicksSinceIndex() int64

	// SetWriteStart records the rotational offset, in SYSCLK ticks past
	// the index, at which host writing began.
	SetWriteStart(ticks int64)

	// WriteTrack drains decoded MFM toward storage; flush requests the
	// final commit.
	WriteTrack(flush bool)

	// Sync persists any dirty buffers to the file.
	Sync() error
}
