package flux

import "sync/atomic"

const (
	// RingLen is the flux ring capacity in 16-bit samples. Power of two:
	// indices are masked, never compared against the length.
	RingLen  = 1024
	RingMask = RingLen - 1
)

// ReadRing is the read-direction flux ring: the CPU produces timer reload
// samples, the DMA engine consumes them into the PWM timer. Allocated while
// a disk image is loaded.
type ReadRing struct {
	State State
	// Kick is set by the DMA interrupt when the image buffer ran dry; the
	// foreground loop re-pends the interrupt once more data is buffered.
	Kick atomic.Bool
	// Cons mirrors the DMA engine's consumer position, as last read back
	// from the transfer counter.
	Cons int
	// Prod is the CPU's producer index.
	Prod int
	Buf  [RingLen]uint16
}

// Reset empties the ring. Only legal while the DMA engine is quiesced.
func (r *ReadRing) Reset() {
	r.Cons = 0
	r.Prod = 0
	r.Kick.Store(false)
}

// WriteRing is the write-direction flux ring: the DMA engine produces
// input-capture samples, the CPU consumes them into the MFM bitstream.
type WriteRing struct {
	State State
	// Cons is the CPU's consumer index.
	Cons int
	// PrevSample is the previous raw capture value, for inter-edge deltas.
	PrevSample uint16
	Buf        [RingLen]uint16
}

// Reset clears the consumer-side scratch after a write has fully drained.
func (r *WriteRing) Reset() {
	r.Cons = 0
	r.PrevSample = 0
}
