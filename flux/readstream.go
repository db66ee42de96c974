package flux

import "github.com/sergev/floppy-emu/systick"

// ReadStream couples a ReadRing to the emulated RDATA timer: a PWM timer
// whose reload value is fed by circular DMA from the ring. Each ring sample
// is a flux interval minus one, in SYSCLK ticks; the pin emits a fixed
// 400ns pulse at the start of every interval.
//
// The host side of the cable drives the stream by calling Pull, which is
// where the DMA engine "runs": the transfer counter decrements and the
// half/full-transfer interrupt fires exactly where the hardware would
// raise it. Callers must serialise Pull, Start and Stop externally (the
// core wraps them in its interrupt lock).
type ReadStream struct {
	ring *ReadRing
	irq  func()

	enabled bool
	cndtr   int // DMA transfers remaining until wrap; consumer index is RingLen-cndtr

	// Currently playing sample, for bitstream-relative index resync.
	sampleTicks int64 // full interval of the loaded sample, SYSCLK ticks
	sampleStart systick.Time
}

// NewReadStream returns a stream over the given ring. irq is the
// half/full-transfer interrupt handler.
func NewReadStream(ring *ReadRing, irq func()) *ReadStream {
	return &ReadStream{ring: ring, irq: irq, cndtr: RingLen}
}

// Start enables the timer and DMA channel. The first ring sample is loaded
// into the reload register immediately, as the forced update event does in
// hardware.
func (s *ReadStream) Start(now systick.Time) {
	s.cndtr = RingLen
	s.enabled = true
	s.sampleTicks = int64(s.ring.Buf[0]) + 1
	s.sampleStart = now
	s.cndtr--
}

// Stop disables the timer and DMA channel and rewinds the transfer counter.
func (s *ReadStream) Stop() {
	s.enabled = false
	s.cndtr = RingLen
	s.sampleTicks = 0
}

// Enabled reports whether the stream is running.
func (s *ReadStream) Enabled() bool {
	return s.enabled
}

// Cndtr returns the DMA transfer counter, from which the consumer position
// is derived as RingLen-Cndtr.
func (s *ReadStream) Cndtr() int {
	return s.cndtr
}

// Pull completes the currently playing flux interval and loads the next
// sample, returning the completed interval in SYSCLK ticks. It returns
// ok=false while the stream is stopped. Crossing the half or full transfer
// point fires the DMA interrupt, underrun or not, exactly as the circular
// DMA engine would.
func (s *ReadStream) Pull() (ticks int64, ok bool) {
	if !s.enabled {
		return 0, false
	}
	ticks = s.sampleTicks
	s.sampleStart = s.sampleStart.Add(systick.FromSysclk(ticks))

	pos := RingLen - s.cndtr
	s.sampleTicks = int64(s.ring.Buf[pos&RingMask]) + 1
	s.cndtr--
	switch s.cndtr {
	case RingLen / 2:
		s.irq()
	case 0:
		s.cndtr = RingLen
		s.irq()
	}
	return ticks, true
}

// SampleRemaining returns the SYSCLK ticks left in the currently playing
// sample at time now, as the difference between the reload and counter
// registers would read.
func (s *ReadStream) SampleRemaining(now systick.Time) int64 {
	elapsed := now.Sub(s.sampleStart).Sysclk()
	rem := s.sampleTicks - elapsed
	if rem < 0 {
		rem = 0
	}
	if rem > s.sampleTicks {
		rem = s.sampleTicks
	}
	return rem
}
