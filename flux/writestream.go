package flux

import "github.com/sergev/floppy-emu/systick"

// WriteStream couples a WriteRing to the emulated WDATA timer: a free
// running 16-bit counter at SYSCLK rate whose value is captured on every
// falling edge of the write-data pin and copied into the ring by circular
// DMA.
//
// The host pushes each flux transition with Edge; the half/full-transfer
// interrupt fires on the same crossings the hardware would raise. Callers
// must serialise Edge, Start and Stop externally.
type WriteStream struct {
	ring *WriteRing
	irq  func()

	enabled bool
	cndtr   int
	epoch   systick.Time // counter forced to zero when the timer starts
}

// NewWriteStream returns a stream over the given ring. irq is the
// half/full-transfer interrupt handler.
func NewWriteStream(ring *WriteRing, irq func()) *WriteStream {
	return &WriteStream{ring: ring, irq: irq, cndtr: RingLen}
}

// Start arms input capture with an empty ring. The forced update event
// zeroes the counter, so captures are SYSCLK ticks since start modulo 2^16.
func (s *WriteStream) Start(now systick.Time) {
	s.cndtr = RingLen
	s.epoch = now
	s.enabled = true
}

// Stop disables the timer and DMA channel. The ring contents survive for
// the drain pass.
func (s *WriteStream) Stop() {
	s.enabled = false
}

// Enabled reports whether capture is running.
func (s *WriteStream) Enabled() bool {
	return s.enabled
}

// Cndtr returns the DMA transfer counter; the producer position is
// RingLen-Cndtr.
func (s *WriteStream) Cndtr() int {
	return s.cndtr
}

// Prod returns the DMA producer index into the ring.
func (s *WriteStream) Prod() int {
	return (RingLen - s.cndtr) & RingMask
}

// Edge captures a falling edge at time now. Ignored while capture is
// stopped.
func (s *WriteStream) Edge(now systick.Time) {
	if !s.enabled {
		return
	}
	sample := uint16(now.Sub(s.epoch).Sysclk())
	s.ring.Buf[(RingLen-s.cndtr)&RingMask] = sample
	s.cndtr--
	switch s.cndtr {
	case RingLen / 2:
		s.irq()
	case 0:
		s.cndtr = RingLen
		s.irq()
	}
}
