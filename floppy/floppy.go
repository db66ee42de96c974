// Package floppy implements the flux I/O core of the emulated drive: the
// coupled read/write DMA engines, the index-pulse scheduler, the
// head-stepping state machine and the status output mux.
//
// A Core is owned by the caller's event loop, which must call Poll
// repeatedly. The host side of the interface cable drives Select, SetSide,
// StepPulse and WriteGate, pulls read flux with ReadFlux and pushes write
// flux with WriteEdge; those calls run the emulated interrupt handlers in
// the caller's goroutine.
package floppy

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/flux"
	"github.com/sergev/floppy-emu/systick"
	"github.com/sergev/floppy-emu/timer"
)

const (
	// msPerRev is one revolution at 300 RPM.
	msPerRev = 200
	// defaultSettleMs is the head settle time after a step.
	defaultSettleMs = 12
)

// Params configures a Core.
type Params struct {
	// SettleMs overrides the head settle time, in milliseconds.
	SettleMs int
	// Port receives status output changes; nil for none.
	Port Port
	// Speaker clicks on each head step; nil for none.
	Speaker Speaker
}

type stepFlags = uint32

const (
	stepStarted  stepFlags = 1 << 0 // set by the step input interrupt
	stepLatched  stepFlags = 1 << 1 // set by the low-priority soft interrupt
	stepActive             = stepStarted | stepLatched
	stepSettling stepFlags = 1 << 2 // handled by the step timer
)

type stepState struct {
	state  atomic.Uint32 // stepFlags
	inward atomic.Bool
	start  atomic.Int64 // systick.Time of the step edge
	timer  timer.Timer
}

// driveState tracks head movement and side changes at all times, even while
// the drive is empty.
type driveState struct {
	cyl  atomic.Uint32
	head atomic.Uint32
	sel  atomic.Bool
	step stepState
	img  Image // non-nil once the image opened successfully
}

type indexState struct {
	timer    timer.Timer
	active   atomic.Bool
	prevTime atomic.Int64 // systick.Time of the previous index assertion
}

// Core is the emulated drive.
type Core struct {
	clk     systick.Clock
	port    Port
	speaker Speaker
	settle  systick.Time

	timers timer.List

	// isrMu serialises the emulated DMA interrupt context, standing in
	// for interrupt priority on real hardware.
	isrMu sync.Mutex

	drive driveState
	index indexState

	img       Image // inserted image, pending until opened
	bufs      *Buffers
	syncTime  systick.Time
	maxReadUs int64

	dmaRd    *flux.ReadRing
	dmaWr    *flux.WriteRing
	rdStream *flux.ReadStream
	wrStream *flux.WriteStream

	outMu     sync.Mutex
	outActive Pin
}

// New returns an initialised Core: timers bound, outputs primed for an
// empty drive (disk-change and write-protect asserted, track zero
// asserted at cylinder 0).
func New(clk systick.Clock, p Params) *Core {
	c := &Core{
		clk:     clk,
		port:    p.Port,
		speaker: p.Speaker,
	}
	if c.port == nil {
		c.port = nopPort{}
	}
	if c.speaker == nil {
		c.speaker = nopSpeaker{}
	}
	settle := p.SettleMs
	if settle <= 0 {
		settle = defaultSettleMs
	}
	c.settle = systick.Ms(int64(settle))

	c.timers.Init(&c.drive.step.timer, c.driveStepTimer)
	c.timers.Init(&c.index.timer, c.indexPulse)

	c.changeOutputs(PinDskchg|PinWrProt|PinTrk0, true)
	return c
}

// Poll fires due software timers and runs one iteration of the foreground
// loop. It returns true if the core wants to be re-entered soon.
func (c *Core) Poll() bool {
	c.timers.Poll(c.clk.Now())
	return c.Handle()
}

// Insert mounts a disk image. The image is opened lazily from Handle;
// until it opens, the drive stays not-ready.
func (c *Core) Insert(img Image) {
	c.dmaRd = &flux.ReadRing{}
	c.dmaWr = &flux.WriteRing{}
	c.rdStream = flux.NewReadStream(c.dmaRd, c.rdataISRLocked)
	c.wrStream = flux.NewWriteStream(c.dmaWr, c.wdataISRLocked)
	c.bufs = NewBuffers()
	c.img = img

	now := c.clk.Now()
	c.index.prevTime.Store(int64(now))
	c.timers.Set(&c.index.timer, now.Add(systick.Ms(msPerRev)))
}

// Cancel ejects the disk: stops both flux engines and the index timer,
// drops the image and its buffers and drives the outputs to their
// empty-drive defaults. The head position and the step engine are left
// as they are.
func (c *Core) Cancel() {
	if c.dmaRd == nil {
		return
	}

	c.timers.Cancel(&c.index.timer)
	c.rdataStop()
	c.wdataStop()

	if c.drive.img != nil {
		if err := c.drive.img.Close(); err != nil {
			log.Warnf("image close: %v", err)
		}
	}
	c.drive.img = nil
	c.img = nil
	c.bufs = nil
	c.maxReadUs = 0
	c.dmaRd = nil
	c.dmaWr = nil
	c.rdStream = nil
	c.wrStream = nil

	c.index.active.Store(false)
	c.changeOutputs(PinIndex|PinRdy, false)
	c.changeOutputs(PinDskchg|PinWrProt, true)
}

// Track returns the current cylinder and head.
func (c *Core) Track() (cyl, head uint8) {
	return uint8(c.drive.cyl.Load()), uint8(c.drive.head.Load())
}

// LastIndex returns the time of the most recent index assertion.
func (c *Core) LastIndex() systick.Time {
	return systick.Time(c.index.prevTime.Load())
}

// Handle runs one iteration of the foreground loop: opening a freshly
// inserted image, then advancing whichever flux engine owns the image
// buffers. It returns true if it wants to be re-entered soon.
func (c *Core) Handle() bool {
	drv := &c.drive

	if c.dmaRd == nil {
		return false // empty drive
	}

	if drv.img == nil {
		if err := c.img.Open(c.bufs); err != nil {
			return true
		}
		drv.img = c.img
		c.dmaRd.State.Set(flux.DMAStopping)
		if drv.img.Writable() {
			c.changeOutputs(PinWrProt, false)
		}
		c.changeOutputs(PinRdy, true)
	}

	switch c.dmaWr.State.Get() {

	case flux.DMAInactive:
		if c.dmaRdHandle() {
			return true
		}

	case flux.DMAStarting:
		// Bail out of read mode.
		if st := c.dmaRd.State.Get(); st != flux.DMAInactive {
			if st != flux.DMAStopping {
				panic("write starting with read engine " + st.String())
			}
			if c.dmaRdHandle() {
				return true
			}
			if st := c.dmaRd.State.Get(); st != flux.DMAInactive {
				panic("read engine failed to drain: " + st.String())
			}
		}
		// Make sure we're on the correct track.
		track := int(drv.cyl.Load())*2 + int(drv.head.Load())
		if err := drv.img.SeekTrack(track, nil); err != nil {
			return true
		}
		// May race wdataStop().
		c.dmaWr.State.CAS(flux.DMAStarting, flux.DMAActive)

	case flux.DMAActive:
		drv.img.WriteTrack(false)

	case flux.DMAStopping:
		// Wait for the flux ring to drain out into the MFM buffer,
		// writing to mass storage meanwhile. Take the DMA indexes
		// before processing the data tail.
		c.isrMu.Lock()
		prod := c.wrStream.Prod()
		cons := c.dmaWr.Cons
		c.isrMu.Unlock()
		drv.img.WriteTrack(cons == prod)
		if cons != prod {
			break
		}
		// Clear the flux ring, flush dirty buffers.
		c.dmaWr.Reset()
		c.bufs.WriteMFM.Reset()
		c.bufs.WriteData.Reset()
		if err := drv.img.Sync(); err != nil {
			log.Warnf("image sync: %v", err)
		}
		// Reactivation of the write path comes last.
		c.dmaWr.State.Set(flux.DMAInactive)
	}

	return false
}
