package floppy

import (
	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/flux"
	"github.com/sergev/floppy-emu/systick"
)

// ReadFlux completes the currently emitted flux interval and returns its
// length in SYSCLK ticks. This is the host's view of the read-data pin;
// calling it runs the read DMA engine.
func (c *Core) ReadFlux() (ticks int64, ok bool) {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()
	if c.rdStream == nil {
		return 0, false
	}
	return c.rdStream.Pull()
}

// dmaRdHandle advances the read engine state machine from the foreground
// loop. It returns true if the engine is blocked on a busy image seek.
func (c *Core) dmaRdHandle() bool {
	drv := &c.drive

	switch c.dmaRd.State.Get() {

	case flux.DMAInactive:
		// Allow 10ms from the current rotational position to load the
		// new track, extended to the remaining settle time if the
		// heads are still settling.
		delay := systick.Ms(10)
		if drv.step.state.Load()&stepSettling != 0 {
			settleEnd := systick.Time(drv.step.start.Load()).Add(c.settle)
			if d := settleEnd.Sub(c.clk.Now()); d > delay {
				delay = d
			}
		}
		// No data fetch while stepping: check settling, then active.
		if drv.step.state.Load()&stepActive != 0 {
			break
		}
		// Work out where in the new track to start reading from.
		indexTime := systick.Time(c.index.prevTime.Load())
		readStart := c.clk.Now().Sub(indexTime).Add(delay)
		if readStart > systick.Ms(msPerRev) {
			readStart -= systick.Ms(msPerRev)
		}
		// Seek to the new track.
		track := int(drv.cyl.Load())*2 + int(drv.head.Load())
		pos := readStart.Sysclk()
		if err := drv.img.SeekTrack(track, &pos); err != nil {
			return true
		}
		readStart = systick.FromSysclk(pos)
		// Set the deadline.
		c.syncTime = indexTime.Add(readStart)
		if c.syncTime.Sub(c.clk.Now()) < 0 {
			c.syncTime = c.syncTime.Add(systick.Ms(msPerRev))
		}
		// Change state, then check for a race against a step, side
		// change or write-gate assertion.
		c.dmaRd.State.Set(flux.DMAStarting)
		if drv.step.state.Load()&stepActive != 0 ||
			track != int(drv.cyl.Load())*2+int(drv.head.Load()) ||
			c.dmaWr.State.Get() != flux.DMAInactive {
			c.dmaRd.State.Set(flux.DMAStopping)
		}

	case flux.DMAStarting:
		c.readData()
		c.syncFlux()

	case flux.DMAActive:
		c.readData()

	case flux.DMAStopping:
		c.dmaRd.State.Set(flux.DMAInactive)
		// Reinitialise the circular buffer to empty.
		c.dmaRd.Reset()
		// Resume the free-running index timer.
		if !c.index.active.Load() {
			prev := systick.Time(c.index.prevTime.Load())
			c.timers.Set(&c.index.timer, prev.Add(systick.Ms(msPerRev)))
		}
	}

	return false
}

// readData replenishes the image's read buffers and re-pends the DMA
// interrupt if it had run the ring dry.
func (c *Core) readData() {
	drv := &c.drive

	timestamp := c.clk.Now()
	if drv.img.ReadTrack() && c.dmaRd.Kick.Load() {
		c.dmaRd.Kick.Store(false)
		c.isrMu.Lock()
		c.rdataISRLocked()
		c.isrMu.Unlock()
	}

	// Track the maximum time taken to read track data.
	readUs := int64(c.clk.Now().Sub(timestamp)) / systick.StkMHz
	if readUs > c.maxReadUs {
		c.maxReadUs = readUs
		log.Debugf("new max: read_us=%d", readUs)
	}
}

// syncFlux prefills the read ring and starts the stream at the sync
// deadline, so the emitted bitstream lines up with the rotational index.
func (c *Core) syncFlux() {
	r := c.dmaRd

	if nr := flux.RingLen - r.Prod - 1; nr > 0 {
		r.Prod += c.drive.img.RdataFlux(r.Buf[r.Prod : r.Prod+nr])
	}
	if r.Prod < flux.RingLen/2 {
		return
	}

	ticks := c.syncTime.Sub(c.clk.Now()) - systick.Us(1)
	if ticks > systick.Ms(5) {
		return // ages to wait; go do other work
	}
	if ticks > 0 {
		c.clk.DelayUntil(c.syncTime - systick.Us(1))
	}
	ticks = c.syncTime.Sub(c.clk.Now())
	c.rdataStart()
	cyl, head := c.Track()
	log.Debugf("trk %d.%d: sync_ticks=%d", cyl, head, int64(ticks))
}

// rdataStart flips the engine to Active and starts the PWM timer and DMA
// channel. Loses gracefully to a racing rdataStop.
func (c *Core) rdataStart() {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()
	if !c.dmaRd.State.CAS(flux.DMAStarting, flux.DMAActive) {
		return
	}
	c.rdStream.Start(c.clk.Now())
}

// rdataStop halts the read stream from any context; the ring drains via
// the Stopping state in the foreground loop.
func (c *Core) rdataStop() {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()

	prev := c.dmaRd.State.Get()
	if prev == flux.DMAInactive {
		return
	}
	c.dmaRd.State.Set(flux.DMAStopping)

	// If DMA was not yet active the peripherals were never touched.
	if prev != flux.DMAActive {
		return
	}
	c.rdStream.Stop()
}

// rdataISRLocked is the read DMA half/full-transfer interrupt handler.
// Callers hold isrMu.
func (c *Core) rdataISRLocked() {
	r := c.dmaRd
	drv := &c.drive

	for {
		// If we happen to be called in the wrong state, just bail.
		if r.State.Get() != flux.DMAActive {
			return
		}

		// Find out where the DMA engine's consumer index has got to.
		dmacons := flux.RingLen - c.rdStream.Cndtr()

		// Check for DMA catching up with the producer (underrun).
		wrapped := dmacons < r.Cons
		passed := (r.Prod >= r.Cons) && (r.Prod < dmacons)
		if wrapped {
			passed = (r.Prod >= r.Cons) || (r.Prod < dmacons)
		}
		if passed && dmacons != r.Cons {
			log.Warnf("RDATA underrun! %x-%x-%x", r.Cons, r.Prod, dmacons)
		}
		r.Cons = dmacons

		// Find the largest contiguous stretch of ring we can fill.
		nrToWrap := flux.RingLen - r.Prod
		nrToCons := (dmacons - r.Prod - 1) & flux.RingMask
		nr := min(nrToWrap, nrToCons)
		if nr == 0 { // buffer already full
			return
		}

		// Fill the stretch with flux data calculated from buffered
		// image data.
		prevTicks := drv.img.TicksSinceIndex()
		done := drv.img.RdataFlux(r.Buf[r.Prod : r.Prod+nr])
		r.Prod = (r.Prod + done) & flux.RingMask

		rerun := false
		if done != nr {
			// Read buffer ran dry: kick us when more data arrives.
			r.Kick.Store(true)
		} else if nr != nrToCons {
			// We didn't fill the ring: run again to do more work.
			rerun = true
		}

		// If the image wrapped across its internal index mark,
		// resynchronise the index pulse to the bitstream.
		if drv.img.TicksSinceIndex() < prevTicks {
			c.resyncIndex()
		}

		if !rerun {
			return
		}
	}
}

// resyncIndex re-arms the index timer at the point in the live flux stream
// where the image's internal index mark will be emitted.
func (c *Core) resyncIndex() {
	r := c.dmaRd

	var (
		now     systick.Time
		ticks   int64
		dmacons int
	)
	for {
		// Snapshot the stream position, including progress through
		// the currently playing sample.
		now = c.clk.Now()
		ticks = c.rdStream.SampleRemaining(now)
		dmacons = flux.RingLen - c.rdStream.Cndtr()
		// If another sample was loaded meanwhile, retry for a
		// consistent snapshot.
		if dmacons == r.Cons {
			break
		}
		r.Cons = dmacons
	}

	// Sum all flux timings queued in the ring.
	for i := dmacons; i != r.Prod; i = (i + 1) & flux.RingMask {
		ticks += int64(r.Buf[i]) + 1
	}
	// Subtract the current flux offset beyond the index.
	ticks -= c.drive.img.TicksSinceIndex()

	c.timers.Set(&c.index.timer, now.Add(systick.FromSysclk(ticks)))
}
