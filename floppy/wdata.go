package floppy

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/sergev/floppy-emu/flux"
	"github.com/sergev/floppy-emu/systick"
)

// WriteGate drives the host's write-gate input. Assertion starts flux
// capture; deassertion stops it and begins the drain to storage.
func (c *Core) WriteGate(asserted bool) {
	if asserted {
		if !c.drive.sel.Load() || c.drive.img == nil || !c.drive.img.Writable() {
			return
		}
		// Kill the read stream; it drains while the write spins up.
		c.rdataStop()
		c.wdataStart()
	} else {
		c.wdataStop()
	}
}

// WriteEdge records a falling edge on the write-data pin at the current
// time. This is the host's side of the pin; calling it runs the write DMA
// engine.
func (c *Core) WriteEdge() {
	c.WriteEdgeAt(c.clk.Now())
}

// WriteEdgeAt records a falling edge at an explicit time, for hosts that
// pace their flux by stream position rather than wall time.
func (c *Core) WriteEdgeAt(t systick.Time) {
	c.isrMu.Lock()
	if c.wrStream != nil {
		c.wrStream.Edge(t)
	}
	c.isrMu.Unlock()
}

// Writing reports whether the write engine is anywhere between write-gate
// assertion and the final drain to storage.
func (c *Core) Writing() bool {
	return c.dmaWr != nil && c.dmaWr.State.Get() != flux.DMAInactive
}

func (c *Core) wdataStart() {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()

	if c.dmaWr.State.Get() != flux.DMAInactive {
		log.Warnf("missed write")
		return
	}
	c.dmaWr.State.Set(flux.DMAStarting)

	// Start input capture into the circular buffer.
	now := c.clk.Now()
	c.wrStream.Start(now)

	// Find the rotational start position of the write, in SYSCLK ticks
	// since the index.
	startPos := now.Sub(systick.Time(c.index.prevTime.Load()))
	if startPos < 0 {
		startPos = 0
	}
	startPos %= systick.Ms(msPerRev)
	ticks := startPos.Sysclk()
	c.drive.img.SetWriteStart(ticks)
	log.Debugf("write start %d us", ticks/systick.SysclkMHz)

	c.clk.DelayUntil(now.Add(systick.Us(100))) // XXX X-Copy workaround -- fix me properly!!!!
}

// wdataStop halts capture and re-pends the DMA interrupt once to flush any
// remaining samples. The foreground loop finishes the drain.
func (c *Core) wdataStop() {
	if c.dmaWr == nil {
		return
	}
	c.isrMu.Lock()
	defer c.isrMu.Unlock()

	prev := c.dmaWr.State.Get()
	if prev == flux.DMAInactive || prev == flux.DMAStopping {
		return
	}
	c.dmaWr.State.Set(flux.DMAStopping)

	c.wrStream.Stop()
	c.wdataISRLocked()
}

// wdataISRLocked is the write DMA half/full-transfer interrupt handler: it
// converts inter-edge intervals into MFM bits and commits them to the
// write MFM buffer as big-endian 32-bit words. Callers hold isrMu.
func (c *Core) wdataISRLocked() {
	r := c.dmaWr

	// If we happen to be called in the wrong state, just bail.
	if r.State.Get() == flux.DMAInactive {
		return
	}

	img := c.drive.img
	syncword := img.Syncword()
	cell := img.WriteBCTicks()

	mfmbuf := c.bufs.WriteMFM.P
	words := len(mfmbuf) / 4
	putWord := func(word int, v uint32) {
		binary.BigEndian.PutUint32(mfmbuf[(word%words)*4:], v)
	}

	// Find out where the DMA engine's producer index has got to.
	prod := c.wrStream.Prod()

	// Process the flux timings into the MFM raw buffer. A partial final
	// word is re-committed shifted into place, so readers always see a
	// consistent prefix.
	var mfm uint32
	mfmprod := int(c.bufs.WriteMFM.Prod.Load())
	if mfmprod&31 != 0 {
		mfm = binary.BigEndian.Uint32(mfmbuf[((mfmprod/32)%words)*4:]) >> (32 - mfmprod&31)
	}
	prev := r.PrevSample
	cons := r.Cons
	for ; cons != prod; cons = (cons + 1) & flux.RingMask {
		next := r.Buf[cons]
		curr := int64(next - prev)
		prev = next
		for curr > cell+cell/2 {
			curr -= cell
			mfm <<= 1
			mfmprod++
			if mfmprod&31 == 0 {
				putWord((mfmprod-1)/32, mfm)
			}
		}
		mfm = mfm<<1 | 1
		mfmprod++
		if mfm == syncword && mfmprod&15 != 0 {
			// Word-align the bitstream at the sync mark. A match that
			// already ends on a 16-bit boundary is left in place: the
			// third A1 of a marker re-matches 16 bits after the aligned
			// first two, and realigning there would overwrite them.
			mfmprod &^= 31
		}
		if mfmprod&31 == 0 {
			putWord((mfmprod-1)/32, mfm)
		}
	}

	// Save our progress for next time.
	if mfmprod&31 != 0 {
		putWord(mfmprod/32, mfm<<(32-mfmprod&31))
	}
	c.bufs.WriteMFM.Prod.Store(uint32(mfmprod))
	r.Cons = cons
	r.PrevSample = prev
}
