package floppy

import (
	"github.com/sergev/floppy-emu/flux"
	"github.com/sergev/floppy-emu/systick"
)

// indexPulseMs is the active-high width of the index pulse.
const indexPulseMs = 2

// indexPulse is the index timer callback. It alternates between the 2ms
// high phase and the remainder of the 200ms revolution, re-arming from the
// previous deadline so the rotational clock never drifts. While the read
// engine is active the low phase's re-arm is left to the flux stream,
// which schedules the next index from the emitted bitstream.
func (c *Core) indexPulse() {
	active := !c.index.active.Load()
	c.index.active.Store(active)
	if active {
		c.index.prevTime.Store(int64(c.index.timer.Deadline()))
		c.changeOutputs(PinIndex, true)
		prev := systick.Time(c.index.prevTime.Load())
		c.timers.Set(&c.index.timer, prev.Add(systick.Ms(indexPulseMs)))
	} else {
		c.changeOutputs(PinIndex, false)
		if c.dmaRd != nil && c.dmaRd.State.Get() != flux.DMAActive {
			// Timer otherwise set from the emitted flux stream.
			prev := systick.Time(c.index.prevTime.Load())
			c.timers.Set(&c.index.timer, prev.Add(systick.Ms(msPerRev)))
		}
	}
}

// IndexActive reports whether the index pulse is currently asserted.
func (c *Core) IndexActive() bool {
	return c.index.active.Load()
}
