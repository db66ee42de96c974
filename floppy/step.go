package floppy

import (
	"github.com/sergev/floppy-emu/systick"
)

// StepPulse drives the host's step input: one pulse moves the head one
// cylinder in the latched direction. This is the high-priority edge
// interrupt; it only records the step and hands off to the low-priority
// soft interrupt.
func (c *Core) StepPulse(inward bool) {
	drv := &c.drive
	if !drv.sel.Load() {
		return
	}
	if drv.step.state.Load()&stepActive != 0 {
		return // previous step still in progress
	}
	drv.step.inward.Store(inward)
	drv.step.start.Store(int64(c.clk.Now()))
	drv.step.state.Store(stepStarted)
	// The stream on the old track is stale; drain it while we move.
	if c.dmaRd != nil {
		c.rdataStop()
	}
	c.stepSoftIRQ()
}

// stepSoftIRQ is the low-priority step interrupt: it latches the step and
// schedules the head movement 2ms after the input edge. It runs below the
// flux DMA interrupts so it can never delay a refill.
func (c *Core) stepSoftIRQ() {
	drv := &c.drive
	if drv.step.state.Load() == stepStarted {
		c.timers.Cancel(&drv.step.timer)
		drv.step.state.Store(stepLatched)
		start := systick.Time(drv.step.start.Load())
		c.timers.Set(&drv.step.timer, start.Add(systick.Ms(2)))
	}
}

// driveStepTimer advances the step state machine on its timer deadlines:
// Latched moves the head and begins settling, Settling returns to idle.
func (c *Core) driveStepTimer() {
	drv := &c.drive

	switch drv.step.state.Load() {
	case stepStarted:
		// Nothing to do: the soft interrupt resets our deadline.

	case stepLatched:
		c.speaker.Pulse()
		cyl := drv.cyl.Load()
		inward := drv.step.inward.Load()
		if cyl >= 84 && !inward {
			cyl = 84 // fast step back from D-A cylinder 255
		}
		if inward {
			if cyl < 255 {
				cyl++
			}
		} else if cyl > 0 {
			cyl--
		}
		drv.cyl.Store(cyl)
		start := systick.Time(drv.step.start.Load())
		c.timers.Set(&drv.step.timer, start.Add(c.settle))
		c.changeOutputs(PinTrk0, cyl == 0)
		// New state last: that lets the step interrupt start another
		// step while we settle.
		drv.step.state.Store(stepSettling)

	case stepSettling:
		// Can race the transition back to Started.
		drv.step.state.CompareAndSwap(stepSettling, 0)
	}
}

// SetSide drives the host's side-select input. A side change while the
// read stream is live drains it; the new side's data begins at the next
// read cycle.
func (c *Core) SetSide(head uint8) {
	if head > 1 {
		head = 1
	}
	if c.drive.head.Swap(uint32(head)) == uint32(head) {
		return
	}
	if c.dmaRd != nil {
		c.rdataStop()
	}
}
