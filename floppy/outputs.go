package floppy

// Pin identifies one or more drive status outputs as a bitmask.
type Pin uint16

const (
	PinDskchg Pin = 1 << iota
	PinIndex
	PinTrk0
	PinWrProt
	PinRdy

	allPins = PinDskchg | PinIndex | PinTrk0 | PinWrProt | PinRdy
)

// Port receives physical pin updates. Levels are logical: asserted means
// the Shugart-active level, whatever the electrical polarity.
type Port interface {
	WritePins(mask Pin, asserted bool)
}

// Speaker emits the head-step click.
type Speaker interface {
	Pulse()
}

type nopPort struct{}

func (nopPort) WritePins(Pin, bool) {}

type nopSpeaker struct{}

func (nopSpeaker) Pulse() {}

// changeOutputs updates the shadow register and, while the drive is
// selected, the physical port. The shadow always reflects intended levels
// so that select edges can replay it.
func (c *Core) changeOutputs(mask Pin, asserted bool) {
	c.outMu.Lock()
	if asserted {
		c.outActive |= mask
	} else {
		c.outActive &^= mask
	}
	if c.drive.sel.Load() {
		c.port.WritePins(mask, asserted)
	}
	c.outMu.Unlock()
}

// Select drives the drive-select input. Selecting replays the output
// shadow onto the port; deselecting releases all outputs, as open-collector
// drivers do on a shared cable.
func (c *Core) Select(asserted bool) {
	c.outMu.Lock()
	was := c.drive.sel.Swap(asserted)
	if asserted && !was {
		if on := c.outActive; on != 0 {
			c.port.WritePins(on, true)
		}
		if off := allPins &^ c.outActive; off != 0 {
			c.port.WritePins(off, false)
		}
	} else if !asserted && was {
		c.port.WritePins(allPins, false)
	}
	c.outMu.Unlock()
}

// Selected reports the drive-select state.
func (c *Core) Selected() bool {
	return c.drive.sel.Load()
}

// OutputAsserted reports the intended level of a status output, regardless
// of drive selection.
func (c *Core) OutputAsserted(p Pin) bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outActive&p == p
}
