package floppy

import (
	"testing"

	"github.com/sergev/floppy-emu/flux"
	"github.com/sergev/floppy-emu/systick"
)

// startRead drives the harness until the read engine is Active.
func startRead(h *harness) {
	h.t.Helper()
	for i := 0; i < 500 && h.core.dmaRd.State.Get() != flux.DMAActive; i++ {
		h.clk.Advance(systick.Us(500))
		h.core.Poll()
	}
	if h.core.dmaRd.State.Get() != flux.DMAActive {
		h.t.Fatalf("read engine did not reach Active, state=%v", h.core.dmaRd.State.Get())
	}
}

func TestSeekBusyRetries(t *testing.T) {
	img := newFakeImage()
	img.seekBusy = 3
	h := newHarness(t, img)
	h.settle() // opens the image

	for i := 0; i < 3; i++ {
		if !h.core.Handle() {
			t.Fatalf("Handle() did not request retry on busy seek %d", i)
		}
		if st := h.core.dmaRd.State.Get(); st != flux.DMAInactive {
			t.Fatalf("state advanced to %v during busy seek", st)
		}
	}
	if h.core.Handle() {
		t.Fatalf("Handle() still busy after seek completed")
	}
	if st := h.core.dmaRd.State.Get(); st != flux.DMAStarting {
		t.Fatalf("state = %v after successful seek, want starting", st)
	}
}

func TestReadStartSyncsToIndex(t *testing.T) {
	h := readyHarness(t)
	startRead(h)

	// The stream started at the seek-ahead deadline the image agreed to:
	// an exact bitcell boundary, ~10ms past the index.
	start := h.clk.Now()
	if start < systick.Ms(9) || start > systick.Ms(12) {
		t.Errorf("stream started at %dus past index, want about 10ms",
			int64(start)/systick.StkMHz)
	}
}

func TestReadFluxStreamContinuity(t *testing.T) {
	h := readyHarness(t)
	startRead(h)

	// Pull 40000 samples (80ms, two fifths of a revolution); every interval
	// is one bitcell.
	var total int64
	for i := 0; i < 40000; i++ {
		ticks, ok := h.core.ReadFlux()
		if !ok {
			t.Fatalf("stream stopped at sample %d", i)
		}
		if ticks != h.img.cell {
			t.Fatalf("sample %d = %d ticks, want %d", i, ticks, h.img.cell)
		}
		total += ticks
		h.clk.Advance(systick.FromSysclk(ticks))
		if i%1000 == 0 {
			h.core.Poll()
		}
	}
	if want := int64(40000) * h.img.cell; total != want {
		t.Errorf("emitted %d ticks, want %d", total, want)
	}
}

func TestUnderrunSetsKickAndRecovers(t *testing.T) {
	img := newFakeImage()
	img.dryAfter = 2000 // runs dry shortly after the prefill
	h := newHarness(t, img)
	h.settle()
	h.core.Select(true)
	startRead(h)

	// Drain until the refill ISR finds the image empty and asks for a
	// kick.
	for i := 0; i < 4000 && !h.core.dmaRd.Kick.Load(); i++ {
		h.core.ReadFlux()
	}
	if !h.core.dmaRd.Kick.Load() {
		t.Fatalf("kick not requested after image ran dry")
	}

	// More data arrives; the foreground loop re-pends the interrupt.
	img.topUp = 1 << 20
	prodBefore := h.core.dmaRd.Prod
	h.core.Poll()
	if h.core.dmaRd.Kick.Load() {
		t.Errorf("kick still pending after ReadTrack buffered data")
	}
	if h.core.dmaRd.Prod == prodBefore {
		t.Errorf("producer did not advance after kick")
	}
	if st := h.core.dmaRd.State.Get(); st != flux.DMAActive {
		t.Errorf("state = %v after underrun recovery, want active", st)
	}
}

// TestIndexResyncTracksBitstream: when the image position wraps its
// internal index, the next index pulse must fire when the stream has
// drained the queued samples, not at the free-running 200ms boundary.
func TestIndexResyncTracksBitstream(t *testing.T) {
	img := newFakeImage()
	img.trackBits = 5000 // a short 10ms revolution forces a quick wrap
	h := newHarness(t, img)
	h.settle()
	h.core.Select(true)
	startRead(h)

	// Pull until the refill crosses the image's index wrap.
	deadlineBefore, _ := h.core.timers.Next()
	resynced := false
	var deadlineAfter systick.Time
	for i := 0; i < 8000; i++ {
		h.core.ReadFlux()
		h.clk.Advance(systick.FromSysclk(h.img.cell))
		if d, ok := h.core.timers.Next(); ok && d != deadlineBefore {
			deadlineAfter = d
			resynced = true
			break
		}
	}
	if !resynced {
		t.Fatalf("index deadline not resynced to the bitstream")
	}
	// The resynced deadline is the queued stream length away: within
	// one ring of samples (1024 cells), not a full revolution.
	dist := deadlineAfter.Sub(h.clk.Now())
	if dist < 0 || dist > systick.FromSysclk(int64(flux.RingLen+1)*h.img.cell) {
		t.Errorf("resynced index %d ticks away, want within one ring of stream", int64(dist))
	}
}

func TestNoFluxDuringReadToWriteTransition(t *testing.T) {
	h := readyHarness(t)
	startRead(h)

	h.core.WriteGate(true)
	if _, ok := h.core.ReadFlux(); ok {
		t.Fatalf("read data still flowing after write gate asserted")
	}
	if st := h.core.dmaRd.State.Get(); st != flux.DMAStopping {
		t.Fatalf("read state = %v after write gate, want stopping", st)
	}

	h.settle()
	if st := h.core.dmaRd.State.Get(); st != flux.DMAInactive {
		t.Fatalf("read engine did not drain, state = %v", st)
	}
	if st := h.core.dmaWr.State.Get(); st != flux.DMAActive {
		t.Fatalf("write engine state = %v, want active", st)
	}
}
