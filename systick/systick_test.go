package systick

import (
	"testing"
	"time"
)

func TestConversions(t *testing.T) {
	if Ms(1) != 9000 {
		t.Errorf("Ms(1) = %d, want 9000", int64(Ms(1)))
	}
	if Us(1) != 9 {
		t.Errorf("Us(1) = %d, want 9", int64(Us(1)))
	}
	if got := Ms(200).Sysclk(); got != 14400000 {
		t.Errorf("200ms in SYSCLK ticks = %d, want 14400000", got)
	}
	if got := FromSysclk(144); got != 18 {
		t.Errorf("FromSysclk(144) = %d, want 18", int64(got))
	}
	if got := Ms(3).Sub(Ms(1)); got != Ms(2) {
		t.Errorf("Sub = %d", int64(got))
	}
}

func TestVirtualClock(t *testing.T) {
	c := NewVirtualClock()
	if c.Now() != 0 {
		t.Fatalf("fresh clock at %d", int64(c.Now()))
	}
	c.Advance(Ms(5))
	if c.Now() != Ms(5) {
		t.Fatalf("clock at %d after advance, want %d", int64(c.Now()), int64(Ms(5)))
	}
	c.DelayUntil(Ms(8))
	if c.Now() != Ms(8) {
		t.Fatalf("DelayUntil did not advance the clock")
	}
	// A deadline in the past leaves the clock alone.
	c.DelayUntil(Ms(2))
	if c.Now() != Ms(8) {
		t.Fatalf("DelayUntil moved the clock backwards")
	}
}

func TestWallClockMonotonic(t *testing.T) {
	c := NewWallClock()
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	if b <= a {
		t.Fatalf("clock not monotonic: %d then %d", int64(a), int64(b))
	}
	if d := b.Sub(a); d < Ms(1) || d > Ms(500) {
		t.Errorf("2ms sleep measured as %dus", int64(d)/StkMHz)
	}

	start := c.Now()
	c.DelayUntil(start.Add(Ms(2)))
	if c.Now() < start.Add(Ms(2)) {
		t.Errorf("DelayUntil returned early")
	}
}
