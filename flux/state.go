// Package flux provides the shared flux ring buffers and the emulated
// timer/DMA peripherals that move samples between the rings and the
// read-data/write-data pins.
package flux

import "sync/atomic"

// DMAState is the lifecycle state of a flux ring and its DMA engine.
//
// Legal transitions are Inactive -> Starting -> Active -> Stopping ->
// Inactive only; specific actors own specific transitions (the foreground
// loop starts and activates an engine and returns it to Inactive once
// drained; the stop paths move it to Stopping).
type DMAState uint32

const (
	DMAInactive DMAState = iota // no activity, buffer is empty
	DMAStarting                 // buffer is filling, DMA+timer not yet active
	DMAActive                   // DMA is active, timer is operational
	DMAStopping                 // DMA+timer halted, buffer waiting to be cleared
)

func (s DMAState) String() string {
	switch s {
	case DMAInactive:
		return "inactive"
	case DMAStarting:
		return "starting"
	case DMAActive:
		return "active"
	case DMAStopping:
		return "stopping"
	}
	return "invalid"
}

// State is an atomically accessed DMAState, shared between the foreground
// loop and interrupt contexts.
type State struct {
	v atomic.Uint32
}

// Get returns the current state.
func (s *State) Get() DMAState {
	return DMAState(s.v.Load())
}

// Set unconditionally stores a new state.
func (s *State) Set(st DMAState) {
	s.v.Store(uint32(st))
}

// CAS transitions from old to new, returning false if another context got
// there first. Used on the Starting boundary to resolve start/stop races.
func (s *State) CAS(old, new DMAState) bool {
	return s.v.CompareAndSwap(uint32(old), uint32(new))
}
