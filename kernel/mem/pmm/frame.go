// Package pmm contains the page frame database: one descriptor for every
// physical frame below the highest usable address, together with the
// interface that physical frame allocation strategies implement.
package pmm

import (
	"math"

	"kernos/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint32

const (
	// InvalidFrame marks the end of a frame list or an unusable frame index.
	InvalidFrame = Frame(math.MaxUint32)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint32 {
	return uint32(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uint64) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// frameCeil returns the first frame that starts at or after physAddr.
func frameCeil(physAddr uint64) Frame {
	return Frame((physAddr + uint64(mem.PageSize-1)) >> mem.PageShift)
}
