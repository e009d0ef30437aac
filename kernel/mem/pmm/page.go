package pmm

import "kernos/kernel/mem"

// Link is bookkeeping space owned by the active allocation strategy. The
// frame database initializes it but never inspects it afterwards.
type Link struct {
	// Next and Prev link the frame into a strategy free list.
	Next, Prev Frame

	// Span is the number of frames in the free block headed by this frame.
	Span uint32

	// Head is set while the frame heads a free block tracked by the
	// strategy.
	Head bool
}

// Page describes a single physical frame.
//
// A page is free if and only if its reference count is 0. Reserved pages
// (kernel image, memory below the kernel load address, firmware holes and
// the frame database itself) start with a reference count of 1 that never
// drops to 0.
//
// The accessors provide no synchronization; callers serialize access through
// the physical memory manager lock.
type Page struct {
	ref      uint32
	addr     uint32
	zone     Zone
	reserved bool

	Link Link
}

// Ref returns the reference count of the page.
func (p *Page) Ref() uint32 {
	return p.ref
}

// SetRef sets the reference count of the page. Reserved pages ignore
// attempts to clear their count.
func (p *Page) SetRef(val uint32) {
	if val == 0 && p.reserved {
		return
	}
	p.ref = val
}

// IncRef increments the reference count and returns the new value.
func (p *Page) IncRef() uint32 {
	p.ref++
	return p.ref
}

// DecRef decrements the reference count and returns the new value. The
// count of a reserved page never drops below 1 and the count of a free page
// stays at 0.
func (p *Page) DecRef() uint32 {
	if p.ref == 0 || (p.ref == 1 && p.reserved) {
		return p.ref
	}
	p.ref--
	return p.ref
}

// Zone returns the zone of the page.
func (p *Page) Zone() Zone {
	return p.zone
}

// Address returns the physical address of the page.
func (p *Page) Address() uint32 {
	return p.addr
}

// Frame returns the frame index of the page.
func (p *Page) Frame() Frame {
	return Frame(p.addr >> mem.PageShift)
}

// Reserved returns true if the page is permanently excluded from allocation.
func (p *Page) Reserved() bool {
	return p.reserved
}

// IsFree returns true if the page can be handed out by an allocator.
func (p *Page) IsFree() bool {
	return p.ref == 0
}
