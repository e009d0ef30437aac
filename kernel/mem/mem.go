// Package mem defines the sizes and limits shared by the physical memory
// management code.
package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxPageOrder defines the maximum page order that can be requested by
	// a page-based allocator. A block of this order spans 4Mb.
	MaxPageOrder = PageOrder(10)

	// KernelLoadBase is the physical address where the boot loader places
	// the kernel image. Everything below it (BIOS data, VGA memory, option
	// ROMs) is never handed out.
	KernelLoadBase = uint32(0x100000)

	// MaxPhysAddr is the first physical address that the kernel cannot
	// manage. Only 32-bit physical addressing is supported.
	MaxPhysAddr = uint64(1) << 32
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder that is suitable for storing a block of this size.
// Depending on the size, Order() may return a page order that is greater than MaxPageOrder.
func (s Size) Order() PageOrder {
	var order = PageOrder(0)
	for ; ; order++ {
		if PageSize<<order >= s {
			break
		}
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint32 {
	pageSizeMinus1 := PageSize - 1
	return uint32(((s + pageSizeMinus1) &^ pageSizeMinus1) >> PageShift)
}

// PageOrder represents a power-of-two multiple of the base page size (PageSize)
// and is used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a block with 1 page
// PageOrder(1) refers to a block with 2 pages
// ...
// PageOrder(MaxPageOrder) refers to a block with 2^(MaxPageOrder) pages
type PageOrder uint8

// Pages returns the number of pages in a block of this order.
func (o PageOrder) Pages() uint32 {
	return uint32(1) << o
}

// OrderForPages returns the smallest PageOrder whose block can hold count
// pages. Like Size.Order, the result may exceed MaxPageOrder.
func OrderForPages(count uint32) PageOrder {
	return (Size(count) << PageShift).Order()
}
