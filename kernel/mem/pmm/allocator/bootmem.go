package allocator

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/e820"
	"kernos/kernel/mem/pmm"
)

var (
	// ErrBootAllocOutOfMemory is returned when no usable range can fit
	// the requested number of contiguous frames.
	ErrBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which
// is used to bootstrap the frame database.
//
// The allocator uses the usable ranges detected from the firmware memory map
// and returns runs of frames located after the last allocated frame. It
// skips frames below the kernel load base and the frames occupied by the
// kernel image.
//
// Due to the way that the allocator works, it is not possible to free
// allocated frames. The frames it hands out are reserved in the frame
// database so the strategy never sees them as free.
type BootMemAllocator struct {
	ranges *e820.UsableRanges

	// allocCount tracks the total number of allocated frames.
	allocCount uint32

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame pmm.Frame

	// minFrame is the first frame at or above the kernel load base.
	minFrame pmm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uint32
	kernelStartFrame, kernelEndFrame pmm.Frame
}

// Init sets up the boot memory allocator internal state.
func (alloc *BootMemAllocator) Init(ranges *e820.UsableRanges, kernelStart, kernelEnd, loadBase uint32) {
	pageSizeMinus1 := uint64(mem.PageSize - 1)

	alloc.ranges = ranges
	alloc.allocCount = 0
	alloc.lastAllocFrame = pmm.InvalidFrame
	alloc.minFrame = pmm.Frame((uint64(loadBase) + pageSizeMinus1) >> mem.PageShift)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page; kernelEndFrame is inclusive.
	alloc.kernelStartFrame = pmm.FrameFromAddress(uint64(kernelStart))
	alloc.kernelEndFrame = pmm.Frame((uint64(kernelEnd)+pageSizeMinus1)>>mem.PageShift) - 1
}

// AllocFrames reserves count contiguous frames and returns the first one.
func (alloc *BootMemAllocator) AllocFrames(count uint32) (pmm.Frame, *kernel.Error) {
	if count == 0 || alloc.ranges == nil {
		return pmm.InvalidFrame, ErrBootAllocOutOfMemory
	}

	nextFree := alloc.minFrame
	if alloc.lastAllocFrame.Valid() && alloc.lastAllocFrame+1 > nextFree {
		nextFree = alloc.lastAllocFrame + 1
	}

	for _, region := range alloc.ranges.Slice() {
		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame.
		regionStartFrame := pmm.Frame((region.Start + uint64(mem.PageSize-1)) >> mem.PageShift)
		regionEndFrame := pmm.FrameFromAddress(region.End)

		candidate := regionStartFrame
		if candidate < nextFree {
			candidate = nextFree
		}

		// Jump over the kernel image if the run would overlap it.
		if alloc.kernelEndAddr > alloc.kernelStartAddr &&
			candidate <= alloc.kernelEndFrame && candidate+pmm.Frame(count) > alloc.kernelStartFrame {
			candidate = alloc.kernelEndFrame + 1
		}

		if uint64(candidate)+uint64(count) > uint64(regionEndFrame) {
			continue
		}

		alloc.lastAllocFrame = candidate + pmm.Frame(count) - 1
		alloc.allocCount += count
		return candidate, nil
	}

	return pmm.InvalidFrame, ErrBootAllocOutOfMemory
}

// AllocFrame reserves a single frame.
func (alloc *BootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint32 {
	return alloc.allocCount
}

// PrintKernelInfo outputs the kernel location and the frames it occupies.
func (alloc *BootMemAllocator) PrintKernelInfo() {
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		alloc.kernelEndAddr-alloc.kernelStartAddr,
		uint32(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
