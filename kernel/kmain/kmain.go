package kmain

import (
	"unsafe"

	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem/e820"
	"kernos/kernel/mem/physical"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The following are overridden by tests.
	panicFn      = kfmt.Panic
	descriptorFn physical.DescriptorFunc
	hosted       bool
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the e820 memory map collected by the
// real-mode boot code as well as the physical addresses for the kernel
// start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(e820MapPtr, kernelStart, kernelEnd uintptr) {
	kfmt.Printf("Starting kernos\n")

	var memoryMap e820.MemoryMap
	rawMap := unsafe.Slice((*byte)(unsafe.Pointer(e820MapPtr)), e820.MapSize)

	cfg := physical.Config{
		KernelStart:  uint32(kernelStart),
		KernelEnd:    uint32(kernelEnd),
		DescriptorFn: descriptorFn,
		Hosted:       hosted,
	}

	var err *kernel.Error
	if err = e820.Decode(rawMap, &memoryMap); err != nil {
		panicFn(err)
		return
	} else if err = physical.Allocator.Init(&memoryMap, cfg); err != nil {
		panicFn(err)
		return
	} else if err = physical.Allocator.TestMM(); err != nil {
		panicFn(err)
		return
	}

	physical.Allocator.ShowMemoryInfo()
	physical.Allocator.ShowManagementInfo()

	// Kmain must never return.
	panicFn(errKmainReturned)
}
