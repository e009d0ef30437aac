// Package physical provides the physical memory manager used by the rest of
// the kernel. It ties together the firmware memory map, the frame database
// and the active allocation strategy and serializes every access to them.
package physical

import (
	"unsafe"

	"kernos/kernel"
	"kernos/kernel/cpu"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/e820"
	"kernos/kernel/mem/pmm"
	"kernos/kernel/mem/pmm/allocator"
	"kernos/kernel/sync"
)

var (
	// Allocator is the physical memory manager instance used by the kernel.
	Allocator Manager

	// ErrNotInitialized is returned by operations invoked before Init.
	ErrNotInitialized = &kernel.Error{Module: "physical", Message: "memory manager not initialized"}

	// The following functions are mocked by tests.
	saveFlagsFn    = cpu.SaveFlagsAndDisableInterrupts
	restoreFlagsFn = cpu.RestoreFlags
	panicFn        = kfmt.Panic
)

// DescriptorFunc returns the storage for count frame descriptors located at
// physical address physAddr. The returned slice must be zeroed.
type DescriptorFunc func(physAddr, count uint32) []pmm.Page

// Config contains the boot parameters for the physical memory manager. Zero
// values select the defaults.
type Config struct {
	// KernelStart and KernelEnd delimit the kernel image [KernelStart, KernelEnd).
	KernelStart, KernelEnd uint32

	// LoadBase is the lowest physical address that may be handed out.
	// Defaults to mem.KernelLoadBase.
	LoadBase uint32

	// Zones defines the zone boundaries. Defaults to pmm.DefaultZoneLayout.
	Zones pmm.ZoneLayout

	// Strategy is the allocation algorithm. Defaults to a buddy allocator.
	Strategy pmm.Strategy

	// DescriptorFn maps the frames reserved for the frame database.
	// Defaults to an identity mapping of physical memory.
	DescriptorFn DescriptorFunc

	// Hosted disables interrupt masking around the critical section. It
	// is set by programs that run the manager as a regular process.
	Hosted bool
}

// Manager is the physical memory manager. All methods are safe to call from
// multiple tasks; each call runs with interrupts disabled while holding the
// manager lock.
type Manager struct {
	lock sync.Spinlock

	ranges    e820.UsableRanges
	bootAlloc allocator.BootMemAllocator
	db        pmm.Database
	strategy  pmm.Strategy
	hosted    bool

	// descFirst and descFrames describe the frames holding the frame
	// database.
	descFirst  pmm.Frame
	descFrames uint32
}

// Init detects the usable memory from the supplied firmware memory map,
// builds the frame database and binds the allocation strategy. Init must be
// called exactly once before any other Manager method.
func (mgr *Manager) Init(m *e820.MemoryMap, cfg Config) *kernel.Error {
	if mgr.strategy != nil {
		return pmm.ErrAlreadyInitialized
	}

	if cfg.LoadBase == 0 {
		cfg.LoadBase = mem.KernelLoadBase
	}
	if cfg.Zones == (pmm.ZoneLayout{}) {
		cfg.Zones = pmm.DefaultZoneLayout
	}
	if cfg.Strategy == nil {
		cfg.Strategy = &allocator.BuddyAllocator{}
	}
	if cfg.DescriptorFn == nil {
		cfg.DescriptorFn = identityDescriptors
	}

	if err := e820.Interpret(m, cfg.KernelStart, cfg.KernelEnd, &mgr.ranges); err != nil {
		return err
	}
	m.Print()

	mgr.bootAlloc.Init(&mgr.ranges, cfg.KernelStart, cfg.KernelEnd, cfg.LoadBase)
	mgr.bootAlloc.PrintKernelInfo()

	// The frame database lives in frames obtained from the boot allocator.
	frameCount := pmm.FrameCount(&mgr.ranges)
	descFrames := pmm.DescriptorBytes(frameCount).Pages()
	descFirst, err := mgr.bootAlloc.AllocFrames(descFrames)
	if err != nil {
		return err
	}

	kr := pmm.KernelRange{Start: cfg.KernelStart, End: cfg.KernelEnd, LoadBase: cfg.LoadBase}
	if err = mgr.db.Init(&mgr.ranges, cfg.DescriptorFn(descFirst.Address(), frameCount), cfg.Zones, kr); err != nil {
		return err
	}
	if err = mgr.db.Reserve(descFirst, descFrames); err != nil {
		return err
	}

	if err = cfg.Strategy.Init(&mgr.db); err != nil {
		return err
	}

	mgr.descFirst, mgr.descFrames = descFirst, descFrames
	mgr.hosted = cfg.Hosted
	mgr.strategy = cfg.Strategy

	mgr.db.PrintSummary()
	kfmt.Printf("[physical] frame database at frame %d (%d frames), strategy: %s\n",
		uint32(descFirst), descFrames, mgr.strategy.Name())
	return nil
}

// identityDescriptors overlays the descriptor array on identity-mapped
// physical memory and clears it.
func identityDescriptors(physAddr, count uint32) []pmm.Page {
	mem.Memset(uintptr(physAddr), 0, pmm.DescriptorBytes(count))
	return unsafe.Slice((*pmm.Page)(unsafe.Pointer(uintptr(physAddr))), int(count))
}

func (mgr *Manager) enter() uintptr {
	var flags uintptr
	if !mgr.hosted {
		flags = saveFlagsFn()
	}
	mgr.lock.Acquire()
	return flags
}

func (mgr *Manager) leave(flags uintptr) {
	mgr.lock.Release()
	if !mgr.hosted {
		restoreFlagsFn(flags)
	}
}

// AllocPages reserves n contiguous frames from any zone and returns the
// descriptor of the first one. It returns pmm.ErrOutOfMemory if no run of n
// free frames exists.
func (mgr *Manager) AllocPages(n uint32) (*pmm.Page, *kernel.Error) {
	return mgr.AllocPagesZone(n, pmm.ZoneHighMem)
}

// AllocPage reserves a single frame.
func (mgr *Manager) AllocPage() (*pmm.Page, *kernel.Error) {
	return mgr.AllocPagesZone(1, pmm.ZoneHighMem)
}

// AllocPagesZone works like AllocPages but only returns frames from zones up
// to and including limit.
func (mgr *Manager) AllocPagesZone(n uint32, limit pmm.Zone) (*pmm.Page, *kernel.Error) {
	if mgr.strategy == nil {
		return nil, ErrNotInitialized
	}

	flags := mgr.enter()
	page, err := mgr.strategy.AllocPages(n, limit)
	mgr.leave(flags)

	return page, err
}

// FreePages releases n contiguous frames starting at p. Releasing frames that
// were not allocated is a kernel bug and triggers a panic.
func (mgr *Manager) FreePages(p *pmm.Page, n uint32) {
	if mgr.strategy == nil {
		panicFn(ErrNotInitialized)
		return
	}

	flags := mgr.enter()
	err := mgr.strategy.FreePages(p, n)
	mgr.leave(flags)

	if err != nil {
		panicFn(err)
	}
}

// FreePage releases a single frame.
func (mgr *Manager) FreePage(p *pmm.Page) {
	mgr.FreePages(p, 1)
}

// Stats returns the frame counters of the active strategy.
func (mgr *Manager) Stats() pmm.Stats {
	if mgr.strategy == nil {
		return pmm.Stats{}
	}

	flags := mgr.enter()
	stats := mgr.strategy.Stats()
	mgr.leave(flags)

	return stats
}

// ShowMemoryInfo prints the frame counters of the active strategy.
func (mgr *Manager) ShowMemoryInfo() {
	if mgr.strategy == nil {
		return
	}

	flags := mgr.enter()
	mgr.strategy.ShowMemoryInfo()
	mgr.leave(flags)
}

// ShowManagementInfo prints the free structures of the active strategy.
func (mgr *Manager) ShowManagementInfo() {
	if mgr.strategy == nil {
		return
	}

	flags := mgr.enter()
	mgr.strategy.ShowManagementInfo()
	mgr.leave(flags)
}

// TestMM runs the self-test of the active strategy.
func (mgr *Manager) TestMM() *kernel.Error {
	if mgr.strategy == nil {
		return ErrNotInitialized
	}

	flags := mgr.enter()
	err := mgr.strategy.TestMM()
	mgr.leave(flags)

	return err
}

// Database returns the frame database. Callers must not modify descriptors
// without going through the manager.
func (mgr *Manager) Database() *pmm.Database {
	return &mgr.db
}

// StrategyName returns the name of the active strategy or an empty string
// before Init.
func (mgr *Manager) StrategyName() string {
	if mgr.strategy == nil {
		return ""
	}
	return mgr.strategy.Name()
}

// DescriptorFrames returns the first frame and the number of frames that
// hold the frame database.
func (mgr *Manager) DescriptorFrames() (pmm.Frame, uint32) {
	return mgr.descFirst, mgr.descFrames
}
