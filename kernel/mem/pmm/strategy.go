package pmm

import (
	"unsafe"

	"kernos/kernel"
	"kernos/kernel/mem"
)

var (
	// ErrOutOfMemory is returned when no run of the requested length is
	// free. Allocation failures leave the allocator state untouched.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidRequest is returned for zero-length allocation requests.
	ErrInvalidRequest = &kernel.Error{Module: "pmm", Message: "invalid allocation request"}

	// ErrInvalidFree is returned when a free request targets frames that
	// are reserved, already free or not tracked by the frame database.
	ErrInvalidFree = &kernel.Error{Module: "pmm", Message: "invalid free request"}
)

// Strategy is implemented by physical frame allocation algorithms. Exactly
// one Strategy is bound to the frame database at boot and stays active for
// the lifetime of the kernel.
//
// Implementations are not safe for concurrent use; the physical memory
// manager serializes all calls.
type Strategy interface {
	// Name returns a short name for the algorithm.
	Name() string

	// Init builds the strategy's free structures from the free frames in db.
	Init(db *Database) *kernel.Error

	// AllocPages reserves n contiguous free frames whose zone is at most
	// limit, sets their reference count to 1 and returns the first one. On
	// failure it returns ErrOutOfMemory and allocates nothing.
	AllocPages(n uint32, limit Zone) (*Page, *kernel.Error)

	// FreePages returns n contiguous frames starting at p to the free
	// pool. Frames are validated before any state changes; a request
	// that fails validation returns ErrInvalidFree.
	FreePages(p *Page, n uint32) *kernel.Error

	// Stats returns the current frame counters.
	Stats() Stats

	// ShowMemoryInfo prints aggregate frame counters.
	ShowMemoryInfo()

	// ShowManagementInfo prints the state of the strategy free structures.
	ShowManagementInfo()

	// TestMM runs a self-test that allocates and frees frames and verifies
	// that the counters are restored.
	TestMM() *kernel.Error
}

// Stats contains the frame counters maintained by a Strategy.
type Stats struct {
	TotalPages    uint32
	FreePages     uint32
	ReservedPages uint32

	ZoneTotal [ZoneCount]uint32
	ZoneFree  [ZoneCount]uint32
}

// UsedPages returns the number of frames currently handed out.
func (s Stats) UsedPages() uint32 {
	return s.TotalPages - s.FreePages - s.ReservedPages
}

// DescriptorBytes returns the storage needed for count frame descriptors.
func DescriptorBytes(count uint32) mem.Size {
	return mem.Size(count) * mem.Size(unsafe.Sizeof(Page{}))
}
