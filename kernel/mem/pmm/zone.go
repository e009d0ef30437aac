package pmm

import "kernos/kernel/mem"

// Zone classifies a frame by its physical address so that allocation requests
// with addressing constraints (ISA DMA, kernel direct map) can be steered.
type Zone uint8

const (
	// ZoneDMA holds frames reachable by legacy ISA DMA controllers.
	ZoneDMA Zone = iota

	// ZoneNormal holds frames permanently mapped by the kernel.
	ZoneNormal

	// ZoneHighMem holds every frame above the NORMAL limit.
	ZoneHighMem

	// ZoneCount is the number of zones.
	ZoneCount = int(ZoneHighMem) + 1
)

// String implements fmt.Stringer for Zone.
func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneNormal:
		return "NORMAL"
	case ZoneHighMem:
		return "HIGHMEM"
	default:
		return "unknown"
	}
}

// ZoneLayout defines the zone boundaries. Frames below DMALimit belong to
// ZoneDMA, frames below NormalLimit to ZoneNormal and the rest to
// ZoneHighMem.
type ZoneLayout struct {
	DMALimit    uint64
	NormalLimit uint64
}

// DefaultZoneLayout is the classic i386 split: 16Mb of ISA DMA memory and a
// 896Mb kernel direct map.
var DefaultZoneLayout = ZoneLayout{
	DMALimit:    uint64(16 * mem.Mb),
	NormalLimit: uint64(896 * mem.Mb),
}

// ZoneOf returns the zone of the frame containing physAddr.
func (l ZoneLayout) ZoneOf(physAddr uint64) Zone {
	switch {
	case physAddr < l.DMALimit:
		return ZoneDMA
	case physAddr < l.NormalLimit:
		return ZoneNormal
	default:
		return ZoneHighMem
	}
}
