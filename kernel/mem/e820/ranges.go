package e820

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
)

// Region is a half-open physical address range [Start, End).
type Region struct {
	Start, End uint64
}

// Length returns the number of bytes in the region.
func (r Region) Length() uint64 {
	return r.End - r.Start
}

// UsableRanges holds the usable memory reported by the firmware, sorted by
// address with overlapping and adjacent ranges merged. It is backed by a
// fixed-size array so it can be populated before any allocator exists.
type UsableRanges struct {
	Regions [MaxEntries]Region
	Count   int

	// HighestAddr is the end address of the last usable region.
	HighestAddr uint64
}

// Slice returns the populated regions.
func (u *UsableRanges) Slice() []Region {
	return u.Regions[:u.Count]
}

// Covers returns true if [start, end) lies inside a single usable region.
func (u *UsableRanges) Covers(start, end uint64) bool {
	for _, r := range u.Slice() {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// TotalBytes returns the amount of usable memory.
func (u *UsableRanges) TotalBytes() mem.Size {
	var total mem.Size
	for _, r := range u.Slice() {
		total += mem.Size(r.Length())
	}
	return total
}

// insert adds r keeping the regions sorted by start address. Merging happens
// separately in coalesce.
func (u *UsableRanges) insert(r Region) {
	i := u.Count
	for ; i > 0 && u.Regions[i-1].Start > r.Start; i-- {
		u.Regions[i] = u.Regions[i-1]
	}
	u.Regions[i] = r
	u.Count++
}

// coalesce merges overlapping and adjacent regions in place.
func (u *UsableRanges) coalesce() {
	if u.Count == 0 {
		return
	}

	last := 0
	for i := 1; i < u.Count; i++ {
		cur := u.Regions[i]
		if cur.Start <= u.Regions[last].End {
			if cur.End > u.Regions[last].End {
				u.Regions[last].End = cur.End
			}
			continue
		}

		last++
		u.Regions[last] = cur
	}

	for i := last + 1; i < u.Count; i++ {
		u.Regions[i] = Region{}
	}
	u.Count = last + 1
	u.HighestAddr = u.Regions[last].End
}

// Interpret extracts the usable memory ranges from m into out and verifies
// that the kernel image [kernelStart, kernelEnd) lives in usable memory.
//
// Entries that are not of type Usable or have a zero length are skipped.
// Entries starting at or above 4Gb are skipped and entries crossing 4Gb are
// truncated to it.
//
// Both errors returned by Interpret are fatal: the kernel cannot run without
// knowing where its physical memory is.
func Interpret(m *MemoryMap, kernelStart, kernelEnd uint32, out *UsableRanges) *kernel.Error {
	*out = UsableRanges{}

	m.Visit(func(entry *Entry) bool {
		if entry.Type != Usable || entry.Length() == 0 {
			return true
		}

		start, length := entry.Addr(), entry.Length()
		if start >= mem.MaxPhysAddr {
			kfmt.Printf("[e820] ignoring region at 0x%x: above 4Gb\n", start)
			return true
		}

		end := start + length
		if end < start || end > mem.MaxPhysAddr {
			kfmt.Printf("[e820] truncating region at 0x%x to 4Gb\n", start)
			end = mem.MaxPhysAddr
		}

		out.insert(Region{Start: start, End: end})
		return true
	})

	out.coalesce()
	if out.Count == 0 {
		return ErrNoUsableMemory
	}

	if kernelEnd <= kernelStart || !out.Covers(uint64(kernelStart), uint64(kernelEnd)) {
		return ErrKernelNotCovered
	}

	return nil
}
