package allocator

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/pmm"
)

// FirstFitAllocator keeps every free run of frames in a single list sorted by
// address and satisfies each request from the lowest-addressed run that is
// large enough. Runs never cross zone boundaries; freed runs are merged with
// adjacent free runs of the same zone.
//
// The run length and the list links live in the Link field of the first frame
// of each run.
type FirstFitAllocator struct {
	db *pmm.Database

	head, tail pmm.Frame
	runCount   uint32

	zoneTotal [pmm.ZoneCount]uint32
	zoneFree  [pmm.ZoneCount]uint32
}

// Name implements pmm.Strategy.
func (alloc *FirstFitAllocator) Name() string {
	return "first_fit"
}

// Init implements pmm.Strategy.
func (alloc *FirstFitAllocator) Init(db *pmm.Database) *kernel.Error {
	if alloc.db != nil {
		return pmm.ErrAlreadyInitialized
	}

	alloc.db = db
	alloc.head, alloc.tail = pmm.InvalidFrame, pmm.InvalidFrame
	for zoneIndex := 0; zoneIndex < pmm.ZoneCount; zoneIndex++ {
		first, end := db.ZoneBounds(pmm.Zone(zoneIndex))
		alloc.zoneTotal[zoneIndex] = uint32(end - first)

		visitFreeRuns(db, first, end, func(runStart pmm.Frame, count uint32) {
			alloc.insertAfter(alloc.tail, runStart, count)
			alloc.zoneFree[zoneIndex] += count
		})
	}

	return nil
}

// AllocPages implements pmm.Strategy.
func (alloc *FirstFitAllocator) AllocPages(n uint32, limit pmm.Zone) (*pmm.Page, *kernel.Error) {
	if n == 0 {
		return nil, pmm.ErrInvalidRequest
	}

	for frame := alloc.head; frame.Valid(); frame = alloc.db.Page(frame).Link.Next {
		page := alloc.db.Page(frame)
		if page.Zone() > limit || page.Link.Span < n {
			continue
		}

		if remaining := page.Link.Span - n; remaining != 0 {
			alloc.replace(frame, frame+pmm.Frame(n), remaining)
		} else {
			alloc.unlink(frame)
		}

		alloc.zoneFree[page.Zone()] -= n
		alloc.db.SetRunRef(frame, n, 1)
		return page, nil
	}

	return nil, pmm.ErrOutOfMemory
}

// FreePages implements pmm.Strategy.
func (alloc *FirstFitAllocator) FreePages(p *pmm.Page, n uint32) *kernel.Error {
	first, err := alloc.db.CheckAllocated(p, n)
	if err != nil {
		return err
	}

	alloc.db.SetRunRef(first, n, 0)

	end := first + pmm.Frame(n)
	for zoneIndex := 0; zoneIndex < pmm.ZoneCount; zoneIndex++ {
		zoneFirst, zoneEnd := alloc.db.ZoneBounds(pmm.Zone(zoneIndex))
		lo, hi := first, end
		if lo < zoneFirst {
			lo = zoneFirst
		}
		if hi > zoneEnd {
			hi = zoneEnd
		}
		if lo < hi {
			alloc.freeRun(lo, uint32(hi-lo))
			alloc.zoneFree[zoneIndex] += uint32(hi - lo)
		}
	}

	return nil
}

// freeRun inserts [first, first+count) into the run list and merges it with
// its neighbours. The run must lie inside a single zone.
func (alloc *FirstFitAllocator) freeRun(first pmm.Frame, count uint32) {
	zone := alloc.db.Page(first).Zone()

	prev := pmm.InvalidFrame
	next := alloc.head
	for next.Valid() && next < first {
		prev, next = next, alloc.db.Page(next).Link.Next
	}

	if prev.Valid() {
		prevPage := alloc.db.Page(prev)
		if prev+pmm.Frame(prevPage.Link.Span) == first && prevPage.Zone() == zone {
			prevPage.Link.Span += count
			first, count = prev, prevPage.Link.Span
			prev = prevPage.Link.Prev
			alloc.unlink(first)
		}
	}

	if next.Valid() && first+pmm.Frame(count) == next && alloc.db.Page(next).Zone() == zone {
		count += alloc.db.Page(next).Link.Span
		alloc.unlink(next)
	}

	alloc.insertAfter(prev, first, count)
}

// insertAfter links a run headed by frame after prev. An invalid prev
// inserts the run at the front of the list.
func (alloc *FirstFitAllocator) insertAfter(prev, frame pmm.Frame, span uint32) {
	next := alloc.head
	if prev.Valid() {
		next = alloc.db.Page(prev).Link.Next
	}

	page := alloc.db.Page(frame)
	page.Link = pmm.Link{Next: next, Prev: prev, Span: span, Head: true}

	if prev.Valid() {
		alloc.db.Page(prev).Link.Next = frame
	} else {
		alloc.head = frame
	}
	if next.Valid() {
		alloc.db.Page(next).Link.Prev = frame
	} else {
		alloc.tail = frame
	}
	alloc.runCount++
}

// unlink removes the run headed by frame from the list.
func (alloc *FirstFitAllocator) unlink(frame pmm.Frame) {
	page := alloc.db.Page(frame)
	prev, next := page.Link.Prev, page.Link.Next

	if prev.Valid() {
		alloc.db.Page(prev).Link.Next = next
	} else {
		alloc.head = next
	}
	if next.Valid() {
		alloc.db.Page(next).Link.Prev = prev
	} else {
		alloc.tail = prev
	}

	page.Link = pmm.Link{Next: pmm.InvalidFrame, Prev: pmm.InvalidFrame}
	alloc.runCount--
}

// replace moves the head of a run from old to frame, keeping its position in
// the list.
func (alloc *FirstFitAllocator) replace(old, frame pmm.Frame, span uint32) {
	oldPage := alloc.db.Page(old)
	prev := oldPage.Link.Prev
	alloc.unlink(old)
	alloc.insertAfter(prev, frame, span)
}

// Stats implements pmm.Strategy.
func (alloc *FirstFitAllocator) Stats() pmm.Stats {
	stats := pmm.Stats{
		TotalPages:    alloc.db.Len(),
		ReservedPages: alloc.db.ReservedCount(),
		ZoneTotal:     alloc.zoneTotal,
		ZoneFree:      alloc.zoneFree,
	}
	for _, free := range alloc.zoneFree {
		stats.FreePages += free
	}
	return stats
}

// ShowMemoryInfo implements pmm.Strategy.
func (alloc *FirstFitAllocator) ShowMemoryInfo() {
	printStats(alloc.Name(), alloc.Stats())
}

// ShowManagementInfo implements pmm.Strategy. It lists the free runs.
func (alloc *FirstFitAllocator) ShowManagementInfo() {
	kfmt.Printf("[first_fit] free runs: %d\n", alloc.runCount)
	for frame := alloc.head; frame.Valid(); frame = alloc.db.Page(frame).Link.Next {
		page := alloc.db.Page(frame)
		kfmt.Printf("[first_fit] [0x%8x - 0x%8x) %7s, %d frames\n",
			frame.Address(),
			uint64(frame.Address())+uint64(page.Link.Span)<<mem.PageShift,
			page.Zone().String(),
			page.Link.Span,
		)
	}
}

// TestMM implements pmm.Strategy.
func (alloc *FirstFitAllocator) TestMM() *kernel.Error {
	return runSelfTest(alloc, alloc.db)
}
