package allocator

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/pmm"
)

// freeArea is the list of free blocks of a single order. Blocks are linked
// through the Link field of their first frame and kept sorted by address.
type freeArea struct {
	head, tail pmm.Frame

	// count tracks the number of blocks in the list.
	count uint32
}

// buddyZone holds the free areas for one memory zone. Blocks never cross
// zone boundaries.
type buddyZone struct {
	first, end pmm.Frame

	// freeCount tracks the free frames in this zone. The allocator uses it
	// to skip exhausted zones without scanning their free areas.
	freeCount uint32

	areas [mem.MaxPageOrder + 1]freeArea
}

// BuddyAllocator implements a binary buddy allocator on top of the frame
// database.
//
// Free memory is tracked as naturally aligned blocks of 2^order frames with
// order in [0, mem.MaxPageOrder]. An allocation of n frames takes the
// smallest block that fits, splitting larger blocks as needed, and returns
// the unused tail frames to the free areas. Freed frames are merged with
// their buddy block whenever the buddy is free, so a block of order k can be
// reassembled once all of its frames are released.
//
// Among blocks of the same order, the one with the lowest address wins.
type BuddyAllocator struct {
	db    *pmm.Database
	zones [pmm.ZoneCount]buddyZone
}

// Name implements pmm.Strategy.
func (alloc *BuddyAllocator) Name() string {
	return "buddy"
}

// Init implements pmm.Strategy. It seeds the free areas with every free
// frame in db.
func (alloc *BuddyAllocator) Init(db *pmm.Database) *kernel.Error {
	if alloc.db != nil {
		return pmm.ErrAlreadyInitialized
	}

	alloc.db = db
	for zoneIndex := range alloc.zones {
		zone := &alloc.zones[zoneIndex]
		zone.first, zone.end = db.ZoneBounds(pmm.Zone(zoneIndex))
		for order := range zone.areas {
			zone.areas[order] = freeArea{head: pmm.InvalidFrame, tail: pmm.InvalidFrame}
		}

		visitFreeRuns(db, zone.first, zone.end, func(first pmm.Frame, count uint32) {
			alloc.freeRange(zone, first, count)
		})
	}

	return nil
}

// AllocPages implements pmm.Strategy. Zones are searched from limit down to
// ZoneDMA so that DMA-capable memory is only used when nothing else fits.
func (alloc *BuddyAllocator) AllocPages(n uint32, limit pmm.Zone) (*pmm.Page, *kernel.Error) {
	if n == 0 {
		return nil, pmm.ErrInvalidRequest
	}

	order := mem.OrderForPages(n)
	if order > mem.MaxPageOrder {
		return nil, pmm.ErrOutOfMemory
	}

	if int(limit) >= pmm.ZoneCount {
		limit = pmm.ZoneHighMem
	}

	for zoneIndex := int(limit); zoneIndex >= 0; zoneIndex-- {
		zone := &alloc.zones[zoneIndex]
		if zone.freeCount < n {
			continue
		}

		for curOrder := order; curOrder <= mem.MaxPageOrder; curOrder++ {
			frame := zone.areas[curOrder].head
			if !frame.Valid() {
				continue
			}

			alloc.unlink(zone, frame, curOrder)

			// Split the block keeping the lower half; the upper
			// halves go back to the free areas.
			for curOrder > order {
				curOrder--
				alloc.link(zone, frame+pmm.Frame(curOrder.Pages()), curOrder)
			}

			if tail := order.Pages() - n; tail != 0 {
				alloc.freeRange(zone, frame+pmm.Frame(n), tail)
			}

			alloc.db.SetRunRef(frame, n, 1)
			return alloc.db.Page(frame), nil
		}
	}

	return nil, pmm.ErrOutOfMemory
}

// FreePages implements pmm.Strategy.
func (alloc *BuddyAllocator) FreePages(p *pmm.Page, n uint32) *kernel.Error {
	first, err := alloc.db.CheckAllocated(p, n)
	if err != nil {
		return err
	}

	alloc.db.SetRunRef(first, n, 0)

	end := first + pmm.Frame(n)
	for zoneIndex := range alloc.zones {
		zone := &alloc.zones[zoneIndex]
		lo, hi := first, end
		if lo < zone.first {
			lo = zone.first
		}
		if hi > zone.end {
			hi = zone.end
		}
		if lo < hi {
			alloc.freeRange(zone, lo, uint32(hi-lo))
		}
	}

	return nil
}

// freeRange returns [first, first+count) to the zone by splitting it into
// the largest naturally aligned blocks that fit.
func (alloc *BuddyAllocator) freeRange(zone *buddyZone, first pmm.Frame, count uint32) {
	for count != 0 {
		order := mem.MaxPageOrder
		for (uint32(first)&(order.Pages()-1)) != 0 || order.Pages() > count {
			order--
		}

		alloc.freeBlock(zone, first, order)
		first += pmm.Frame(order.Pages())
		count -= order.Pages()
	}
}

// freeBlock inserts a block into the free areas, merging it with its buddy
// for as long as the buddy is also free.
func (alloc *BuddyAllocator) freeBlock(zone *buddyZone, frame pmm.Frame, order mem.PageOrder) {
	for ; order < mem.MaxPageOrder; order++ {
		buddy := frame ^ pmm.Frame(order.Pages())
		if buddy < zone.first || buddy+pmm.Frame(order.Pages()) > zone.end {
			break
		}

		buddyPage := alloc.db.Page(buddy)
		if !buddyPage.Link.Head || buddyPage.Link.Span != order.Pages() {
			break
		}

		alloc.unlink(zone, buddy, order)
		frame &= buddy
	}

	alloc.link(zone, frame, order)
}

// link inserts the block headed by frame into the free area for order,
// keeping the list sorted by address.
func (alloc *BuddyAllocator) link(zone *buddyZone, frame pmm.Frame, order mem.PageOrder) {
	area := &zone.areas[order]
	page := alloc.db.Page(frame)
	page.Link.Head = true
	page.Link.Span = order.Pages()

	// Appending is the common case while seeding the free areas.
	prev, next := area.tail, pmm.InvalidFrame
	if prev.Valid() && prev > frame {
		prev, next = pmm.InvalidFrame, area.head
		for next.Valid() && next < frame {
			prev, next = next, alloc.db.Page(next).Link.Next
		}
	}

	page.Link.Prev, page.Link.Next = prev, next
	if prev.Valid() {
		alloc.db.Page(prev).Link.Next = frame
	} else {
		area.head = frame
	}
	if next.Valid() {
		alloc.db.Page(next).Link.Prev = frame
	} else {
		area.tail = frame
	}

	area.count++
	zone.freeCount += order.Pages()
}

// unlink removes the block headed by frame from the free area for order.
func (alloc *BuddyAllocator) unlink(zone *buddyZone, frame pmm.Frame, order mem.PageOrder) {
	area := &zone.areas[order]
	page := alloc.db.Page(frame)
	prev, next := page.Link.Prev, page.Link.Next

	if prev.Valid() {
		alloc.db.Page(prev).Link.Next = next
	} else {
		area.head = next
	}
	if next.Valid() {
		alloc.db.Page(next).Link.Prev = prev
	} else {
		area.tail = prev
	}

	page.Link = pmm.Link{Next: pmm.InvalidFrame, Prev: pmm.InvalidFrame}
	area.count--
	zone.freeCount -= order.Pages()
}

// Stats implements pmm.Strategy.
func (alloc *BuddyAllocator) Stats() pmm.Stats {
	stats := pmm.Stats{
		TotalPages:    alloc.db.Len(),
		ReservedPages: alloc.db.ReservedCount(),
	}

	for zoneIndex, zone := range alloc.zones {
		stats.ZoneTotal[zoneIndex] = uint32(zone.end - zone.first)
		stats.ZoneFree[zoneIndex] = zone.freeCount
		stats.FreePages += zone.freeCount
	}

	return stats
}

// ShowMemoryInfo implements pmm.Strategy.
func (alloc *BuddyAllocator) ShowMemoryInfo() {
	printStats(alloc.Name(), alloc.Stats())
}

// ShowManagementInfo implements pmm.Strategy. It prints the number of free
// blocks per order for each zone.
func (alloc *BuddyAllocator) ShowManagementInfo() {
	for zoneIndex, zone := range alloc.zones {
		if zone.first == zone.end {
			continue
		}

		kfmt.Printf("[buddy] zone %7s: free blocks by order:", pmm.Zone(zoneIndex).String())
		for order := range zone.areas {
			kfmt.Printf(" %d", zone.areas[order].count)
		}
		kfmt.Printf("\n")
	}
}

// TestMM implements pmm.Strategy.
func (alloc *BuddyAllocator) TestMM() *kernel.Error {
	return runSelfTest(alloc, alloc.db)
}
