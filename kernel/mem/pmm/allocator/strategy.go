package allocator

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem/pmm"
)

var (
	// ErrSelfTest is returned by TestMM when the allocator counters or the
	// frame reference counts do not match the expected values.
	ErrSelfTest = &kernel.Error{Module: "pmm", Message: "allocator self-test failed"}

	selfTestSizes = [...]uint32{1, 1, 3, 8}
)

// visitFreeRuns invokes fn for each maximal run of free frames in
// [first, end).
func visitFreeRuns(db *pmm.Database, first, end pmm.Frame, fn func(pmm.Frame, uint32)) {
	runStart := pmm.InvalidFrame
	for frame := first; frame < end; frame++ {
		free := db.Page(frame).IsFree()
		switch {
		case free && !runStart.Valid():
			runStart = frame
		case !free && runStart.Valid():
			fn(runStart, uint32(frame-runStart))
			runStart = pmm.InvalidFrame
		}
	}

	if runStart.Valid() {
		fn(runStart, uint32(end-runStart))
	}
}

// printStats outputs the frame counters of a strategy.
func printStats(name string, stats pmm.Stats) {
	kfmt.Printf("[%s] frames: %d total, %d free, %d used, %d reserved\n",
		name, stats.TotalPages, stats.FreePages, stats.UsedPages(), stats.ReservedPages)
	for zone := pmm.Zone(0); int(zone) < pmm.ZoneCount; zone++ {
		if stats.ZoneTotal[zone] == 0 {
			continue
		}
		kfmt.Printf("[%s] zone %7s: %d/%d frames free\n",
			name, zone.String(), stats.ZoneFree[zone], stats.ZoneTotal[zone])
	}
}

// runSelfTest exercises a strategy with a fixed sequence of allocations,
// releases them in reverse order and checks that the counters are restored.
// It finally verifies that a request exceeding the free memory fails without
// side effects.
func runSelfTest(s pmm.Strategy, db *pmm.Database) *kernel.Error {
	var (
		before    = s.Stats()
		pages     [len(selfTestSizes)]*pmm.Page
		allocated uint32
		passed    = true
	)

	for i, n := range selfTestSizes {
		page, err := s.AllocPages(n, pmm.ZoneHighMem)
		if err != nil {
			passed = false
			break
		}

		pages[i] = page
		allocated += n
		for frame := page.Frame(); frame < page.Frame()+pmm.Frame(n); frame++ {
			if db.Page(frame).Ref() != 1 {
				passed = false
			}
		}
	}

	if passed && (pages[0] == pages[1] || s.Stats().FreePages != before.FreePages-allocated) {
		passed = false
	}

	for i := len(pages) - 1; i >= 0; i-- {
		if pages[i] == nil {
			continue
		}
		if err := s.FreePages(pages[i], selfTestSizes[i]); err != nil {
			passed = false
		}
		if pages[i].Ref() != 0 {
			passed = false
		}
	}

	if s.Stats() != before {
		passed = false
	}

	if _, err := s.AllocPages(before.FreePages+1, pmm.ZoneHighMem); err != pmm.ErrOutOfMemory || s.Stats() != before {
		passed = false
	}

	if !passed {
		kfmt.Printf("[%s] self-test failed\n", s.Name())
		return ErrSelfTest
	}

	kfmt.Printf("[%s] self-test passed\n", s.Name())
	return nil
}
