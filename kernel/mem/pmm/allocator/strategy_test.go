package allocator

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/pmm"
)

var testKernel = pmm.KernelRange{Start: 0x100000, End: 0x108000, LoadBase: mem.KernelLoadBase}

// testDatabase builds a frame database for the ranges returned by
// testRanges. With the default layout it tracks 8176 frames; frames
// [0, 0x108) are reserved and the rest are split between the DMA and NORMAL
// zones.
func testDatabase(t *testing.T, layout pmm.ZoneLayout) *pmm.Database {
	ranges := testRanges(t)

	db := new(pmm.Database)
	require.Nil(t, db.Init(ranges, make([]pmm.Page, pmm.FrameCount(ranges)), layout, testKernel))
	return db
}

func testStrategies() []pmm.Strategy {
	return []pmm.Strategy{
		&BuddyAllocator{},
		&FirstFitAllocator{},
	}
}

// captureOutput discards any buffered kfmt output, runs fn and returns the
// output it generated.
func captureOutput(fn func()) string {
	var buf bytes.Buffer
	kfmt.SetOutputSink(io.Discard)
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	fn()
	return buf.String()
}

func TestStrategyInit(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			require.Equal(t, pmm.ErrAlreadyInitialized, s.Init(db))

			stats := s.Stats()
			require.Equal(t, uint32(8176), stats.TotalPages)
			require.Equal(t, uint32(0x108), stats.ReservedPages)
			require.Equal(t, uint32(8176-0x108), stats.FreePages)
			require.Equal(t, uint32(0), stats.UsedPages())
			require.Equal(t, [pmm.ZoneCount]uint32{0x1000, 0xff0, 0}, stats.ZoneTotal)
			require.Equal(t, [pmm.ZoneCount]uint32{0x1000 - 0x108, 0xff0, 0}, stats.ZoneFree)
		})
	}
}

func TestStrategyAllocFreeRoundTrip(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			before := s.Stats()

			page, err := s.AllocPages(3, pmm.ZoneHighMem)
			require.Nil(t, err)
			require.NotNil(t, page)

			first := page.Frame()
			require.False(t, first < 0x108, "run overlaps reserved frames")
			for frame := first; frame < first+3; frame++ {
				require.Equal(t, uint32(1), db.Page(frame).Ref(), "frame %d", frame)
				require.False(t, db.Page(frame).Reserved())
			}

			stats := s.Stats()
			require.Equal(t, before.FreePages-3, stats.FreePages)
			require.Equal(t, uint32(3), stats.UsedPages())

			require.Nil(t, s.FreePages(page, 3))
			for frame := first; frame < first+3; frame++ {
				require.True(t, db.Page(frame).IsFree(), "frame %d", frame)
			}
			require.Equal(t, before, s.Stats())
		})
	}
}

func TestStrategyDistinctAllocations(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			before := s.Stats()

			var (
				sizes = []uint32{1, 2, 7, 1, 16, 5, 1, 64}
				pages []*pmm.Page
				owner = make(map[pmm.Frame]int)
			)
			for i, n := range sizes {
				page, err := s.AllocPages(n, pmm.ZoneHighMem)
				require.Nil(t, err)
				pages = append(pages, page)

				for frame := page.Frame(); frame < page.Frame()+pmm.Frame(n); frame++ {
					prev, taken := owner[frame]
					require.False(t, taken, "frame %d handed out to allocations %d and %d", frame, prev, i)
					owner[frame] = i
				}
			}

			for i := range sizes {
				require.Nil(t, s.FreePages(pages[i], sizes[i]))
			}
			require.Equal(t, before, s.Stats())
		})
	}
}

func TestStrategyExhaustion(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			before := s.Stats()

			var pages []*pmm.Page
			for {
				page, err := s.AllocPages(1, pmm.ZoneHighMem)
				if err != nil {
					require.Equal(t, pmm.ErrOutOfMemory, err)
					break
				}
				pages = append(pages, page)
			}

			require.Len(t, pages, int(before.FreePages))
			require.Equal(t, uint32(0), s.Stats().FreePages)

			for _, page := range pages {
				require.Nil(t, s.FreePages(page, 1))
			}
			require.Equal(t, before, s.Stats())

			// Released frames must be reassembled into runs.
			page, err := s.AllocPages(512, pmm.ZoneHighMem)
			require.Nil(t, err)
			require.Nil(t, s.FreePages(page, 512))
		})
	}
}

func TestStrategyAllocErrors(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			before := s.Stats()

			page, err := s.AllocPages(0, pmm.ZoneHighMem)
			require.Nil(t, page)
			require.Equal(t, pmm.ErrInvalidRequest, err)

			page, err = s.AllocPages(before.FreePages+1, pmm.ZoneHighMem)
			require.Nil(t, page)
			require.Equal(t, pmm.ErrOutOfMemory, err)
			require.Equal(t, before, s.Stats())
		})
	}
}

func TestStrategyInvalidFree(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))

			page, err := s.AllocPages(2, pmm.ZoneHighMem)
			require.Nil(t, err)
			before := s.Stats()

			specs := []struct {
				name string
				page *pmm.Page
				n    uint32
			}{
				{"reserved kernel frame", db.Page(0x100), 1},
				{"reserved low frame", db.Page(0), 1},
				{"free frame", db.Page(0x800), 1},
				{"foreign descriptor", &pmm.Page{}, 1},
				{"nil descriptor", nil, 1},
				{"zero frames", page, 0},
				{"run extends past allocation", page, 3},
				{"run extends past database", db.Page(pmm.Frame(db.Len() - 1)), 2},
			}

			for _, spec := range specs {
				require.Equal(t, pmm.ErrInvalidFree, s.FreePages(spec.page, spec.n), spec.name)
				require.Equal(t, before, s.Stats(), spec.name)
				require.Equal(t, uint32(1), page.Ref(), spec.name)
			}

			require.Nil(t, s.FreePages(page, 2))
			require.Equal(t, pmm.ErrInvalidFree, s.FreePages(page, 2), "double free")
		})
	}
}

func TestStrategyZoneLimit(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))

			page, err := s.AllocPages(4, pmm.ZoneDMA)
			require.Nil(t, err)
			require.Equal(t, pmm.ZoneDMA, page.Zone())
			require.Equal(t, pmm.ZoneDMA, db.Page(page.Frame()+3).Zone())

			// The DMA zone holds 3832 free frames.
			_, err = s.AllocPages(0x1000-0x108, pmm.ZoneDMA)
			require.Equal(t, pmm.ErrOutOfMemory, err)
		})
	}
}

func TestStrategySelfTest(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))
			before := s.Stats()

			var err *kernel.Error
			out := captureOutput(func() { err = s.TestMM() })

			require.Nil(t, err)
			require.Contains(t, out, "["+s.Name()+"] self-test passed")
			require.Equal(t, before, s.Stats())
		})
	}
}

func TestStrategySelfTestWithoutMemory(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))

			for {
				if _, err := s.AllocPages(1, pmm.ZoneHighMem); err != nil {
					break
				}
			}

			var err *kernel.Error
			out := captureOutput(func() { err = s.TestMM() })

			require.Equal(t, ErrSelfTest, err)
			require.Contains(t, out, "["+s.Name()+"] self-test failed")
		})
	}
}

func TestStrategyShowMemoryInfo(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))

			out := captureOutput(s.ShowMemoryInfo)
			require.Contains(t, out, "["+s.Name()+"] frames: 8176 total, 7912 free, 0 used, 264 reserved\n")
			require.Contains(t, out, "["+s.Name()+"] zone     DMA: 3832/4096 frames free\n")
			require.Contains(t, out, "["+s.Name()+"] zone  NORMAL: 4080/4080 frames free\n")
			require.NotContains(t, out, "HIGHMEM")
		})
	}
}

func TestStrategyCoalesceAdjacentRuns(t *testing.T) {
	for _, s := range testStrategies() {
		t.Run(s.Name(), func(t *testing.T) {
			db := testDatabase(t, pmm.ZoneLayout{})
			require.Nil(t, s.Init(db))

			for {
				if _, err := s.AllocPages(1, pmm.ZoneHighMem); err != nil {
					break
				}
			}

			require.Nil(t, s.FreePages(db.Page(0x200), 1))
			require.Nil(t, s.FreePages(db.Page(0x201), 1))

			page, err := s.AllocPages(2, pmm.ZoneHighMem)
			require.Nil(t, err)
			require.Equal(t, pmm.Frame(0x200), page.Frame())
		})
	}
}
