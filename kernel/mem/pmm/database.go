package pmm

import (
	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
	"kernos/kernel/mem/e820"
)

var (
	// ErrAlreadyInitialized is returned when a one-shot initializer runs twice.
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "already initialized"}

	// ErrDescriptorSpace is returned when the storage supplied for the frame
	// descriptors cannot hold one descriptor per frame.
	ErrDescriptorSpace = &kernel.Error{Module: "pmm", Message: "insufficient space for frame descriptors"}

	// ErrInvalidZoneLayout is returned when the DMA limit exceeds the NORMAL limit.
	ErrInvalidZoneLayout = &kernel.Error{Module: "pmm", Message: "invalid zone layout"}

	// ErrFrameOutOfRange is returned for frames not tracked by the database.
	ErrFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame out of range"}
)

// KernelRange describes where the kernel image was loaded.
type KernelRange struct {
	// Start and End delimit the kernel image [Start, End).
	Start, End uint32

	// LoadBase is the lowest address the kernel may allocate; frames
	// below it are never handed out.
	LoadBase uint32
}

// Database is the page frame database. It holds one Page for every frame in
// [0, highest usable address) and is populated exactly once at boot.
type Database struct {
	pages         []Page
	layout        ZoneLayout
	reservedCount uint32
}

// Init populates the database using the usable ranges detected from the
// firmware memory map. pages provides the descriptor storage and must hold at
// least HighestAddr / PageSize entries.
//
// Every frame gets its address and zone. Frames below kr.LoadBase,
// overlapping the kernel image, or not entirely inside a usable range are
// reserved.
func (db *Database) Init(ranges *e820.UsableRanges, pages []Page, layout ZoneLayout, kr KernelRange) *kernel.Error {
	if db.pages != nil {
		return ErrAlreadyInitialized
	}

	if layout == (ZoneLayout{}) {
		layout = DefaultZoneLayout
	}
	if layout.DMALimit > layout.NormalLimit {
		return ErrInvalidZoneLayout
	}

	count := FrameCount(ranges)
	if uint64(len(pages)) < uint64(count) {
		return ErrDescriptorSpace
	}

	var (
		loadBaseFrame = frameCeil(uint64(kr.LoadBase))
		kernelFirst   = FrameFromAddress(uint64(kr.Start))
		kernelEnd     = frameCeil(uint64(kr.End))
		regions       = ranges.Slice()
		regionIndex   int
	)

	db.layout = layout
	db.pages = pages[:count]
	db.reservedCount = 0

	for frame := Frame(0); frame < Frame(count); frame++ {
		addr := uint64(frame.Address())
		db.pages[frame] = Page{
			addr: uint32(addr),
			zone: layout.ZoneOf(addr),
			Link: Link{Next: InvalidFrame, Prev: InvalidFrame},
		}

		// Regions are sorted; skip the ones that end before this frame.
		for regionIndex < len(regions) && FrameFromAddress(regions[regionIndex].End) <= frame {
			regionIndex++
		}
		usable := regionIndex < len(regions) && frame >= frameCeil(regions[regionIndex].Start)

		if !usable || frame < loadBaseFrame || (frame >= kernelFirst && frame < kernelEnd) {
			db.reserve(frame)
		}
	}

	return nil
}

// FrameCount returns the number of frame descriptors required to cover
// the usable ranges.
func FrameCount(ranges *e820.UsableRanges) uint32 {
	return uint32(ranges.HighestAddr >> mem.PageShift)
}

// Reserve permanently removes [first, first+count) from the free pool. It
// is used for memory claimed during boot, such as the descriptor storage,
// and must be invoked before the allocation strategy is initialized.
func (db *Database) Reserve(first Frame, count uint32) *kernel.Error {
	if uint64(first)+uint64(count) > uint64(len(db.pages)) {
		return ErrFrameOutOfRange
	}

	for frame := first; frame < first+Frame(count); frame++ {
		db.reserve(frame)
	}
	return nil
}

func (db *Database) reserve(frame Frame) {
	page := &db.pages[frame]
	if page.reserved {
		return
	}

	page.reserved = true
	page.ref = 1
	db.reservedCount++
}

// Len returns the number of frames tracked by the database.
func (db *Database) Len() uint32 {
	return uint32(len(db.pages))
}

// Pages returns the descriptor array.
func (db *Database) Pages() []Page {
	return db.pages
}

// Page returns the descriptor for frame or nil if the frame is not tracked.
func (db *Database) Page(frame Frame) *Page {
	if uint64(frame) >= uint64(len(db.pages)) {
		return nil
	}
	return &db.pages[frame]
}

// Owns returns true if p points to a descriptor stored in this database.
func (db *Database) Owns(p *Page) bool {
	return p != nil && db.Page(p.Frame()) == p
}

// Layout returns the zone layout used to classify frames.
func (db *Database) Layout() ZoneLayout {
	return db.layout
}

// ReservedCount returns the number of reserved frames.
func (db *Database) ReservedCount() uint32 {
	return db.reservedCount
}

// ZoneBounds returns the frame range [first, end) covered by zone. Empty
// zones return first == end.
func (db *Database) ZoneBounds(zone Zone) (Frame, Frame) {
	var start, limit uint64
	switch zone {
	case ZoneDMA:
		start, limit = 0, db.layout.DMALimit
	case ZoneNormal:
		start, limit = db.layout.DMALimit, db.layout.NormalLimit
	default:
		start, limit = db.layout.NormalLimit, mem.MaxPhysAddr
	}

	first, end := frameCeil(start), frameCeil(limit)
	if n := Frame(len(db.pages)); end > n {
		end = n
	}
	if first > end {
		first = end
	}
	return first, end
}

// CheckAllocated verifies that p heads a run of n frames that were handed
// out by an allocator: every frame must be tracked, not reserved and carry
// a reference count of exactly 1. It returns the frame of p.
func (db *Database) CheckAllocated(p *Page, n uint32) (Frame, *kernel.Error) {
	if n == 0 || !db.Owns(p) {
		return InvalidFrame, ErrInvalidFree
	}

	first := p.Frame()
	if uint64(first)+uint64(n) > uint64(len(db.pages)) {
		return InvalidFrame, ErrInvalidFree
	}

	for _, page := range db.pages[first : first+Frame(n)] {
		if page.reserved || page.ref != 1 || page.Link.Head {
			return InvalidFrame, ErrInvalidFree
		}
	}
	return first, nil
}

// SetRunRef sets the reference count of [first, first+n) to val.
func (db *Database) SetRunRef(first Frame, n uint32, val uint32) {
	for frame := first; frame < first+Frame(n); frame++ {
		db.pages[frame].SetRef(val)
	}
}

// PrintSummary outputs the frame database extents and reservations.
func (db *Database) PrintSummary() {
	kfmt.Printf("[pmm] frame database: %d frames, %d reserved, %d bytes of descriptors\n",
		db.Len(), db.reservedCount, uint64(DescriptorBytes(db.Len())))
	for zone := Zone(0); int(zone) < ZoneCount; zone++ {
		first, end := db.ZoneBounds(zone)
		kfmt.Printf("[pmm] zone %7s: frames [%8d - %8d)\n", zone.String(), uint32(first), uint32(end))
	}
}
