// Package e820 decodes the memory map returned by the BIOS INT 0x15, AX=0xE820
// call and turns it into the list of usable physical memory ranges.
//
// Only 32-bit physical addressing is supported: ranges that start at or above
// 4Gb are ignored and ranges that cross the 4Gb boundary are truncated.
package e820

import (
	"encoding/binary"

	"kernos/kernel"
	"kernos/kernel/kfmt"
	"kernos/kernel/mem"
)

const (
	// MaxEntries is the number of entry slots in the memory map.
	MaxEntries = 20

	// entrySize is the packed size of an entry: five little-endian dwords.
	entrySize = 20

	// MapSize is the packed size of a MemoryMap: a count dword followed by
	// MaxEntries entries.
	MapSize = 4 + MaxEntries*entrySize
)

var (
	// ErrMalformedMap is returned when the packed memory map is truncated
	// or reports more entries than it can hold.
	ErrMalformedMap = &kernel.Error{Module: "e820", Message: "malformed memory map"}

	// ErrMapFull is returned by Add when all entry slots are in use.
	ErrMapFull = &kernel.Error{Module: "e820", Message: "memory map is full"}

	// ErrNoUsableMemory is returned by Interpret when the map does not
	// report any usable memory below 4Gb.
	ErrNoUsableMemory = &kernel.Error{Module: "e820", Message: "no usable memory detected"}

	// ErrKernelNotCovered is returned by Interpret when the kernel image
	// does not reside inside a single usable memory range.
	ErrKernelNotCovered = &kernel.Error{Module: "e820", Message: "kernel image is not located in usable memory"}
)

// EntryType defines the type of a memory map Entry.
type EntryType uint32

const (
	// Usable indicates that the memory region is available for use.
	Usable EntryType = iota + 1

	// Reserved indicates that the memory region is not available for use.
	Reserved

	// ACPIReclaimable indicates a memory region that holds ACPI tables
	// which can be reused once parsed.
	ACPIReclaimable

	// NVS indicates memory that must be preserved when hibernating.
	NVS

	// Unusable indicates memory with detected errors.
	Unusable
)

// String implements fmt.Stringer for EntryType.
func (t EntryType) String() string {
	switch t {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case ACPIReclaimable:
		return "ACPI (reclaimable)"
	case NVS:
		return "NVS"
	case Unusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// Entry is a single memory map entry. Addresses and lengths are reported by
// the firmware as split low/high dwords.
type Entry struct {
	AddrLow    uint32
	AddrHigh   uint32
	LengthLow  uint32
	LengthHigh uint32
	Type       EntryType
}

// Addr returns the 64-bit physical start address of the entry.
func (e *Entry) Addr() uint64 {
	return uint64(e.AddrHigh)<<32 | uint64(e.AddrLow)
}

// Length returns the 64-bit length of the entry.
func (e *Entry) Length() uint64 {
	return uint64(e.LengthHigh)<<32 | uint64(e.LengthLow)
}

// MemoryMap mirrors the structure filled in by the boot stage. Entries at
// index Count and beyond carry no meaning.
type MemoryMap struct {
	Count   uint32
	Entries [MaxEntries]Entry
}

// Decode populates m from the packed little-endian representation in b.
func Decode(b []byte, m *MemoryMap) *kernel.Error {
	if len(b) < MapSize {
		return ErrMalformedMap
	}

	count := binary.LittleEndian.Uint32(b)
	if count > MaxEntries {
		return ErrMalformedMap
	}

	m.Count = count
	for i := range m.Entries {
		raw := b[4+i*entrySize:]
		m.Entries[i] = Entry{
			AddrLow:    binary.LittleEndian.Uint32(raw[0:]),
			AddrHigh:   binary.LittleEndian.Uint32(raw[4:]),
			LengthLow:  binary.LittleEndian.Uint32(raw[8:]),
			LengthHigh: binary.LittleEndian.Uint32(raw[12:]),
			Type:       EntryType(binary.LittleEndian.Uint32(raw[16:])),
		}
	}

	return nil
}

// Encode writes the packed little-endian representation of m into b which
// must be at least MapSize bytes long.
func (m *MemoryMap) Encode(b []byte) *kernel.Error {
	if len(b) < MapSize || m.Count > MaxEntries {
		return ErrMalformedMap
	}

	binary.LittleEndian.PutUint32(b, m.Count)
	for i, entry := range m.Entries {
		raw := b[4+i*entrySize:]
		binary.LittleEndian.PutUint32(raw[0:], entry.AddrLow)
		binary.LittleEndian.PutUint32(raw[4:], entry.AddrHigh)
		binary.LittleEndian.PutUint32(raw[8:], entry.LengthLow)
		binary.LittleEndian.PutUint32(raw[12:], entry.LengthHigh)
		binary.LittleEndian.PutUint32(raw[16:], uint32(entry.Type))
	}

	return nil
}

// Add appends an entry describing [addr, addr+length) to the map.
func (m *MemoryMap) Add(addr, length uint64, typ EntryType) *kernel.Error {
	if m.Count >= MaxEntries {
		return ErrMapFull
	}

	m.Entries[m.Count] = Entry{
		AddrLow:    uint32(addr),
		AddrHigh:   uint32(addr >> 32),
		LengthLow:  uint32(length),
		LengthHigh: uint32(length >> 32),
		Type:       typ,
	}
	m.Count++
	return nil
}

// Visitor is invoked by Visit for each memory map entry. The visitor must
// return true to continue or false to abort the scan.
type Visitor func(entry *Entry) bool

// Visit invokes visitor for each of the first Count entries of the map.
func (m *MemoryMap) Visit(visitor Visitor) {
	count := m.Count
	if count > MaxEntries {
		count = MaxEntries
	}

	for i := uint32(0); i < count; i++ {
		if !visitor(&m.Entries[i]) {
			return
		}
	}
}

// Print outputs the memory map and the total usable memory it reports.
func (m *MemoryMap) Print() {
	var usable mem.Size

	kfmt.Printf("[e820] system memory map:\n")
	m.Visit(func(entry *Entry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			entry.Addr(), entry.Addr()+entry.Length(), entry.Length(), entry.Type.String())

		if entry.Type == Usable {
			usable += mem.Size(entry.Length())
		}
		return true
	})
	kfmt.Printf("[e820] available memory: %dKb\n", uint64(usable/mem.Kb))
}
